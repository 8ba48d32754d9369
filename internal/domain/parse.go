package domain

import (
	"strings"

	"github.com/google/uuid"
	"github.com/segmentio/encoding/json"
)

const placeholderExcerptLen = 200

// ParsePersonas extracts persona records from raw backend output.
// The content may be a JSON array or a single JSON object, optionally
// wrapped in prose or code fences. Returns nil if nothing parseable
// is found; callers decide whether to synthesize a placeholder.
func ParsePersonas(content string) []*Persona {
	segment := extractJSONSegment(content)
	if segment == "" {
		return nil
	}

	var list []*Persona
	if err := json.Unmarshal([]byte(segment), &list); err == nil {
		return pruneEmpty(list)
	}

	var single Persona
	if err := json.Unmarshal([]byte(segment), &single); err == nil {
		return pruneEmpty([]*Persona{&single})
	}

	return nil
}

// PlaceholderPersona synthesizes a persona standing in for unparseable
// backend output, so a malformed batch is annotated instead of dropped.
func PlaceholderPersona(raw string) *Persona {
	excerpt := strings.TrimSpace(raw)
	if len(excerpt) > placeholderExcerptLen {
		excerpt = excerpt[:placeholderExcerptLen]
	}

	return &Persona{
		ID:          uuid.NewString(),
		Name:        "Unparsed draft",
		Role:        "unknown",
		Description: excerpt,
		Placeholder: true,
	}
}

// extractJSONSegment slices out the outermost JSON value in the content.
func extractJSONSegment(content string) string {
	start := strings.IndexAny(content, "[{")
	if start < 0 {
		return ""
	}

	var end int
	if content[start] == '[' {
		end = strings.LastIndex(content, "]")
	} else {
		end = strings.LastIndex(content, "}")
	}
	if end <= start {
		return ""
	}

	return content[start : end+1]
}

// pruneEmpty drops entries with no identifying content at all.
func pruneEmpty(list []*Persona) []*Persona {
	personas := make([]*Persona, 0, len(list))
	for _, p := range list {
		if p == nil {
			continue
		}
		if p.Name == "" && p.Role == "" && p.Description == "" {
			continue
		}
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		personas = append(personas, p)
	}
	if len(personas) == 0 {
		return nil
	}
	return personas
}
