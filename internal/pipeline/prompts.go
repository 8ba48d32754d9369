package pipeline

import (
	"fmt"
	"strings"

	"github.com/segmentio/encoding/json"

	"github.com/REPPL/Persona-sub005/internal/domain"
)

const (
	draftSystemPrompt = "You are a user researcher. Respond only with JSON. " +
		"Each persona has the fields: name, role, description, goals, pain_points, behaviors."

	refineSystemPrompt = "You are a senior user researcher improving a draft persona. " +
		"Respond only with a single JSON object using the same fields and the same id."
)

// DefaultDraftPrompt renders the built-in draft prompt for n personas.
func DefaultDraftPrompt(input string, n int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Generate %d distinct user personas grounded in the research input below.\n", n)
	b.WriteString("Return a JSON array of persona objects.\n\n")
	b.WriteString("Research input:\n")
	b.WriteString(input)
	return b.String()
}

// DefaultRefinePrompt renders the built-in refine prompt for one rejected
// persona and the quality gate's feedback.
func DefaultRefinePrompt(p *domain.Persona, feedback string) string {
	encoded, err := json.Marshal(p)
	if err != nil {
		encoded = []byte(fmt.Sprintf(`{"id":%q,"name":%q,"role":%q}`, p.ID, p.Name, p.Role))
	}

	var b strings.Builder
	b.WriteString("Improve the following persona. It was rejected by a quality review.\n\n")
	b.WriteString("Persona:\n")
	b.Write(encoded)
	if feedback != "" {
		b.WriteString("\n\nReview feedback:\n")
		b.WriteString(feedback)
	}
	b.WriteString("\n\nReturn the improved persona as a single JSON object with the same id.")
	return b.String()
}
