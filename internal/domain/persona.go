package domain

// Persona is the record flowing through the generation pipeline.
// It is owned exclusively by the pipeline while in flight; ownership
// transfers to the caller once the pipeline returns.
type Persona struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Role        string   `json:"role"`
	Description string   `json:"description,omitempty"`
	Goals       []string `json:"goals,omitempty"`
	PainPoints  []string `json:"pain_points,omitempty"`
	Behaviors   []string `json:"behaviors,omitempty"`

	// Stage names the pipeline stage that produced the persona.
	Stage string `json:"stage,omitempty"`
	// Refined is set when the frontier backend revised the persona.
	Refined bool `json:"refined,omitempty"`
	// Placeholder marks personas synthesized from unparseable output.
	Placeholder bool `json:"placeholder,omitempty"`

	// Sources lists the backend keys that contributed to the persona.
	Sources []string `json:"sources,omitempty"`
	// Agreement is the consensus ratio (contributors / reporting backends).
	Agreement float64 `json:"agreement,omitempty"`
	// LowConsensus flags merged personas below the agreement threshold.
	LowConsensus bool `json:"low_consensus,omitempty"`

	// Provenance records which stage produced or modified the persona.
	// Notes are append-only and never erased.
	Provenance []string `json:"provenance,omitempty"`
}

// Annotate appends a provenance note.
func (p *Persona) Annotate(note string) {
	p.Provenance = append(p.Provenance, note)
}
