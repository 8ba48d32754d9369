package openai

// SupportedModels returns the list of models served by the OpenAI backend.
func SupportedModels() []string {
	return []string{
		"gpt-4o",
		"gpt-4o-mini",
		"gpt-4.1",
		"gpt-4.1-mini",
	}
}
