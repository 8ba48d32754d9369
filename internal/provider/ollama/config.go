package ollama

// Config contains Ollama backend configuration.
// Models is a comma-separated list of locally pulled model names.
type Config struct {
	BaseURL string `env:"OLLAMA_BASE_URL" envDefault:"http://localhost:11434/v1"`
	Models  string `env:"OLLAMA_MODELS"   envDefault:"llama3.1"`
	Timeout int    `env:"OLLAMA_TIMEOUT"  envDefault:"300"`
}
