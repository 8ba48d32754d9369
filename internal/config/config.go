package config

import (
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"go.uber.org/dig"

	"github.com/REPPL/Persona-sub005/internal/provider/ollama"
	"github.com/REPPL/Persona-sub005/internal/provider/openai"
)

// Config represents the engine configuration.
type Config struct {
	Server   ServerConfig
	CORS     CORSConfig
	Budget   BudgetConfig
	Pipeline PipelineConfig
	Redis    RedisConfig
	OpenAI   openai.Config
	Ollama   ollama.Config
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port         int `env:"SERVER_PORT"          envDefault:"8080"`
	ReadTimeout  int `env:"SERVER_READ_TIMEOUT"  envDefault:"30"`
	WriteTimeout int `env:"SERVER_WRITE_TIMEOUT" envDefault:"600"`
}

// CORSConfig contains CORS policy settings.
type CORSConfig struct {
	AllowedOrigins   []string `env:"CORS_ALLOWED_ORIGINS"   envSeparator:"," envDefault:"*"`
	AllowedMethods   []string `env:"CORS_ALLOWED_METHODS"   envSeparator:"," envDefault:"GET,POST,PUT,DELETE,OPTIONS"`
	AllowedHeaders   []string `env:"CORS_ALLOWED_HEADERS"   envSeparator:"," envDefault:"Content-Type,Authorization"`
	AllowCredentials bool     `env:"CORS_ALLOW_CREDENTIALS"                  envDefault:"true"`
	MaxAge           int      `env:"CORS_MAX_AGE"                            envDefault:"86400"`
}

// BudgetConfig contains the cost ceiling. Zero disables the ceiling.
type BudgetConfig struct {
	CeilingUSD float64 `env:"BUDGET_CEILING_USD" envDefault:"0"`
}

// PipelineConfig contains pipeline backend selection and batching.
type PipelineConfig struct {
	LocalProvider         string  `env:"PIPELINE_LOCAL_PROVIDER"    envDefault:"ollama"`
	LocalModel            string  `env:"PIPELINE_LOCAL_MODEL"       envDefault:"llama3.1"`
	FrontierProvider      string  `env:"PIPELINE_FRONTIER_PROVIDER" envDefault:"openai"`
	FrontierModel         string  `env:"PIPELINE_FRONTIER_MODEL"    envDefault:"gpt-4o"`
	BatchSize             int     `env:"PIPELINE_BATCH_SIZE"        envDefault:"5"`
	Temperature           float64 `env:"PIPELINE_TEMPERATURE"       envDefault:"0.8"`
	MaxTokens             int     `env:"PIPELINE_MAX_TOKENS"        envDefault:"2048"`
	AcquireTimeoutSeconds int     `env:"PIPELINE_ACQUIRE_TIMEOUT"   envDefault:"120"`
}

// RedisConfig contains response cache settings. An empty address
// disables the cache.
type RedisConfig struct {
	Addr       string `env:"REDIS_ADDR"`
	Password   string `env:"REDIS_PASSWORD"`
	DB         int    `env:"REDIS_DB"          envDefault:"0"`
	TTLSeconds int    `env:"REDIS_TTL_SECONDS" envDefault:"3600"`
}

// DepConfig is used for dependency injection with dig.
type DepConfig struct {
	dig.Out

	Server   *ServerConfig
	CORS     *CORSConfig
	Budget   *BudgetConfig
	Pipeline *PipelineConfig
	Redis    *RedisConfig
	OpenAI   *openai.Config
	Ollama   *ollama.Config
}

// Load loads environment files and parses configuration.
func Load() *Config {
	for _, file := range []string{".env"} {
		_ = godotenv.Load(file)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		panic(err)
	}

	return &cfg
}

// ParseDependenciesConfig returns pointers to sub-configs for dependency injection.
func ParseDependenciesConfig(cfg *Config) DepConfig {
	return DepConfig{
		Server:   &cfg.Server,
		CORS:     &cfg.CORS,
		Budget:   &cfg.Budget,
		Pipeline: &cfg.Pipeline,
		Redis:    &cfg.Redis,
		OpenAI:   &cfg.OpenAI,
		Ollama:   &cfg.Ollama,
	}
}
