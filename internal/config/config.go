package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port string

	// OpenAI-compatible chat completions endpoint
	LLMBaseURL     string
	LLMHTTPTimeout time.Duration

	// Defaults for the runtime settings; overridable via the settings file.
	APIKey        string
	OCRModel      string
	RestoreModel  string
	SettingsFile  string
	RestoreRubric string

	OCRMaxTokens     int
	RestoreMaxTokens int

	// Scheduling
	MaxActiveDocuments   int
	MaxConcurrentRestore int

	// Upload limits
	MaxUploadBytes int64

	// Rendering
	RenderDPI     int
	MaxImageSide  int
	PdftoppmPath  string
	RenderTimeout time.Duration

	StatsWindow time.Duration
}

func Load() Config {
	cfg := Config{
		Port: envOr("PORT", "8090"),

		LLMBaseURL:     envOr("LLM_BASE_URL", "https://api.siliconflow.cn/v1"),
		LLMHTTPTimeout: envDuration("LLM_HTTP_TIMEOUT", 120*time.Second),

		APIKey:        os.Getenv("SILICONFLOW_API_KEY"),
		OCRModel:      envOr("OCR_MODEL", DefaultOCRModel),
		RestoreModel:  envOr("RESTORE_MODEL", DefaultRestoreModel),
		SettingsFile:  os.Getenv("SETTINGS_FILE"),
		RestoreRubric: os.Getenv("RESTORE_RUBRIC"),

		OCRMaxTokens:     envInt("OCR_MAX_TOKENS", 4096),
		RestoreMaxTokens: envInt("RESTORE_MAX_TOKENS", 8192),

		MaxActiveDocuments:   envInt("MAX_ACTIVE_DOCUMENTS", 1),
		MaxConcurrentRestore: envInt("MAX_CONCURRENT_RESTORE", 4),

		MaxUploadBytes: envInt64("MAX_UPLOAD_BYTES", 104857600), // 100MB

		RenderDPI:     envInt("RENDER_DPI", 144),
		MaxImageSide:  envInt("MAX_IMAGE_SIDE", 3000),
		PdftoppmPath:  envOr("PDFTOPPM_PATH", "pdftoppm"),
		RenderTimeout: envDuration("RENDER_TIMEOUT", 60*time.Second),

		StatsWindow: envDuration("STATS_WINDOW", 1*time.Hour),
	}

	if cfg.LLMHTTPTimeout <= 0 {
		cfg.LLMHTTPTimeout = 120 * time.Second
	}
	if cfg.OCRMaxTokens <= 0 {
		cfg.OCRMaxTokens = 4096
	}
	if cfg.RestoreMaxTokens <= 0 {
		cfg.RestoreMaxTokens = 8192
	}
	if cfg.MaxActiveDocuments <= 0 {
		cfg.MaxActiveDocuments = 1
	}
	if cfg.MaxConcurrentRestore <= 0 {
		cfg.MaxConcurrentRestore = 4
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 104857600
	}
	if cfg.RenderDPI <= 0 {
		cfg.RenderDPI = 144
	}
	if cfg.MaxImageSide <= 0 {
		cfg.MaxImageSide = 3000
	}
	if cfg.RenderTimeout <= 0 {
		cfg.RenderTimeout = 60 * time.Second
	}
	if cfg.StatsWindow <= 0 {
		cfg.StatsWindow = 1 * time.Hour
	}

	return cfg
}

// Validate checks the static configuration. A missing API key is not an
// error here: it can be supplied later through the settings endpoint, and
// documents fail individually until it is.
func (c Config) Validate() error {
	if c.LLMBaseURL == "" {
		return fmt.Errorf("LLM_BASE_URL is required")
	}
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	return nil
}

// DefaultSettings returns the runtime settings seeded from the environment.
func (c Config) DefaultSettings() Settings {
	s := Settings{
		APIKey:        c.APIKey,
		OCRModel:      c.OCRModel,
		RestoreModel:  c.RestoreModel,
		RestoreRubric: c.RestoreRubric,
	}
	return s.withDefaults()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
