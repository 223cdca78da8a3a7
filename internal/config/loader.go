package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind, matching
// the completion backends the anyllm package can construct. Used by
// [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"completion": {"openai", "anthropic", "gemini", "ollama", "mistral", "groq"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands environment
// references in secrets, applies defaults and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	expandSecrets(cfg)
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// expandSecrets resolves ${VAR} references in credential and DSN fields so
// they never have to be written into config files verbatim.
func expandSecrets(cfg *Config) {
	cfg.Realtime.APIKey = os.ExpandEnv(cfg.Realtime.APIKey)
	cfg.Completion.APIKey = os.ExpandEnv(cfg.Completion.APIKey)
	cfg.Embeddings.APIKey = os.ExpandEnv(cfg.Embeddings.APIKey)
	cfg.Knowledge.PostgresDSN = os.ExpandEnv(cfg.Knowledge.PostgresDSN)
}

// applyDefaults fills in zero-valued fields so the rest of the program can
// assume a fully populated configuration.
func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8000"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Realtime.Model == "" {
		cfg.Realtime.Model = "gpt-4o-realtime-preview"
	}
	if cfg.Realtime.Voice == "" {
		cfg.Realtime.Voice = "alloy"
	}
	if cfg.Knowledge.Facility == "" {
		cfg.Knowledge.Facility = "Greenview Hospital"
	}
	if cfg.Knowledge.TopK <= 0 {
		cfg.Knowledge.TopK = 3
	}
	if cfg.Knowledge.AnswerTimeout <= 0 {
		cfg.Knowledge.AnswerTimeout = 10 * time.Second
	}
	if cfg.Knowledge.ChunkSize <= 0 {
		cfg.Knowledge.ChunkSize = 300
	}
	if cfg.Knowledge.ChunkOverlap <= 0 {
		cfg.Knowledge.ChunkOverlap = 100
	}
	if cfg.Completion.Provider == "" {
		cfg.Completion.Provider = "openai"
	}
	if cfg.Completion.Model == "" {
		cfg.Completion.Model = "gpt-4o"
	}
	if cfg.Completion.APIKey == "" && cfg.Completion.Provider == "openai" {
		cfg.Completion.APIKey = cfg.Realtime.APIKey
	}
	if cfg.Embeddings.Model == "" {
		cfg.Embeddings.Model = "text-embedding-3-small"
	}
	if cfg.Embeddings.APIKey == "" {
		cfg.Embeddings.APIKey = cfg.Realtime.APIKey
	}
	if cfg.Audio.InputGain == 0 {
		cfg.Audio.InputGain = 1.0
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" {
			errs = append(errs, errors.New("server.tls.cert_file is required when TLS is configured"))
		}
		if cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls.key_file is required when TLS is configured"))
		}
	}

	// Realtime
	if cfg.Realtime.APIKey == "" {
		errs = append(errs, errors.New("realtime.api_key is required"))
	}

	// Completion provider name — warn for unknown names.
	validateProviderName("completion", cfg.Completion.Provider)

	// Retrieval tuning
	if cfg.Knowledge.ChunkOverlap >= cfg.Knowledge.ChunkSize {
		errs = append(errs, fmt.Errorf("knowledge.chunk_overlap %d must be smaller than knowledge.chunk_size %d", cfg.Knowledge.ChunkOverlap, cfg.Knowledge.ChunkSize))
	}

	// Knowledge availability
	if cfg.Knowledge.PostgresDSN == "" && !cfg.Realtime.OutOfBandRAG {
		slog.Warn("knowledge.postgres_dsn is empty; retrieval will be unavailable and every question will get the fallback answer")
	}

	// Audio
	if cfg.Audio.InputGain < 0 {
		errs = append(errs, fmt.Errorf("audio.input_gain %.2f must not be negative", cfg.Audio.InputGain))
	}
	if cfg.Audio.InputGain > 10 {
		slog.Warn("audio.input_gain is unusually high; samples will clip hard",
			"input_gain", cfg.Audio.InputGain,
		)
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
