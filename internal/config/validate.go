package config

import "fmt"

// Validate checks structural invariants the loader cannot express via
// struct tags alone: every client must reference a configured provider,
// every threshold set must be ascending, and numeric knobs must be sane.
func Validate(cfg *Config) error {
	if cfg.BindAddr == "" {
		return fmt.Errorf("bind_addr must not be empty")
	}

	for id, client := range cfg.Clients {
		if client.Provider == "" {
			return fmt.Errorf("client %q: provider is required", id)
		}
		if _, ok := cfg.Providers[client.Provider]; !ok {
			return fmt.Errorf("client %q: references unknown provider %q", id, client.Provider)
		}
	}

	for id, p := range cfg.Providers {
		if p.BaseURL == "" {
			return fmt.Errorf("provider %q: base_url is required", id)
		}
		switch p.APIFormat {
		case "", FormatAnthropic, FormatOpenAI:
		default:
			return fmt.Errorf("provider %q: unknown api_format %q", id, p.APIFormat)
		}
	}

	thresholds := cfg.Augmentation.ContextWarningThresholds
	for i := 1; i < len(thresholds); i++ {
		if thresholds[i] <= thresholds[i-1] {
			return fmt.Errorf("augmentation.context_warning_thresholds must be strictly ascending, got %v", thresholds)
		}
	}

	if cfg.Cortex.Enabled {
		if cfg.Cortex.DBPath == "" {
			return fmt.Errorf("cortex.db_path is required when cortex.enabled is true")
		}
		if cfg.Cortex.BatchSize <= 0 {
			return fmt.Errorf("cortex.batch_size must be positive")
		}
		if cfg.Cortex.ReaderPoolSize <= 0 {
			return fmt.Errorf("cortex.reader_pool_size must be positive")
		}
	}

	switch cfg.Embeddings.Provider {
	case "none", "local", "remote", "":
	default:
		return fmt.Errorf("embeddings.provider must be one of none|local|remote, got %q", cfg.Embeddings.Provider)
	}

	if cfg.CountTokens.RateLimitPerSecond < 0 {
		return fmt.Errorf("count_tokens.rate_limit_per_second must be >= 0")
	}

	return nil
}
