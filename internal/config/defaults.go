package config

// Default values applied before the TOML file and environment overrides
// are merged in.
const (
	DefaultBindAddr     = "127.0.0.1:8080"
	DefaultContextLimit = 200000

	DefaultClientIdentityHeader = "Authorization"

	DefaultLoggingLevel    = "info"
	DefaultLoggingRotation = "daily"

	DefaultCortexEnabled           = true
	DefaultCortexDBPath            = "./data/cortex.db"
	DefaultCortexMaxThinkingSize   = 100_000
	DefaultCortexRetentionDays     = 90
	DefaultCortexChannelBuffer     = 10_000
	DefaultCortexBatchSize         = 100
	DefaultCortexFlushIntervalSecs = 1
	DefaultCortexReaderPoolSize    = 4
	DefaultCortexRetentionSchedule = "0 3 * * *"

	DefaultEmbeddingsProvider         = "none"
	DefaultEmbeddingsPollIntervalSecs = 30
	DefaultEmbeddingsBatchSize        = 32
	DefaultEmbeddingsBatchDelayMs     = 200
	DefaultEmbeddingsMaxContentLength = 8000

	DefaultCountTokensEnabled            = true
	DefaultCountTokensCacheTTLSeconds    = 10
	DefaultCountTokensRateLimitPerSecond = 2.0
)

// DefaultContextWarningThresholds is the ascending threshold set used by the
// context-usage warner when the operator does not configure one.
var DefaultContextWarningThresholds = []int{60, 80, 85, 90, 95}

// Defaults returns a Config populated with every default value, to be
// overlaid by the TOML file and then by environment variables.
func Defaults() *Config {
	return &Config{
		BindAddr:              DefaultBindAddr,
		ContextLimit:          DefaultContextLimit,
		ClientIdentityHeader:  DefaultClientIdentityHeader,
		ClientIdentityHash:    true,
		Features: FeaturesConfig{
			Storage: true,
			Stats:   true,
		},
		Augmentation: AugmentationConfig{
			ContextWarning:           true,
			ContextWarningThresholds: append([]int(nil), DefaultContextWarningThresholds...),
		},
		Logging: LoggingConfig{
			Level:    DefaultLoggingLevel,
			Rotation: DefaultLoggingRotation,
		},
		Cortex: CortexConfig{
			Enabled:           DefaultCortexEnabled,
			DBPath:            DefaultCortexDBPath,
			StoreThinking:     true,
			StoreToolIO:       true,
			MaxThinkingSize:   DefaultCortexMaxThinkingSize,
			RetentionDays:     DefaultCortexRetentionDays,
			ChannelBuffer:     DefaultCortexChannelBuffer,
			BatchSize:         DefaultCortexBatchSize,
			FlushIntervalSecs: DefaultCortexFlushIntervalSecs,
			ReaderPoolSize:    DefaultCortexReaderPoolSize,
			RetentionSchedule: DefaultCortexRetentionSchedule,
		},
		Embeddings: EmbeddingsConfig{
			Provider:         DefaultEmbeddingsProvider,
			PollIntervalSecs: DefaultEmbeddingsPollIntervalSecs,
			BatchSize:        DefaultEmbeddingsBatchSize,
			BatchDelayMs:     DefaultEmbeddingsBatchDelayMs,
			MaxContentLength: DefaultEmbeddingsMaxContentLength,
		},
		Translation: TranslationConfig{
			Enabled:    true,
			AutoDetect: true,
		},
		CountTokens: CountTokensConfig{
			Enabled:            DefaultCountTokensEnabled,
			CacheTTLSeconds:    DefaultCountTokensCacheTTLSeconds,
			RateLimitPerSecond: DefaultCountTokensRateLimitPerSecond,
		},
		Providers: map[string]ProviderConfig{},
		Clients:   map[string]ClientConfig{},
	}
}
