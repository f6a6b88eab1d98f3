// Package config loads and validates aspyx's TOML configuration, following
// the sections an operator writes in aspyx.toml.
package config

import "time"

// Config is the root configuration tree, decoded from TOML. Fields mirror
// the top-level keys and bracketed sections an operator writes; environment
// variables override specific fields at load time (see load.go).
type Config struct {
	BindAddr           string `toml:"bind_addr"`
	APIURL             string `toml:"api_url"`
	LogDir             string `toml:"log_dir"`
	ContextLimit       int    `toml:"context_limit"`
	Theme              string `toml:"theme"`
	Preset             string `toml:"preset"`
	UseThemeBackground bool   `toml:"use_theme_background"`

	// ClientIdentityHeader names the inbound header the proxy orchestrator
	// reads to identify client_id; ClientIdentityHash hashes its value
	// before using it, rather than using the raw credential.
	ClientIdentityHeader string `toml:"client_identity_header"`
	ClientIdentityHash   bool   `toml:"client_identity_hash"`

	Features     FeaturesConfig            `toml:"features"`
	Augmentation AugmentationConfig        `toml:"augmentation"`
	Logging      LoggingConfig             `toml:"logging"`
	Cortex       CortexConfig              `toml:"cortex"`
	Embeddings   EmbeddingsConfig          `toml:"embeddings"`
	Translation  TranslationConfig         `toml:"translation"`
	Transformers TransformersConfig        `toml:"transformers"`
	CountTokens  CountTokensConfig         `toml:"count_tokens"`
	Otel         OtelConfig                `toml:"otel"`
	Providers    map[string]ProviderConfig `toml:"providers"`
	Clients      map[string]ClientConfig   `toml:"clients"`
}

// FeaturesConfig toggles ambient, non-core-path behaviors.
type FeaturesConfig struct {
	Storage       bool `toml:"storage"`
	ThinkingPanel bool `toml:"thinking_panel"`
	Stats         bool `toml:"stats"`
}

// AugmentationConfig controls the response augmentation pipeline.
type AugmentationConfig struct {
	ContextWarning           bool  `toml:"context_warning"`
	ContextWarningThresholds []int `toml:"context_warning_thresholds"`
}

// LoggingConfig controls the ambient logging stack.
type LoggingConfig struct {
	Level    string `toml:"level"`
	File     string `toml:"file"`
	Rotation string `toml:"rotation"` // hourly, daily, never
}

// CortexConfig controls the Cortex writer/reader pool.
type CortexConfig struct {
	Enabled           bool   `toml:"enabled"`
	DBPath            string `toml:"db_path"`
	StoreThinking     bool   `toml:"store_thinking"`
	StoreToolIO       bool   `toml:"store_tool_io"`
	MaxThinkingSize   int    `toml:"max_thinking_size"`
	RetentionDays     int    `toml:"retention_days"`
	ChannelBuffer     int    `toml:"channel_buffer"`
	BatchSize         int    `toml:"batch_size"`
	FlushIntervalSecs int    `toml:"flush_interval_secs"`
	ReaderPoolSize    int    `toml:"reader_pool_size"`
	RetentionSchedule string `toml:"retention_schedule"` // cron expression
}

func (c CortexConfig) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalSecs) * time.Second
}

// EmbeddingsConfig controls the embedding indexer.
type EmbeddingsConfig struct {
	Provider         string `toml:"provider"` // none, local, remote
	Model            string `toml:"model"`
	APIBase          string `toml:"api_base"`
	APIVersion       string `toml:"api_version"`
	AuthMethod       string `toml:"auth_method"`
	APIKey           string `toml:"api_key"`
	APIKeyEnv        string `toml:"api_key_env"`
	PollIntervalSecs int    `toml:"poll_interval_secs"`
	BatchSize        int    `toml:"batch_size"`
	BatchDelayMs     int    `toml:"batch_delay_ms"`
	MaxContentLength int    `toml:"max_content_length"`
}

func (e EmbeddingsConfig) PollInterval() time.Duration {
	return time.Duration(e.PollIntervalSecs) * time.Second
}

func (e EmbeddingsConfig) BatchDelay() time.Duration {
	return time.Duration(e.BatchDelayMs) * time.Millisecond
}

// TranslationConfig controls the bidirectional translation pipeline.
type TranslationConfig struct {
	Enabled      bool              `toml:"enabled"`
	AutoDetect   bool              `toml:"auto_detect"`
	ModelMapping map[string]string `toml:"model_mapping"`
}

// TransformersConfig holds the transformation pipeline's built-in
// transformer configs.
type TransformersConfig struct {
	TagEditor       TagEditorConfig       `toml:"tag-editor"`
	SystemEditor    SystemEditorConfig    `toml:"system-editor"`
	CompactEnhancer CompactEnhancerConfig `toml:"compact-enhancer"`
}

type TagEditorConfig struct {
	Enabled bool            `toml:"enabled"`
	Rules   []TagRuleConfig `toml:"rules"`
}

type TagRuleConfig struct {
	Type        string        `toml:"type"` // remove, replace, inject
	Tag         string        `toml:"tag"`
	Pattern     string        `toml:"pattern"`
	Replacement string        `toml:"replacement"`
	Content     string        `toml:"content"`
	Position    string        `toml:"position"` // start_of_messages, end_of_last_user_message, before_system_reminder
	When        WhenCondition `toml:"when"`
}

type WhenCondition struct {
	TurnNumber     string `toml:"turn_number"`
	HasToolResults string `toml:"has_tool_results"`
	ClientID       string `toml:"client_id"`
}

type SystemEditorConfig struct {
	Enabled bool               `toml:"enabled"`
	Rules   []SystemEditorRule `toml:"rules"`
}

type SystemEditorRule struct {
	Type        string `toml:"type"` // append, prepend, replace
	Content     string `toml:"content"`
	Pattern     string `toml:"pattern"`
	Replacement string `toml:"replacement"`
}

type CompactEnhancerConfig struct {
	Enabled  bool   `toml:"enabled"`
	Preamble string `toml:"preamble"`
}

// CountTokensConfig controls the count-tokens cache.
type CountTokensConfig struct {
	Enabled            bool    `toml:"enabled"`
	CacheTTLSeconds    uint64  `toml:"cache_ttl_seconds"`
	RateLimitPerSecond float64 `toml:"rate_limit_per_second"`
}

// OtelConfig controls the OpenTelemetry exporter boundary.
type OtelConfig struct {
	Enabled          bool   `toml:"enabled"`
	ConnectionString string `toml:"connection_string"`
	ServiceName      string `toml:"service_name"`
	ServiceVersion   string `toml:"service_version"`
}

// ApiFormat is the wire format a provider backend expects.
type ApiFormat string

const (
	FormatAnthropic ApiFormat = "anthropic"
	FormatOpenAI    ApiFormat = "openai"
)

// CountTokensHandling is how a provider wants count-tokens requests handled.
type CountTokensHandling string

const (
	CountTokensPassthrough CountTokensHandling = "passthrough"
	CountTokensSynthetic   CountTokensHandling = "synthetic"
	CountTokensDedupe      CountTokensHandling = "dedupe"
)

// AuthMethod is the outbound authentication scheme for a provider.
type AuthMethod string

const (
	AuthPassthrough AuthMethod = "passthrough"
	AuthBearer      AuthMethod = "bearer"
	AuthXAPIKey     AuthMethod = "x_api_key"
	AuthBasic       AuthMethod = "basic"
	AuthHeader      AuthMethod = "header"
)

// ProviderAuth configures how to authenticate requests to a provider.
type ProviderAuth struct {
	Method        AuthMethod `toml:"method"`
	Key           string     `toml:"key"`
	KeyEnv        string     `toml:"key_env"`
	HeaderName    string     `toml:"header_name"`
	StripIncoming *bool      `toml:"strip_incoming"`
}

// ProviderConfig defines one upstream backend.
type ProviderConfig struct {
	BaseURL      string               `toml:"base_url"`
	Name         string               `toml:"name"`
	APIFormat    ApiFormat            `toml:"api_format"`
	APIPath      string               `toml:"api_path"`
	Auth         *ProviderAuth        `toml:"auth"`
	CountTokens  *CountTokensHandling `toml:"count_tokens"`
	ModelMapping map[string]string    `toml:"model_mapping"`
}

// ClientConfig maps an inbound client identity to a provider.
type ClientConfig struct {
	Name     string        `toml:"name"`
	Provider string        `toml:"provider"`
	Tags     []string      `toml:"tags"`
	Auth     *ProviderAuth `toml:"auth"`
}
