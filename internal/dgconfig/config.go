// Package dgconfig loads Decision Gate server configuration.
// Configuration sources, in priority order: env vars > config file >
// defaults.
package dgconfig

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full recognized configuration surface.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Namespace  NamespaceConfig  `yaml:"namespace"`
	Evidence   EvidenceConfig   `yaml:"evidence"`
	Providers  []ProviderConfig `yaml:"providers"`
	Anchors    AnchorsConfig    `yaml:"anchors"`
	Validation ValidationConfig `yaml:"validation"`
	RunState   RunStateConfig   `yaml:"run_state_store"`
	Retention  RetentionConfig  `yaml:"retention"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Docs       DocsConfig       `yaml:"docs"`
	SchemaACL  SchemaACLConfig  `yaml:"schema_registry"`
	LogLevel   string           `yaml:"log_level"`
	LogFormat  string           `yaml:"log_format"`
}

// ServerConfig holds transport-facing authorization settings.
type ServerConfig struct {
	Auth AuthConfig `yaml:"auth"`
}

// AuthConfig mirrors secpipeline.AuthConfig's recognized keys.
type AuthConfig struct {
	Mode         string   `yaml:"mode"` // local_only | bearer_token | mtls
	BearerTokens []string `yaml:"bearer_tokens,omitempty"`
	MTLSSubjects []string `yaml:"mtls_subjects,omitempty"`
	AllowedTools []string `yaml:"allowed_tools,omitempty"`
	Principals   []string `yaml:"principals,omitempty"`
}

// NamespaceConfig configures the reserved default namespace gate and
// optional external authority check.
type NamespaceConfig struct {
	AllowDefault   bool             `yaml:"allow_default"`
	DefaultTenants []string         `yaml:"default_tenants,omitempty"`
	Authority      AuthorityConfig  `yaml:"authority"`
}

// AuthorityConfig configures NamespaceConfig's external authority.
type AuthorityConfig struct {
	Mode        string `yaml:"mode"` // none | http
	BaseURL     string `yaml:"base_url,omitempty"`
	TimeoutMs   int    `yaml:"timeout_ms,omitempty"`
	BearerToken string `yaml:"bearer_token,omitempty"`
}

// Timeout returns AuthorityConfig.TimeoutMs as a time.Duration,
// defaulting to 5s when unset.
func (a AuthorityConfig) Timeout() time.Duration {
	if a.TimeoutMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(a.TimeoutMs) * time.Millisecond
}

// EvidenceConfig gates raw-value disclosure and provider opt-in.
type EvidenceConfig struct {
	AllowRawValues        bool `yaml:"allow_raw_values"`
	RequireProviderOptIn  bool `yaml:"require_provider_opt_in"`
}

// ProviderConfig describes one configured evidence provider.
type ProviderConfig struct {
	ID               string            `yaml:"id"`
	Type             string            `yaml:"type"` // mcp_stdio | mcp_http | builtin
	Command          string            `yaml:"command,omitempty"`
	URL              string            `yaml:"url,omitempty"`
	CapabilitiesPath string            `yaml:"capabilities_path,omitempty"`
	Auth             map[string]string `yaml:"auth,omitempty"`
	Trust            string            `yaml:"trust,omitempty"`
	AllowRaw         bool              `yaml:"allow_raw"`
	TimeoutMs        int               `yaml:"timeout_ms,omitempty"`
	AllowInsecureHTTP bool             `yaml:"allow_insecure_http"`
}

// AnchorsConfig lists per-provider anchor requirements.
type AnchorsConfig struct {
	Providers []AnchorProviderConfig `yaml:"providers"`
}

// AnchorProviderConfig is one provider's anchor policy.
type AnchorProviderConfig struct {
	ProviderID     string   `yaml:"provider_id"`
	AnchorType     string   `yaml:"anchor_type"`
	RequiredFields []string `yaml:"required_fields,omitempty"`
}

// ValidationConfig controls which comparator families are enabled.
type ValidationConfig struct {
	AllowPermissive     bool `yaml:"allow_permissive"`
	EnableLexComparators bool `yaml:"enable_lex_comparators"`
	EnableDeepComparators bool `yaml:"enable_deep_comparators"`
}

// RunStateConfig selects the run-state store backend.
type RunStateConfig struct {
	Kind string            `yaml:"kind"` // memory | sqlite | mysql | postgres
	DSN  string            `yaml:"dsn,omitempty"`
	Opts map[string]string `yaml:"opts,omitempty"`
}

// RetentionConfig schedules the run-state store's pruning sweep. An
// empty Schedule disables pruning entirely — deletions only ever
// remove whole terminal runs, never individual log entries within one.
type RetentionConfig struct {
	Schedule       string `yaml:"schedule,omitempty"` // standard 5-field cron; empty disables pruning
	OlderThanHours int    `yaml:"older_than_hours,omitempty"`
}

// TelemetryConfig configures OTLP/gRPC trace export. An empty
// OTLPEndpoint disables tracing; tool-call spans are otherwise a no-op.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint,omitempty"`
}

// DocsConfig controls the optional embedded docs surface.
type DocsConfig struct {
	Enabled           bool     `yaml:"enabled"`
	EnableSearch      bool     `yaml:"enable_search"`
	EnableResources   bool     `yaml:"enable_resources"`
	IncludeDefaultDocs bool    `yaml:"include_default_docs"`
	ExtraPaths        []string `yaml:"extra_paths,omitempty"`
	MaxBytes          int      `yaml:"max_bytes,omitempty"`
}

// SchemaACLConfig controls who may register/update predicate schemas.
type SchemaACLConfig struct {
	Mode           string           `yaml:"mode"` // builtin | custom
	Rules          []SchemaACLRule `yaml:"rules,omitempty"`
	RequireSigning bool            `yaml:"require_signing"`
	AllowLocalOnly bool            `yaml:"allow_local_only"`
}

// SchemaACLRule is one custom-mode ACL entry.
type SchemaACLRule struct {
	Principal string `yaml:"principal"`
	Pattern   string `yaml:"pattern"`
}

// Default returns configuration with sensible, fail-closed defaults:
// local_only auth, default namespace disabled, memory run-state store.
func Default() Config {
	return Config{
		Server:   ServerConfig{Auth: AuthConfig{Mode: "local_only"}},
		Namespace: NamespaceConfig{
			AllowDefault: false,
			Authority:    AuthorityConfig{Mode: "none"},
		},
		Evidence: EvidenceConfig{
			AllowRawValues:       false,
			RequireProviderOptIn: true,
		},
		Validation: ValidationConfig{
			AllowPermissive:       false,
			EnableLexComparators:  false,
			EnableDeepComparators: true,
		},
		RunState:  RunStateConfig{Kind: "memory"},
		Retention: RetentionConfig{OlderThanHours: 24 * 30},
		Docs:     DocsConfig{Enabled: true, IncludeDefaultDocs: true, MaxBytes: 1 << 20},
		SchemaACL: SchemaACLConfig{
			Mode:           "builtin",
			RequireSigning: false,
			AllowLocalOnly: true,
		},
		LogLevel:  "info",
		LogFormat: "json",
	}
}

// Load reads configuration from a YAML file, if path is non-empty, and
// overlays environment variable overrides on top of it.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("dgconfig: read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("dgconfig: parse config: %w", err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() Config {
	cfg := Default()
	applyEnv(&cfg)
	return cfg
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("DECISIONGATE_AUTH_MODE"); v != "" {
		cfg.Server.Auth.Mode = v
	}
	if v := os.Getenv("DECISIONGATE_BEARER_TOKENS"); v != "" {
		cfg.Server.Auth.BearerTokens = strings.Split(v, ",")
	}
	if v := os.Getenv("DECISIONGATE_ALLOW_DEFAULT_NAMESPACE"); v != "" {
		cfg.Namespace.AllowDefault = v == "true" || v == "1"
	}
	if v := os.Getenv("DECISIONGATE_RUN_STATE_KIND"); v != "" {
		cfg.RunState.Kind = v
	}
	if v := os.Getenv("DECISIONGATE_RUN_STATE_DSN"); v != "" {
		cfg.RunState.DSN = v
	}
	if v := os.Getenv("DECISIONGATE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("DECISIONGATE_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("DECISIONGATE_EVIDENCE_ALLOW_RAW_VALUES"); v != "" {
		cfg.Evidence.AllowRawValues = v == "true" || v == "1"
	}
	if v := os.Getenv("DECISIONGATE_DOCS_MAX_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Docs.MaxBytes = n
		}
	}
	if v := os.Getenv("DECISIONGATE_RETENTION_SCHEDULE"); v != "" {
		cfg.Retention.Schedule = v
	}
	if v := os.Getenv("DECISIONGATE_OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}
}

// Save writes configuration to a YAML file, for round-tripping
// effective config during diagnostics.
func (c Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("dgconfig: marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0640)
}

// Validate checks the configuration surface's own cross-field
// invariants that a schema can't express: authority mode http is
// incompatible with a permissive validation stance, and bearer_token
// auth needs at least one configured token.
func (c Config) Validate() error {
	if c.Namespace.Authority.Mode == "http" && c.Validation.AllowPermissive {
		return fmt.Errorf("dgconfig: namespace.authority.mode=http is incompatible with validation.allow_permissive")
	}
	if c.Server.Auth.Mode == "bearer_token" && len(c.Server.Auth.BearerTokens) == 0 {
		return fmt.Errorf("dgconfig: server.auth.mode=bearer_token requires at least one bearer token")
	}
	if c.Server.Auth.Mode == "mtls" && len(c.Server.Auth.MTLSSubjects) == 0 {
		return fmt.Errorf("dgconfig: server.auth.mode=mtls requires at least one mtls subject")
	}
	switch c.RunState.Kind {
	case "memory", "sqlite", "mysql", "postgres":
	default:
		return fmt.Errorf("dgconfig: run_state_store.kind %q is not recognized", c.RunState.Kind)
	}
	return nil
}
