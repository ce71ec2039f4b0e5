// Package config loads incidentd configuration.
//
// Configuration is built once at startup from a YAML file and INCIDENTD_*
// environment variables, validated, and then passed by value to every
// component. Nothing reads configuration after startup.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config holds the complete incidentd configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server" yaml:"server"`
	Logging       LoggingConfig       `koanf:"logging" yaml:"logging"`
	Observability ObservabilityConfig `koanf:"observability" yaml:"observability"`
	Normalizer    NormalizerConfig    `koanf:"normalizer" yaml:"normalizer"`
	Knowledge     KnowledgeConfig     `koanf:"knowledge" yaml:"knowledge"`
	VectorStore   VectorStoreConfig   `koanf:"vectorstore" yaml:"vectorstore"`
	Embeddings    EmbeddingsConfig    `koanf:"embeddings" yaml:"embeddings"`
	Policy        PolicyConfig        `koanf:"policy" yaml:"policy"`
	Executor      ExecutorConfig      `koanf:"executor" yaml:"executor"`
	Actuators     ActuatorsConfig     `koanf:"actuators" yaml:"actuators"`
	Ledger        LedgerConfig        `koanf:"ledger" yaml:"ledger"`
	Audit         AuditConfig         `koanf:"audit" yaml:"audit"`
	Notify        NotifyConfig        `koanf:"notify" yaml:"notify"`
	Engine        EngineConfig        `koanf:"engine" yaml:"engine"`
}

// ServerConfig configures the webhook listener.
type ServerConfig struct {
	Port            int      `koanf:"http_port" yaml:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout" yaml:"shutdown_timeout"`
	WebhookSecret   Secret   `koanf:"webhook_secret" yaml:"webhook_secret"`
	RateLimit       float64  `koanf:"rate_limit" yaml:"rate_limit"`
	RateBurst       int      `koanf:"rate_burst" yaml:"rate_burst"`
}

// LoggingConfig selects level and encoding for the process logger.
type LoggingConfig struct {
	Level  string `koanf:"level" yaml:"level"`
	Format string `koanf:"format" yaml:"format"`
}

// ObservabilityConfig holds OpenTelemetry export settings.
type ObservabilityConfig struct {
	EnableTelemetry bool    `koanf:"enable_telemetry" yaml:"enable_telemetry"`
	ServiceName     string  `koanf:"service_name" yaml:"service_name"`
	Endpoint        string  `koanf:"endpoint" yaml:"endpoint"`
	Protocol        string  `koanf:"protocol" yaml:"protocol"`
	Insecure        bool    `koanf:"insecure" yaml:"insecure"`
	SampleRate      float64 `koanf:"sample_rate" yaml:"sample_rate"`
}

// NormalizerConfig controls event normalization.
type NormalizerConfig struct {
	MaxExcerptBytes int    `koanf:"max_excerpt_bytes" yaml:"max_excerpt_bytes"`
	ClassifierRules string `koanf:"classifier_rules" yaml:"classifier_rules"`
	Scrubber        string `koanf:"scrubber" yaml:"scrubber"`
}

// KnowledgeConfig configures the three knowledge tiers.
type KnowledgeConfig struct {
	Chat       ChatConfig       `koanf:"chat" yaml:"chat"`
	Similarity SimilarityConfig `koanf:"similarity" yaml:"similarity"`
	Generative GenerativeConfig `koanf:"generative" yaml:"generative"`
}

// ChatConfig configures chat-history search.
type ChatConfig struct {
	Enabled    bool     `koanf:"enabled" yaml:"enabled"`
	Token      Secret   `koanf:"token" yaml:"token"`
	BaseURL    string   `koanf:"base_url" yaml:"base_url"`
	Channels   []string `koanf:"channels" yaml:"channels"`
	WindowDays int      `koanf:"window_days" yaml:"window_days"`
	MaxResults int      `koanf:"max_results" yaml:"max_results"`
	Timeout    Duration `koanf:"timeout" yaml:"timeout"`
	Floor      float64  `koanf:"floor" yaml:"floor"`
}

// SimilarityConfig configures the similarity tier.
type SimilarityConfig struct {
	Enabled    bool     `koanf:"enabled" yaml:"enabled"`
	Collection string   `koanf:"collection" yaml:"collection"`
	TopK       int      `koanf:"top_k" yaml:"top_k"`
	Timeout    Duration `koanf:"timeout" yaml:"timeout"`
	Floor      float64  `koanf:"floor" yaml:"floor"`
}

// GenerativeConfig configures the generative tier.
type GenerativeConfig struct {
	Enabled           bool     `koanf:"enabled" yaml:"enabled"`
	Backend           string   `koanf:"backend" yaml:"backend"`
	BaseURL           string   `koanf:"base_url" yaml:"base_url"`
	Model             string   `koanf:"model" yaml:"model"`
	APIKey            Secret   `koanf:"api_key" yaml:"api_key"`
	Timeout           Duration `koanf:"timeout" yaml:"timeout"`
	RequestsPerMinute int      `koanf:"requests_per_minute" yaml:"requests_per_minute"`
}

// VectorStoreConfig selects the similarity store backend.
type VectorStoreConfig struct {
	Provider   string        `koanf:"provider" yaml:"provider"`
	VectorSize int           `koanf:"vector_size" yaml:"vector_size"`
	Chromem    ChromemConfig `koanf:"chromem" yaml:"chromem"`
	Qdrant     QdrantConfig  `koanf:"qdrant" yaml:"qdrant"`
}

// ChromemConfig configures the embedded store.
type ChromemConfig struct {
	Path     string `koanf:"path" yaml:"path"`
	Compress bool   `koanf:"compress" yaml:"compress"`
}

// QdrantConfig configures the Qdrant gRPC client.
type QdrantConfig struct {
	Host   string `koanf:"host" yaml:"host"`
	Port   int    `koanf:"port" yaml:"port"`
	UseTLS bool   `koanf:"use_tls" yaml:"use_tls"`
}

// EmbeddingsConfig selects the embedding provider.
type EmbeddingsConfig struct {
	Provider string `koanf:"provider" yaml:"provider"`
	BaseURL  string `koanf:"base_url" yaml:"base_url"`
	Model    string `koanf:"model" yaml:"model"`
	CacheDir string `koanf:"cache_dir" yaml:"cache_dir"`
}

// Thresholds is one environment's policy band.
type Thresholds struct {
	AutoFix  float64 `koanf:"auto_fix" yaml:"auto_fix"`
	Escalate float64 `koanf:"escalate" yaml:"escalate"`
}

// PolicyConfig holds decision thresholds keyed by environment name.
// The "default" key applies to environments without their own entry.
type PolicyConfig struct {
	Thresholds     map[string]Thresholds `koanf:"thresholds" yaml:"thresholds"`
	AlwaysEscalate []string              `koanf:"always_escalate" yaml:"always_escalate"`
	RetryCap       int                   `koanf:"retry_cap" yaml:"retry_cap"`
}

// ExecutorConfig holds the retry schedule for transient actions.
type ExecutorConfig struct {
	MaxAttempts    int      `koanf:"max_attempts" yaml:"max_attempts"`
	InitialBackoff Duration `koanf:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff     Duration `koanf:"max_backoff" yaml:"max_backoff"`
	Multiplier     float64  `koanf:"multiplier" yaml:"multiplier"`
	Jitter         float64  `koanf:"jitter" yaml:"jitter"`
	DependencyWait Duration `koanf:"dependency_wait" yaml:"dependency_wait"`
	SecretPrefix   string   `koanf:"secret_env_prefix" yaml:"secret_env_prefix"`
}

// ActuatorsConfig holds platform credentials.
type ActuatorsConfig struct {
	GitHub     GitHubConfig     `koanf:"github" yaml:"github"`
	ArgoCD     ArgoCDConfig     `koanf:"argocd" yaml:"argocd"`
	Kubernetes KubernetesConfig `koanf:"kubernetes" yaml:"kubernetes"`
}

// GitHubConfig configures the GitHub actuator.
type GitHubConfig struct {
	Token        Secret `koanf:"token" yaml:"token"`
	BaseURL      string `koanf:"base_url" yaml:"base_url"`
	ManifestRepo string `koanf:"manifest_repo" yaml:"manifest_repo"`
	BaseBranch   string `koanf:"base_branch" yaml:"base_branch"`
}

// ArgoCDConfig configures the ArgoCD actuator.
type ArgoCDConfig struct {
	URL      string `koanf:"url" yaml:"url"`
	Token    Secret `koanf:"token" yaml:"token"`
	Insecure bool   `koanf:"insecure" yaml:"insecure"`
}

// KubernetesConfig configures the Kubernetes actuator.
type KubernetesConfig struct {
	Enabled     bool    `koanf:"enabled" yaml:"enabled"`
	Kubeconfig  string  `koanf:"kubeconfig" yaml:"kubeconfig"`
	ScaleFactor float64 `koanf:"scale_factor" yaml:"scale_factor"`
}

// LedgerConfig selects the incident ledger backend.
type LedgerConfig struct {
	Backend string       `koanf:"backend" yaml:"backend"`
	Badger  BadgerConfig `koanf:"badger" yaml:"badger"`
	Redis   RedisConfig  `koanf:"redis" yaml:"redis"`
}

// BadgerConfig configures the embedded ledger.
type BadgerConfig struct {
	Path string `koanf:"path" yaml:"path"`
}

// RedisConfig configures the shared ledger.
type RedisConfig struct {
	Addr      string `koanf:"addr" yaml:"addr"`
	Password  Secret `koanf:"password" yaml:"password"`
	DB        int    `koanf:"db" yaml:"db"`
	KeyPrefix string `koanf:"key_prefix" yaml:"key_prefix"`
}

// AuditConfig configures the audit record store.
type AuditConfig struct {
	Enabled    bool   `koanf:"enabled" yaml:"enabled"`
	URI        Secret `koanf:"uri" yaml:"uri"`
	Database   string `koanf:"database" yaml:"database"`
	Collection string `koanf:"collection" yaml:"collection"`
}

// NotifyConfig configures outbound notifications.
type NotifyConfig struct {
	SlackToken      Secret   `koanf:"slack_token" yaml:"slack_token"`
	DraftChannel    string   `koanf:"draft_channel" yaml:"draft_channel"`
	EscalateChannel string   `koanf:"escalate_channel" yaml:"escalate_channel"`
	Mentions        []string `koanf:"mentions" yaml:"mentions"`
	NATSURL         string   `koanf:"nats_url" yaml:"nats_url"`
	SubjectPrefix   string   `koanf:"subject_prefix" yaml:"subject_prefix"`
}

// EngineConfig bounds end-to-end handling.
type EngineConfig struct {
	Deadline Duration `koanf:"deadline" yaml:"deadline"`
}

// Default returns a Config with every default applied.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

// applyDefaults fills zero values.
func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}
	if cfg.Server.RateLimit == 0 {
		cfg.Server.RateLimit = 20
	}
	if cfg.Server.RateBurst == 0 {
		cfg.Server.RateBurst = 40
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "incidentd"
	}
	if cfg.Observability.Endpoint == "" {
		cfg.Observability.Endpoint = "localhost:4317"
	}
	if cfg.Observability.Protocol == "" {
		cfg.Observability.Protocol = "grpc"
	}
	if cfg.Observability.SampleRate == 0 {
		cfg.Observability.SampleRate = 1.0
	}

	if cfg.Normalizer.MaxExcerptBytes == 0 {
		cfg.Normalizer.MaxExcerptBytes = 4096
	}
	if cfg.Normalizer.Scrubber == "" {
		cfg.Normalizer.Scrubber = "regex"
	}

	chat := &cfg.Knowledge.Chat
	if len(chat.Channels) == 0 {
		chat.Channels = []string{"devops", "alerts", "incidents"}
	}
	if chat.WindowDays == 0 {
		chat.WindowDays = 180
	}
	if chat.MaxResults == 0 {
		chat.MaxResults = 20
	}
	if chat.Timeout == 0 {
		chat.Timeout = Duration(5 * time.Second)
	}
	if chat.Floor == 0 {
		chat.Floor = 0.6
	}

	sim := &cfg.Knowledge.Similarity
	if sim.Collection == "" {
		sim.Collection = "incident_fixes"
	}
	if sim.TopK == 0 {
		sim.TopK = 10
	}
	if sim.Timeout == 0 {
		sim.Timeout = Duration(5 * time.Second)
	}
	if sim.Floor == 0 {
		sim.Floor = 0.75
	}

	gen := &cfg.Knowledge.Generative
	if gen.Backend == "" {
		gen.Backend = "langchain"
	}
	if gen.Model == "" {
		gen.Model = "gpt-4o-mini"
	}
	if gen.Timeout == 0 {
		gen.Timeout = Duration(30 * time.Second)
	}
	if gen.RequestsPerMinute == 0 {
		gen.RequestsPerMinute = 30
	}

	if cfg.VectorStore.Provider == "" {
		cfg.VectorStore.Provider = "chromem"
	}
	if cfg.VectorStore.VectorSize == 0 {
		cfg.VectorStore.VectorSize = 384
	}
	if cfg.VectorStore.Chromem.Path == "" {
		cfg.VectorStore.Chromem.Path = "/var/lib/incidentd/vectors"
	}
	if cfg.VectorStore.Qdrant.Host == "" {
		cfg.VectorStore.Qdrant.Host = "localhost"
	}
	if cfg.VectorStore.Qdrant.Port == 0 {
		cfg.VectorStore.Qdrant.Port = 6334
	}

	if cfg.Embeddings.Provider == "" {
		cfg.Embeddings.Provider = "tei"
	}
	if cfg.Embeddings.BaseURL == "" {
		cfg.Embeddings.BaseURL = "http://localhost:8081"
	}
	if cfg.Embeddings.Model == "" {
		cfg.Embeddings.Model = "BAAI/bge-small-en-v1.5"
	}

	if cfg.Policy.Thresholds == nil {
		cfg.Policy.Thresholds = make(map[string]Thresholds)
	}
	for env, t := range DefaultThresholds() {
		if _, ok := cfg.Policy.Thresholds[env]; !ok {
			cfg.Policy.Thresholds[env] = t
		}
	}
	if cfg.Policy.AlwaysEscalate == nil {
		cfg.Policy.AlwaysEscalate = []string{"auth"}
	}
	if cfg.Policy.RetryCap == 0 {
		cfg.Policy.RetryCap = 3
	}

	ex := &cfg.Executor
	if ex.MaxAttempts == 0 {
		ex.MaxAttempts = 3
	}
	if ex.InitialBackoff == 0 {
		ex.InitialBackoff = Duration(time.Second)
	}
	if ex.MaxBackoff == 0 {
		ex.MaxBackoff = Duration(30 * time.Second)
	}
	if ex.Multiplier == 0 {
		ex.Multiplier = 2
	}
	if ex.Jitter == 0 {
		ex.Jitter = 0.5
	}
	if ex.DependencyWait == 0 {
		ex.DependencyWait = Duration(30 * time.Second)
	}
	if ex.SecretPrefix == "" {
		ex.SecretPrefix = "INCIDENTD_SECRET_"
	}

	if cfg.Actuators.GitHub.BaseBranch == "" {
		cfg.Actuators.GitHub.BaseBranch = "main"
	}
	if cfg.Actuators.Kubernetes.ScaleFactor == 0 {
		cfg.Actuators.Kubernetes.ScaleFactor = 1.5
	}

	if cfg.Ledger.Backend == "" {
		cfg.Ledger.Backend = "memory"
	}
	if cfg.Ledger.Badger.Path == "" {
		cfg.Ledger.Badger.Path = "/var/lib/incidentd/ledger"
	}
	if cfg.Ledger.Redis.Addr == "" {
		cfg.Ledger.Redis.Addr = "localhost:6379"
	}
	if cfg.Ledger.Redis.KeyPrefix == "" {
		cfg.Ledger.Redis.KeyPrefix = "incidentd:ledger:"
	}

	if cfg.Audit.Database == "" {
		cfg.Audit.Database = "incidentd"
	}
	if cfg.Audit.Collection == "" {
		cfg.Audit.Collection = "audit"
	}

	if cfg.Notify.DraftChannel == "" {
		cfg.Notify.DraftChannel = "#incident-review"
	}
	if cfg.Notify.EscalateChannel == "" {
		cfg.Notify.EscalateChannel = "#incident-escalations"
	}
	if cfg.Notify.SubjectPrefix == "" {
		cfg.Notify.SubjectPrefix = "incidentd.notifications"
	}

	if cfg.Engine.Deadline == 0 {
		cfg.Engine.Deadline = Duration(5 * time.Minute)
	}
}

// DefaultThresholds returns the per-environment policy bands.
func DefaultThresholds() map[string]Thresholds {
	return map[string]Thresholds{
		"prod":    {AutoFix: 0.92, Escalate: 0.70},
		"staging": {AutoFix: 0.85, Escalate: 0.60},
		"dev":     {AutoFix: 0.75, Escalate: 0.50},
		"default": {AutoFix: 0.85, Escalate: 0.60},
	}
}

// Validate checks the configuration for inconsistent values.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.http_port out of range: %d", c.Server.Port))
	}
	if c.Normalizer.MaxExcerptBytes < 256 {
		errs = append(errs, fmt.Errorf("normalizer.max_excerpt_bytes must be >= 256, got %d", c.Normalizer.MaxExcerptBytes))
	}
	switch c.Normalizer.Scrubber {
	case "regex", "gitleaks", "off":
	default:
		errs = append(errs, fmt.Errorf("normalizer.scrubber must be regex, gitleaks or off, got %q", c.Normalizer.Scrubber))
	}

	for env, t := range c.Policy.Thresholds {
		if t.AutoFix <= 0 || t.AutoFix > 1 || t.Escalate < 0 || t.Escalate > t.AutoFix {
			errs = append(errs, fmt.Errorf("policy.thresholds.%s: need 0 <= escalate <= auto_fix <= 1, got %.2f/%.2f", env, t.Escalate, t.AutoFix))
		}
	}
	if c.Policy.RetryCap < 0 {
		errs = append(errs, errors.New("policy.retry_cap must be >= 0"))
	}

	if c.Knowledge.Similarity.TopK < 1 || c.Knowledge.Similarity.TopK > 10 {
		errs = append(errs, fmt.Errorf("knowledge.similarity.top_k must be in [1,10], got %d", c.Knowledge.Similarity.TopK))
	}
	if c.Knowledge.Chat.Enabled && !c.Knowledge.Chat.Token.IsSet() {
		errs = append(errs, errors.New("knowledge.chat.token is required when chat search is enabled"))
	}
	switch c.Knowledge.Generative.Backend {
	case "langchain", "openai":
	default:
		errs = append(errs, fmt.Errorf("knowledge.generative.backend must be langchain or openai, got %q", c.Knowledge.Generative.Backend))
	}

	switch c.VectorStore.Provider {
	case "chromem", "qdrant":
	default:
		errs = append(errs, fmt.Errorf("vectorstore.provider must be chromem or qdrant, got %q", c.VectorStore.Provider))
	}
	switch c.Embeddings.Provider {
	case "fastembed", "tei":
	default:
		errs = append(errs, fmt.Errorf("embeddings.provider must be fastembed or tei, got %q", c.Embeddings.Provider))
	}

	if c.Executor.MaxAttempts < 1 {
		errs = append(errs, errors.New("executor.max_attempts must be >= 1"))
	}
	if c.Executor.Multiplier < 1 {
		errs = append(errs, errors.New("executor.multiplier must be >= 1"))
	}
	if c.Executor.Jitter < 0 || c.Executor.Jitter > 1 {
		errs = append(errs, errors.New("executor.jitter must be in [0,1]"))
	}
	if c.Executor.MaxBackoff < c.Executor.InitialBackoff {
		errs = append(errs, errors.New("executor.max_backoff must be >= initial_backoff"))
	}
	if repo := c.Actuators.GitHub.ManifestRepo; repo != "" && strings.Count(repo, "/") != 1 {
		errs = append(errs, fmt.Errorf("actuators.github.manifest_repo must be owner/name, got %q", repo))
	}

	switch c.Ledger.Backend {
	case "memory", "badger", "redis":
	default:
		errs = append(errs, fmt.Errorf("ledger.backend must be memory, badger or redis, got %q", c.Ledger.Backend))
	}
	if c.Audit.Enabled && !c.Audit.URI.IsSet() {
		errs = append(errs, errors.New("audit.uri is required when audit is enabled"))
	}
	if c.Engine.Deadline.Duration() <= 0 {
		errs = append(errs, errors.New("engine.deadline must be > 0"))
	}

	return errors.Join(errs...)
}
