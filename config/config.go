package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	DLP DLPConfig `yaml:"dlp"`
}

// DLPConfig is the project configuration.
type DLPConfig struct {
	Agent   AgentConfig   `yaml:"agent"`
	Server  ServerConfig  `yaml:"server"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// AgentConfig controls the endpoint agent.
type AgentConfig struct {
	ID                 string           `yaml:"id"`
	Name               string           `yaml:"name"`
	ServerURL          string           `yaml:"server_url"`
	BearerToken        string           `yaml:"bearer_token"`
	HeartbeatInterval  time.Duration    `yaml:"heartbeat_interval"`
	PolicySyncInterval time.Duration    `yaml:"policy_sync_interval"`
	RequestTimeout     time.Duration    `yaml:"request_timeout"`
	QueueCapacity      int              `yaml:"queue_capacity"`
	Classifier         ClassifierConfig `yaml:"classifier"`
	Collectors         CollectorsConfig `yaml:"collectors"`
	QuarantineFolder   string           `yaml:"quarantine_folder"`
	WorkDir            string           `yaml:"work_dir"`
	Outbox             OutboxConfig     `yaml:"outbox"`
	Delivery           DeliveryConfig   `yaml:"delivery"`
}

// ClassifierConfig controls content classification.
type ClassifierConfig struct {
	Workers             int     `yaml:"workers"`
	MaxFileSizeMB       int     `yaml:"max_file_size_mb"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
}

// CollectorsConfig groups per-source collector settings.
type CollectorsConfig struct {
	File      FileCollectorConfig      `yaml:"file"`
	Clipboard ClipboardCollectorConfig `yaml:"clipboard"`
	USB       USBCollectorConfig       `yaml:"usb"`
}

// FileCollectorConfig controls the recursive file collector.
type FileCollectorConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Paths    []string      `yaml:"paths"`
	Excludes []string      `yaml:"excludes"`
	Settle   time.Duration `yaml:"settle"`
}

// ClipboardCollectorConfig controls clipboard polling.
type ClipboardCollectorConfig struct {
	Enabled      bool          `yaml:"enabled"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// USBCollectorConfig controls device detection and mount monitoring.
type USBCollectorConfig struct {
	Enabled       bool          `yaml:"enabled"`
	MonitorCopies bool          `yaml:"monitor_copies"`
	ScanInterval  time.Duration `yaml:"scan_interval"`
}

// OutboxConfig controls the persistent delivery queue.
type OutboxConfig struct {
	Path      string        `yaml:"path"`
	Capacity  int           `yaml:"capacity"`
	Retention time.Duration `yaml:"retention"`
}

// DeliveryConfig controls event submission batching and backoff.
type DeliveryConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MinBackoff    time.Duration `yaml:"min_backoff"`
	MaxBackoff    time.Duration `yaml:"max_backoff"`
}

// ServerConfig controls the DLP server.
type ServerConfig struct {
	Listen string `yaml:"listen"`
	// BearerToken, when set, is required on every /api/v1 call.
	BearerToken           string          `yaml:"bearer_token"`
	DatabasePath          string          `yaml:"database_path"`
	PolicyFile            string          `yaml:"policy_file"`
	PolicyRefreshInterval time.Duration   `yaml:"policy_refresh_interval"`
	RecentIDCache         int             `yaml:"recent_id_cache"`
	RateLimit             RateLimitConfig `yaml:"rate_limit"`
	Baseline              BaselineConfig  `yaml:"baseline"`
	Cloud                 CloudConfig     `yaml:"cloud"`
	Ingest                IngestConfig    `yaml:"ingest"`
	Output                OutputConfig    `yaml:"output"`
	Pipeline              PipelineConfig  `yaml:"pipeline"`
}

// RateLimitConfig controls the API rate limiter.
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled"`
	RPS     float64 `yaml:"rps"`
	Burst   int     `yaml:"burst"`
}

// BaselineConfig selects the folder baseline store.
type BaselineConfig struct {
	Store string      `yaml:"store"` // sqlite|redis
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig controls Redis access.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	KeyPrefix    string        `yaml:"key_prefix"`
	Key          string        `yaml:"key"`
	BlockTimeout time.Duration `yaml:"block_timeout"`
}

// CloudConfig controls cloud-drive polling.
type CloudConfig struct {
	Enabled      bool          `yaml:"enabled"`
	PollInterval time.Duration `yaml:"poll_interval"`
	APIURL       string        `yaml:"api_url"`
	AccessToken  string        `yaml:"access_token"`
	Folders      []string      `yaml:"folders"`
	Timeout      time.Duration `yaml:"timeout"`
	// QueueCapacity bounds cloud events waiting for classification. Overflow
	// drops the oldest and is reported as a queue-overflow system event.
	QueueCapacity int `yaml:"queue_capacity"`
}

// IngestConfig controls the optional Redis list intake of agent records.
type IngestConfig struct {
	Redis RedisIngestConfig `yaml:"redis"`
}

// RedisIngestConfig enables popping event records from a Redis list.
type RedisIngestConfig struct {
	Enabled bool        `yaml:"enabled"`
	Redis   RedisConfig `yaml:",inline"`
}

// PipelineConfig controls record fan-out batching.
type PipelineConfig struct {
	Workers       int           `yaml:"workers"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// OutputConfig controls record sinks.
type OutputConfig struct {
	Mode       string                 `yaml:"mode"` // file|http|clickhouse|nats|none
	File       FileOutputConfig       `yaml:"file"`
	HTTP       HTTPOutputConfig       `yaml:"http"`
	ClickHouse ClickHouseOutputConfig `yaml:"clickhouse"`
	NATS       NATSOutputConfig       `yaml:"nats"`
}

// ClickHouseOutputConfig config for ClickHouse HTTP JSONEachRow writes.
type ClickHouseOutputConfig struct {
	URL      string            `yaml:"url"`
	Database string            `yaml:"database"`
	Table    string            `yaml:"table"`
	Username string            `yaml:"username"`
	Password string            `yaml:"password"`
	Timeout  time.Duration     `yaml:"timeout"`
	Headers  map[string]string `yaml:"headers"`
}

// FileOutputConfig config for local JSON output.
type FileOutputConfig struct {
	Path string `yaml:"path"`
}

// HTTPOutputConfig config for remote output.
type HTTPOutputConfig struct {
	URL        string            `yaml:"url"`
	Timeout    time.Duration     `yaml:"timeout"`
	Headers    map[string]string `yaml:"headers"`
	MaxRecords int               `yaml:"max_records"`
	Compress   bool              `yaml:"compress"`
}

// NATSOutputConfig config for NATS publication.
type NATSOutputConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// LoggingConfig controls logging output.
type LoggingConfig struct {
	Enabled bool   `yaml:"enabled"`
	Level   string `yaml:"level"`
	File    string `yaml:"file"`
	Console bool   `yaml:"console"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// LoadConfig reads and parses a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// LoadEnv loads .env files into the process environment. Missing files are ignored.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
	}
	return nil
}

// ApplyEnv overrides selected values from the environment.
func ApplyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("DLP_SERVER_URL")); v != "" {
		cfg.DLP.Agent.ServerURL = v
	}
	if v := strings.TrimSpace(os.Getenv("DLP_BEARER_TOKEN")); v != "" {
		cfg.DLP.Agent.BearerToken = v
	}
	if v := strings.TrimSpace(os.Getenv("DLP_AGENT_ID")); v != "" {
		cfg.DLP.Agent.ID = v
	}
	if v := strings.TrimSpace(os.Getenv("DLP_REDIS_ADDR")); v != "" {
		cfg.DLP.Server.Baseline.Redis.Addr = v
		cfg.DLP.Server.Ingest.Redis.Redis.Addr = v
	}
}

// ApplyDefaults fills zero values.
func ApplyDefaults(cfg *Config) {
	a := &cfg.DLP.Agent
	if a.Name == "" {
		if host, err := os.Hostname(); err == nil {
			a.Name = host
		}
	}
	if a.HeartbeatInterval <= 0 {
		a.HeartbeatInterval = 30 * time.Second
	}
	if a.PolicySyncInterval <= 0 {
		a.PolicySyncInterval = 60 * time.Second
	}
	if a.RequestTimeout <= 0 {
		a.RequestTimeout = 10 * time.Second
	}
	if a.QueueCapacity <= 0 {
		a.QueueCapacity = 1000
	}
	if a.Classifier.Workers <= 0 {
		a.Classifier.Workers = 4
	}
	if a.Classifier.MaxFileSizeMB <= 0 {
		a.Classifier.MaxFileSizeMB = 10
	}
	if a.Classifier.ConfidenceThreshold <= 0 {
		a.Classifier.ConfidenceThreshold = 0.5
	}
	if a.Collectors.Clipboard.PollInterval <= 0 {
		a.Collectors.Clipboard.PollInterval = 2 * time.Second
	}
	if a.Collectors.File.Settle <= 0 {
		a.Collectors.File.Settle = 500 * time.Millisecond
	}
	if a.Collectors.USB.ScanInterval <= 0 {
		a.Collectors.USB.ScanInterval = 5 * time.Second
	}
	if a.QuarantineFolder == "" {
		a.QuarantineFolder = "quarantine"
	}
	if a.WorkDir == "" {
		if wd, err := os.Getwd(); err == nil {
			a.WorkDir = wd
		}
	}
	if a.Outbox.Path == "" {
		a.Outbox.Path = "data/outbox.db"
	}
	if a.Outbox.Capacity <= 0 {
		a.Outbox.Capacity = 10000
	}
	if a.Outbox.Retention <= 0 {
		a.Outbox.Retention = 7 * 24 * time.Hour
	}
	if a.Delivery.BatchSize <= 0 {
		a.Delivery.BatchSize = 100
	}
	if a.Delivery.FlushInterval <= 0 {
		a.Delivery.FlushInterval = 2 * time.Second
	}
	if a.Delivery.MinBackoff <= 0 {
		a.Delivery.MinBackoff = 1 * time.Second
	}
	if a.Delivery.MaxBackoff <= 0 {
		a.Delivery.MaxBackoff = 2 * time.Minute
	}

	s := &cfg.DLP.Server
	if s.Listen == "" {
		s.Listen = ":8080"
	}
	if s.DatabasePath == "" {
		s.DatabasePath = "data/dlp.db"
	}
	if s.PolicyRefreshInterval <= 0 {
		s.PolicyRefreshInterval = 60 * time.Second
	}
	if s.RecentIDCache <= 0 {
		s.RecentIDCache = 4096
	}
	if s.RateLimit.RPS <= 0 {
		s.RateLimit.RPS = 50
	}
	if s.RateLimit.Burst <= 0 {
		s.RateLimit.Burst = 100
	}
	if s.Baseline.Store == "" {
		s.Baseline.Store = "sqlite"
	}
	if s.Baseline.Redis.Addr == "" {
		s.Baseline.Redis.Addr = "127.0.0.1:6379"
	}
	if s.Baseline.Redis.KeyPrefix == "" {
		s.Baseline.Redis.KeyPrefix = "dlp:baseline"
	}
	if s.Cloud.PollInterval <= 0 {
		s.Cloud.PollInterval = 60 * time.Second
	}
	if s.Cloud.QueueCapacity <= 0 {
		s.Cloud.QueueCapacity = 1000
	}
	if s.Cloud.Timeout <= 0 {
		s.Cloud.Timeout = 10 * time.Second
	}
	if s.Cloud.APIURL == "" {
		s.Cloud.APIURL = "https://driveactivity.googleapis.com"
	}
	if s.Ingest.Redis.Redis.Addr == "" {
		s.Ingest.Redis.Redis.Addr = "127.0.0.1:6379"
	}
	if s.Ingest.Redis.Redis.Key == "" {
		s.Ingest.Redis.Redis.Key = "dlp_event_records"
	}
	if s.Ingest.Redis.Redis.BlockTimeout <= 0 {
		s.Ingest.Redis.Redis.BlockTimeout = 5 * time.Second
	}
	if s.Pipeline.Workers <= 0 {
		s.Pipeline.Workers = 4
	}
	if s.Pipeline.BatchSize <= 0 {
		s.Pipeline.BatchSize = 500
	}
	if s.Pipeline.FlushInterval <= 0 {
		s.Pipeline.FlushInterval = 2 * time.Second
	}
	if s.Output.Mode == "" {
		s.Output.Mode = "file"
	}
	if s.Output.File.Path == "" {
		s.Output.File.Path = "output/event_records.jsonl"
	}
	if s.Output.ClickHouse.Database == "" {
		s.Output.ClickHouse.Database = "dlp"
	}
	if s.Output.ClickHouse.Table == "" {
		s.Output.ClickHouse.Table = "event_records"
	}
	if s.Output.NATS.Subject == "" {
		s.Output.NATS.Subject = "dlp.records"
	}

	if cfg.DLP.Logging.Level == "" {
		cfg.DLP.Logging.Level = "info"
	}
	if cfg.DLP.Metrics.Listen == "" {
		cfg.DLP.Metrics.Listen = ":9102"
	}
}

// MaxFileSize returns the classifier size cap in bytes.
func (c ClassifierConfig) MaxFileSize() int64 {
	return int64(c.MaxFileSizeMB) << 20
}
