package config

import (
	"time"

	"github.com/vietddude/ihebatch/internal/core/domain"
	redisclient "github.com/vietddude/ihebatch/internal/infra/redis"
	"github.com/vietddude/ihebatch/internal/infra/storage/postgres"
	"github.com/vietddude/ihebatch/internal/workflow/throttle"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	// BaseDir is the directory of the loaded file. Relative paths are
	// resolved against it.
	BaseDir string `yaml:"-"`

	Batch     BatchConfig        `yaml:"batch"`
	Retry     RetryConfig        `yaml:"retry"`
	Template  TemplateConfig     `yaml:"template"`
	Assertion AssertionConfig    `yaml:"assertion"`
	Endpoint  EndpointConfig     `yaml:"endpoint"`
	Report    ReportConfig       `yaml:"report"`
	Output    OutputConfig       `yaml:"output"`
	Redis     redisclient.Config `yaml:"redis"`
	Database  postgres.Config    `yaml:"database"`
	Logging   LoggingConfig      `yaml:"logging"`
	Metrics   MetricsConfig      `yaml:"metrics"`
}

// BatchConfig holds input and identifier settings.
type BatchConfig struct {
	Transaction  domain.TransactionType `yaml:"transaction"    validate:"oneof=pix_add xds_provide"`
	IDPrefix     string                 `yaml:"id_prefix"      validate:"required,alphanum"`
	MaxIDRetries int                    `yaml:"max_id_retries" validate:"gte=1"`
	// Seed makes synthesized patient IDs reproducible. Nil means random.
	Seed           *int64        `yaml:"seed"`
	RequiredFields []string      `yaml:"required_fields"`
	KeepInvalid    bool          `yaml:"keep_invalid"`
	LockTTL        time.Duration `yaml:"lock_ttl"`
	// Retention is how long stored batches and settled retry entries are
	// kept. Zero keeps everything.
	Retention time.Duration `yaml:"retention" validate:"gte=0"`
}

// RetryConfig holds the transient retry policy.
type RetryConfig struct {
	// MaxAttempts counts every submission try including the first.
	MaxAttempts  int           `yaml:"max_attempts"  validate:"gte=1"`
	InitialDelay time.Duration `yaml:"initial_delay" validate:"gte=0"`
	MaxDelay     time.Duration `yaml:"max_delay"     validate:"gtefield=InitialDelay"`
	// QueueRetries bounds re-drives of a queued patient.
	QueueRetries int `yaml:"queue_retries" validate:"gte=1"`
}

// TemplateConfig holds document template settings.
type TemplateConfig struct {
	// Path of a custom template. Empty uses the builtin one.
	Path               string `yaml:"path"`
	AssigningAuthority string `yaml:"assigning_authority" validate:"required"`
	Organization       string `yaml:"organization"`
}

// AssertionConfig holds signing settings.
type AssertionConfig struct {
	CertFile string            `yaml:"cert_file"`
	KeyFile  string            `yaml:"key_file"`
	KeyID    string            `yaml:"key_id"`
	Issuer   string            `yaml:"issuer"   validate:"required"`
	Subject  string            `yaml:"subject"`
	Audience string            `yaml:"audience"`
	Validity time.Duration     `yaml:"validity" validate:"gte=0"`
	Claims   map[string]string `yaml:"claims"`
}

// EndpointConfig holds submission settings.
type EndpointConfig struct {
	URL                string        `yaml:"url"                  validate:"omitempty,url"`
	Timeout            time.Duration `yaml:"timeout"              validate:"gte=0"`
	CAFile             string        `yaml:"ca_file"`
	CertFile           string        `yaml:"cert_file"`
	KeyFile            string        `yaml:"key_file"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	// DryRun replaces the endpoint with a local deterministic submitter.
	DryRun bool `yaml:"dry_run"`
	// Pacing spaces patients out when the endpoint slows down.
	Pacing throttle.AdaptiveConfig `yaml:"pacing"`
}

// ReportConfig controls report length.
type ReportConfig struct {
	TopN            int `yaml:"top_n"            validate:"gte=0"`
	MaxAffected     int `yaml:"max_affected"     validate:"gte=0"`
	TopRemediations int `yaml:"top_remediations" validate:"gte=0"`
}

// OutputConfig holds export settings.
type OutputConfig struct {
	Dir string `yaml:"dir"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"  validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format"` // json, text
}

// MetricsConfig holds the health and metrics server settings.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port" validate:"gte=0,lte=65535"`
}
