package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v2"

	"github.com/vietddude/ihebatch/internal/core/domain"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.BaseDir = filepath.Dir(path)
	cfg.resolvePaths()
	return cfg, nil
}

// Parse decodes, defaults and validates a YAML document.
func Parse(data []byte) (*AppConfig, error) {
	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with every default applied, suitable for
// dry runs without a config file.
func Default() *AppConfig {
	cfg := &AppConfig{}
	cfg.applyDefaults()
	cfg.Endpoint.DryRun = true
	return cfg
}

func (c *AppConfig) applyDefaults() {
	// Set defaults if necessary
	if c.Batch.Transaction == "" {
		c.Batch.Transaction = domain.TransactionPatientAdd
	}
	if c.Batch.IDPrefix == "" {
		c.Batch.IDPrefix = "TEST"
	}
	if c.Batch.MaxIDRetries == 0 {
		c.Batch.MaxIDRetries = 10
	}
	if c.Batch.LockTTL == 0 {
		c.Batch.LockTTL = 30 * time.Minute
	}

	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.InitialDelay == 0 {
		c.Retry.InitialDelay = 500 * time.Millisecond
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = 10 * time.Second
	}
	if c.Retry.QueueRetries == 0 {
		c.Retry.QueueRetries = 5
	}

	if c.Template.AssigningAuthority == "" {
		c.Template.AssigningAuthority = "1.3.6.1.4.1.21367.13.20.1000"
	}
	if c.Template.Organization == "" {
		c.Template.Organization = "IHE Test Organization"
	}

	if c.Assertion.Issuer == "" {
		c.Assertion.Issuer = "ihebatch"
	}
	if c.Assertion.Validity == 0 {
		c.Assertion.Validity = 5 * time.Minute
	}

	if c.Endpoint.Timeout == 0 {
		c.Endpoint.Timeout = 30 * time.Second
	}
	c.Endpoint.Pacing = c.Endpoint.Pacing.WithDefaults()

	if c.Report.TopN == 0 {
		c.Report.TopN = 10
	}
	if c.Report.MaxAffected == 0 {
		c.Report.MaxAffected = 5
	}
	if c.Report.TopRemediations == 0 {
		c.Report.TopRemediations = 3
	}

	if c.Output.Dir == "" {
		c.Output.Dir = "output"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = 9090
	}
	if c.Redis.Namespace == "" {
		c.Redis.Namespace = "ihebatch"
	}
}

// Validate checks struct tags and cross-field rules.
func (c *AppConfig) Validate() error {
	validate := validator.New()
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("failed to validate config: %w", err)
	}

	if !c.Endpoint.DryRun && c.Endpoint.URL == "" {
		return errors.New("failed to validate config: endpoint.url is required unless endpoint.dry_run is set")
	}
	if (c.Assertion.CertFile == "") != (c.Assertion.KeyFile == "") {
		return errors.New("failed to validate config: assertion.cert_file and assertion.key_file must be set together")
	}
	if (c.Endpoint.CertFile == "") != (c.Endpoint.KeyFile == "") {
		return errors.New("failed to validate config: endpoint.cert_file and endpoint.key_file must be set together")
	}
	return nil
}

func (c *AppConfig) resolvePaths() {
	for _, p := range []*string{
		&c.Template.Path,
		&c.Assertion.CertFile,
		&c.Assertion.KeyFile,
		&c.Endpoint.CAFile,
		&c.Endpoint.CertFile,
		&c.Endpoint.KeyFile,
		&c.Output.Dir,
	} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(c.BaseDir, *p)
		}
	}
}
