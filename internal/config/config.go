package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"s3transfer/internal/copier"
	"s3transfer/internal/credentials"
	"s3transfer/internal/retry"
	"s3transfer/internal/storage"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Source         Location   `yaml:"source"`
	Destination    Location   `yaml:"destination"`
	ExternalID     string     `yaml:"external_id"`
	ManifestBucket string     `yaml:"manifest_bucket"`
	Storage        Storage    `yaml:"storage"`
	Transfer       Transfer   `yaml:"transfer"`
	Retry          Retry      `yaml:"retry"`
	Credentials    Retry      `yaml:"credential_retry"`
	Validation     Validation `yaml:"validation"`
	LogLevel       string     `yaml:"log_level"`
	MetricsAddr    string     `yaml:"metrics_addr"`
}

// Location is one side of the transfer. The KMS key of the source side
// encrypts manifests and reports; the destination key encrypts copied objects.
type Location struct {
	RoleARN  string `yaml:"role_arn"`
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
	KMSKeyID string `yaml:"kms_key_id"`
}

// Storage selects and addresses the object store backend
type Storage struct {
	Backend      string `yaml:"backend"`
	Endpoint     string `yaml:"endpoint"`
	Region       string `yaml:"region"`
	Secure       bool   `yaml:"secure"`
	UsePathStyle bool   `yaml:"use_path_style"`
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
}

// Transfer holds copy and worker settings
type Transfer struct {
	MultipartThreshold int64         `yaml:"multipart_threshold"`
	PartSize           int64         `yaml:"part_size"`
	PartConcurrency    int           `yaml:"part_concurrency"`
	Workers            int           `yaml:"workers"`
	Checkpoint         string        `yaml:"checkpoint"`
	CredentialDuration time.Duration `yaml:"credential_duration"`
	ProgressInterval   time.Duration `yaml:"progress_interval"`
}

// Retry is an attempt budget with backoff bounds
type Retry struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// Validation holds sampler settings
type Validation struct {
	SampleSize int `yaml:"sample_size"`
}

// Default returns the configuration used before any source is applied
func Default() *Config {
	data := retry.DefaultPolicy()
	creds := retry.CredentialPolicy()
	return &Config{
		Storage: Storage{
			Backend: string(storage.BackendAWS),
			Region:  "us-east-1",
			Secure:  true,
		},
		Transfer: Transfer{
			MultipartThreshold: copier.DefaultMultipartThreshold,
			PartSize:           copier.DefaultPartSize,
			PartConcurrency:    copier.DefaultPartConcurrency,
			Workers:            16,
			Checkpoint:         "./checkpoint.db",
			CredentialDuration: credentials.DefaultDuration,
			ProgressInterval:   10 * time.Second,
		},
		Retry: Retry{
			MaxAttempts: data.MaxAttempts,
			BaseDelay:   data.BaseDelay,
			MaxDelay:    data.MaxDelay,
		},
		Credentials: Retry{
			MaxAttempts: creds.MaxAttempts,
			BaseDelay:   creds.BaseDelay,
			MaxDelay:    creds.MaxDelay,
		},
		Validation: Validation{SampleSize: 10},
		LogLevel:   "info",
	}
}

// Load builds the configuration from defaults, then the YAML file, then the
// env file, then the process environment, then explicitly set flags.
// Empty file names are skipped and flags may be nil.
func Load(configFile, envFile string, flags *pflag.FlagSet) (*Config, error) {
	cfg := Default()

	if configFile != "" {
		if err := loadFromFile(cfg, configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if envFile != "" {
		// existing environment variables win over the file
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("failed to load env file: %w", err)
		}
	}

	if err := loadFromEnv(cfg, os.LookupEnv); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	if flags != nil {
		if err := loadFromFlags(cfg, flags); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

type lookupFunc func(string) (string, bool)

func loadFromEnv(cfg *Config, lookup lookupFunc) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok {
			*dst = v
		}
	}
	str("SOURCE_ROLE_ARN", &cfg.Source.RoleARN)
	str("DESTINATION_ROLE_ARN", &cfg.Destination.RoleARN)
	str("EXTERNAL_ID", &cfg.ExternalID)
	str("SOURCE_BUCKET", &cfg.Source.Bucket)
	str("DESTINATION_BUCKET", &cfg.Destination.Bucket)
	str("SOURCE_PREFIX", &cfg.Source.Prefix)
	str("DESTINATION_PREFIX", &cfg.Destination.Prefix)
	str("MANIFEST_BUCKET", &cfg.ManifestBucket)
	str("SOURCE_KMS_KEY_ID", &cfg.Source.KMSKeyID)
	str("DESTINATION_KMS_KEY_ID", &cfg.Destination.KMSKeyID)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("STORAGE_BACKEND", &cfg.Storage.Backend)
	str("S3_ENDPOINT", &cfg.Storage.Endpoint)
	str("AWS_REGION", &cfg.Storage.Region)

	var errs []error
	integer := func(name string, dst *int64) {
		v, ok := lookup(name)
		if !ok {
			return
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			return
		}
		*dst = n
	}
	small := func(name string, dst *int) {
		n := int64(*dst)
		integer(name, &n)
		*dst = int(n)
	}
	seconds := func(name string, dst *time.Duration) {
		v, ok := lookup(name)
		if !ok {
			return
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			return
		}
		*dst = time.Duration(f * float64(time.Second))
	}

	integer("MULTIPART_THRESHOLD_BYTES", &cfg.Transfer.MultipartThreshold)
	integer("MULTIPART_CHUNK_SIZE_BYTES", &cfg.Transfer.PartSize)
	small("MAX_RETRY_ATTEMPTS", &cfg.Retry.MaxAttempts)
	seconds("RETRY_BASE_DELAY", &cfg.Retry.BaseDelay)
	seconds("RETRY_MAX_DELAY", &cfg.Retry.MaxDelay)
	small("VALIDATION_SAMPLE_SIZE", &cfg.Validation.SampleSize)

	return errors.Join(errs...)
}

func loadFromFlags(cfg *Config, flags *pflag.FlagSet) error {
	var errs []error
	str := func(name string, dst *string) {
		if f := flags.Lookup(name); f != nil && f.Changed {
			v, err := flags.GetString(name)
			errs = append(errs, err)
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if f := flags.Lookup(name); f != nil && f.Changed {
			v, err := flags.GetInt(name)
			errs = append(errs, err)
			*dst = v
		}
	}
	num64 := func(name string, dst *int64) {
		if f := flags.Lookup(name); f != nil && f.Changed {
			v, err := flags.GetInt64(name)
			errs = append(errs, err)
			*dst = v
		}
	}

	str("src-role-arn", &cfg.Source.RoleARN)
	str("src-bucket", &cfg.Source.Bucket)
	str("src-prefix", &cfg.Source.Prefix)
	str("src-kms-key-id", &cfg.Source.KMSKeyID)

	str("dst-role-arn", &cfg.Destination.RoleARN)
	str("dst-bucket", &cfg.Destination.Bucket)
	str("dst-prefix", &cfg.Destination.Prefix)
	str("dst-kms-key-id", &cfg.Destination.KMSKeyID)

	str("external-id", &cfg.ExternalID)
	str("manifest-bucket", &cfg.ManifestBucket)

	str("backend", &cfg.Storage.Backend)
	str("endpoint", &cfg.Storage.Endpoint)
	str("region", &cfg.Storage.Region)

	num64("multipart-threshold", &cfg.Transfer.MultipartThreshold)
	num64("part-size", &cfg.Transfer.PartSize)
	num("part-concurrency", &cfg.Transfer.PartConcurrency)
	num("workers", &cfg.Transfer.Workers)
	str("checkpoint", &cfg.Transfer.Checkpoint)
	num("retries", &cfg.Retry.MaxAttempts)
	num("sample-size", &cfg.Validation.SampleSize)

	str("log-level", &cfg.LogLevel)
	str("metrics-addr", &cfg.MetricsAddr)

	return errors.Join(errs...)
}

// Validate checks required settings and bounds
func (c *Config) Validate() error {
	if c.Source.Bucket == "" {
		return fmt.Errorf("source bucket is required")
	}
	if c.Destination.Bucket == "" {
		return fmt.Errorf("destination bucket is required")
	}
	if c.ManifestBucket == "" {
		return fmt.Errorf("manifest bucket is required")
	}

	switch storage.Backend(c.Storage.Backend) {
	case storage.BackendAWS:
		if c.Destination.RoleARN == "" {
			return fmt.Errorf("destination role ARN is required")
		}
		if c.Storage.Region == "" {
			return fmt.Errorf("region is required")
		}
	case storage.BackendMinIO:
		if c.Storage.Endpoint == "" {
			return fmt.Errorf("endpoint is required for the minio backend")
		}
	default:
		return fmt.Errorf("unsupported storage backend %q", c.Storage.Backend)
	}

	if c.Transfer.PartSize < 5*1024*1024 { // 5MB minimum for S3
		return fmt.Errorf("part size must be at least 5MB")
	}
	if c.Transfer.PartSize > 5*1024*1024*1024 {
		return fmt.Errorf("part size must be at most 5GB")
	}
	if c.Transfer.MultipartThreshold <= 0 {
		return fmt.Errorf("multipart threshold must be positive")
	}
	if c.Transfer.Workers <= 0 {
		return fmt.Errorf("workers must be positive")
	}
	if c.Transfer.PartConcurrency <= 0 {
		return fmt.Errorf("part concurrency must be positive")
	}
	if c.Retry.MaxAttempts <= 0 || c.Credentials.MaxAttempts <= 0 {
		return fmt.Errorf("retry attempts must be positive")
	}
	if c.Validation.SampleSize < 0 {
		return fmt.Errorf("sample size must not be negative")
	}

	return nil
}

// RetryPolicy returns the data-plane retry policy
func (c *Config) RetryPolicy() retry.Policy {
	return c.Retry.policy()
}

// CredentialPolicy returns the role-assumption retry policy
func (c *Config) CredentialPolicy() retry.Policy {
	return c.Credentials.policy()
}

func (r Retry) policy() retry.Policy {
	return retry.Policy{
		MaxAttempts: r.MaxAttempts,
		BaseDelay:   r.BaseDelay,
		MaxDelay:    r.MaxDelay,
	}
}

// CopyConfig returns the copy engine settings
func (c *Config) CopyConfig() copier.Config {
	return copier.Config{
		MultipartThreshold: c.Transfer.MultipartThreshold,
		PartSize:           c.Transfer.PartSize,
		PartConcurrency:    c.Transfer.PartConcurrency,
	}
}

// StorageConfig returns the client template. Role credentials are bound
// into it per side; the static keys here only serve the ambient client.
func (c *Config) StorageConfig() storage.Config {
	return storage.Config{
		Backend:      storage.Backend(c.Storage.Backend),
		Endpoint:     c.Storage.Endpoint,
		Region:       c.Storage.Region,
		Secure:       c.Storage.Secure,
		UsePathStyle: c.Storage.UsePathStyle,
		AccessKey:    c.Storage.AccessKey,
		SecretKey:    c.Storage.SecretKey,
	}
}
