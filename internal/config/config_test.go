package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"s3transfer/internal/storage"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mapLookup(env map[string]string) lookupFunc {
	return func(name string) (string, bool) {
		v, ok := env[name]
		return v, ok
	}
}

func validConfig() *Config {
	cfg := Default()
	cfg.Source.Bucket = "src"
	cfg.Destination.Bucket = "dst"
	cfg.Destination.RoleARN = "arn:aws:iam::222222222222:role/dest"
	cfg.ManifestBucket = "manifests"
	return cfg
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// unsetenv clears names for the test and restores them afterwards
func unsetenv(t *testing.T, names ...string) {
	t.Helper()
	for _, name := range names {
		t.Setenv(name, "")
		require.NoError(t, os.Unsetenv(name))
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, int64(5<<30), cfg.Transfer.MultipartThreshold)
	assert.Equal(t, int64(100<<20), cfg.Transfer.PartSize)
	assert.Equal(t, 4, cfg.Transfer.PartConcurrency)
	assert.Equal(t, 16, cfg.Transfer.Workers)
	assert.Equal(t, time.Hour, cfg.Transfer.CredentialDuration)
	assert.Equal(t, Retry{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: time.Minute}, cfg.Retry)
	assert.Equal(t, Retry{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second}, cfg.Credentials)
	assert.Equal(t, 10, cfg.Validation.SampleSize)
	assert.Equal(t, "aws", cfg.Storage.Backend)
}

func TestLoadFromEnv(t *testing.T) {
	cfg := Default()
	err := loadFromEnv(cfg, mapLookup(map[string]string{
		"SOURCE_ROLE_ARN":            "arn:src",
		"DESTINATION_ROLE_ARN":       "arn:dst",
		"EXTERNAL_ID":                "ext",
		"SOURCE_BUCKET":              "src",
		"DESTINATION_BUCKET":         "dst",
		"SOURCE_PREFIX":              "in/",
		"DESTINATION_PREFIX":         "out/",
		"MANIFEST_BUCKET":            "manifests",
		"SOURCE_KMS_KEY_ID":          "src-key",
		"DESTINATION_KMS_KEY_ID":     "dst-key",
		"MULTIPART_THRESHOLD_BYTES":  "1073741824",
		"MULTIPART_CHUNK_SIZE_BYTES": "10485760",
		"MAX_RETRY_ATTEMPTS":         "7",
		"RETRY_BASE_DELAY":           "0.5",
		"RETRY_MAX_DELAY":            "30",
		"VALIDATION_SAMPLE_SIZE":     "25",
		"LOG_LEVEL":                  "debug",
	}))
	require.NoError(t, err)

	assert.Equal(t, Location{RoleARN: "arn:src", Bucket: "src", Prefix: "in/", KMSKeyID: "src-key"}, cfg.Source)
	assert.Equal(t, Location{RoleARN: "arn:dst", Bucket: "dst", Prefix: "out/", KMSKeyID: "dst-key"}, cfg.Destination)
	assert.Equal(t, "ext", cfg.ExternalID)
	assert.Equal(t, "manifests", cfg.ManifestBucket)
	assert.Equal(t, int64(1<<30), cfg.Transfer.MultipartThreshold)
	assert.Equal(t, int64(10<<20), cfg.Transfer.PartSize)
	assert.Equal(t, Retry{MaxAttempts: 7, BaseDelay: 500 * time.Millisecond, MaxDelay: 30 * time.Second}, cfg.Retry)
	assert.Equal(t, 25, cfg.Validation.SampleSize)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadFromEnv_InvalidNumbers(t *testing.T) {
	cfg := Default()
	err := loadFromEnv(cfg, mapLookup(map[string]string{
		"MAX_RETRY_ATTEMPTS": "many",
		"RETRY_BASE_DELAY":   "soon",
	}))

	require.Error(t, err)
	assert.ErrorContains(t, err, "MAX_RETRY_ATTEMPTS")
	assert.ErrorContains(t, err, "RETRY_BASE_DELAY")
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
}

func TestLoad_Layering(t *testing.T) {
	yamlFile := writeFile(t, "config.yaml", `
source:
  bucket: yaml-src
  prefix: data/
destination:
  bucket: yaml-dst
  role_arn: arn:yaml
manifest_bucket: yaml-manifests
transfer:
  workers: 8
  part_size: 16777216
retry:
  base_delay: 2s
`)
	envFile := writeFile(t, ".env", "DESTINATION_BUCKET=env-dst\nVALIDATION_SAMPLE_SIZE=3\n")
	unsetenv(t, "DESTINATION_BUCKET", "VALIDATION_SAMPLE_SIZE", "SOURCE_BUCKET", "SOURCE_PREFIX",
		"DESTINATION_ROLE_ARN", "MULTIPART_CHUNK_SIZE_BYTES", "RETRY_BASE_DELAY", "LOG_LEVEL", "STORAGE_BACKEND", "AWS_REGION")
	t.Setenv("MANIFEST_BUCKET", "process-manifests")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("workers", 16, "")
	flags.String("src-prefix", "", "")
	flags.String("log-level", "info", "")
	require.NoError(t, flags.Parse([]string{"--workers", "2", "--src-prefix", "flag/"}))

	cfg, err := Load(yamlFile, envFile, flags)
	require.NoError(t, err)

	assert.Equal(t, "yaml-src", cfg.Source.Bucket)
	assert.Equal(t, "flag/", cfg.Source.Prefix)
	assert.Equal(t, "env-dst", cfg.Destination.Bucket)
	assert.Equal(t, "process-manifests", cfg.ManifestBucket)
	assert.Equal(t, 2, cfg.Transfer.Workers)
	assert.Equal(t, int64(16<<20), cfg.Transfer.PartSize)
	assert.Equal(t, 2*time.Second, cfg.Retry.BaseDelay)
	assert.Equal(t, 3, cfg.Validation.SampleSize)
	assert.Equal(t, "info", cfg.LogLevel, "unchanged flags keep lower layers")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), "", nil)
	assert.ErrorContains(t, err, "failed to load config file")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing source bucket", func(c *Config) { c.Source.Bucket = "" }, "source bucket is required"},
		{"missing destination bucket", func(c *Config) { c.Destination.Bucket = "" }, "destination bucket is required"},
		{"missing manifest bucket", func(c *Config) { c.ManifestBucket = "" }, "manifest bucket is required"},
		{"missing destination role", func(c *Config) { c.Destination.RoleARN = "" }, "destination role ARN is required"},
		{"minio without endpoint", func(c *Config) { c.Storage.Backend = "minio" }, "endpoint is required"},
		{"minio without role", func(c *Config) {
			c.Storage.Backend = "minio"
			c.Storage.Endpoint = "localhost:9000"
			c.Destination.RoleARN = ""
		}, ""},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "gcs" }, "unsupported storage backend"},
		{"part too small", func(c *Config) { c.Transfer.PartSize = 1 << 20 }, "at least 5MB"},
		{"part too large", func(c *Config) { c.Transfer.PartSize = 6 << 30 }, "at most 5GB"},
		{"zero workers", func(c *Config) { c.Transfer.Workers = 0 }, "workers must be positive"},
		{"zero part concurrency", func(c *Config) { c.Transfer.PartConcurrency = 0 }, "part concurrency"},
		{"zero attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }, "retry attempts"},
		{"negative sample", func(c *Config) { c.Validation.SampleSize = -1 }, "sample size"},
		{"zero sample", func(c *Config) { c.Validation.SampleSize = 0 }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestDerivedSettings(t *testing.T) {
	cfg := validConfig()
	cfg.Storage.Endpoint = "http://localhost:4566"
	cfg.Storage.UsePathStyle = true

	assert.Equal(t, 5, cfg.RetryPolicy().MaxAttempts)
	assert.Equal(t, 10*time.Second, cfg.CredentialPolicy().MaxDelay)
	assert.Equal(t, cfg.Transfer.PartSize, cfg.CopyConfig().PartSize)

	sc := cfg.StorageConfig()
	assert.Equal(t, storage.BackendAWS, sc.Backend)
	assert.Equal(t, "http://localhost:4566", sc.Endpoint)
	assert.True(t, sc.UsePathStyle)
}
