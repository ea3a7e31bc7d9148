// Package credentials assumes cross-account roles and caches the resulting
// temporary credentials until shortly before they expire.
package credentials

import (
	"context"
	"fmt"
	"sync"
	"time"

	"s3transfer/internal/retry"
	"s3transfer/internal/storage"
	"s3transfer/internal/transfererr"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"go.uber.org/zap"
)

const (
	// DefaultBuffer is how long before expiry a cached credential is refreshed
	DefaultBuffer = 300 * time.Second
	// DefaultDuration is the requested credential validity
	DefaultDuration = time.Hour
	// DefaultSessionName is used when the caller supplies none
	DefaultSessionName = "S3TransferSession"
)

// STSAPI is the subset of the STS client used by Broker
type STSAPI interface {
	AssumeRole(ctx context.Context, params *sts.AssumeRoleInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleOutput, error)
}

// Credential is a temporary credential for one role
type Credential struct {
	RoleARN         string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Expires         time.Time
}

// Cache maps role ARNs to their most recent credential. Concurrent
// acquisitions for the same role may both write; the last write wins.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]Credential
}

// NewCache creates an empty credential cache
func NewCache() *Cache {
	return &Cache{entries: make(map[string]Credential)}
}

// Get returns the cached credential for roleARN
func (c *Cache) Get(roleARN string) (Credential, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cred, ok := c.entries[roleARN]
	return cred, ok
}

// Put stores cred under its role ARN
func (c *Cache) Put(cred Credential) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cred.RoleARN] = cred
}

// Clear drops every cached credential
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
}

// Len returns the number of cached roles
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// AcquireInput identifies the role to assume
type AcquireInput struct {
	RoleARN     string
	SessionName string
	ExternalID  string
	Duration    time.Duration
}

// Broker obtains temporary credentials through STS
type Broker struct {
	api     STSAPI
	cache   *Cache
	retrier *retry.Retrier
	logger  *zap.Logger

	Policy retry.Policy
	Buffer time.Duration
	Now    func() time.Time
}

// NewBroker creates a broker around an STS client. A nil cache gets a fresh one.
func NewBroker(api STSAPI, cache *Cache, retrier *retry.Retrier, logger *zap.Logger) *Broker {
	if cache == nil {
		cache = NewCache()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if retrier == nil {
		retrier = retry.New(logger)
	}
	return &Broker{
		api:     api,
		cache:   cache,
		retrier: retrier,
		logger:  logger,
		Policy:  retry.CredentialPolicy(),
		Buffer:  DefaultBuffer,
		Now:     time.Now,
	}
}

// NewDefaultBroker builds a broker from the ambient AWS configuration
// (environment, shared config files, instance role).
func NewDefaultBroker(ctx context.Context, region string, cache *Cache, retrier *retry.Retrier, logger *zap.Logger) (*Broker, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewBroker(sts.NewFromConfig(cfg), cache, retrier, logger), nil
}

// Cache returns the broker's credential cache
func (b *Broker) Cache() *Cache {
	return b.cache
}

// Clear drops every cached credential
func (b *Broker) Clear() {
	b.cache.Clear()
}

// Acquire returns a credential for in.RoleARN, assuming the role only when
// no cached credential is valid beyond the refresh buffer.
func (b *Broker) Acquire(ctx context.Context, in AcquireInput) (Credential, error) {
	if in.RoleARN == "" {
		return Credential{}, transfererr.New(transfererr.KindInvalidInput, "assume_role", "role ARN is required")
	}

	if cred, ok := b.cache.Get(in.RoleARN); ok && b.Now().Before(cred.Expires.Add(-b.Buffer)) {
		b.logger.Debug("Using cached credentials", zap.String("role_arn", in.RoleARN))
		return cred, nil
	}

	cred, err := retry.Execute(ctx, b.retrier, b.Policy, "assume_role", func(ctx context.Context) (Credential, error) {
		return b.assumeRole(ctx, in)
	})
	if err != nil {
		return Credential{}, err
	}

	b.cache.Put(cred)
	b.logger.Info("Assumed role",
		zap.String("role_arn", in.RoleARN),
		zap.Time("expires", cred.Expires),
	)
	return cred, nil
}

func (b *Broker) assumeRole(ctx context.Context, in AcquireInput) (Credential, error) {
	sessionName := in.SessionName
	if sessionName == "" {
		sessionName = DefaultSessionName
	}
	duration := in.Duration
	if duration <= 0 {
		duration = DefaultDuration
	}

	input := &sts.AssumeRoleInput{
		RoleArn:         aws.String(in.RoleARN),
		RoleSessionName: aws.String(sessionName),
		DurationSeconds: aws.Int32(int32(duration / time.Second)),
	}
	if in.ExternalID != "" {
		input.ExternalId = aws.String(in.ExternalID)
	}

	out, err := b.api.AssumeRole(ctx, input)
	if err != nil {
		return Credential{}, transfererr.Classify(err, "assume_role").WithDetail("role_arn", in.RoleARN)
	}
	if out.Credentials == nil {
		return Credential{}, transfererr.New(transfererr.KindRetryable, "assume_role", "response carried no credentials").
			WithDetail("role_arn", in.RoleARN)
	}

	return Credential{
		RoleARN:         in.RoleARN,
		AccessKeyID:     aws.ToString(out.Credentials.AccessKeyId),
		SecretAccessKey: aws.ToString(out.Credentials.SecretAccessKey),
		SessionToken:    aws.ToString(out.Credentials.SessionToken),
		Expires:         aws.ToTime(out.Credentials.Expiration),
	}, nil
}

// BuildClient binds cred into a copy of template. No network call is made.
func BuildClient(template storage.Config, cred Credential, region string) (storage.Client, error) {
	cfg := template
	cfg.AccessKey = cred.AccessKeyID
	cfg.SecretKey = cred.SecretAccessKey
	cfg.SessionToken = cred.SessionToken
	if region != "" {
		cfg.Region = region
	}
	return storage.NewClient(cfg)
}

// SessionName builds a role session name from a purpose and execution id
func SessionName(purpose, executionID string) string {
	if len(executionID) > 8 {
		executionID = executionID[:8]
	}
	if executionID == "" {
		return purpose
	}
	return purpose + "-" + executionID
}
