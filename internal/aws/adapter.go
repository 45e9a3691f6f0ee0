// Package aws provides the AWS SDK v2 adapter layer with rate limiting,
// response caching, and audit logging.
package aws

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagent"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/kbchat/kbchat/internal/audit"
	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
)

// SessionCredentials holds the credential material needed to create AWS clients.
type SessionCredentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Region          string
}

// ClientFactory creates rate-limited, audit-logged AWS service clients
// scoped to caller-supplied credentials.
type ClientFactory struct {
	mu          sync.Mutex
	rateLimiter *RateLimiter
	logger      zerolog.Logger
	cache       *ResponseCache
	auditLogger *audit.Logger
	actor       string
}

// NewClientFactory creates a factory with 10 req/s per service and a
// five minute response cache.
func NewClientFactory(logger zerolog.Logger) *ClientFactory {
	return NewClientFactoryWithRate(logger, 10, 5*time.Minute)
}

// NewClientFactoryWithRate creates a factory with a custom rate limit and cache TTL.
func NewClientFactoryWithRate(logger zerolog.Logger, ratePerSec int, cacheTTL time.Duration) *ClientFactory {
	return &ClientFactory{
		rateLimiter: NewRateLimiter(ratePerSec),
		logger:      logger,
		cache:       NewResponseCache(cacheTTL),
	}
}

// SetAudit enables audit logging of API calls on behalf of actor.
func (f *ClientFactory) SetAudit(al *audit.Logger, actor string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.auditLogger = al
	f.actor = actor
}

func (f *ClientFactory) awsConfig(creds SessionCredentials) aws.Config {
	return aws.Config{
		Region: creds.Region,
		Credentials: credentials.NewStaticCredentialsProvider(
			creds.AccessKeyID,
			creds.SecretAccessKey,
			creds.SessionToken,
		),
		RetryMaxAttempts: 3,
	}
}

// logAPICall records an API call to the structured logger and, when
// enabled, the audit log.
func (f *ClientFactory) logAPICall(service, operation string, params map[string]string, err error) {
	ev := f.logger.Debug().Str("service", service).Str("operation", operation)
	if err != nil {
		ev = ev.Err(err)
	}
	ev.Msg("aws api call")

	f.mu.Lock()
	al, actor := f.auditLogger, f.actor
	f.mu.Unlock()
	if al == nil {
		return
	}

	detail := map[string]string{
		"service":   service,
		"operation": operation,
	}
	for k, v := range params {
		detail[k] = v
	}
	if err != nil {
		detail["error"] = err.Error()
	}
	if aerr := al.Log(audit.EventAPICall, actor, detail); aerr != nil {
		f.logger.Warn().Err(aerr).Msg("audit write failed")
	}
}

// Cache returns the response cache for manual invalidation.
func (f *ClientFactory) Cache() *ResponseCache { return f.cache }

// --- Service client factories ---

func (f *ClientFactory) STSClient(creds SessionCredentials) *sts.Client {
	return sts.NewFromConfig(f.awsConfig(creds))
}

func (f *ClientFactory) IAMClient(creds SessionCredentials) *iam.Client {
	return iam.NewFromConfig(f.awsConfig(creds))
}

func (f *ClientFactory) S3Client(creds SessionCredentials) *s3.Client {
	return s3.NewFromConfig(f.awsConfig(creds))
}

func (f *ClientFactory) LambdaClient(creds SessionCredentials) *lambda.Client {
	return lambda.NewFromConfig(f.awsConfig(creds))
}

func (f *ClientFactory) SSMClient(creds SessionCredentials) *ssm.Client {
	return ssm.NewFromConfig(f.awsConfig(creds))
}

func (f *ClientFactory) CloudWatchLogsClient(creds SessionCredentials) *cloudwatchlogs.Client {
	return cloudwatchlogs.NewFromConfig(f.awsConfig(creds))
}

func (f *ClientFactory) BedrockAgentClient(creds SessionCredentials) *bedrockagent.Client {
	return bedrockagent.NewFromConfig(f.awsConfig(creds))
}

func (f *ClientFactory) BedrockAgentRuntimeClient(creds SessionCredentials) *bedrockagentruntime.Client {
	return bedrockagentruntime.NewFromConfig(f.awsConfig(creds))
}

// --- Convenience operations ---

// GetCallerIdentity performs sts:GetCallerIdentity.
func (f *ClientFactory) GetCallerIdentity(ctx context.Context, creds SessionCredentials) (arn, account, userID string, err error) {
	if err := f.rateLimiter.Wait(ctx, "sts"); err != nil {
		return "", "", "", err
	}

	result, err := f.STSClient(creds).GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	f.logAPICall("sts", "GetCallerIdentity", nil, err)
	if err != nil {
		return "", "", "", fmt.Errorf("GetCallerIdentity: %w", err)
	}
	return aws.ToString(result.Arn), aws.ToString(result.Account), aws.ToString(result.UserId), nil
}

// --- Rate Limiter ---

// RateLimiter spaces calls to the same service by a minimum interval.
type RateLimiter struct {
	mu         sync.Mutex
	ratePerSec int
	lastCall   map[string]time.Time
}

func NewRateLimiter(ratePerSec int) *RateLimiter {
	if ratePerSec <= 0 {
		ratePerSec = 1
	}
	return &RateLimiter{
		ratePerSec: ratePerSec,
		lastCall:   make(map[string]time.Time),
	}
}

// Wait blocks until service may be called again or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context, service string) error {
	rl.mu.Lock()
	minInterval := time.Second / time.Duration(rl.ratePerSec)
	next := time.Now()
	if last, ok := rl.lastCall[service]; ok && last.Add(minInterval).After(next) {
		next = last.Add(minInterval)
	}
	rl.lastCall[service] = next
	rl.mu.Unlock()

	delay := time.Until(next)
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// --- Response Cache ---

// ResponseCache provides in-memory TTL caching for read-only AWS responses.
// A non-positive TTL disables caching.
type ResponseCache struct {
	ttl   time.Duration
	items *gocache.Cache
}

func NewResponseCache(ttl time.Duration) *ResponseCache {
	cleanup := 2 * ttl
	if ttl <= 0 {
		cleanup = 0
	}
	return &ResponseCache{ttl: ttl, items: gocache.New(ttl, cleanup)}
}

// Get retrieves a cached value. Returns nil and false if not found or expired.
func (c *ResponseCache) Get(key string) (any, bool) {
	if c.ttl <= 0 {
		return nil, false
	}
	return c.items.Get(key)
}

// Put stores a value in the cache.
func (c *ResponseCache) Put(key string, data any) {
	if c.ttl <= 0 {
		return
	}
	c.items.Set(key, data, c.ttl)
}

// Clear removes all entries, optionally filtering by key prefix.
func (c *ResponseCache) Clear(prefix string) int {
	if prefix == "" {
		n := c.items.ItemCount()
		c.items.Flush()
		return n
	}
	count := 0
	for k := range c.items.Items() {
		if strings.HasPrefix(k, prefix) {
			c.items.Delete(k)
			count++
		}
	}
	return count
}
