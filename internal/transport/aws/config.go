// Package aws delivers envelopes to Amazon SQS queues and SNS topics. For
// sqs the route target is the queue URL; for sns it is the topic ARN.
package aws

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"

	"routing-hub/internal/common/errors"
	"routing-hub/internal/common/validation"
)

// Config is shared by the sqs and sns transports. Without static keys the
// default credential chain is used.
type Config struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
	Endpoint        string `yaml:"endpoint"` // LocalStack and other compatible services

	// sqs subscriptions
	WaitTimeSeconds   int32 `yaml:"wait_time_seconds"`
	MaxMessages       int32 `yaml:"max_messages"`
	VisibilityTimeout int32 `yaml:"visibility_timeout"`

	kind string
}

func (c *Config) Validate() error {
	if c.WaitTimeSeconds <= 0 || c.WaitTimeSeconds > 20 {
		c.WaitTimeSeconds = 20
	}
	if c.MaxMessages <= 0 || c.MaxMessages > 10 {
		c.MaxMessages = 10
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = 30
	}

	v := validation.NewValidatorWithPrefix(c.GetType() + " transport config")
	v.RequireString(c.Region, "region")
	v.Check((c.AccessKeyID == "") == (c.SecretAccessKey == ""),
		"access_key_id and secret_access_key must be set together")
	if c.Endpoint != "" {
		v.RequireURL(c.Endpoint, "endpoint", "http", "https")
	}
	return v.Error()
}

func (c *Config) GetType() string { return c.kind }

func (c *Config) GetConnectionString() string {
	if c.Endpoint != "" {
		return fmt.Sprintf("%s://%s@%s", c.kind, c.Region, c.Endpoint)
	}
	return fmt.Sprintf("%s://%s", c.kind, c.Region)
}

func defaultConfig(kind string) *Config {
	return &Config{
		Region:            "us-east-1",
		WaitTimeSeconds:   20,
		MaxMessages:       10,
		VisibilityTimeout: 30,
		kind:              kind,
	}
}

// load resolves the SDK configuration for c
func (c *Config) load(ctx context.Context) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(c.Region)}
	if c.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(c.AccessKeyID, c.SecretAccessKey, c.SessionToken),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, errors.ConnectionError("failed to load AWS config", err)
	}
	return cfg, nil
}

func (c *Config) endpoint() *string {
	if c.Endpoint == "" {
		return nil
	}
	return aws.String(c.Endpoint)
}

const healthTimeout = 5 * time.Second
