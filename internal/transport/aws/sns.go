package aws

import (
	"context"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"

	"routing-hub/internal/common/errors"
	"routing-hub/internal/common/logging"
	"routing-hub/internal/transport"
)

// SNSAPI is the subset of *sns.Client the transport uses
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
	ListTopics(ctx context.Context, params *sns.ListTopicsInput, optFns ...func(*sns.Options)) (*sns.ListTopicsOutput, error)
}

type SNSTransport struct {
	*transport.Base
	config *Config

	mu     sync.RWMutex
	client SNSAPI
}

func NewSNS(name string, config *Config) (*SNSTransport, error) {
	config.kind = "sns"
	base, err := transport.NewBase(name, config)
	if err != nil {
		return nil, err
	}
	return &SNSTransport{Base: base, config: config}, nil
}

// NewSNSWithClient builds a connected transport over client
func NewSNSWithClient(name string, config *Config, client SNSAPI) (*SNSTransport, error) {
	t, err := NewSNS(name, config)
	if err != nil {
		return nil, err
	}
	t.client = client
	return t, nil
}

// GetSNSFactory returns the sns transport factory
func GetSNSFactory() transport.Factory {
	return transport.NewFactory[*Config]("sns", func() *Config { return defaultConfig("sns") },
		func(name string, config *Config) (transport.Transport, error) {
			return NewSNS(name, config)
		})
}

func (t *SNSTransport) Connect(ctx context.Context) error {
	cfg, err := t.config.load(ctx)
	if err != nil {
		return err
	}
	client := sns.NewFromConfig(cfg, func(o *sns.Options) {
		o.BaseEndpoint = t.config.endpoint()
	})

	t.mu.Lock()
	t.client = client
	t.mu.Unlock()
	return t.Health()
}

func (t *SNSTransport) api() SNSAPI {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.client
}

func (t *SNSTransport) Send(ctx context.Context, topicArn string, env *transport.Envelope) error {
	client := t.api()
	if client == nil {
		return t.NotConnected()
	}
	body, err := env.Encode()
	if err != nil {
		return err
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(topicArn),
		Message:  aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"MessageID": {DataType: aws.String("String"), StringValue: aws.String(env.MessageID)},
			"RouteID":   {DataType: aws.String("String"), StringValue: aws.String(env.RouteID)},
		},
	}
	if strings.HasSuffix(topicArn, ".fifo") {
		input.MessageGroupId = aws.String(env.RouteID)
		input.MessageDeduplicationId = aws.String(env.MessageID)
	}

	out, err := client.Publish(ctx, input)
	if err != nil {
		return errors.ConnectionError("failed to publish SNS message", err)
	}
	t.Logger().Debug("Envelope published to SNS",
		logging.String("topic_arn", topicArn),
		logging.String("sns_message_id", aws.ToString(out.MessageId)),
	)
	return nil
}

func (t *SNSTransport) Health() error {
	client := t.api()
	if client == nil {
		return t.NotConnected()
	}
	ctx, cancel := context.WithTimeout(context.Background(), healthTimeout)
	defer cancel()
	if _, err := client.ListTopics(ctx, &sns.ListTopicsInput{}); err != nil {
		return errors.ConnectionError("SNS health check failed", err)
	}
	return nil
}

func (t *SNSTransport) Close() error {
	t.mu.Lock()
	t.client = nil
	t.mu.Unlock()
	return nil
}

var _ transport.Transport = (*SNSTransport)(nil)
