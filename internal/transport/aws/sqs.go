package aws

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"routing-hub/internal/common/errors"
	"routing-hub/internal/common/logging"
	"routing-hub/internal/transport"
)

// SQSAPI is the subset of *sqs.Client the transport uses
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ListQueues(ctx context.Context, params *sqs.ListQueuesInput, optFns ...func(*sqs.Options)) (*sqs.ListQueuesOutput, error)
}

type SQSTransport struct {
	*transport.Base
	config *Config

	mu     sync.RWMutex
	client SQSAPI
}

func NewSQS(name string, config *Config) (*SQSTransport, error) {
	config.kind = "sqs"
	base, err := transport.NewBase(name, config)
	if err != nil {
		return nil, err
	}
	return &SQSTransport{Base: base, config: config}, nil
}

// NewSQSWithClient builds a connected transport over client
func NewSQSWithClient(name string, config *Config, client SQSAPI) (*SQSTransport, error) {
	t, err := NewSQS(name, config)
	if err != nil {
		return nil, err
	}
	t.client = client
	return t, nil
}

// GetSQSFactory returns the sqs transport factory
func GetSQSFactory() transport.Factory {
	return transport.NewFactory[*Config]("sqs", func() *Config { return defaultConfig("sqs") },
		func(name string, config *Config) (transport.Transport, error) {
			return NewSQS(name, config)
		})
}

func (t *SQSTransport) Connect(ctx context.Context) error {
	cfg, err := t.config.load(ctx)
	if err != nil {
		return err
	}
	client := sqs.NewFromConfig(cfg, func(o *sqs.Options) {
		o.BaseEndpoint = t.config.endpoint()
	})

	t.mu.Lock()
	t.client = client
	t.mu.Unlock()
	return t.Health()
}

func (t *SQSTransport) api() SQSAPI {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.client
}

func (t *SQSTransport) Send(ctx context.Context, queueURL string, env *transport.Envelope) error {
	client := t.api()
	if client == nil {
		return t.NotConnected()
	}
	body, err := env.Encode()
	if err != nil {
		return err
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"MessageID": {DataType: aws.String("String"), StringValue: aws.String(env.MessageID)},
			"RouteID":   {DataType: aws.String("String"), StringValue: aws.String(env.RouteID)},
		},
	}
	if strings.HasSuffix(queueURL, ".fifo") {
		input.MessageGroupId = aws.String(env.RouteID)
		input.MessageDeduplicationId = aws.String(env.MessageID)
	}

	out, err := client.SendMessage(ctx, input)
	if err != nil {
		return errors.ConnectionError("failed to send SQS message", err)
	}
	t.Logger().Debug("Envelope sent to SQS",
		logging.String("queue_url", queueURL),
		logging.String("sqs_message_id", aws.ToString(out.MessageId)),
	)
	return nil
}

// Subscribe long-polls queueURL until ctx is done. Messages are deleted once
// the handler accepts them; others reappear after the visibility timeout.
func (t *SQSTransport) Subscribe(ctx context.Context, queueURL string, handler transport.Handler) error {
	if t.api() == nil {
		return t.NotConnected()
	}

	go func() {
		for ctx.Err() == nil {
			client := t.api()
			if client == nil {
				return
			}
			out, err := client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
				QueueUrl:            aws.String(queueURL),
				MaxNumberOfMessages: t.config.MaxMessages,
				WaitTimeSeconds:     t.config.WaitTimeSeconds,
				VisibilityTimeout:   t.config.VisibilityTimeout,
			})
			if err != nil {
				if ctx.Err() != nil {
					break
				}
				t.Logger().Error("SQS receive failed", err, logging.String("queue_url", queueURL))
				select {
				case <-ctx.Done():
				case <-time.After(time.Second):
				}
				continue
			}

			for _, m := range out.Messages {
				if !t.Deliver(ctx, handler, queueURL, []byte(aws.ToString(m.Body))) {
					continue
				}
				if _, err := client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
					QueueUrl:      aws.String(queueURL),
					ReceiptHandle: m.ReceiptHandle,
				}); err != nil {
					t.Logger().Warn("Failed to delete SQS message", logging.String("queue_url", queueURL), logging.Err(err))
				}
			}
		}
		t.Logger().Info("SQS subscription cancelled", logging.String("queue_url", queueURL))
	}()
	return nil
}

// Health lists at most one queue to check credentials and reachability
func (t *SQSTransport) Health() error {
	client := t.api()
	if client == nil {
		return t.NotConnected()
	}
	ctx, cancel := context.WithTimeout(context.Background(), healthTimeout)
	defer cancel()
	if _, err := client.ListQueues(ctx, &sqs.ListQueuesInput{MaxResults: aws.Int32(1)}); err != nil {
		return errors.ConnectionError("SQS health check failed", err)
	}
	return nil
}

func (t *SQSTransport) Close() error {
	t.mu.Lock()
	t.client = nil
	t.mu.Unlock()
	return nil
}

var (
	_ transport.Transport  = (*SQSTransport)(nil)
	_ transport.Subscriber = (*SQSTransport)(nil)
)
