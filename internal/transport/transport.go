// Package transport delivers routed messages to their destinations. Each
// route is bound to a named transport instance (kafka, rabbitmq, websocket,
// ...) and a transport-level target such as a topic, queue or URL.
package transport

import (
	"context"
	"encoding/json"
	"time"

	"routing-hub/internal/common/errors"
	"routing-hub/internal/common/utils"
	"routing-hub/internal/routing"
)

// Transport sends envelopes to targets over one connection
type Transport interface {
	Name() string
	Type() string
	Connect(ctx context.Context) error
	Send(ctx context.Context, target string, env *Envelope) error
	Health() error
	Close() error
}

// Handler processes one inbound envelope. Returning an error leaves the
// message unacknowledged where the transport supports redelivery.
type Handler func(ctx context.Context, env *Envelope) error

// Subscriber is implemented by transports that can also act as a message source
type Subscriber interface {
	Subscribe(ctx context.Context, source string, handler Handler) error
}

// Config is a transport's typed settings block
type Config interface {
	Validate() error
	GetType() string
	// GetConnectionString is safe to log; credentials are stripped
	GetConnectionString() string
}

// Envelope is the wire form of a routed message
type Envelope struct {
	MessageID string                 `json:"message_id"`
	RouteID   string                 `json:"route_id,omitempty"`
	Payload   map[string]interface{} `json:"payload"`
	Metadata  map[string]string      `json:"metadata,omitempty"`
	SentAt    time.Time              `json:"sent_at"`
}

// NewEnvelope wraps msg for delivery over routeID
func NewEnvelope(routeID string, msg *routing.Message, now time.Time) *Envelope {
	env := &Envelope{RouteID: routeID, SentAt: now}
	if msg != nil {
		env.MessageID = msg.ID
		env.Payload = msg.Payload
		env.Metadata = msg.Metadata
	}
	return env
}

// Encode renders the envelope as JSON
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, errors.InternalError("failed to encode envelope", err)
	}
	return data, nil
}

// Message converts an inbound envelope into a message for the router
func (e *Envelope) Message() *routing.Message {
	receivedAt := e.SentAt
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}
	return &routing.Message{
		ID:         e.MessageID,
		Payload:    e.Payload,
		Metadata:   e.Metadata,
		ReceivedAt: receivedAt,
	}
}

// DecodeEnvelope parses inbound bytes. A JSON object with a payload field is
// taken as an envelope; any other JSON object becomes the payload of a new
// envelope. Missing message ids are generated.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, errors.ValidationError("inbound message is not a JSON object")
	}

	env := &Envelope{}
	if _, ok := probe["payload"]; ok {
		if err := json.Unmarshal(data, env); err != nil {
			return nil, errors.ValidationError("malformed envelope: " + err.Error())
		}
	} else {
		var payload map[string]interface{}
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, errors.ValidationError("malformed payload: " + err.Error())
		}
		env.Payload = payload
	}

	if env.MessageID == "" {
		env.MessageID = utils.NewMessageID()
	}
	return env, nil
}
