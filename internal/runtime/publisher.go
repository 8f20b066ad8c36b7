package runtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/zutils/protocols/internal/runtime/envelope"
	errspkg "github.com/zutils/protocols/internal/runtime/errors"
	idspkg "github.com/zutils/protocols/internal/runtime/ids"
	metadatapkg "github.com/zutils/protocols/internal/runtime/metadata"
)

// Producer emits envelopes onto a transport.
type Producer interface {
	PublishEnvelope(ctx context.Context, topic string, env *envelope.Envelope, md metadatapkg.Metadata) error
}

// NewMessageFromEnvelope encodes env into a Watermill message carrying the
// request type and destination as metadata.
func NewMessageFromEnvelope(env *envelope.Envelope, md metadatapkg.Metadata) (*message.Message, error) {
	if env == nil {
		return nil, errspkg.ErrEnvelopeRequired
	}

	payload, err := envelope.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}

	msg := message.NewMessage(idspkg.CreateULID(), payload)
	msg.Metadata = metadatapkg.ToWatermill(md)
	msg.Metadata[metadatapkg.KeyRequestType] = env.RequestType.String()
	if env.Destination != nil {
		msg.Metadata[metadatapkg.KeyDestination] = string(*env.Destination)
	}
	if msg.Metadata[metadatapkg.KeyCorrelationID] == "" {
		msg.Metadata[metadatapkg.KeyCorrelationID] = idspkg.CreateULID()
	}
	return msg, nil
}

// PublishEnvelope encodes env and publishes it to topic.
func PublishEnvelope(ctx context.Context, publisher message.Publisher, topic string, env *envelope.Envelope, md metadatapkg.Metadata) error {
	if publisher == nil {
		return errspkg.ErrPublisherRequired
	}
	if topic == "" {
		return errspkg.ErrTopicRequired
	}

	msg, err := NewMessageFromEnvelope(env, md)
	if err != nil {
		return err
	}

	if ctx != nil {
		msg.SetContext(ctx)
	}

	return publisher.Publish(topic, msg)
}

// PublishEnvelope emits env using the Service publisher.
func (s *Service) PublishEnvelope(ctx context.Context, topic string, env *envelope.Envelope, md metadatapkg.Metadata) error {
	if s == nil {
		return errors.New("router service is nil")
	}
	return PublishEnvelope(ctx, s.publisher, topic, env, md)
}
