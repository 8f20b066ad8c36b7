package runtime

import (
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zutils/protocols/internal/runtime/envelope"
	errspkg "github.com/zutils/protocols/internal/runtime/errors"
	"github.com/zutils/protocols/internal/runtime/ids"
	"github.com/zutils/protocols/internal/runtime/jsoncodec"
	loggingpkg "github.com/zutils/protocols/internal/runtime/logging"
	metadatapkg "github.com/zutils/protocols/internal/runtime/metadata"
)

// IngressRegistration attaches an envelope consumer to the service router.
// Each message payload is an encoded envelope; the encoded result collection
// is published to the message's reply-to topic or, when absent, PublishQueue.
// With neither set the results are discarded. A result collection larger than
// MaxMessageSize is replaced by a single Error envelope.
type IngressRegistration struct {
	Name           string
	ConsumeQueue   string
	PublishQueue   string
	MaxMessageSize int64
	Subscriber     message.Subscriber
	Publisher      message.Publisher
}

// RegisterIngress adds an ingress handler to the service router.
func RegisterIngress(svc *Service, cfg IngressRegistration) error {
	if svc == nil {
		return errspkg.ErrServiceRequired
	}
	if svc.router == nil {
		return fmt.Errorf("%w: ingress needs a pubsub system", errspkg.ErrServiceRequired)
	}
	if cfg.ConsumeQueue == "" {
		return errspkg.ErrTopicRequired
	}
	if cfg.Name == "" {
		cfg.Name = "ingress-" + cfg.ConsumeQueue
	}
	if cfg.Subscriber == nil {
		cfg.Subscriber = svc.subscriber
	}
	if cfg.Publisher == nil {
		cfg.Publisher = svc.publisher
	}

	svc.router.AddNoPublisherHandler(
		cfg.Name,
		cfg.ConsumeQueue,
		cfg.Subscriber,
		svc.ingressHandler(cfg),
	)
	svc.Logger.Info("Registered ingress", loggingpkg.LogFields{
		"handler":       cfg.Name,
		"consume_queue": cfg.ConsumeQueue,
		"publish_queue": cfg.PublishQueue,
	})
	return nil
}

func (s *Service) ingressHandler(cfg IngressRegistration) message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		ctx := msg.Context()
		correlationID := msg.Metadata.Get(metadatapkg.KeyCorrelationID)
		ctx = metadatapkg.ContextWithCorrelationID(ctx, correlationID)

		out := s.HandleBytes(ctx, msg.Payload)

		topic := metadatapkg.ReplyTopic(msg.Metadata, cfg.PublishQueue)
		if topic == "" {
			return nil
		}
		if cfg.Publisher == nil {
			return errspkg.ErrPublisherRequired
		}

		if cfg.MaxMessageSize > 0 && int64(len(out)) > cfg.MaxMessageSize {
			s.Logger.Warn("Reply exceeds transport message size", loggingpkg.LogFields{
				"bytes":          len(out),
				"max_bytes":      cfg.MaxMessageSize,
				"topic":          topic,
				"correlation_id": correlationID,
			})
			var err error
			out, err = envelope.MarshalVec([]*envelope.Envelope{envelope.NewError(
				fmt.Sprintf("reply of %d bytes exceeds the transport limit of %d bytes", len(out), cfg.MaxMessageSize),
			)})
			if err != nil {
				return err
			}
		}

		reply := message.NewMessage(ids.CreateULID(), out)
		reply.Metadata = metadatapkg.ReplyHeaders(msg.Metadata, envelope.None.String())
		reply.SetContext(ctx)
		return cfg.Publisher.Publish(topic, reply)
	}
}

// ingressMiddlewares returns the router middlewares, outermost first.
func (s *Service) ingressMiddlewares() []message.HandlerMiddleware {
	return []message.HandlerMiddleware{
		correlationIDMiddleware,
		s.logMessagesMiddleware(s.Logger),
		ingressTracerMiddleware,
		middleware.Recoverer,
	}
}

// correlationIDMiddleware injects a correlation ID into the message metadata when missing.
func correlationIDMiddleware(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		if msg.Metadata.Get(metadatapkg.KeyCorrelationID) == "" {
			msg.Metadata.Set(metadatapkg.KeyCorrelationID, ids.CreateULID())
		}
		return h(msg)
	}
}

func (s *Service) logMessagesMiddleware(logger loggingpkg.ServiceLogger) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			logger.Debug("Processing message", loggingpkg.LogFields{
				"message_uuid": msg.UUID,
				"bytes":        len(msg.Payload),
				"metadata":     jsoncodec.Render(msg.Metadata),
			})
			return h(msg)
		}
	}
}

func ingressTracerMiddleware(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		ctx, span := otel.Tracer(tracerName).Start(msg.Context(), "ProcessMessage", trace.WithSpanKind(trace.SpanKindConsumer))
		defer span.End()
		msg.SetContext(ctx)

		span.SetAttributes(
			attribute.String("message.uuid", msg.UUID),
			attribute.String("protocols.correlation_id", msg.Metadata.Get(metadatapkg.KeyCorrelationID)),
		)
		return h(msg)
	}
}
