// Package http provides an HTTP transport for the router ingress.
//
// Envelopes are POSTed to the subscriber's server at /<topic>; replies are
// POSTed to the publisher base URL joined with the reply topic.
package http

import (
	"context"
	"errors"
	nethttp "net/http"
	"net/url"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/zutils/protocols/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "http"

// ContentType is set on every request carrying an encoded envelope.
const ContentType = "application/x-protocols-envelope"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(config http.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return http.NewPublisher(config, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(addr string, config http.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return http.NewSubscriber(addr, config, logger)
}

func init() {
	Register()
}

// Register registers the transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.HTTPCapabilities)
}

// MarshalEnvelope returns a marshal func posting each message to baseURL
// joined with the topic.
func MarshalEnvelope(baseURL string) http.MarshalMessageFunc {
	return func(topic string, msg *message.Message) (*nethttp.Request, error) {
		if baseURL == "" {
			return nil, errors.New("http transport: publisher url is not configured")
		}
		target, err := url.JoinPath(baseURL, topic)
		if err != nil {
			return nil, err
		}
		req, err := http.DefaultMarshalMessageFunc(target, msg)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", ContentType)
		return req, nil
	}
}

// Build creates a new HTTP transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	publisher, err := PublisherFactory(
		http.PublisherConfig{
			MarshalMessageFunc: MarshalEnvelope(cfg.GetHTTPPublisherURL()),
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(
		cfg.GetHTTPServerAddress(),
		http.SubscriberConfig{
			UnmarshalMessageFunc: http.DefaultUnmarshalMessageFunc,
		},
		logger,
	)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	// The server has to run for Subscribe to receive anything.
	if s, ok := subscriber.(*http.Subscriber); ok {
		go func() {
			if err := s.StartHTTPServer(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
				logger.Error("Failed to start HTTP subscriber server", err, nil)
			}
		}()
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.HTTPCapabilities
}
