// Package channel provides an in-memory Go channel transport for the router
// ingress. Publisher and subscriber share one gochannel, so a process can feed
// envelopes to its own router in tests and local development.
package channel

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/zutils/protocols/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "channel"

// DefaultBuffer is the per-subscriber output buffer when the config sets none.
const DefaultBuffer int64 = 64

// BufferConfig is implemented by configs that size the subscriber buffer.
type BufferConfig interface {
	GetChannelBuffer() int64
}

// Factory allows overriding the channel creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	pubSub := gochannel.NewGoChannel(cfg, logger)
	return pubSub, pubSub
}

func init() {
	Register()
}

// Register registers the transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.ChannelCapabilities)
}

// Build creates a new Go channel transport. Messages published before a
// subscriber exists are dropped, matching the broker transports where an
// unconsumed topic has no queue yet.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	buffer := DefaultBuffer
	if bc, ok := cfg.(BufferConfig); ok && bc.GetChannelBuffer() > 0 {
		buffer = bc.GetChannelBuffer()
	}

	pub, sub := Factory(gochannel.Config{
		OutputChannelBuffer: buffer,
		Persistent:          false,
	}, logger)
	return transport.Transport{
		Publisher:  pub,
		Subscriber: sub,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}
