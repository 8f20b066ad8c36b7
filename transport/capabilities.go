package transport

// Capabilities describes what a backend guarantees to the router's ingress.
type Capabilities struct {
	// Name is the pubsub_system value the backend registers under.
	Name string

	// SupportsAck and SupportsNack report whether a failed envelope is
	// redelivered when its handler returns an error.
	SupportsAck  bool
	SupportsNack bool

	// SupportsOrdering reports whether envelopes on one topic are handled in
	// publish order.
	SupportsOrdering bool

	// SupportsTracing reports whether message metadata travels as native
	// headers, so correlation ids and trace context survive the hop.
	SupportsTracing bool

	// SharedConsumption reports whether several routers consuming the same
	// ingress topic split the envelopes between them (work queues, consumer
	// groups) rather than each receiving every envelope.
	SharedConsumption bool

	// MaxMessageSize is the largest encoded envelope the backend accepts, in
	// bytes. Zero means no known limit.
	MaxMessageSize int64
}

// SupportsReliableDelivery returns true if failed envelopes are redelivered.
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// Fits reports whether an encoded envelope of n bytes can be published.
func (c Capabilities) Fits(n int) bool {
	return c.MaxMessageSize <= 0 || int64(n) <= c.MaxMessageSize
}

const defaultBrokerMessageSize int64 = 1 << 20

var (
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsAck:      true,
		SupportsNack:     true,
		SupportsOrdering: true,
	}

	KafkaCapabilities = Capabilities{
		Name:              "kafka",
		SupportsAck:       true,
		SupportsOrdering:  true,
		SupportsTracing:   true,
		SharedConsumption: true,
		MaxMessageSize:    defaultBrokerMessageSize,
	}

	RabbitMQCapabilities = Capabilities{
		Name:              "rabbitmq",
		SupportsAck:       true,
		SupportsNack:      true,
		SupportsOrdering:  true,
		SupportsTracing:   true,
		SharedConsumption: true,
	}

	NATSCapabilities = Capabilities{
		Name:            "nats",
		SupportsTracing: true,
		MaxMessageSize:  defaultBrokerMessageSize,
	}

	HTTPCapabilities = Capabilities{
		Name:            "http",
		SupportsTracing: true,
	}
)

// GetCapabilities returns the capabilities registered under transportName in
// the default registry, or a zero set carrying only the name.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
