package transport

import "github.com/wuayee/fitbroker/internal/runtime/identity"

// Capabilities describes a transport backend.
type Capabilities struct {
	// Name is the registry name of the transport.
	Name string

	// Protocol is the endpoint protocol workers advertise when serving
	// over this transport.
	Protocol identity.Protocol

	// InProcess transports only reach workers of the same process.
	InProcess bool

	// SupportsOrdering indicates messages of one topic arrive in order.
	SupportsOrdering bool

	// SupportsTracing indicates the transport propagates tracing headers natively.
	SupportsTracing bool

	// SupportsAck indicates the transport supports explicit message acknowledgment.
	SupportsAck bool

	// SupportsNack indicates the transport supports negative acknowledgment (redelivery).
	SupportsNack bool

	// SupportsPartitioning indicates the transport partitions topics.
	SupportsPartitioning bool

	// MaxMessageSize is the maximum frame size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64
}

// SupportsReliableDelivery returns true if the transport supports at-least-once
// delivery semantics (ack + nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// Fits reports whether a frame of size bytes can be carried.
func (c Capabilities) Fits(size int) bool {
	return c.MaxMessageSize == 0 || int64(size) <= c.MaxMessageSize
}

// Predefined capability sets for the built-in transports.
var (
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		Protocol:         identity.ProtocolChannel,
		InProcess:        true,
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
	}

	KafkaCapabilities = Capabilities{
		Name:                 "kafka",
		Protocol:             identity.ProtocolKafka,
		SupportsOrdering:     true,
		SupportsTracing:      true,
		SupportsAck:          true,
		SupportsPartitioning: true,
		MaxMessageSize:       1 << 20,
	}

	RabbitMQCapabilities = Capabilities{
		Name:             "rabbitmq",
		Protocol:         identity.ProtocolAMQP,
		SupportsOrdering: true,
		SupportsTracing:  true,
		SupportsAck:      true,
		SupportsNack:     true,
	}

	NATSCapabilities = Capabilities{
		Name:            "nats",
		Protocol:        identity.ProtocolNATS,
		SupportsTracing: true,
		MaxMessageSize:  1 << 20,
	}

	HTTPCapabilities = Capabilities{
		Name:            "http",
		Protocol:        identity.ProtocolHTTP,
		SupportsTracing: true,
	}
)

// GetCapabilities returns the capabilities registered for a transport name.
// Returns a zero Capabilities struct carrying only the name when unknown.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
