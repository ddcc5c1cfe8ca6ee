package repository

// MessageBus is the outbound event publishing contract. The NATS transport
// implements it; tests use a recording fake.
type MessageBus interface {
	Publish(topic string, data []byte) error
}
