package native

import "fmt"

// Config carries the connection-level settings a driver needs. Bridge-level
// tuning (registry capacity, poll interval, commit cadence) stays out of it.
type Config struct {
	Brokers    []string
	Topics     []string
	GroupID    string
	ClientID   string
	Version    string
	StartFrom  string // oldest|newest
	TLSEnabled bool
	SASLUser   string
	SASLPass   string

	// QueueSize bounds the driver's internal event queue.
	QueueSize int

	// Properties is an opaque passthrough for driver-specific keys
	// (librdkafka property names for the confluent driver).
	Properties map[string]string
}

// ProducerFactory builds a ProducerRuntime (e.g. NewSaramaProducer).
type ProducerFactory func(Config) (ProducerRuntime, error)

// ConsumerFactory builds a ConsumerRuntime.
type ConsumerFactory func(Config) (ConsumerRuntime, error)

var (
	producers = map[string]ProducerFactory{}
	consumers = map[string]ConsumerFactory{}
)

// RegisterProducer is called from each driver's factory wiring in main.
func RegisterProducer(name string, f ProducerFactory) {
	producers[name] = f
}

// RegisterConsumer is called from each driver's factory wiring in main.
func RegisterConsumer(name string, f ConsumerFactory) {
	consumers[name] = f
}

// NewProducer returns a producer runtime by driver name.
func NewProducer(name string, cfg Config) (ProducerRuntime, error) {
	if f, ok := producers[name]; ok {
		return f(cfg)
	}
	return nil, fmt.Errorf("native: unsupported producer driver %q", name)
}

// NewConsumer returns a consumer runtime by driver name.
func NewConsumer(name string, cfg Config) (ConsumerRuntime, error) {
	if f, ok := consumers[name]; ok {
		return f(cfg)
	}
	return nil, fmt.Errorf("native: unsupported consumer driver %q", name)
}
