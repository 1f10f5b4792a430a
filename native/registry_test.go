package native

import (
	"errors"
	"strings"
	"testing"
)

func TestDriverRegistry(t *testing.T) {
	sentinel := errors.New("factory ran")
	RegisterProducer("test-producer", func(Config) (ProducerRuntime, error) { return nil, sentinel })
	RegisterConsumer("test-consumer", func(Config) (ConsumerRuntime, error) { return nil, sentinel })

	if _, err := NewProducer("test-producer", Config{}); !errors.Is(err, sentinel) {
		t.Fatalf("producer factory not invoked: %v", err)
	}
	if _, err := NewConsumer("test-consumer", Config{}); !errors.Is(err, sentinel) {
		t.Fatalf("consumer factory not invoked: %v", err)
	}
}

func TestUnsupportedDriver(t *testing.T) {
	if _, err := NewProducer("nats", Config{}); err == nil || !strings.Contains(err.Error(), "unsupported producer driver") {
		t.Fatalf("err = %v", err)
	}
	if _, err := NewConsumer("nats", Config{}); err == nil || !strings.Contains(err.Error(), "unsupported consumer driver") {
		t.Fatalf("err = %v", err)
	}
}
