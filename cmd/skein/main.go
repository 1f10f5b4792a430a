package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os/signal"
	"syscall"
	"time"

	"skein/bridge"
	"skein/internal/logging"
	"skein/internal/relayspec"
	"skein/internal/telemetry"
	"skein/native"
)

func main() {
	specPath := flag.String("spec", "relay.yml", "relay spec file")
	metricsPort := flag.Int("metrics-port", 9100, "prometheus /metrics port")
	flag.Parse()

	logging.InitFromEnv()

	native.RegisterProducer("sarama", native.NewSaramaProducer)
	native.RegisterConsumer("sarama", native.NewSaramaConsumer)
	native.RegisterProducer("confluent", native.NewConfluentProducer)
	native.RegisterConsumer("confluent", native.NewConfluentConsumer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	spec, err := relayspec.Load(*specPath)
	if err != nil {
		log.Fatalf("relay spec: %v", err)
	}

	srcCfg, err := bridge.LoadConfig(spec.Source.Config)
	if err != nil {
		log.Fatalf("source config: %v", err)
	}
	sinkCfg, err := bridge.LoadConfig(spec.Sink.Config)
	if err != nil {
		log.Fatalf("sink config: %v", err)
	}

	consumer, err := bridge.NewConsumer(srcCfg)
	if err != nil {
		log.Fatalf("consumer: %v", err)
	}
	producer, err := bridge.NewProducer(sinkCfg)
	if err != nil {
		log.Fatalf("producer: %v", err)
	}

	topics := spec.Source.Topics
	if len(topics) == 0 {
		topics = srcCfg.Topics
	}
	if err := consumer.Subscribe(topics); err != nil {
		log.Fatalf("subscribe: %v", err)
	}

	telemetry.Expose(*metricsPort)
	logging.L().Info("relay started", "topics", topics, "sink", spec.Sink.Topic)

	if err := relay(ctx, consumer, producer, spec.Sink.Topic); err != nil && !errors.Is(err, context.Canceled) {
		logging.L().Error("relay stopped", "err", err)
	}

	if n := producer.Flush(10 * time.Second); n > 0 {
		logging.L().Warn("deliveries still in flight at shutdown", "count", n)
	}
	_ = consumer.Close()
	_ = producer.Close()
}

func relay(ctx context.Context, consumer *bridge.Consumer, producer *bridge.Producer, sinkTopic string) error {
	for {
		msg, err := consumer.Poll(ctx)
		if err != nil {
			if errors.Is(err, bridge.ErrClientClosed) {
				return nil
			}
			return err
		}
		out := bridge.Message{
			Topic:     sinkTopic,
			Partition: bridge.PartitionAny,
			Key:       msg.Key,
			Value:     msg.Value,
			Headers:   msg.Headers,
		}
		for {
			_, err := producer.Send(out)
			if err == nil {
				break
			}
			if !errors.Is(err, bridge.ErrQueueFull) && !errors.Is(err, bridge.ErrRegistryFull) {
				return err
			}
			// Backpressure: let the native queue breathe, then retry.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(50 * time.Millisecond):
			}
		}
	}
}
