// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package eventlog appends records to a partitioned durable log (Kafka)

Records are keyed; all records with the same key land in the same partition
and keep their order. Appends go through a circuit breaker, so an unreachable
cluster makes appends fail fast instead of stalling every caller for the full
request timeout.
*/
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sony/gobreaker"

	"github.com/relabs-tech/actuation/core/logger"
)

// ContextHeader is the record header carrying the serialized logger context
const ContextHeader = "context"

// MessageWriter writes records to the log. *kafka.Writer satisfies it.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Builder is a builder helper for the Producer
type Builder struct {
	// Brokers is the list of bootstrap brokers. This is mandatory.
	Brokers []string
	// RequestTimeout bounds a single append, default 10 seconds
	RequestTimeout time.Duration
	// Retries is the number of attempts for an append, default 3
	Retries int
	// BreakerFailures is the number of consecutive failures which open the circuit, default 5
	BreakerFailures uint32
	// BreakerTimeout is the time the circuit stays open, default 30 seconds
	BreakerTimeout time.Duration
	// Writer replaces the kafka writer. This is optional.
	Writer MessageWriter
}

// Producer appends records to the durable log
type Producer struct {
	brokers        []string
	requestTimeout time.Duration
	writer         MessageWriter
	breaker        *gobreaker.CircuitBreaker
}

// New returns a new producer
func New(bb *Builder) *Producer {
	if len(bb.Brokers) == 0 && bb.Writer == nil {
		panic("kafka brokers missing")
	}
	requestTimeout := bb.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = 10 * time.Second
	}
	retries := bb.Retries
	if retries <= 0 {
		retries = 3
	}
	failures := bb.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	breakerTimeout := bb.BreakerTimeout
	if breakerTimeout <= 0 {
		breakerTimeout = 30 * time.Second
	}

	writer := bb.Writer
	if writer == nil {
		rlog := logger.Default().WithField("component", "eventlog")
		writer = &kafka.Writer{
			Addr:                   kafka.TCP(bb.Brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			MaxAttempts:            retries,
			WriteTimeout:           requestTimeout,
			BatchTimeout:           10 * time.Millisecond,
			AllowAutoTopicCreation: false,
			Logger:                 kafka.LoggerFunc(rlog.Debugf),
			ErrorLogger:            kafka.LoggerFunc(rlog.Errorf),
		}
	}

	p := &Producer{
		brokers:        bb.Brokers,
		requestTimeout: requestTimeout,
		writer:         writer,
	}
	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "eventlog",
		Timeout: breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			// the caller giving up says nothing about the cluster
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Default().Warnf("%s circuit breaker %s -> %s", name, from, to)
		},
	})
	return p
}

// Append appends value under key to topic. The logger context of ctx travels
// along in the ContextHeader.
func (p *Producer) Append(ctx context.Context, topic, key string, value []byte) error {
	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
		Headers: []kafka.Header{
			{Key: ContextHeader, Value: logger.SerializeLoggerContext(ctx)},
		},
	}
	_, err := p.breaker.Execute(func() (interface{}, error) {
		return nil, p.writer.WriteMessages(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("cannot append to %s[%s]: %w", topic, key, err)
	}
	logger.FromContext(ctx).Debugf("appended %d bytes to %s[%s]", len(value), topic, key)
	return nil
}

// EnsureTopic creates the topic on the cluster controller if it does not exist yet
func (p *Producer) EnsureTopic(ctx context.Context, name string, partitions, replicationFactor int) error {
	if len(p.brokers) == 0 {
		return errors.New("no brokers configured")
	}
	if partitions <= 0 {
		partitions = 1
	}
	if replicationFactor <= 0 {
		replicationFactor = 1
	}
	ctx, cancel := context.WithTimeout(ctx, p.requestTimeout)
	defer cancel()

	conn, err := kafka.DialContext(ctx, "tcp", p.brokers[0])
	if err != nil {
		return fmt.Errorf("cannot dial kafka broker %s: %w", p.brokers[0], err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("cannot find kafka controller: %w", err)
	}
	controllerConn, err := kafka.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("cannot dial kafka controller: %w", err)
	}
	defer controllerConn.Close()

	err = controllerConn.CreateTopics(kafka.TopicConfig{
		Topic:             name,
		NumPartitions:     partitions,
		ReplicationFactor: replicationFactor,
	})
	if err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
		return fmt.Errorf("failed to create topic %s: %w", name, err)
	}
	logger.FromContext(ctx).Infof("topic %s ready", name)
	return nil
}

// Close flushes pending records and closes the producer
func (p *Producer) Close() error {
	return p.writer.Close()
}
