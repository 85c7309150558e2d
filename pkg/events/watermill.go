// Package events provides the broker-backed EventBus the worker consumes from,
// built on Watermill's Publisher/Subscriber contract.
//
// Backends (config BROKER):
//   - rabbitmq: durable queues over amqp091-go, one queue per topic, manual ack.
//   - postgres: Watermill SQL transport with a per-service ConsumerGroup.
//   - memory:   Watermill gochannel, in-process only.
//
// Failure handling is decided here, not in handlers:
//   - handler returns nil              → Ack
//   - handler returns Permanent(err)   → dead-lettered immediately
//   - handler returns any other error  → retried with exponential backoff, then dead-lettered
//   - dead-letter publish fails        → Nack, the broker redelivers
//
// Dead letters are published to "<topic>.dead_letter" with the failure reason in
// metadata. Messages already processed (per the optional Deduplicator) are acked
// without invoking the handler.
//
// OTel context propagation: trace context is injected into message metadata on Publish
// and extracted in Subscribe, so consumer spans join the producer's trace.
package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/ghuser/notifier/pkg/config"
	"github.com/ghuser/notifier/pkg/logger"
)

const (
	defaultMaxRetries = 3
	defaultRetryDelay = time.Second
	shutdownTimeout   = 30 * time.Second
	errChanCapacity   = 100

	// DeadLetterSuffix is appended to a topic name to form its dead-letter topic.
	DeadLetterSuffix = ".dead_letter"

	// Metadata keys set on dead-lettered copies.
	MetadataDeadLetterReason = "dead_letter_reason"
	MetadataDeadLetterTopic  = "dead_letter_topic"
	MetadataOriginalID       = "original_message_id"

	instrumentationName = "github.com/ghuser/notifier/pkg/events"
)

// Handler processes one message. The returned error decides acknowledgment,
// see the package documentation.
type Handler func(ctx context.Context, msg *message.Message) error

// Deduplicator records processed message ids so redeliveries can be dropped.
type Deduplicator interface {
	Seen(ctx context.Context, topic, messageID string) (bool, error)
	Mark(ctx context.Context, topic, messageID string) error
}

// DeadLetterFunc is notified after a message has been dead-lettered.
type DeadLetterFunc func(ctx context.Context, topic string, msg *message.Message, err error)

// Option configures an EventBus.
type Option func(*EventBus)

// WithRetry sets the handler attempt budget and the first backoff delay.
func WithRetry(maxRetries int, baseDelay time.Duration) Option {
	return func(q *EventBus) {
		if maxRetries > 0 {
			q.maxRetries = maxRetries
		}
		if baseDelay > 0 {
			q.retryDelay = baseDelay
		}
	}
}

// WithDeduplicator enables dropping of already-processed messages.
func WithDeduplicator(d Deduplicator) Option {
	return func(q *EventBus) { q.dedup = d }
}

// WithConsumers sets the number of competing consumers per topic. It only
// takes effect on backends where subscribers share the stream (rabbitmq,
// postgres); gochannel subscribers each receive every message.
func WithConsumers(n int) Option {
	return func(q *EventBus) {
		if n > 0 {
			q.consumers = n
		}
	}
}

// WithDeadLetterHook registers fn to be called for every dead-lettered message.
func WithDeadLetterHook(fn DeadLetterFunc) Option {
	return func(q *EventBus) { q.onDeadLetter = fn }
}

// backend is the transport-specific part of the bus.
type backend struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	ping       func(ctx context.Context) error
	release    func() error // closes resources shared by publisher and subscriber
	competing  bool         // subscribers on one topic share the stream
}

// EventBus consumes topics through a Watermill subscriber and owns ack, retry
// and dead-letter decisions for every message.
type EventBus struct {
	backend      backend
	log          logger.Logger
	wg           sync.WaitGroup
	maxRetries   int
	retryDelay   time.Duration
	consumers    int
	dedup        Deduplicator
	onDeadLetter DeadLetterFunc
	tracer       trace.Tracer
	metrics      *busMetrics
	stopping     chan struct{} // closed when Close starts; consumers take no new messages
	closeOnce    sync.Once
}

// NewEventBus connects the backend selected by cfg.Broker.
func NewEventBus(cfg *config.Config, log logger.Logger, opts ...Option) (*EventBus, error) {
	var (
		b   backend
		err error
	)
	switch cfg.Broker {
	case config.BrokerRabbitMQ:
		b, err = newAMQPBackend(cfg.RabbitMQURL, cfg.ServiceName, cfg.RabbitMQPrefetch, log)
	case config.BrokerPostgres:
		b, err = newSQLBackend(cfg.DatabaseURL, cfg.ServiceName, log)
	case config.BrokerMemory:
		b = newMemoryBackend(log)
	default:
		return nil, fmt.Errorf("events: unknown broker %q", cfg.Broker)
	}
	if err != nil {
		return nil, err
	}
	return newEventBus(b, log, opts...), nil
}

// NewEventBusWithPubSub builds a bus over an existing Watermill publisher and
// subscriber. Subscribers are treated as broadcast (no competing consumers).
func NewEventBusWithPubSub(pub message.Publisher, sub message.Subscriber, log logger.Logger, opts ...Option) *EventBus {
	return newEventBus(backend{publisher: pub, subscriber: sub}, log, opts...)
}

func newEventBus(b backend, log logger.Logger, opts ...Option) *EventBus {
	q := &EventBus{
		backend:    b,
		log:        log,
		maxRetries: defaultMaxRetries,
		retryDelay: defaultRetryDelay,
		consumers:  1,
		tracer:     otel.Tracer(instrumentationName),
		metrics:    newBusMetrics(log),
		stopping:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	if !b.competing {
		q.consumers = 1
	}
	return q
}

// Publish sends one or more messages to the given topic.
// OTel trace context from ctx is injected into each message's metadata.
func (q *EventBus) Publish(ctx context.Context, topic string, msgs ...*message.Message) error {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	for _, msg := range msgs {
		for k, v := range carrier {
			msg.Metadata.Set(k, v)
		}
		msg.SetContext(ctx)
	}
	if err := q.backend.publisher.Publish(topic, msgs...); err != nil { //nolint:contextcheck
		return fmt.Errorf("events: publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers handler to process messages from topic asynchronously.
// Each message is handled with the publisher's trace restored from metadata.
//
// The returned error channel receives every error that ended in a dead letter
// or a Nack, and ErrStreamClosed if the backend stops delivering before Close
// or ctx cancellation. It is buffered (capacity 100) and closed once all consumers for
// the topic stop. Callers must drain it:
//
//	errCh, err := bus.Subscribe(ctx, topic, handler)
//	go func() { for err := range errCh { log.ErrorContext(ctx, "subscriber error", "error", err) } }()
//
// All in-flight handlers complete before Close() returns.
func (q *EventBus) Subscribe(ctx context.Context, topic string, handler Handler) (<-chan error, error) {
	streams := make([]<-chan *message.Message, 0, q.consumers)
	for i := 0; i < q.consumers; i++ {
		ch, err := q.backend.subscriber.Subscribe(ctx, topic)
		if err != nil {
			return nil, fmt.Errorf("events: subscribe to %s: %w", topic, err)
		}
		streams = append(streams, ch)
	}

	errCh := make(chan error, errChanCapacity)
	var consumers sync.WaitGroup
	for _, ch := range streams {
		consumers.Add(1)
		q.wg.Add(1)
		go func(ch <-chan *message.Message) {
			defer q.wg.Done()
			defer consumers.Done()
			for {
				select {
				case <-q.stopping:
					return
				case msg, ok := <-ch:
					if !ok {
						q.streamEnded(ctx, topic, errCh)
						return
					}
					if err := q.process(ctx, topic, msg, handler); err != nil {
						q.report(ctx, topic, errCh, err)
					}
				}
			}
		}(ch)
	}

	go func() {
		consumers.Wait()
		close(errCh)
	}()

	return errCh, nil
}

func (q *EventBus) report(ctx context.Context, topic string, errCh chan<- error, err error) {
	select {
	case errCh <- err:
	default:
		q.log.ErrorContext(ctx, "events: error channel full, dropping error",
			"error", err, "topic", topic)
	}
}

// streamEnded reports a subscriber stream that closed while the bus was
// still running. Backends reconnect on their own, so this is terminal.
func (q *EventBus) streamEnded(ctx context.Context, topic string, errCh chan<- error) {
	select {
	case <-q.stopping:
		return
	default:
	}
	if ctx.Err() != nil {
		return
	}
	err := fmt.Errorf("events: %w: %s", ErrStreamClosed, topic)
	q.log.ErrorContext(ctx, "events: subscription stream ended, topic is no longer consumed", "topic", topic)
	q.report(ctx, topic, errCh, err)
}

// process runs one message through dedup, handler, retry and dead-letter
// and settles it with exactly one Ack or Nack.
func (q *EventBus) process(ctx context.Context, topic string, msg *message.Message, handler Handler) error {
	carrier := propagation.MapCarrier{}
	for k, v := range msg.Metadata {
		carrier[k] = v
	}
	msgCtx := otel.GetTextMapPropagator().Extract(ctx, carrier)
	msgCtx, span := q.tracer.Start(msgCtx, topic+" process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", topic),
			attribute.String("messaging.message.id", msg.UUID),
		),
	)
	defer span.End()

	log := q.log.With("topic", topic, "message_id", msg.UUID)

	if q.dedup != nil {
		seen, err := q.dedup.Seen(msgCtx, topic, msg.UUID)
		if err != nil {
			log.WarnContext(msgCtx, "events: dedup lookup failed, processing anyway", "error", err)
		} else if seen {
			log.InfoContext(msgCtx, "events: duplicate message skipped")
			msg.Ack()
			q.metrics.outcome(msgCtx, topic, outcomeDuplicate)
			return nil
		}
	}

	start := time.Now()
	err := retryWithBackoff(msgCtx, msg, handler, q.maxRetries, q.retryDelay, log)
	q.metrics.duration(msgCtx, topic, time.Since(start))

	if err == nil {
		if q.dedup != nil {
			if err := q.dedup.Mark(msgCtx, topic, msg.UUID); err != nil {
				log.WarnContext(msgCtx, "events: dedup mark failed", "error", err)
			}
		}
		msg.Ack()
		q.metrics.outcome(msgCtx, topic, outcomeAcked)
		return nil
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	if ctx.Err() != nil {
		// Shutting down: leave the message to the broker.
		msg.Nack()
		q.metrics.outcome(msgCtx, topic, outcomeNacked)
		return err
	}

	if dlErr := q.deadLetter(msgCtx, topic, msg, err); dlErr != nil {
		log.ErrorContext(msgCtx, "events: dead-letter publish failed, requeueing",
			"error", dlErr, "cause", err)
		msg.Nack()
		q.metrics.outcome(msgCtx, topic, outcomeNacked)
		return fmt.Errorf("%w (dead-letter failed: %v)", err, dlErr)
	}

	log.ErrorContext(msgCtx, "events: message dead-lettered",
		"error", err, "permanent", IsPermanent(err))
	msg.Ack()
	q.metrics.outcome(msgCtx, topic, outcomeDeadLettered)
	if q.onDeadLetter != nil {
		q.onDeadLetter(msgCtx, topic, msg, err)
	}
	return err
}

// deadLetter publishes a copy of msg to the topic's dead-letter topic.
func (q *EventBus) deadLetter(ctx context.Context, topic string, msg *message.Message, cause error) error {
	dl := message.NewMessage(uuid.NewString(), msg.Payload)
	for k, v := range msg.Metadata {
		dl.Metadata.Set(k, v)
	}
	dl.Metadata.Set(MetadataDeadLetterReason, cause.Error())
	dl.Metadata.Set(MetadataDeadLetterTopic, topic)
	dl.Metadata.Set(MetadataOriginalID, msg.UUID)
	dl.SetContext(ctx)

	if err := q.backend.publisher.Publish(topic+DeadLetterSuffix, dl); err != nil { //nolint:contextcheck
		return fmt.Errorf("events: publish dead letter for %s: %w", topic, err)
	}
	return nil
}

// retryWithBackoff calls handler up to maxRetries times with exponential backoff.
// Returns nil on first success; a permanent error is returned immediately;
// otherwise the last error is returned after all retries exhaust.
func retryWithBackoff(
	ctx context.Context,
	msg *message.Message,
	handler Handler,
	maxRetries int,
	baseDelay time.Duration,
	log logger.Logger,
) error {
	delay := baseDelay
	var err error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if err = handler(ctx, msg); err == nil {
			return nil
		}
		if IsPermanent(err) {
			return err
		}
		if attempt < maxRetries {
			log.WarnContext(ctx, "events: handler failed, retrying",
				"attempt", attempt,
				"max_retries", maxRetries,
				"next_delay", delay,
				"error", err,
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}
	return fmt.Errorf("events: handler failed after %d attempts: %w", maxRetries, err)
}

// Ping checks the broker connection health.
func (q *EventBus) Ping(ctx context.Context) error {
	if q.backend.ping == nil {
		return nil
	}
	if err := q.backend.ping(ctx); err != nil {
		return fmt.Errorf("events: ping: %w", err)
	}
	return nil
}

// Close gracefully shuts down the EventBus.
// Shutdown order: stop taking messages → wait for in-flight handlers (30 s max) →
// close subscriber → close publisher → release backend connections.
// In-flight handlers keep their context, so call Close before canceling the
// context passed to Subscribe. Safe to call more than once.
func (q *EventBus) Close() error {
	var err error
	q.closeOnce.Do(func() { err = q.close() })
	return err
}

func (q *EventBus) close() error {
	close(q.stopping)

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	select {
	case <-done:
	case <-ctx.Done():
		q.log.Error("events: timed out waiting for in-flight handlers to complete")
	}

	if err := q.backend.subscriber.Close(); err != nil {
		return fmt.Errorf("events: close subscriber: %w", err)
	}
	if err := q.backend.publisher.Close(); err != nil {
		return fmt.Errorf("events: close publisher: %w", err)
	}
	if q.backend.release != nil {
		return q.backend.release()
	}
	return nil
}
