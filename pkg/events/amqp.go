package events

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/ghuser/notifier/pkg/logger"
)

const (
	amqpDialTimeout    = 10 * time.Second
	reconnectBaseDelay = time.Second
	reconnectMaxDelay  = 30 * time.Second
)

var errAMQPClosed = errors.New("events: amqp connection closed")

// deliveryNamespace scopes message ids derived from delivery content.
var deliveryNamespace = uuid.MustParse("6f1c7b0e-3d0a-4c56-9a4e-2b8f5d1e7c93")

// amqpConn owns the broker connection shared by the publisher and subscriber.
// Every topic maps to a durable queue of the same name on the default exchange.
// A dropped connection is redialed the next time a channel is needed.
type amqpConn struct {
	url      string
	cfg      amqp.Config
	prefetch int
	log      logger.Logger

	closed    chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	conn     *amqp.Connection
	declared map[string]struct{} // per connection
}

func newAMQPBackend(url, serviceName string, prefetch int, log logger.Logger) (backend, error) {
	c, err := dialAMQP(url, serviceName, prefetch, log)
	if err != nil {
		return backend{}, err
	}
	pub, err := newAMQPPublisher(c)
	if err != nil {
		_ = c.close()
		return backend{}, err
	}
	return backend{
		publisher:  pub,
		subscriber: newAMQPSubscriber(c),
		ping:       c.ping,
		release:    c.close,
		competing:  true,
	}, nil
}

// dialAMQP connects once. Startup fails on an unreachable broker; later drops
// are handled by redialing.
func dialAMQP(url, serviceName string, prefetch int, log logger.Logger) (*amqpConn, error) {
	cfg := amqp.Config{
		Locale:     "en_US",
		Properties: amqp.Table{"connection_name": serviceName},
		Dial:       amqp.DefaultDial(amqpDialTimeout),
	}
	conn, err := amqp.DialConfig(url, cfg)
	if err != nil {
		return nil, fmt.Errorf("events: dial rabbitmq: %w", err)
	}
	return &amqpConn{
		url:      url,
		cfg:      cfg,
		prefetch: prefetch,
		log:      log,
		closed:   make(chan struct{}),
		conn:     conn,
		declared: make(map[string]struct{}),
	}, nil
}

// channel opens a new channel, redialing first if the connection is gone.
func (c *amqpConn) channel() (*amqp.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.closed:
		return nil, errAMQPClosed
	default:
	}
	if c.conn == nil || c.conn.IsClosed() {
		conn, err := amqp.DialConfig(c.url, c.cfg)
		if err != nil {
			return nil, fmt.Errorf("events: redial rabbitmq: %w", err)
		}
		c.conn = conn
		c.declared = make(map[string]struct{})
		c.log.Info("events: rabbitmq reconnected")
	}
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("events: open channel: %w", err)
	}
	return ch, nil
}

func (c *amqpConn) ping(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.conn.IsClosed() {
		return errAMQPClosed
	}
	return nil
}

func (c *amqpConn) close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.conn == nil || c.conn.IsClosed() {
			return
		}
		if cerr := c.conn.Close(); cerr != nil && !errors.Is(cerr, amqp.ErrClosed) {
			err = fmt.Errorf("events: close rabbitmq connection: %w", cerr)
		}
	})
	return err
}

// declare makes sure the durable queue for topic exists. QueueDeclare is
// idempotent on the broker side; the cache only saves round trips.
func (c *amqpConn) declare(ch *amqp.Channel, topic string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.declared[topic]; ok {
		return nil
	}
	if _, err := ch.QueueDeclare(topic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("events: declare queue %s: %w", topic, err)
	}
	c.declared[topic] = struct{}{}
	return nil
}

// amqpPublisher implements message.Publisher over a single confirm-less
// channel, reopened on the next Publish after it dies.
type amqpPublisher struct {
	c      *amqpConn
	mu     sync.Mutex
	ch     *amqp.Channel
	closed bool
}

func newAMQPPublisher(c *amqpConn) (*amqpPublisher, error) {
	ch, err := c.channel()
	if err != nil {
		return nil, fmt.Errorf("events: open publish channel: %w", err)
	}
	return &amqpPublisher{c: c, ch: ch}, nil
}

func (p *amqpPublisher) Publish(topic string, msgs ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errAMQPClosed
	}
	if p.ch == nil || p.ch.IsClosed() {
		ch, err := p.c.channel()
		if err != nil {
			return fmt.Errorf("events: reopen publish channel: %w", err)
		}
		p.ch = ch
	}
	if err := p.c.declare(p.ch, topic); err != nil {
		return err
	}
	for _, msg := range msgs {
		if err := p.ch.PublishWithContext(msg.Context(), "", topic, false, false, toPublishing(msg)); err != nil {
			return fmt.Errorf("events: publish %s: %w", msg.UUID, err)
		}
	}
	return nil
}

func (p *amqpPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	if p.ch == nil || p.ch.IsClosed() {
		p.ch = nil
		return nil
	}
	err := p.ch.Close()
	p.ch = nil
	if err != nil && !errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("events: close publish channel: %w", err)
	}
	return nil
}

// amqpSubscriber implements message.Subscriber. Each Subscribe call opens its
// own channel, so several calls on one topic compete for deliveries. A stream
// whose channel or connection drops is consumed again after a backoff.
type amqpSubscriber struct {
	c       *amqpConn
	closing chan struct{}
	once    sync.Once
	wg      sync.WaitGroup

	mu       sync.Mutex
	channels map[*amqp.Channel]struct{}
}

func newAMQPSubscriber(c *amqpConn) *amqpSubscriber {
	return &amqpSubscriber{
		c:        c,
		closing:  make(chan struct{}),
		channels: make(map[*amqp.Channel]struct{}),
	}
}

func (s *amqpSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	select {
	case <-s.closing:
		return nil, errAMQPClosed
	default:
	}

	ch, deliveries, err := s.consume(topic)
	if err != nil {
		return nil, err
	}

	out := make(chan *message.Message)
	s.wg.Add(1)
	go s.run(ctx, topic, ch, deliveries, out)
	return out, nil
}

// consume opens a dedicated channel and starts consuming topic's queue.
func (s *amqpSubscriber) consume(topic string) (*amqp.Channel, <-chan amqp.Delivery, error) {
	ch, err := s.c.channel()
	if err != nil {
		return nil, nil, fmt.Errorf("events: open consume channel: %w", err)
	}
	if err := ch.Qos(s.c.prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("events: set prefetch: %w", err)
	}
	if err := s.c.declare(ch, topic); err != nil {
		_ = ch.Close()
		return nil, nil, err
	}
	deliveries, err := ch.Consume(topic, "", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("events: consume %s: %w", topic, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.closing:
		_ = ch.Close()
		return nil, nil, errAMQPClosed
	default:
	}
	s.channels[ch] = struct{}{}
	return ch, deliveries, nil
}

func (s *amqpSubscriber) forget(ch *amqp.Channel) {
	s.mu.Lock()
	delete(s.channels, ch)
	s.mu.Unlock()
	_ = ch.Close()
}

// run feeds out until the subscriber closes or ctx ends, consuming again
// whenever the delivery stream drops underneath it.
func (s *amqpSubscriber) run(
	ctx context.Context,
	topic string,
	ch *amqp.Channel,
	deliveries <-chan amqp.Delivery,
	out chan<- *message.Message,
) {
	defer s.wg.Done()
	defer close(out)
	for {
		if !s.pump(ctx, out, deliveries) {
			return
		}
		s.forget(ch)
		s.c.log.Warn("events: rabbitmq delivery stream closed, consuming again", "topic", topic)

		var ok bool
		if ch, deliveries, ok = s.resubscribe(ctx, topic); !ok {
			return
		}
		s.c.log.Info("events: rabbitmq consumer restored", "topic", topic)
	}
}

// pump forwards deliveries to out. It returns true when the delivery stream
// closed and false when the subscriber is stopping.
func (s *amqpSubscriber) pump(ctx context.Context, out chan<- *message.Message, deliveries <-chan amqp.Delivery) bool {
	for {
		select {
		case <-s.closing:
			return false
		case <-ctx.Done():
			return false
		case d, ok := <-deliveries:
			if !ok {
				return true
			}
			if !s.deliver(ctx, out, d) {
				return false
			}
		}
	}
}

// resubscribe retries consume with capped exponential backoff and jitter.
func (s *amqpSubscriber) resubscribe(ctx context.Context, topic string) (*amqp.Channel, <-chan amqp.Delivery, bool) {
	delay := reconnectBaseDelay
	for {
		t := time.NewTimer(delay + rand.N(delay/2))
		select {
		case <-s.closing:
			t.Stop()
			return nil, nil, false
		case <-ctx.Done():
			t.Stop()
			return nil, nil, false
		case <-t.C:
		}

		ch, deliveries, err := s.consume(topic)
		if err == nil {
			return ch, deliveries, true
		}
		if errors.Is(err, errAMQPClosed) {
			return nil, nil, false
		}
		s.c.log.Warn("events: rabbitmq consume failed, retrying",
			"topic", topic, "error", err, "next_delay", delay)
		delay = min(delay*2, reconnectMaxDelay)
	}
}

// deliver hands one delivery to the consumer and settles it on the broker once
// the consumer acks or nacks. Returns false when the subscriber is stopping.
func (s *amqpSubscriber) deliver(ctx context.Context, out chan<- *message.Message, d amqp.Delivery) bool {
	msg := fromDelivery(d)
	msg.SetContext(ctx)

	select {
	case out <- msg:
	case <-s.closing:
		_ = d.Nack(false, true)
		return false
	case <-ctx.Done():
		_ = d.Nack(false, true)
		return false
	}

	select {
	case <-msg.Acked():
		if err := d.Ack(false); err != nil {
			s.c.log.Error("events: amqp ack failed", "message_id", msg.UUID, "error", err)
		}
	case <-msg.Nacked():
		if err := d.Nack(false, true); err != nil {
			s.c.log.Error("events: amqp nack failed", "message_id", msg.UUID, "error", err)
		}
	case <-s.closing:
		// A handler that finished as the subscriber closed still gets its ack;
		// anything unsettled is requeued when the channel closes.
		select {
		case <-msg.Acked():
			_ = d.Ack(false)
		default:
		}
		return false
	}
	return true
}

// Close stops every consumer, then closes their channels.
func (s *amqpSubscriber) Close() error {
	s.once.Do(func() { close(s.closing) })
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.channels {
		_ = ch.Close()
	}
	clear(s.channels)
	return nil
}

// fromDelivery converts a delivery into a Watermill message. String headers
// become metadata. Without a MessageId the id is derived from the routing key
// and body, so redeliveries of the same message keep the same id.
func fromDelivery(d amqp.Delivery) *message.Message {
	id := d.MessageId
	if id == "" {
		id = contentID(d.RoutingKey, d.Body)
	}
	msg := message.NewMessage(id, d.Body)
	for k, v := range d.Headers {
		if s, ok := v.(string); ok {
			msg.Metadata.Set(k, s)
		}
	}
	return msg
}

func contentID(routingKey string, body []byte) string {
	data := make([]byte, 0, len(routingKey)+1+len(body))
	data = append(data, routingKey...)
	data = append(data, 0)
	data = append(data, body...)
	return uuid.NewSHA1(deliveryNamespace, data).String()
}

func toPublishing(msg *message.Message) amqp.Publishing {
	headers := make(amqp.Table, len(msg.Metadata))
	for k, v := range msg.Metadata {
		headers[k] = v
	}
	return amqp.Publishing{
		MessageId:    msg.UUID,
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		Timestamp:    time.Now().UTC(),
		Headers:      headers,
		Body:         msg.Payload,
	}
}
