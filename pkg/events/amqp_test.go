package events

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

func TestFromDelivery_UsesMessageID(t *testing.T) {
	msg := fromDelivery(amqp.Delivery{MessageId: "order-1001", RoutingKey: testTopic, Body: []byte(`{}`)})
	if msg.UUID != "order-1001" {
		t.Errorf("UUID = %q, want order-1001", msg.UUID)
	}
}

func TestFromDelivery_IDWithoutMessageID(t *testing.T) {
	body := []byte(`{"orderId":1001,"userId":7}`)
	first := fromDelivery(amqp.Delivery{RoutingKey: testTopic, Body: body})

	tests := []struct {
		name     string
		delivery amqp.Delivery
		same     bool
	}{
		{"redelivery", amqp.Delivery{RoutingKey: testTopic, Body: body, Redelivered: true, DeliveryTag: 9}, true},
		{"other body", amqp.Delivery{RoutingKey: testTopic, Body: []byte(`{"orderId":1002,"userId":7}`)}, false},
		{"other queue", amqp.Delivery{RoutingKey: "user_registered_queue", Body: body}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := fromDelivery(tt.delivery).UUID
			if (got == first.UUID) != tt.same {
				t.Errorf("id %q vs first %q, want same=%v", got, first.UUID, tt.same)
			}
		})
	}

	if _, err := uuid.Parse(first.UUID); err != nil {
		t.Errorf("derived id %q is not a UUID: %v", first.UUID, err)
	}
}

func TestFromDelivery_StringHeadersBecomeMetadata(t *testing.T) {
	msg := fromDelivery(amqp.Delivery{
		MessageId: "m1",
		Body:      []byte(`{}`),
		Headers: amqp.Table{
			"traceparent":      "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01",
			"__TypeId__":       "com.example.OrderCreatedEvent",
			"x-delivery-count": int64(2),
		},
	})
	if got := msg.Metadata.Get("traceparent"); got != "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01" {
		t.Errorf("traceparent = %q", got)
	}
	if got := msg.Metadata.Get("__TypeId__"); got != "com.example.OrderCreatedEvent" {
		t.Errorf("__TypeId__ = %q", got)
	}
	if _, ok := msg.Metadata["x-delivery-count"]; ok {
		t.Error("non-string header should not be copied into metadata")
	}
}

func TestToPublishing(t *testing.T) {
	msg := message.NewMessage("msg-42", []byte(`{"email":"ann@example.com"}`))
	msg.Metadata.Set(MetadataDeadLetterTopic, testTopic)

	p := toPublishing(msg)
	if p.MessageId != "msg-42" {
		t.Errorf("MessageId = %q, want msg-42", p.MessageId)
	}
	if p.DeliveryMode != amqp.Persistent {
		t.Errorf("DeliveryMode = %d, want persistent", p.DeliveryMode)
	}
	if p.ContentType != "application/json" {
		t.Errorf("ContentType = %q", p.ContentType)
	}
	if string(p.Body) != `{"email":"ann@example.com"}` {
		t.Errorf("Body = %s", p.Body)
	}
	if p.Headers[MetadataDeadLetterTopic] != testTopic {
		t.Errorf("header %s = %v, want %s", MetadataDeadLetterTopic, p.Headers[MetadataDeadLetterTopic], testTopic)
	}
	if p.Timestamp.IsZero() {
		t.Error("Timestamp not set")
	}

	back := fromDelivery(amqp.Delivery{MessageId: p.MessageId, Headers: p.Headers, Body: p.Body})
	if back.UUID != msg.UUID || back.Metadata.Get(MetadataDeadLetterTopic) != testTopic {
		t.Errorf("delivery of published message lost id or metadata: %q %v", back.UUID, back.Metadata)
	}
}

// Integration tests - skipped unless RABBITMQ_URL is set.
func TestAMQPIntegration(t *testing.T) {
	url := os.Getenv("RABBITMQ_URL")
	if url == "" {
		t.Skip("RABBITMQ_URL not set; skipping integration tests")
	}

	t.Run("AckRemovesMessage", func(t *testing.T) {
		c, pub, sub := newTestAMQP(t, url)
		topic := testQueue(t, url)

		if err := pub.Publish(topic, message.NewMessage(uuid.NewString(), []byte(`{}`))); err != nil {
			t.Fatalf("Publish: %v", err)
		}
		ch, err := sub.Subscribe(context.Background(), topic)
		if err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
		receive(t, ch)

		if err := sub.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
		if n := queueDepth(t, c, topic); n != 0 {
			t.Errorf("queue depth after ack = %d, want 0", n)
		}
	})

	t.Run("NackRequeuesWithSameID", func(t *testing.T) {
		_, _, sub := newTestAMQP(t, url)
		topic := testQueue(t, url)

		// Published without a MessageId, the way Spring AMQP producers do.
		publishRaw(t, url, topic, []byte(`{"orderId":1001}`))

		ch, err := sub.Subscribe(context.Background(), topic)
		if err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
		first := next(t, ch)
		first.Nack()
		second := receive(t, ch)

		if first.UUID != second.UUID {
			t.Errorf("redelivered id = %q, want %q", second.UUID, first.UUID)
		}
	})

	t.Run("PermanentFailureDeclaresDeadLetterQueue", func(t *testing.T) {
		c, pub, sub := newTestAMQP(t, url)
		topic := testQueue(t, url)
		t.Cleanup(func() { deleteQueue(t, url, topic+DeadLetterSuffix) })

		bus := newEventBus(backend{publisher: pub, subscriber: sub, competing: true}, nopLogger(), WithRetry(1, time.Millisecond))
		errCh, err := bus.Subscribe(context.Background(), topic, func(context.Context, *message.Message) error {
			return Permanent(errors.New("malformed payload"))
		})
		if err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
		drain(errCh)

		if err := pub.Publish(topic, message.NewMessage(uuid.NewString(), []byte(`not json`))); err != nil {
			t.Fatalf("Publish: %v", err)
		}

		deadline := time.Now().Add(5 * time.Second)
		for queueDepth(t, c, topic+DeadLetterSuffix) != 1 {
			if time.Now().After(deadline) {
				t.Fatalf("no message on %s", topic+DeadLetterSuffix)
			}
			time.Sleep(50 * time.Millisecond)
		}
	})

	t.Run("ConsumesAgainAfterConnectionLoss", func(t *testing.T) {
		c, pub, sub := newTestAMQP(t, url)
		topic := testQueue(t, url)

		ch, err := sub.Subscribe(context.Background(), topic)
		if err != nil {
			t.Fatalf("Subscribe: %v", err)
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		_ = conn.Close()

		if err := c.ping(context.Background()); !errors.Is(err, errAMQPClosed) {
			t.Fatalf("ping after drop = %v, want errAMQPClosed", err)
		}
		if err := pub.Publish(topic, message.NewMessage("after-drop", []byte(`{}`))); err != nil {
			t.Fatalf("Publish after drop: %v", err)
		}

		select {
		case msg, ok := <-ch:
			if !ok {
				t.Fatal("stream closed instead of reconnecting")
			}
			msg.Ack()
			if msg.UUID != "after-drop" {
				t.Errorf("UUID = %q, want after-drop", msg.UUID)
			}
		case <-time.After(3 * reconnectMaxDelay / 2):
			t.Fatal("no delivery after reconnect")
		}
		if err := c.ping(context.Background()); err != nil {
			t.Errorf("ping after reconnect: %v", err)
		}
	})
}

func newTestAMQP(t *testing.T, url string) (*amqpConn, *amqpPublisher, *amqpSubscriber) {
	t.Helper()
	c, err := dialAMQP(url, "notifier-test", 10, nopLogger())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	pub, err := newAMQPPublisher(c)
	if err != nil {
		t.Fatalf("publisher: %v", err)
	}
	sub := newAMQPSubscriber(c)
	t.Cleanup(func() {
		_ = sub.Close()
		_ = pub.Close()
		_ = c.close()
	})
	return c, pub, sub
}

// testQueue returns a fresh queue name that is deleted after the test.
func testQueue(t *testing.T, url string) string {
	t.Helper()
	name := "notifier_test_" + uuid.NewString()
	t.Cleanup(func() { deleteQueue(t, url, name) })
	return name
}

func rawChannel(t *testing.T, url string) (*amqp.Channel, func()) {
	t.Helper()
	conn, err := amqp.Dial(url)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		t.Fatalf("channel: %v", err)
	}
	return ch, func() { _ = conn.Close() }
}

func publishRaw(t *testing.T, url, queue string, body []byte) {
	t.Helper()
	ch, done := rawChannel(t, url)
	defer done()
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		t.Fatalf("declare: %v", err)
	}
	err := ch.PublishWithContext(context.Background(), "", queue, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func deleteQueue(t *testing.T, url, queue string) {
	t.Helper()
	ch, done := rawChannel(t, url)
	defer done()
	_, _ = ch.QueueDelete(queue, false, false, false)
}

// queueDepth returns the number of ready messages, or -1 if the queue does not exist.
func queueDepth(t *testing.T, c *amqpConn, queue string) int {
	t.Helper()
	ch, err := c.channel()
	if err != nil {
		t.Fatalf("channel: %v", err)
	}
	defer ch.Close() //nolint:errcheck
	q, err := ch.QueueDeclarePassive(queue, true, false, false, false, nil)
	if err != nil {
		return -1
	}
	return q.Messages
}

// next returns the next message without settling it.
func next(t *testing.T, ch <-chan *message.Message) *message.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}
