package services_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ghuser/notifier/pkg/logger"
	appsvcs "github.com/ghuser/notifier/services/notification/application/services"
	"github.com/ghuser/notifier/services/notification/domain"
	"github.com/ghuser/notifier/services/notification/domain/events"
	"github.com/ghuser/notifier/services/notification/domain/models"
)

// fakeTransport records every message and fails when err is set.
type fakeTransport struct {
	mu       sync.Mutex
	sent     []models.EmailMessage
	err      error
	deadline bool
}

func (f *fakeTransport) Send(ctx context.Context, msg models.EmailMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, f.deadline = ctx.Deadline()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeTransport) only(t *testing.T) models.EmailMessage {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) != 1 {
		t.Fatalf("expected exactly 1 message, got %d", len(f.sent))
	}
	return f.sent[0]
}

func newDispatcher(tr appsvcs.Transport) *appsvcs.Dispatcher {
	return appsvcs.NewDispatcher(tr, "admin@shop.test", time.Second, logger.Discard())
}

func TestSendWelcome(t *testing.T) {
	tr := &fakeTransport{}
	if err := newDispatcher(tr).SendWelcome(context.Background(), "a@b.com", "Ann"); err != nil {
		t.Fatalf("SendWelcome: %v", err)
	}
	msg := tr.only(t)
	if msg.To != "a@b.com" {
		t.Errorf("To = %q", msg.To)
	}
	if msg.Subject != "Welcome to Our Service!" {
		t.Errorf("Subject = %q", msg.Subject)
	}
	if !strings.Contains(msg.Body, "Ann") {
		t.Errorf("body does not greet the user: %q", msg.Body)
	}
	if msg.Attachment != nil {
		t.Error("welcome email must not carry an attachment")
	}
}

func TestSendAdminAlert(t *testing.T) {
	tr := &fakeTransport{}
	if err := newDispatcher(tr).SendAdminAlert(context.Background(), "Widget", 42, 10, 3); err != nil {
		t.Fatalf("SendAdminAlert: %v", err)
	}
	msg := tr.only(t)
	if msg.To != "admin@shop.test" {
		t.Errorf("alert must go to the configured admin, got %q", msg.To)
	}
	if msg.Subject != "Inventory Updated: Widget" {
		t.Errorf("Subject = %q", msg.Subject)
	}
	for _, want := range []string{"Widget", "42", "10", "3"} {
		if !strings.Contains(msg.Body, want) {
			t.Errorf("body missing %q: %q", want, msg.Body)
		}
	}
	if msg.Body != "Product Widget (ID: 42) changed its stock from 10 to 3." {
		t.Errorf("Body = %q", msg.Body)
	}
}

func TestSendWithAttachment_UsesEventRecipient(t *testing.T) {
	tr := &fakeTransport{}
	doc := &models.RenderedDocument{Filename: "order_1001.pdf", ContentType: models.ContentTypePDF, Content: []byte("%PDF")}
	evt := events.OrderCreatedEvent{OrderID: 1001, Email: "buyer@shop.test"}

	if err := newDispatcher(tr).SendWithAttachment(context.Background(), evt, doc); err != nil {
		t.Fatalf("SendWithAttachment: %v", err)
	}
	msg := tr.only(t)
	if msg.To != "buyer@shop.test" {
		t.Errorf("To = %q, want the event's address", msg.To)
	}
	if msg.Subject != "Order Confirmation - Order ID: 1001" {
		t.Errorf("Subject = %q", msg.Subject)
	}
	if msg.Body != "Thank you for your order! Please find the details attached." {
		t.Errorf("Body = %q", msg.Body)
	}
	if msg.Attachment != doc {
		t.Error("attachment not passed through")
	}
}

func TestSend_BoundedByTimeout(t *testing.T) {
	tr := &fakeTransport{}
	if err := newDispatcher(tr).Send(context.Background(), "a@b.com", "s", "b"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !tr.deadline {
		t.Error("transport call should carry a deadline")
	}
}

// TestSend_TransportFailurePropagates asserts the propagate policy: failures
// are returned as ErrTransport with the cause preserved.
func TestSend_TransportFailurePropagates(t *testing.T) {
	cause := errors.New("connection refused")
	d := newDispatcher(&fakeTransport{err: cause})

	tests := []struct {
		name string
		call func() error
	}{
		{"Send", func() error { return d.Send(context.Background(), "a@b.com", "s", "b") }},
		{"SendWelcome", func() error { return d.SendWelcome(context.Background(), "a@b.com", "Ann") }},
		{"SendAdminAlert", func() error { return d.SendAdminAlert(context.Background(), "Widget", 42, 10, 3) }},
		{"SendWithAttachment", func() error {
			return d.SendWithAttachment(context.Background(), events.OrderCreatedEvent{OrderID: 1, Email: "a@b.com"}, nil)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			if !errors.Is(err, domain.ErrTransport) {
				t.Errorf("expected ErrTransport, got %v", err)
			}
			if !errors.Is(err, cause) {
				t.Errorf("expected cause in chain, got %v", err)
			}
		})
	}
}
