package services

import (
	"context"
	"fmt"
	"time"

	"github.com/ghuser/notifier/pkg/logger"
	"github.com/ghuser/notifier/services/notification/domain"
	"github.com/ghuser/notifier/services/notification/domain/events"
	"github.com/ghuser/notifier/services/notification/domain/models"
)

// Fixed message texts.
const (
	orderSubjectFormat = "Order Confirmation - Order ID: %d"
	orderBody          = "Thank you for your order! Please find the details attached."
	welcomeSubject     = "Welcome to Our Service!"
	welcomeBodyFormat  = "Hi %s,\n\nThank you for registering with us. We are excited to have you on board!\n\nBest regards,\nThe Team"
	alertSubjectFormat = "Inventory Updated: %s"
	alertBodyFormat    = "Product %s (ID: %d) changed its stock from %d to %d."
)

const defaultSendTimeout = 5 * time.Second

// Transport delivers a composed email. The domain owns this interface;
// infrastructure implements it.
type Transport interface {
	Send(ctx context.Context, msg models.EmailMessage) error
}

// Dispatcher composes notification emails and hands them to a Transport.
// Transport failures are logged and returned wrapped in domain.ErrTransport,
// so the caller can retry or dead-letter the triggering message.
type Dispatcher struct {
	transport  Transport
	adminEmail string
	timeout    time.Duration
	log        logger.Logger
}

// NewDispatcher returns a Dispatcher. adminEmail receives inventory alerts;
// timeout bounds every transport call (zero means 5s).
func NewDispatcher(t Transport, adminEmail string, timeout time.Duration, log logger.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}
	return &Dispatcher{transport: t, adminEmail: adminEmail, timeout: timeout, log: log}
}

// SendWithAttachment sends the order confirmation with the rendered summary
// to the address carried by the event.
func (d *Dispatcher) SendWithAttachment(ctx context.Context, evt events.OrderCreatedEvent, doc *models.RenderedDocument) error {
	return d.deliver(ctx, models.EmailMessage{
		To:         evt.Email,
		Subject:    fmt.Sprintf(orderSubjectFormat, evt.OrderID),
		Body:       orderBody,
		Attachment: doc,
	})
}

// SendWelcome greets a newly registered user.
func (d *Dispatcher) SendWelcome(ctx context.Context, email, username string) error {
	return d.Send(ctx, email, welcomeSubject, fmt.Sprintf(welcomeBodyFormat, username))
}

// SendAdminAlert notifies the configured administrator of a stock change.
func (d *Dispatcher) SendAdminAlert(ctx context.Context, productName string, productID int64, oldStock, newStock int) error {
	return d.Send(ctx, d.adminEmail,
		fmt.Sprintf(alertSubjectFormat, productName),
		fmt.Sprintf(alertBodyFormat, productName, productID, oldStock, newStock),
	)
}

// Send delivers a plain-text email.
func (d *Dispatcher) Send(ctx context.Context, to, subject, body string) error {
	return d.deliver(ctx, models.EmailMessage{To: to, Subject: subject, Body: body})
}

func (d *Dispatcher) deliver(ctx context.Context, msg models.EmailMessage) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if err := d.transport.Send(ctx, msg); err != nil {
		d.log.ErrorContext(ctx, "email send failed", "subject", msg.Subject, "error", err)
		return fmt.Errorf("%w: %q: %w", domain.ErrTransport, msg.Subject, err)
	}
	d.log.InfoContext(ctx, "email sent", "subject", msg.Subject, "attachment", msg.Attachment != nil)
	return nil
}
