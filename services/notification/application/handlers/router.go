// Package handlers maps inbound channels to the notification use cases.
package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/ghuser/notifier/pkg/config"
	bus "github.com/ghuser/notifier/pkg/events"
	"github.com/ghuser/notifier/pkg/logger"
	appsvcs "github.com/ghuser/notifier/services/notification/application/services"
	"github.com/ghuser/notifier/services/notification/domain/events"
)

const defaultRenderTimeout = 5 * time.Second

// Channels names the inbound channel of each event type.
type Channels struct {
	OrderCreated   string
	UserRegistered string
	ProductUpdated string
}

// ChannelsFrom reads the channel names from the worker configuration.
func ChannelsFrom(cfg *config.Config) Channels {
	return Channels{
		OrderCreated:   cfg.OrderCreatedQueue,
		UserRegistered: cfg.UserRegisteredQueue,
		ProductUpdated: cfg.ProductUpdatedQueue,
	}
}

// DefaultChannels returns the standard channel names.
func DefaultChannels() Channels {
	return Channels{
		OrderCreated:   events.QueueOrderCreated,
		UserRegistered: events.QueueUserRegistered,
		ProductUpdated: events.QueueProductUpdated,
	}
}

// Router decodes inbound payloads and invokes the matching use case. It holds
// no per-message state; one Router serves all channels concurrently.
type Router struct {
	svc      *appsvcs.Services
	channels Channels
	log      logger.Logger
}

// NewRouter returns a Router backed by the given services.
func NewRouter(svc *appsvcs.Services, channels Channels, log logger.Logger) *Router {
	return &Router{svc: svc, channels: channels, log: log}
}

// Routes returns the channel → handler table to register on the event bus.
func (r *Router) Routes() map[string]bus.Handler {
	return map[string]bus.Handler{
		r.channels.OrderCreated:   payload(r.OnOrderCreated),
		r.channels.UserRegistered: payload(r.OnUserRegistered),
		r.channels.ProductUpdated: payload(r.OnProductUpdated),
	}
}

// OnOrderCreated renders the order summary and mails it to the customer.
// Exactly one render and one send per call.
func (r *Router) OnOrderCreated(ctx context.Context, raw []byte) error {
	var evt events.OrderCreatedEvent
	if err := decode(raw, &evt); err != nil {
		return err
	}

	timeout := r.svc.RenderTimeout
	if timeout <= 0 {
		timeout = defaultRenderTimeout
	}
	renderCtx, cancel := context.WithTimeout(ctx, timeout)
	doc, err := r.svc.Renderer.Render(renderCtx, evt)
	cancel()
	if err != nil {
		return fmt.Errorf("order %d: %w", evt.OrderID, err)
	}

	if err := r.svc.Dispatcher.SendWithAttachment(ctx, evt, doc); err != nil {
		return fmt.Errorf("order %d: %w", evt.OrderID, err)
	}
	r.log.InfoContext(ctx, "order confirmation sent", "order_id", evt.OrderID, "items", len(evt.Items))
	return nil
}

// OnUserRegistered sends the welcome email.
func (r *Router) OnUserRegistered(ctx context.Context, raw []byte) error {
	var evt events.UserRegisteredEvent
	if err := decode(raw, &evt); err != nil {
		return err
	}
	return r.svc.Dispatcher.SendWelcome(ctx, evt.Email, evt.Username)
}

// OnProductUpdated alerts the administrator about a stock change.
func (r *Router) OnProductUpdated(ctx context.Context, raw []byte) error {
	var evt events.ProductUpdatedEvent
	if err := decode(raw, &evt); err != nil {
		return err
	}
	if err := r.svc.Dispatcher.SendAdminAlert(ctx, evt.ProductName, evt.ProductID, evt.OldStock, evt.NewStock); err != nil {
		return fmt.Errorf("product %d: %w", evt.ProductID, err)
	}
	return nil
}

func payload(fn func(context.Context, []byte) error) bus.Handler {
	return func(ctx context.Context, msg *message.Message) error {
		return fn(ctx, msg.Payload)
	}
}
