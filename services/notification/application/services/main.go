package services

import (
	"context"
	"fmt"
	"time"

	"github.com/ghuser/notifier/pkg/app"
	"github.com/ghuser/notifier/services/notification/domain/events"
	"github.com/ghuser/notifier/services/notification/domain/models"
	"github.com/ghuser/notifier/services/notification/infrastructure/pdf"
	"github.com/ghuser/notifier/services/notification/infrastructure/smtp"
)

// DocumentRenderer turns an order into its attachment.
type DocumentRenderer interface {
	Render(ctx context.Context, evt events.OrderCreatedEvent) (*models.RenderedDocument, error)
}

// Services is the application-layer service container for this bounded context.
// It wires domain services with their infrastructure implementations.
type Services struct {
	Dispatcher    *Dispatcher
	Renderer      DocumentRenderer
	RenderTimeout time.Duration
}

// New wires the notification services with infrastructure from the Application container.
func New(a *app.Application) (*Services, error) {
	transport, err := smtp.NewTransport(smtp.ConfigFrom(a.Config), a.Logger)
	if err != nil {
		return nil, fmt.Errorf("notification services: %w", err)
	}
	return &Services{
		Dispatcher:    NewDispatcher(transport, a.Config.AdminEmail, a.Config.SendTimeout, a.Logger),
		Renderer:      pdf.NewRenderer(),
		RenderTimeout: a.Config.RenderTimeout,
	}, nil
}
