package app

import (
	"github.com/ghuser/notifier/pkg/cache"
	"github.com/ghuser/notifier/pkg/config"
	"github.com/ghuser/notifier/pkg/events"
	"github.com/ghuser/notifier/pkg/logger"
)

// Application holds shared infrastructure dependencies for all services.
// Pass to each bounded context's subscriber registration during start-up.
//
// Logging: app.Logger is backed by a trace-aware handler. Use slog's context methods
// and trace_id, span_id, and request_id are injected automatically:
//
//	app.Logger.InfoContext(ctx, "order confirmation sent", "order_id", id)
//	app.Logger.ErrorContext(ctx, "email send failed", "error", err)
//
// Use app.Logger.Info/Error (no context) only for startup and shutdown messages.
type Application struct {
	Config   *config.Config
	Logger   logger.Logger
	EventBus *events.EventBus
	Redis    *cache.RedisClient // nil when deduplication is disabled
}
