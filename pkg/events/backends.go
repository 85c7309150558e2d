package events

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	watermillsql "github.com/ThreeDotsLabs/watermill-sql/v3/pkg/sql"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver

	"github.com/ghuser/notifier/pkg/logger"
)

const memoryBuffer = 64

// newSQLBackend opens a PostgreSQL connection and initializes a Watermill SQL
// publisher and subscriber. Schema tables are created automatically on first use.
//
// All instances with the same serviceName share a ConsumerGroup, so each
// message is processed by exactly one instance (load-balanced, not broadcast).
func newSQLBackend(databaseURL, serviceName string, log logger.Logger) (backend, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return backend{}, fmt.Errorf("events: open db: %w", err)
	}

	wlog := &slogAdapter{log: log}

	pub, err := watermillsql.NewPublisher(
		db,
		watermillsql.PublisherConfig{
			SchemaAdapter:        watermillsql.DefaultPostgreSQLSchema{},
			AutoInitializeSchema: true,
		},
		wlog,
	)
	if err != nil {
		_ = db.Close()
		return backend{}, fmt.Errorf("events: new publisher: %w", err)
	}

	sub, err := watermillsql.NewSubscriber(
		db,
		watermillsql.SubscriberConfig{
			SchemaAdapter:    watermillsql.DefaultPostgreSQLSchema{},
			OffsetsAdapter:   watermillsql.DefaultPostgreSQLOffsetsAdapter{},
			InitializeSchema: true,
			ConsumerGroup:    serviceName + "-consumer",
		},
		wlog,
	)
	if err != nil {
		_ = pub.Close()
		_ = db.Close()
		return backend{}, fmt.Errorf("events: new subscriber: %w", err)
	}

	return backend{
		publisher:  pub,
		subscriber: sub,
		ping:       db.PingContext,
		release:    db.Close,
		competing:  true,
	}, nil
}

// newMemoryBackend returns an in-process gochannel pub/sub. Messages published
// before a topic has subscribers are kept and replayed to the first subscriber.
func newMemoryBackend(log logger.Logger) backend {
	gc := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: memoryBuffer,
		Persistent:          true,
	}, &slogAdapter{log: log})
	return backend{
		publisher:  gc,
		subscriber: gc,
		ping:       func(context.Context) error { return nil },
	}
}

// slogAdapter bridges logger.Logger to watermill.LoggerAdapter.
type slogAdapter struct{ log logger.Logger }

func (a *slogAdapter) Error(msg string, err error, fields watermill.LogFields) {
	a.log.Error(msg, append(fieldsToArgs(fields), "error", err)...)
}
func (a *slogAdapter) Info(msg string, fields watermill.LogFields) {
	a.log.Info(msg, fieldsToArgs(fields)...)
}
func (a *slogAdapter) Debug(msg string, fields watermill.LogFields) {
	a.log.Debug(msg, fieldsToArgs(fields)...)
}
func (a *slogAdapter) Trace(msg string, fields watermill.LogFields) {
	a.log.Debug(msg, fieldsToArgs(fields)...)
}
func (a *slogAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &slogAdapter{log: a.log.With(fieldsToArgs(fields)...)}
}

func fieldsToArgs(fields watermill.LogFields) []any {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return args
}
