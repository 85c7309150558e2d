package subscribers

import (
	"context"
	"fmt"
	"sort"

	"github.com/ghuser/notifier/pkg/app"
	"github.com/ghuser/notifier/services/notification/application/handlers"
	appsvcs "github.com/ghuser/notifier/services/notification/application/services"
)

// ChannelCount is the number of distinct inbound event types.
const ChannelCount = 3

// NotificationSubscribers registers every notification channel on the event bus.
// Subscriptions end when ctx is canceled or the bus is closed.
func NotificationSubscribers(ctx context.Context, a *app.Application) error {
	svcs, err := appsvcs.New(a)
	if err != nil {
		return err
	}

	routes := handlers.NewRouter(svcs, handlers.ChannelsFrom(a.Config), a.Logger).Routes()
	if len(routes) != ChannelCount {
		return fmt.Errorf("subscribers: channel names must be distinct, got %v", a.Config.Channels())
	}

	topics := make([]string, 0, len(routes))
	for topic := range routes {
		topics = append(topics, topic)
	}
	sort.Strings(topics)

	for _, topic := range topics {
		errCh, err := a.EventBus.Subscribe(ctx, topic, routes[topic])
		if err != nil {
			return fmt.Errorf("subscribers: %w", err)
		}

		// Drain subscriber errors in background so the channel never blocks.
		go func(topic string) {
			for err := range errCh {
				a.Logger.ErrorContext(ctx, "subscriber error", "topic", topic, "error", err)
			}
		}(topic)
	}

	a.Logger.Info("event subscribers registered", "topics", topics)
	return nil
}
