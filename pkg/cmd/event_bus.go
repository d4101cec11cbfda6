package cmd

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/edforge/edforge/pkg/channels/gochannel"
	"github.com/edforge/edforge/pkg/channels/kafka"
	"github.com/edforge/edforge/pkg/eventbus"
)

// NewEventBus creates the run lifecycle event bus. Kafka for deployments that
// fan events out to other services, the in-memory channel otherwise. Brokers
// is the comma-separated Kafka broker list; it is only read for kafka.
func NewEventBus(provider, serviceName, brokers string, logger *slog.Logger) eventbus.EventBus {
	wmLogger := watermill.NewSlogLogger(logger)

	switch provider {
	case "kafka":
		pub, sub, err := kafka.CreateChannel(wmLogger, serviceName, strings.Split(brokers, ","))
		if err != nil {
			panic(fmt.Errorf("failed to create Kafka pub/sub: %w", err))
		}

		return eventbus.NewWatermillEventBus(pub, sub)
	case "memory", "":
		pub, sub, err := gochannel.CreateChannel(wmLogger)
		if err != nil {
			panic(fmt.Errorf("failed to create in-memory pub/sub: %w", err))
		}

		return eventbus.NewWatermillEventBus(pub, sub)
	default:
		panic("Unsupported event bus provider: " + provider)
	}
}
