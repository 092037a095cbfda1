package events

import (
	"fmt"
	"strings"

	"github.com/ralphdev/ralph/internal/common/config"
	"github.com/ralphdev/ralph/internal/common/logger"
	"github.com/ralphdev/ralph/internal/events/bus"
)

// ProvidedBus wraps the active event bus implementation.
type ProvidedBus struct {
	Bus    bus.EventBus
	Memory *bus.MemoryEventBus
	NATS   *bus.NATSEventBus
}

// Provide builds the configured event bus implementation. An empty
// nats.url selects the in-memory bus, which is the default and the only
// implementation the core's ordering guarantees depend on.
func Provide(cfg *config.Config, log *logger.Logger) (*ProvidedBus, func() error, error) {
	if strings.TrimSpace(cfg.NATS.URL) != "" {
		natsBus, err := bus.NewNATSEventBus(bus.NATSConfig{
			URL:           cfg.NATS.URL,
			ClientID:      cfg.NATS.ClientID,
			MaxReconnects: cfg.NATS.MaxReconnects,
		}, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize NATS event bus: %w", err)
		}
		cleanup := func() error {
			natsBus.Close()
			return nil
		}
		return &ProvidedBus{Bus: natsBus, NATS: natsBus}, cleanup, nil
	}

	memBus := bus.NewMemoryEventBus(log)
	return &ProvidedBus{Bus: memBus, Memory: memBus}, func() error { return nil }, nil
}
