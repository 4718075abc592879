package bus

import (
	"fmt"
	"strings"

	"github.com/vuhlp/vuhlp/internal/common/config"
	"github.com/vuhlp/vuhlp/internal/common/logger"
)

// Provide builds the configured event bus implementation: NATS when
// events.natsUrl is set, otherwise the in-process bus.
func Provide(cfg *config.Config, log *logger.Logger) (EventBus, func(), error) {
	if strings.TrimSpace(cfg.Events.NATSURL) != "" {
		natsBus, err := NewNATSEventBus(cfg.Events, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize NATS event bus: %w", err)
		}
		return natsBus, natsBus.Close, nil
	}

	memBus := NewMemoryEventBus(log)
	return memBus, memBus.Close, nil
}
