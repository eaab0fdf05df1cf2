package events

import (
	"fmt"
	"strings"

	"github.com/weibocom/agentflow/internal/common/config"
	"github.com/weibocom/agentflow/internal/common/logger"
	"github.com/weibocom/agentflow/internal/events/bus"
)

// Provide builds the configured bus: NATS when a URL is set, in-memory
// otherwise. The cleanup closes the bus.
func Provide(cfg config.NATSConfig, log *logger.Logger) (bus.Bus, func(), error) {
	if strings.TrimSpace(cfg.URL) != "" {
		natsBus, err := bus.NewNATSBus(cfg, log)
		if err != nil {
			return nil, nil, fmt.Errorf("initialize nats bus: %w", err)
		}
		return natsBus, natsBus.Close, nil
	}
	memBus := bus.NewMemoryBus(log)
	return memBus, memBus.Close, nil
}
