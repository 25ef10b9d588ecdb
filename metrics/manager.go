package metrics

import (
	"github.com/saiset-co/sai-market/types"
)

// NewManager returns the prometheus manager, or a no-op one when metrics are off.
func NewManager(config *types.MetricsConfig, logger types.Logger) types.MetricsManager {
	if config == nil || !config.Enabled {
		logger.Info("Metrics disabled")
		return NewNop()
	}
	return NewPrometheusMetrics(config, logger)
}
