package observability

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// FlushTelemetry drains buffered telemetry before the process exits.
// Metrics are pull-based so nothing needs pushing; the log sink is the only
// buffered output. Call at the end of graceful shutdown, after the engine
// has drained its runs.
func FlushTelemetry(_ context.Context, logger *zap.Logger) error {
	if logger == nil {
		return nil
	}
	if err := logger.Sync(); err != nil {
		return fmt.Errorf("flush log sink: %w", err)
	}
	return nil
}
