package ingest

import (
	"context"
	"log/slog"
)

// Notifier raises operational alerts: lease give-ups, exhausted chopped
// retries, missing E2 events. Delivery is an external concern; the
// pipeline only needs somewhere to report.
type Notifier interface {
	Notify(ctx context.Context, subject string, details map[string]interface{})
}

// LogNotifier writes alerts to the service log.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n *LogNotifier) Notify(ctx context.Context, subject string, details map[string]interface{}) {
	args := make([]interface{}, 0, len(details)*2)
	for k, v := range details {
		args = append(args, k, v)
	}
	n.Logger.Warn("operational alert: "+subject, args...)
}
