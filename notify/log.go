package notify

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/warp/loyalty-engine/loyalty"
)

// LogNotifier writes every event as a structured log line. It is the
// default sink when no broker is configured.
type LogNotifier struct {
	log zerolog.Logger
}

func NewLog(log zerolog.Logger) *LogNotifier {
	return &LogNotifier{log: log.With().Str("component", "notifier").Logger()}
}

func (n *LogNotifier) Notify(_ context.Context, e loyalty.Event) error {
	n.log.Info().
		Str("event", string(e.Type)).
		Str("tenant", e.Tenant).
		Str("customer", string(e.CustomerID)).
		Int64("points", e.Points).
		Str("reference", e.Reference).
		Time("at", e.At).
		Msg(e.Message)
	return nil
}
