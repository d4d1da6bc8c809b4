// Package eventlog is the default ports.EventSink: position events go to the
// structured log. A messaging front-end can replace it without touching the
// pipeline.
package eventlog

import (
	"context"
	"fmt"

	"signalpilot/internal/domain"
	"signalpilot/internal/ports"
)

// Sink writes position events to the logger.
type Sink struct {
	logger ports.Logger
}

// New creates a logging event sink.
func New(logger ports.Logger) (*Sink, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required for event sink")
	}
	return &Sink{logger: logger}, nil
}

// Publish records one position event.
func (s *Sink) Publish(ctx context.Context, event domain.PositionEvent) {
	fields := map[string]interface{}{
		"userID":   event.UserID,
		"symbol":   event.Symbol,
		"action":   string(event.Action),
		"side":     string(event.Side),
		"quantity": event.Quantity.String(),
		"price":    event.Price.String(),
		"status":   string(event.Status),
	}
	if event.Err != "" {
		fields["error"] = event.Err
		s.logger.Warn(ctx, "Position event: action failed", fields)
		return
	}
	s.logger.Info(ctx, "Position event", fields)
}
