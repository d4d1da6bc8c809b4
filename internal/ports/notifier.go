package ports

import (
	"context"

	"signalpilot/internal/domain"
)

// EventSink receives a PositionEvent after every resolved action. The chat
// front-end implements this to render messages to the user; publishing must
// not block signal processing for long.
type EventSink interface {
	Publish(ctx context.Context, event domain.PositionEvent)
}
