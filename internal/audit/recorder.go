package audit

import (
	"context"

	"github.com/nerrad567/meshbridge/internal/bridge"
)

// Logger is the logging the recorder needs.
type Logger interface {
	Warn(msg string, keysAndValues ...any)
}

// Recorder writes bridge lifecycle events to a Repository. Write failures
// are logged and dropped; the bridge never sees them.
type Recorder struct {
	repo   Repository
	logger Logger
}

var _ bridge.EventRecorder = (*Recorder)(nil)

// NewRecorder creates a recorder. logger may be nil.
func NewRecorder(repo Repository, logger Logger) *Recorder {
	return &Recorder{repo: repo, logger: logger}
}

// RecordEvent stores one event.
func (r *Recorder) RecordEvent(ctx context.Context, ev bridge.Event) {
	e := &Event{
		Action:    ev.Action,
		ChannelID: ev.ChannelID,
		Detail:    ev.Detail,
	}
	if err := r.repo.Create(ctx, e); err != nil && r.logger != nil {
		r.logger.Warn("recording bridge event failed", "action", ev.Action, "error", err)
	}
}
