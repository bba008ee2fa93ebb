// Package activity appends entries to the event log and announces them on
// the notification channel.
package activity

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/c360studio/semcontrol/storage"
	"github.com/c360studio/semcontrol/workflow"
	"github.com/c360studio/semstreams/message"
)

// Recorder writes events. Both the log append and the publish are best
// effort: failures are logged and never returned to the caller.
type Recorder struct {
	log       storage.EventLog
	publisher workflow.Publisher
	logger    *slog.Logger
}

// NewRecorder creates a recorder. publisher may be nil to skip notifications.
func NewRecorder(log storage.EventLog, publisher workflow.Publisher, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{log: log, publisher: publisher, logger: logger}
}

// Record appends e to the log and publishes it.
func (r *Recorder) Record(ctx context.Context, e *workflow.Event) {
	if r == nil || e == nil {
		return
	}
	if r.log != nil {
		if err := r.log.AppendEvent(ctx, e); err != nil {
			r.logger.Warn("Failed to append event",
				"type", e.Type,
				"task_id", e.TaskID,
				"error", err)
		}
	}
	r.publish(ctx, e)
}

func (r *Recorder) publish(ctx context.Context, e *workflow.Event) {
	if r.publisher == nil {
		return
	}
	payload := &workflow.EventNotification{Event: e}
	baseMsg := message.NewBaseMessage(payload.Schema(), payload, "semcontrol")
	data, err := json.Marshal(baseMsg)
	if err != nil {
		r.logger.Warn("Failed to marshal event notification", "type", e.Type, "error", err)
		return
	}
	if err := r.publisher.Publish(ctx, workflow.EventSubject(e.Type), data); err != nil {
		r.logger.Debug("Failed to publish event notification",
			"type", e.Type,
			"task_id", e.TaskID,
			"error", err)
	}
}
