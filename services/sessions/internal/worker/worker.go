// Package worker turns completion jobs into upload_session.completed events.
package worker

import (
	"context"
	"fmt"
	"log/slog"

	"whatsgonow/pkg/events"
	"whatsgonow/pkg/queue"
)

type completedPayload struct {
	SessionID     string   `json:"session_id"`
	UserID        string   `json:"user_id"`
	Target        string   `json:"target"`
	UploadedFiles []string `json:"uploaded_files"`
}

type Worker struct {
	publisher events.Publisher
	logger    *slog.Logger
}

func New(publisher events.Publisher, logger *slog.Logger) *Worker {
	if publisher == nil {
		publisher = events.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{publisher: publisher, logger: logger.With("component", "completion-worker")}
}

// Handle publishes one event per job. The job ID doubles as the event ID so
// redelivered jobs can be deduplicated downstream.
func (w *Worker) Handle(ctx context.Context, job queue.CompletionJob) error {
	files := job.Files
	if files == nil {
		files = []string{}
	}
	ev, err := events.NewEvent(job.ID, events.TypeUploadSessionCompleted, job.CompletedAt, completedPayload{
		SessionID:     job.SessionID,
		UserID:        job.UserID,
		Target:        job.Target,
		UploadedFiles: files,
	})
	if err != nil {
		return err
	}
	if err := w.publisher.Publish(ctx, ev); err != nil {
		w.logger.Warn("publish_failed", "session_id", job.SessionID, "attempt", job.Attempt, "err", err)
		return fmt.Errorf("publish %s: %w", job.SessionID, err)
	}
	w.logger.Info("upload_session_event_published", "session_id", job.SessionID, "event_id", ev.ID)
	return nil
}
