// Package delivery sends delayed replies. Replies are persisted as jobs so a
// restart does not lose a reply that was scheduled but not yet sent.
package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kalambet/salesagent/internal/storage"
)

// JobType is the job queue type for delayed replies.
const JobType = "deliver_reply"

// JobStore abstracts the job queue operations.
type JobStore interface {
	EnqueueJob(ctx context.Context, job storage.Job) error
	ClaimNextJob(ctx context.Context, types []string) (*storage.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, errMsg string) error
}

// Sender delivers a text to a dialog.
type Sender interface {
	Send(ctx context.Context, key storage.DialogKey, text string) error
}

type payload struct {
	DialogKey storage.DialogKey `json:"dialog_key"`
	Text      string            `json:"text"`
}

// Queue schedules replies. Scheduled replies are never cancelled.
type Queue struct {
	store JobStore
	now   func() time.Time
}

func NewQueue(store JobStore) *Queue {
	return &Queue{store: store, now: time.Now}
}

// Enqueue schedules text for key after delay and returns the job id.
func (q *Queue) Enqueue(ctx context.Context, key storage.DialogKey, text string, delay time.Duration) (string, error) {
	b, err := json.Marshal(payload{DialogKey: key, Text: text})
	if err != nil {
		return "", fmt.Errorf("marshaling reply: %w", err)
	}
	job := storage.Job{
		ID:          uuid.New().String(),
		Type:        JobType,
		PayloadJSON: string(b),
		RunAfter:    q.now().Add(delay),
	}
	if err := q.store.EnqueueJob(ctx, job); err != nil {
		return "", fmt.Errorf("scheduling reply for %s: %w", key, err)
	}
	return job.ID, nil
}

// Worker sends due replies from the job queue.
type Worker struct {
	store  JobStore
	sender Sender
	poll   time.Duration
	logger *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, sender Sender, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:  store,
		sender: sender,
		poll:   pollInterval,
		logger: slog.Default(),
	}
}

// Run polls for due replies until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("delivery iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and sends a single due reply.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob(ctx, []string{JobType})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	// The outcome is recorded even when ctx was cancelled mid-send, so a
	// shutdown never leaves the claimed job running.
	rctx := context.WithoutCancel(ctx)

	if err := w.deliver(ctx, job); err != nil {
		w.logger.Warn("delivery failed", "job_id", job.ID, "attempt", job.Attempts+1, "error", err)
		if failErr := w.store.FailJob(rctx, job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(rctx, job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) deliver(ctx context.Context, job *storage.Job) error {
	var p payload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &p); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}
	if err := w.sender.Send(ctx, p.DialogKey, p.Text); err != nil {
		return fmt.Errorf("sending to %s: %w", p.DialogKey, err)
	}
	w.logger.Debug("reply delivered", "dialog", p.DialogKey, "job_id", job.ID)
	return nil
}
