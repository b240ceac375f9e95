// Package reminder nudges customers who went quiet. A dialog gets at most
// two reminders per period of silence; a new user message starts over.
package reminder

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/salesagent/internal/storage"
)

// Store is the slice of the dialog store the scheduler needs.
type Store interface {
	KnownDialogKeys(ctx context.Context) ([]storage.DialogKey, error)
	ReminderStage(ctx context.Context, key storage.DialogKey) (int, error)
	LastUserActivity(ctx context.Context, key storage.DialogKey) (time.Time, bool, error)
	AdvanceReminderStage(ctx context.Context, key storage.DialogKey, from, to int) (bool, error)
}

// Sender delivers a text to a dialog.
type Sender interface {
	Send(ctx context.Context, key storage.DialogKey, text string) error
}

// Settings holds reminder delays and texts. Delays count from the last user
// message, so SecondDelay should exceed FirstDelay.
type Settings struct {
	Period      time.Duration
	FirstDelay  time.Duration
	SecondDelay time.Duration
	FirstText   string
	FinalText   string
}

// Scheduler periodically sweeps all known dialogs.
type Scheduler struct {
	store    Store
	sender   Sender
	settings Settings
	now      func() time.Time
	logger   *slog.Logger
}

// NewScheduler creates a Scheduler. A non-positive Period defaults to 10s.
func NewScheduler(store Store, sender Sender, settings Settings) *Scheduler {
	if settings.Period <= 0 {
		settings.Period = 10 * time.Second
	}
	return &Scheduler{
		store:    store,
		sender:   sender,
		settings: settings,
		now:      time.Now,
		logger:   slog.Default(),
	}
}

// Run sweeps every Period until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.settings.Period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx, s.now()); err != nil {
				s.logger.Error("reminder sweep failed", "error", err)
			}
		}
	}
}

// Sweep makes one pass over all dialogs and returns how many reminders it
// sent. Failures for one dialog are logged and do not stop the pass.
func (s *Scheduler) Sweep(ctx context.Context, now time.Time) (int, error) {
	keys, err := s.store.KnownDialogKeys(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing dialogs: %w", err)
	}

	sent := 0
	for _, key := range keys {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		ok, err := s.remind(ctx, key, now)
		if err != nil {
			s.logger.Warn("reminder failed", "dialog", key, "error", err)
			continue
		}
		if ok {
			sent++
		}
	}
	return sent, nil
}

func (s *Scheduler) remind(ctx context.Context, key storage.DialogKey, now time.Time) (bool, error) {
	stage, err := s.store.ReminderStage(ctx, key)
	if err != nil {
		return false, err
	}
	if stage >= storage.StageFinalReminded {
		return false, nil
	}

	last, ok, err := s.store.LastUserActivity(ctx, key)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	elapsed := now.Sub(last)

	var text string
	switch {
	case stage == storage.StageActive && elapsed >= s.settings.FirstDelay:
		text = s.settings.FirstText
	case stage == storage.StageFirstReminded && elapsed >= s.settings.SecondDelay:
		text = s.settings.FinalText
	default:
		return false, nil
	}

	if err := s.sender.Send(ctx, key, text); err != nil {
		return false, fmt.Errorf("sending stage %d reminder: %w", stage+1, err)
	}

	// The user may have written or been blacklisted while we were sending;
	// the compare-and-set leaves their state alone in that case.
	advanced, err := s.store.AdvanceReminderStage(ctx, key, stage, stage+1)
	if err != nil {
		return true, fmt.Errorf("advancing stage: %w", err)
	}
	if !advanced {
		s.logger.Info("reminder stage changed concurrently", "dialog", key, "stage", stage)
	} else {
		s.logger.Info("reminder sent", "dialog", key, "stage", stage+1)
	}
	return true, nil
}
