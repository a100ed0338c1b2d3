package progress

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/tradelab/paramopt/internal/store"
	"github.com/tradelab/paramopt/internal/store/model"
)

// Store reads and writes snapshots. store.Progress satisfies it.
type Store interface {
	Writer
	Get(ctx context.Context, jobID uuid.UUID) (*model.ProgressSnapshot, error)
}

// MarkFailed closes the snapshot of a job finished by someone other than its
// worker. The percentage reached so far is kept. Complete snapshots are left alone.
func MarkFailed(ctx context.Context, s Store, jobID uuid.UUID, message string) error {
	snap, err := s.Get(ctx, jobID)
	switch {
	case errors.Is(err, store.ErrRecordNotFound):
		snap = &model.ProgressSnapshot{JobID: jobID, TotalSteps: TotalSteps}
	case err != nil:
		return err
	case snap.IsComplete:
		return nil
	}

	snap.IsComplete = true
	snap.ErrorMessage = &message
	snap.UpdatedAt = time.Now().UTC()
	return s.Upsert(ctx, *snap)
}
