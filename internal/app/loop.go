package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"athena/internal/ooda"
)

// maxConcurrentCycles bounds the cycles one round runs at a time.
const maxConcurrentCycles = 4

// Round counts the outcome of one pass over the active operations.
type Round struct {
	Completed int `json:"completed"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// RunRound triggers one cycle for every active operation. A failing
// operation is logged and counted; it does not stop the others.
func (a *App) RunRound(ctx context.Context) (Round, error) {
	ops, err := a.Repo.ListActiveOperations(ctx)
	if err != nil {
		return Round{}, err
	}
	log := a.Logger.Named("loop")
	var (
		mu    sync.Mutex
		round Round
	)
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(maxConcurrentCycles)
	for _, op := range ops {
		eg.Go(func() error {
			it, err := a.Controller.TriggerCycle(egCtx, op.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, ooda.ErrCycleInProgress):
				round.Skipped++
				log.Debug("cycle already running", zap.String("operation_id", op.ID))
			case err != nil:
				round.Failed++
				log.Warn("cycle failed", zap.String("operation_id", op.ID), zap.Error(err))
			default:
				round.Completed++
				log.Info("cycle completed", zap.String("operation_id", op.ID), zap.Int("iteration", it.IterationNumber))
			}
			return nil
		})
	}
	err = eg.Wait()
	return round, err
}

// RunLoop calls RunRound every interval until ctx is done.
func (a *App) RunLoop(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return errors.New("loop interval must be positive")
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if _, err := a.RunRound(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}
