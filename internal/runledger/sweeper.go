// ABOUTME: Periodic reconciliation of runs stuck in PENDING
// ABOUTME: Runs left behind by timeouts or crashes are marked FAILED after a grace period

package runledger

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

var abandonedOutput = json.RawMessage(`{"error":"abandoned: no result recorded before timeout"}`)

type Sweeper struct {
	rec        Reconciler
	staleAfter time.Duration
	interval   time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

func NewSweeper(rec Reconciler, staleAfter, interval time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		rec:        rec,
		staleAfter: staleAfter,
		interval:   interval,
		logger:     logger.With("component", "runledger.sweeper"),
		now:        time.Now,
	}
}

// SweepOnce fails every pending run created before now minus staleAfter.
func (s *Sweeper) SweepOnce(ctx context.Context) (int64, error) {
	n, err := s.rec.FailStalePending(ctx, s.now().Add(-s.staleAfter), abandonedOutput)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Warn("marked stale pending runs as failed", "count", n, "stale_after", s.staleAfter)
	}
	return n, nil
}

// Run sweeps on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				s.logger.Error("run sweep failed", "error", err)
			}
		}
	}
}
