package tracker

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"rental-ops/internal/kv"
)

// SweepStats summarises one pass over the subject index.
type SweepStats struct {
	Scanned  int
	Active   int
	Released int
}

// Sweeper walks every subject index entry on an interval and runs the same
// checks a read would, so hung jobs fail even when no client polls them.
type Sweeper struct {
	tracker  *Tracker
	scanner  kv.Scanner
	interval time.Duration
	logger   *slog.Logger
}

func NewSweeper(t *Tracker, scanner kv.Scanner, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{tracker: t, scanner: scanner, interval: interval, logger: logger}
}

// SweepOnce checks every subject that currently has an index entry.
func (s *Sweeper) SweepOnce(ctx context.Context) (SweepStats, error) {
	var stats SweepStats
	err := s.scanner.ScanPrefix(ctx, IndexKeyPrefix, func(key string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		subjectID := strings.TrimPrefix(key, IndexKeyPrefix)
		stats.Scanned++
		_, found, err := s.tracker.ActiveJob(ctx, subjectID)
		if err != nil {
			s.logger.Warn("sweep subject", "subject_id", subjectID, "error", err)
			return nil
		}
		if found {
			stats.Active++
		} else {
			stats.Released++
		}
		return nil
	})
	return stats, err
}

// Run sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		stats, err := s.SweepOnce(ctx)
		if err != nil && ctx.Err() == nil {
			s.logger.Warn("sweep failed", "error", err)
			continue
		}
		if stats.Released > 0 {
			s.logger.Info("sweep released subjects", "scanned", stats.Scanned, "released", stats.Released)
		}
	}
}
