package server

import (
	"context"
	"time"
)

// SweepExpired deletes expired codes and token pairs once
func (s *Server) SweepExpired(ctx context.Context) (int, error) {
	removed, err := s.store.DeleteExpired(ctx, s.now())
	if err != nil {
		return removed, storageError("delete expired", err)
	}
	if removed > 0 {
		s.metrics.RecordSwept(ctx, removed)
		s.Logger.Debug("Swept expired grants", "removed", removed)
	}
	return removed, nil
}

// RunExpirySweep calls SweepExpired every interval until ctx is done.
// Expiry is also enforced on every use, so the sweep only reclaims space.
// A non-positive interval disables the sweep.
func (s *Server) RunExpirySweep(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepExpired(ctx); err != nil && ctx.Err() == nil {
				s.Logger.Error("Expiry sweep failed", "error", err)
			}
		}
	}
}
