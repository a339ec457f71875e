package identity

import (
	"context"
	"time"
)

// RefreshWorkerOptions tunes the background token refresh loop.
type RefreshWorkerOptions struct {
	CheckInterval    time.Duration
	RefreshThreshold time.Duration
}

// RunRefreshWorker periodically checks token expiry and refreshes the token
// ahead of the threshold. Refresh errors are logged and retried on the next
// tick; a valid raw secret keeps requests authenticated in the meantime.
func (s *Store) RunRefreshWorker(ctx context.Context, opts RefreshWorkerOptions) {
	s.log.Info("token refresh worker starting", "check_interval", opts.CheckInterval)
	ticker := time.NewTicker(opts.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("token refresh worker stopping")
			return
		case <-ticker.C:
		}

		token := s.Token()
		if token == nil {
			// Secret-only device: nothing to refresh proactively.
			continue
		}
		if !token.ExpiresWithin(s.now(), opts.RefreshThreshold) {
			continue
		}
		if _, err := s.Refresh(ctx); err != nil {
			s.log.Error("token refresh failed", "error", err)
		}
	}
}
