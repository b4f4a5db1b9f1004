package background

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BradenHooton/authcore/internal/repositories"
)

// Sweepable drops in-memory state that expired before now and reports how many entries went
type Sweepable interface {
	Sweep(now time.Time) int
}

// Sweeper periodically expires in-memory state and purges expired rows from the store
type Sweeper struct {
	sweepables map[string]Sweepable
	expirers   []repositories.Expirer
	logger     *slog.Logger
	interval   time.Duration
	timeout    time.Duration
	now        func() time.Time
	stopCh     chan struct{}
	stopOnce   sync.Once
}

// NewSweeper creates a sweeper. expirers may be empty for memory-only operation;
// now defaults to time.Now when nil.
func NewSweeper(
	sweepables map[string]Sweepable,
	expirers []repositories.Expirer,
	now func() time.Time,
	logger *slog.Logger,
	interval time.Duration,
) *Sweeper {
	if now == nil {
		now = time.Now
	}
	return &Sweeper{
		sweepables: sweepables,
		expirers:   expirers,
		logger:     logger,
		interval:   interval,
		timeout:    30 * time.Second,
		now:        now,
		stopCh:     make(chan struct{}),
	}
}

// Start runs one sweep immediately and then one per interval until Stop or ctx is done
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.RunOnce(ctx)

	for {
		select {
		case <-ticker.C:
			s.RunOnce(ctx)
		case <-s.stopCh:
			s.logger.Info("sweeper stopped")
			return
		case <-ctx.Done():
			s.logger.Info("sweeper context cancelled")
			return
		}
	}
}

// RunOnce performs a single sweep and returns the total number of entries removed
func (s *Sweeper) RunOnce(ctx context.Context) int64 {
	now := s.now()
	var total int64

	for name, sw := range s.sweepables {
		if n := sw.Sweep(now); n > 0 {
			total += int64(n)
			s.logger.Debug("swept expired entries", slog.String("component", name), slog.Int("removed", n))
		}
	}

	if len(s.expirers) > 0 {
		cleanupCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		for _, e := range s.expirers {
			rows, err := e.DeleteExpired(cleanupCtx, now)
			if err != nil {
				s.logger.Error("failed to purge expired rows", slog.Any("error", err))
				continue
			}
			total += rows
		}
	}

	if total > 0 {
		s.logger.Info("sweep completed", slog.Int64("removed", total))
	}
	return total
}

// Stop signals the sweeper to stop. It is safe to call more than once.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}
