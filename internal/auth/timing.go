package auth

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"time"
)

// TimingConfig holds configuration for failed-verification delays
type TimingConfig struct {
	BaseDelay      time.Duration
	RandomDelay    time.Duration // upper bound of the random component
	DelayOnSuccess bool
}

// TimingDelay makes failed code verifications take roughly the same time,
// so response latency does not reveal which check failed
type TimingDelay struct {
	config TimingConfig
}

// NewTimingDelay creates a new TimingDelay instance
func NewTimingDelay(config TimingConfig) *TimingDelay {
	return &TimingDelay{config: config}
}

// cryptoRandDuration returns a secure random duration in [0, max)
func cryptoRandDuration(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return 0
	}
	return time.Duration(binary.BigEndian.Uint64(b) % uint64(max))
}

// Wait sleeps for base + random delay unless success and DelayOnSuccess is false.
// Returns early when ctx is done. Never call while holding a lock.
func (td *TimingDelay) Wait(ctx context.Context, success bool) {
	if td == nil {
		return
	}
	if success && !td.config.DelayOnSuccess {
		return
	}

	total := td.config.BaseDelay + cryptoRandDuration(td.config.RandomDelay)
	if total <= 0 {
		return
	}

	timer := time.NewTimer(total)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
