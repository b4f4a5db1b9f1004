package services

import (
	"context"
	"strings"
	"sync"
	"time"
)

// FraudInput is what the fraud screen sees for one SMS request
type FraudInput struct {
	SubjectID string
	Phone     string // E.164
	Origin    string
}

// FraudScorer rates an SMS request 0..100; the channel refuses at or above its threshold
type FraudScorer interface {
	Score(ctx context.Context, in FraudInput) int
}

// Default fraud weights
const (
	FraudWeightRepeatedDigits = 40
	FraudWeightSequential     = 30
	FraudWeightPrefix         = 50
	FraudWeightPerExtraNumber = 20
	FraudMaxVelocityWeight    = 50
)

// DefaultSuspiciousPrefixes are premium-rate and shared-cost ranges commonly used for SMS pumping
var DefaultSuspiciousPrefixes = []string{
	"+1900", "+1976", "+881", "+882", "+883", "+979", "+4470", "+44871", "+44872", "+44873",
}

// HeuristicFraudScorer scores number patterns and how many distinct numbers
// an origin has targeted recently
type HeuristicFraudScorer struct {
	mu       sync.Mutex
	clock    Clock
	prefixes []string
	window   time.Duration
	maxPerIP int
	seen     map[string]map[string]time.Time // origin -> phone -> last request
}

// NewHeuristicFraudScorer creates a scorer. Origins targeting more than
// maxNumbers distinct numbers within window gain velocity weight.
func NewHeuristicFraudScorer(prefixes []string, maxNumbers int, window time.Duration, clock Clock) *HeuristicFraudScorer {
	if clock == nil {
		clock = SystemClock{}
	}
	if prefixes == nil {
		prefixes = DefaultSuspiciousPrefixes
	}
	if maxNumbers < 1 {
		maxNumbers = 3
	}
	return &HeuristicFraudScorer{
		clock:    clock,
		prefixes: prefixes,
		window:   window,
		maxPerIP: maxNumbers,
		seen:     make(map[string]map[string]time.Time),
	}
}

func (f *HeuristicFraudScorer) Score(ctx context.Context, in FraudInput) int {
	score := 0
	digits := strings.TrimPrefix(in.Phone, "+")

	if hasRepeatedRun(digits, 6) || distinctDigits(lastN(digits, 7)) <= 2 {
		score += FraudWeightRepeatedDigits
	}
	if hasSequentialRun(digits, 6) {
		score += FraudWeightSequential
	}
	for _, prefix := range f.prefixes {
		if strings.HasPrefix(in.Phone, prefix) {
			score += FraudWeightPrefix
			break
		}
	}
	if in.Origin != "" {
		if extra := f.observe(in.Origin, in.Phone) - f.maxPerIP; extra > 0 {
			v := extra * FraudWeightPerExtraNumber
			if v > FraudMaxVelocityWeight {
				v = FraudMaxVelocityWeight
			}
			score += v
		}
	}
	return clampScore(score)
}

// observe records phone for origin and returns the distinct numbers inside the window
func (f *HeuristicFraudScorer) observe(origin, phone string) int {
	now := f.clock.Now()
	f.mu.Lock()
	defer f.mu.Unlock()

	numbers, ok := f.seen[origin]
	if !ok {
		numbers = make(map[string]time.Time)
		f.seen[origin] = numbers
	}
	numbers[phone] = now
	for p, at := range numbers {
		if now.Sub(at) > f.window {
			delete(numbers, p)
		}
	}
	return len(numbers)
}

// Sweep forgets origins with no numbers inside the window
func (f *HeuristicFraudScorer) Sweep(now time.Time) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	removed := 0
	for origin, numbers := range f.seen {
		for p, at := range numbers {
			if now.Sub(at) > f.window {
				delete(numbers, p)
			}
		}
		if len(numbers) == 0 {
			delete(f.seen, origin)
			removed++
		}
	}
	return removed
}

func hasRepeatedRun(digits string, n int) bool {
	run := 1
	for i := 1; i < len(digits); i++ {
		if digits[i] == digits[i-1] {
			run++
			if run >= n {
				return true
			}
		} else {
			run = 1
		}
	}
	return false
}

func hasSequentialRun(digits string, n int) bool {
	up, down := 1, 1
	for i := 1; i < len(digits); i++ {
		d := int(digits[i]) - int(digits[i-1])
		if d == 1 {
			up++
		} else {
			up = 1
		}
		if d == -1 {
			down++
		} else {
			down = 1
		}
		if up >= n || down >= n {
			return true
		}
	}
	return false
}

func distinctDigits(s string) int {
	var seen [10]bool
	n := 0
	for i := 0; i < len(s); i++ {
		d := s[i] - '0'
		if d < 10 && !seen[d] {
			seen[d] = true
			n++
		}
	}
	return n
}

func lastN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
