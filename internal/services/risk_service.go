package services

import (
	"context"
	"log/slog"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/BradenHooton/authcore/internal/models"
)

// Default signal weights
const (
	RiskWeightNewDevice           = 20
	RiskWeightNewLocation         = 25
	RiskWeightSuspiciousClient    = 15
	RiskWeightFlaggedNetwork      = 30
	RiskWeightUnusualHour         = 10
	RiskWeightFingerprintMismatch = 30
	RiskWeightPerFailure          = 5
	RiskMaxFailureWeight          = 20
)

// RiskLevel classifies a score against the configured thresholds
type RiskLevel string

const (
	RiskMinimal  RiskLevel = "minimal"
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// RiskConfig holds the classification thresholds and the active-hours band (UTC)
type RiskConfig struct {
	Low              int
	Medium           int
	High             int
	Critical         int
	ActiveHoursStart int // first active hour, inclusive
	ActiveHoursEnd   int // last active hour, exclusive
}

// DefaultRiskConfig returns the standard thresholds
func DefaultRiskConfig() RiskConfig {
	return RiskConfig{Low: 25, Medium: 50, High: 75, Critical: 90, ActiveHoursStart: 6, ActiveHoursEnd: 23}
}

// RiskInput is everything a signal may look at
type RiskInput struct {
	SubjectID           string
	Request             models.RequestContext
	FingerprintMismatch bool
	RecentFailures      int
	At                  time.Time
}

// RiskSignal returns a partial score (>= 0) for one heuristic
type RiskSignal func(ctx context.Context, in RiskInput) int

// DeviceHistory remembers which devices and locations a subject has used
type DeviceHistory interface {
	HasHistory(subjectID string) bool
	IsKnownDevice(subjectID, fingerprint string) bool
	IsKnownLocation(subjectID, geo string) bool
	Record(subjectID, fingerprint, geo string)
}

// ReputationChecker flags network origins with a bad reputation
type ReputationChecker interface {
	IsFlagged(ctx context.Context, origin string) bool
}

// RiskScorer sums pluggable signals into a 0..100 score
type RiskScorer struct {
	config  RiskConfig
	history DeviceHistory
	signals []RiskSignal
	logger  *slog.Logger
}

// NewRiskScorer creates a scorer with the default signal set.
// reputation may be nil, in which case no origin is flagged.
func NewRiskScorer(config RiskConfig, history DeviceHistory, reputation ReputationChecker, logger *slog.Logger) *RiskScorer {
	if history == nil {
		history = NewMemoryDeviceHistory(20)
	}
	r := &RiskScorer{config: config, history: history, logger: logger}
	r.signals = []RiskSignal{
		NewDeviceSignal(history),
		NewLocationSignal(history),
		SuspiciousClientSignal,
		ReputationSignal(reputation),
		UnusualHourSignal(config.ActiveHoursStart, config.ActiveHoursEnd),
		FingerprintMismatchSignal,
		RecentFailuresSignal,
	}
	return r
}

// WithSignals replaces the signal set
func (r *RiskScorer) WithSignals(signals ...RiskSignal) *RiskScorer {
	r.signals = signals
	return r
}

// Score evaluates every signal and clamps the sum to 0..100
func (r *RiskScorer) Score(ctx context.Context, in RiskInput) int {
	total := 0
	for _, signal := range r.signals {
		if v := signal(ctx, in); v > 0 {
			total += v
		}
	}
	score := clampScore(total)

	if r.logger != nil {
		r.logger.DebugContext(ctx, "risk scored",
			slog.String("subject_id", in.SubjectID),
			slog.Int("risk_score", score),
			slog.String("risk_level", string(r.Level(score))))
	}
	return score
}

// Level classifies score
func (r *RiskScorer) Level(score int) RiskLevel {
	switch {
	case score >= r.config.Critical:
		return RiskCritical
	case score >= r.config.High:
		return RiskHigh
	case score >= r.config.Medium:
		return RiskMedium
	case score >= r.config.Low:
		return RiskLow
	default:
		return RiskMinimal
	}
}

// Config returns the thresholds in use
func (r *RiskScorer) Config() RiskConfig {
	return r.config
}

// Remember records a device and location as known for the subject
func (r *RiskScorer) Remember(subjectID string, req models.RequestContext) {
	r.history.Record(subjectID, req.DeviceFingerprint, req.Geo)
}

func clampScore(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// NewDeviceSignal fires when a subject with history presents an unknown fingerprint.
// A subject's very first device is not treated as new.
func NewDeviceSignal(history DeviceHistory) RiskSignal {
	return func(ctx context.Context, in RiskInput) int {
		if !history.HasHistory(in.SubjectID) {
			return 0
		}
		if in.Request.DeviceFingerprint == "" || !history.IsKnownDevice(in.SubjectID, in.Request.DeviceFingerprint) {
			return RiskWeightNewDevice
		}
		return 0
	}
}

// NewLocationSignal fires when a subject with history appears from an unknown location
func NewLocationSignal(history DeviceHistory) RiskSignal {
	return func(ctx context.Context, in RiskInput) int {
		if in.Request.Geo == "" || !history.HasHistory(in.SubjectID) {
			return 0
		}
		if !history.IsKnownLocation(in.SubjectID, in.Request.Geo) {
			return RiskWeightNewLocation
		}
		return 0
	}
}

var automationAgents = []string{
	"curl", "wget", "python-requests", "python-urllib", "go-http-client",
	"headless", "phantomjs", "selenium", "puppeteer", "scrapy", "bot",
}

// SuspiciousClientSignal fires for empty or automation user agents
func SuspiciousClientSignal(ctx context.Context, in RiskInput) int {
	ua := strings.ToLower(strings.TrimSpace(in.Request.UserAgent))
	if ua == "" {
		return RiskWeightSuspiciousClient
	}
	for _, marker := range automationAgents {
		if strings.Contains(ua, marker) {
			return RiskWeightSuspiciousClient
		}
	}
	return 0
}

// ReputationSignal fires when the checker flags the origin
func ReputationSignal(checker ReputationChecker) RiskSignal {
	return func(ctx context.Context, in RiskInput) int {
		if checker == nil || in.Request.Origin == "" {
			return 0
		}
		if checker.IsFlagged(ctx, in.Request.Origin) {
			return RiskWeightFlaggedNetwork
		}
		return 0
	}
}

// UnusualHourSignal fires outside [start, end) in UTC
func UnusualHourSignal(start, end int) RiskSignal {
	return func(ctx context.Context, in RiskInput) int {
		if in.At.IsZero() {
			return 0
		}
		hour := in.At.UTC().Hour()
		if hour < start || hour >= end {
			return RiskWeightUnusualHour
		}
		return 0
	}
}

// FingerprintMismatchSignal fires when the caller's device differs from the session's
func FingerprintMismatchSignal(ctx context.Context, in RiskInput) int {
	if in.FingerprintMismatch {
		return RiskWeightFingerprintMismatch
	}
	return 0
}

// RecentFailuresSignal adds weight per recent failed verification, capped
func RecentFailuresSignal(ctx context.Context, in RiskInput) int {
	v := in.RecentFailures * RiskWeightPerFailure
	if v > RiskMaxFailureWeight {
		return RiskMaxFailureWeight
	}
	return v
}

// MemoryDeviceHistory keeps the most recent devices and locations per subject
type MemoryDeviceHistory struct {
	mu       sync.RWMutex
	limit    int
	subjects map[string]*subjectHistory
}

type subjectHistory struct {
	devices   []string // oldest first
	locations []string
}

func NewMemoryDeviceHistory(limit int) *MemoryDeviceHistory {
	if limit <= 0 {
		limit = 20
	}
	return &MemoryDeviceHistory{limit: limit, subjects: make(map[string]*subjectHistory)}
}

func (h *MemoryDeviceHistory) HasHistory(subjectID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.subjects[subjectID]
	return ok
}

func (h *MemoryDeviceHistory) IsKnownDevice(subjectID, fingerprint string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.subjects[subjectID]
	return ok && contains(s.devices, fingerprint)
}

func (h *MemoryDeviceHistory) IsKnownLocation(subjectID, geo string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.subjects[subjectID]
	return ok && contains(s.locations, geo)
}

func (h *MemoryDeviceHistory) Record(subjectID, fingerprint, geo string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.subjects[subjectID]
	if !ok {
		s = &subjectHistory{}
		h.subjects[subjectID] = s
	}
	if fingerprint != "" {
		s.devices = remember(s.devices, fingerprint, h.limit)
	}
	if geo != "" {
		s.locations = remember(s.locations, geo, h.limit)
	}
}

// Forget drops a subject's history, e.g. on account deletion
func (h *MemoryDeviceHistory) Forget(subjectID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subjects, subjectID)
}

func remember(list []string, v string, limit int) []string {
	for i, existing := range list {
		if existing == v {
			// move to most recent
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	list = append(list, v)
	if len(list) > limit {
		list = list[len(list)-limit:]
	}
	return list
}

func contains(list []string, v string) bool {
	for _, existing := range list {
		if existing == v {
			return true
		}
	}
	return false
}

// PrefixReputation flags origins inside any of the configured network prefixes
type PrefixReputation struct {
	prefixes []netip.Prefix
}

// NewPrefixReputation parses CIDR strings; invalid entries are returned as an error
func NewPrefixReputation(cidrs []string) (*PrefixReputation, error) {
	p := &PrefixReputation{}
	for _, c := range cidrs {
		prefix, err := netip.ParsePrefix(strings.TrimSpace(c))
		if err != nil {
			return nil, err
		}
		p.prefixes = append(p.prefixes, prefix)
	}
	return p, nil
}

func (p *PrefixReputation) IsFlagged(ctx context.Context, origin string) bool {
	addr, err := netip.ParseAddr(origin)
	if err != nil {
		return false
	}
	for _, prefix := range p.prefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}
