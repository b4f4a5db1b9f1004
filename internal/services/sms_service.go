package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BradenHooton/authcore/internal/auth"
	"github.com/BradenHooton/authcore/internal/models"
	"github.com/BradenHooton/authcore/internal/repositories"
	"github.com/BradenHooton/authcore/pkg/logger"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// SMSProvider delivers one text message
type SMSProvider interface {
	Name() string
	Send(ctx context.Context, number, message string) (models.SMSSendResult, error)
}

// SMSConfig holds code, limit and country settings for the SMS channel
type SMSConfig struct {
	CodeLength       int
	CodeExpiry       time.Duration
	MaxAttempts      int
	PerPhoneLimit    int
	PerOriginLimit   int
	RateWindow       time.Duration
	AllowedCountries []string // calling codes without "+"; empty allows all
	BlockedCountries []string
	FraudThreshold   int
	VerifiedGrace    time.Duration
	MessageTemplate  string // one %s for the code, optionally one %d for minutes
}

// SendCodeInput describes one code dispatch
type SendCodeInput struct {
	SubjectID string
	Phone     string
	Origin    string
	Purpose   models.ChallengePurpose
	MethodID  string
}

// SMSService issues and verifies SMS challenges
type SMSService struct {
	mu         sync.Mutex
	challenges map[string]*models.VerificationChallenge

	primary   SMSProvider
	secondary SMSProvider
	fraud     FraudScorer
	limiter   *RateLimiter
	codes     *auth.Generator
	hasher    *auth.CodeHasher
	delay     *auth.TimingDelay
	repo      repositories.ChallengeRepository
	validate  *validator.Validate
	events    emitter
	clock     Clock
	config    SMSConfig
	logger    *slog.Logger
}

// NewSMSService creates the SMS channel. secondary, fraud and repo may be nil.
func NewSMSService(
	primary, secondary SMSProvider,
	fraud FraudScorer,
	limiter *RateLimiter,
	codes *auth.Generator,
	hasher *auth.CodeHasher,
	delay *auth.TimingDelay,
	repo repositories.ChallengeRepository,
	sink SecurityEventSink,
	clock Clock,
	config SMSConfig,
	log *slog.Logger,
) *SMSService {
	if clock == nil {
		clock = SystemClock{}
	}
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 3
	}
	if config.PerPhoneLimit < 1 {
		config.PerPhoneLimit = 5
	}
	if config.PerOriginLimit < 1 {
		config.PerOriginLimit = 20
	}
	if config.RateWindow <= 0 {
		config.RateWindow = time.Hour
	}
	if config.MessageTemplate == "" {
		config.MessageTemplate = "Your verification code is %s."
	}
	return &SMSService{
		challenges: make(map[string]*models.VerificationChallenge),
		primary:    primary,
		secondary:  secondary,
		fraud:      fraud,
		limiter:    limiter,
		codes:      codes,
		hasher:     hasher,
		delay:      delay,
		repo:       repo,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		events:     emitter{sink: sink, logger: log},
		clock:      clock,
		config:     config,
		logger:     log,
	}
}

// NormalizePhone strips formatting characters from a phone number
func NormalizePhone(phone string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(phone) {
		switch r {
		case ' ', '-', '(', ')', '.':
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ValidatePhone checks E.164 format and the country allow and block lists.
// The leading "+" is mandatory so limiter and fraud keys have one form per number.
func (s *SMSService) ValidatePhone(phone string) error {
	if !strings.HasPrefix(phone, "+") {
		return fmt.Errorf("%w: expected E.164 format", models.ErrInvalidPhoneNumber)
	}
	if err := s.validate.Var(phone, "required,e164"); err != nil {
		return fmt.Errorf("%w: expected E.164 format", models.ErrInvalidPhoneNumber)
	}

	digits := strings.TrimPrefix(phone, "+")
	allowed := longestPrefix(digits, s.config.AllowedCountries)
	blocked := longestPrefix(digits, s.config.BlockedCountries)
	if blocked > 0 && blocked >= allowed {
		return fmt.Errorf("%w: calling code %s is blocked", models.ErrUnsupportedCountry, digits[:blocked])
	}
	if len(s.config.AllowedCountries) > 0 && allowed == 0 {
		return models.ErrUnsupportedCountry
	}
	return nil
}

func longestPrefix(digits string, codes []string) int {
	best := 0
	for _, code := range codes {
		if len(code) > best && strings.HasPrefix(digits, code) {
			best = len(code)
		}
	}
	return best
}

// SendCode validates the destination, enforces per-phone and per-origin limits,
// screens for fraud, stores a hashed code and dispatches it. The challenge is
// stored before dispatch; dispatch happens without holding any lock and falls
// back to the secondary provider once.
func (s *SMSService) SendCode(ctx context.Context, in SendCodeInput) (*models.ChallengeReceipt, error) {
	phone := NormalizePhone(in.Phone)
	if err := s.ValidatePhone(phone); err != nil {
		s.reject(ctx, in, phone, "invalid_destination")
		return nil, err
	}

	if ok, retry := s.limiter.Allow("sms:phone:"+phone, s.config.PerPhoneLimit, s.config.RateWindow); !ok {
		s.reject(ctx, in, phone, "phone_rate_limited")
		return nil, &models.RateLimitError{Scope: "phone", RetryAfter: retry}
	}
	if in.Origin != "" {
		if ok, retry := s.limiter.Allow("sms:origin:"+in.Origin, s.config.PerOriginLimit, s.config.RateWindow); !ok {
			s.reject(ctx, in, phone, "origin_rate_limited")
			return nil, &models.RateLimitError{Scope: "origin", RetryAfter: retry}
		}
	}

	if s.fraud != nil {
		if score := s.fraud.Score(ctx, FraudInput{SubjectID: in.SubjectID, Phone: phone, Origin: in.Origin}); score >= s.config.FraudThreshold {
			s.events.emit(ctx, models.SecurityEvent{
				Type:      models.EventSMSRejected,
				SubjectID: in.SubjectID,
				Severity:  models.SeverityHigh,
				RiskScore: score,
				Context: map[string]string{
					"reason":      "fraud_suspected",
					"destination": logger.MaskPhone(phone),
					"origin":      in.Origin,
				},
			})
			return nil, models.ErrFraudSuspected
		}
	}

	code, err := s.codes.NumericCode(s.config.CodeLength)
	if err != nil {
		return nil, fmt.Errorf("failed to generate code: %w", err)
	}
	hash, err := s.hasher.Hash(code)
	if err != nil {
		return nil, err
	}

	purpose := in.Purpose
	if purpose == "" {
		purpose = models.PurposeLogin
	}
	now := s.clock.Now()
	challenge := &models.VerificationChallenge{
		ID:          uuid.New().String(),
		SubjectID:   in.SubjectID,
		Purpose:     purpose,
		MethodID:    in.MethodID,
		Destination: phone,
		CodeHash:    hash,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.config.CodeExpiry),
		MaxAttempts: s.config.MaxAttempts,
	}

	s.mu.Lock()
	s.challenges[challenge.ID] = challenge
	s.mu.Unlock()

	provider, result, err := s.dispatch(ctx, challenge, s.message(code))
	if err != nil {
		s.mu.Lock()
		delete(s.challenges, challenge.ID)
		s.mu.Unlock()
		return nil, err
	}

	s.persist(ctx, challenge.ID)
	s.events.emit(ctx, models.SecurityEvent{
		Type:      models.EventSMSSent,
		SubjectID: in.SubjectID,
		Severity:  models.SeverityInfo,
		Context: map[string]string{
			"challenge_id": challenge.ID,
			"destination":  logger.MaskPhone(phone),
			"provider":     provider,
			"purpose":      string(purpose),
		},
	})

	return &models.ChallengeReceipt{
		ChallengeID:       challenge.ID,
		MaskedDestination: logger.MaskPhone(phone),
		ExpiresAt:         challenge.ExpiresAt,
		Provider:          provider,
		ProviderMessageID: result.ProviderMessageID,
	}, nil
}

func (s *SMSService) message(code string) string {
	if strings.Contains(s.config.MessageTemplate, "%d") {
		return fmt.Sprintf(s.config.MessageTemplate, code, int(s.config.CodeExpiry.Minutes()))
	}
	return fmt.Sprintf(s.config.MessageTemplate, code)
}

// dispatch tries the primary provider and then, once, the secondary
func (s *SMSService) dispatch(ctx context.Context, challenge *models.VerificationChallenge, message string) (string, models.SMSSendResult, error) {
	masked := logger.MaskPhone(challenge.Destination)

	providers := []SMSProvider{s.primary}
	if s.secondary != nil {
		providers = append(providers, s.secondary)
	}

	var lastErr error
	for i, p := range providers {
		if p == nil {
			continue
		}
		result, err := p.Send(ctx, challenge.Destination, message)
		if err == nil && result.Success {
			if i > 0 {
				s.events.emit(ctx, models.SecurityEvent{
					Type:      models.EventSMSProviderFallback,
					SubjectID: challenge.SubjectID,
					Severity:  models.SeverityLow,
					Context:   map[string]string{"provider": p.Name(), "destination": masked},
				})
			}
			return p.Name(), result, nil
		}
		if err == nil {
			err = errors.New("provider reported failure")
		}
		lastErr = err
		s.logger.WarnContext(ctx, "sms provider failed",
			slog.String("provider", p.Name()),
			slog.String("destination", masked),
			slog.Any("error", err))
	}

	s.events.emit(ctx, models.SecurityEvent{
		Type:      models.EventSMSProviderFailed,
		SubjectID: challenge.SubjectID,
		Severity:  models.SeverityHigh,
		Context:   map[string]string{"destination": masked},
	})
	return "", models.SMSSendResult{}, fmt.Errorf("%w: %v", models.ErrProviderUnavailable, lastErr)
}

// VerifyCode checks a code against a challenge. The attempt is counted before
// the comparison, so every call, right or wrong, consumes one.
func (s *SMSService) VerifyCode(ctx context.Context, challengeID, code, origin string) (*models.VerificationChallenge, error) {
	if origin != "" {
		window := s.config.RateWindow
		if ok, retry := s.limiter.Allow("sms:verify:"+origin, s.config.PerOriginLimit, window); !ok {
			return nil, &models.RateLimitError{Scope: "origin", RetryAfter: retry}
		}
	}

	s.hydrate(ctx, challengeID)
	now := s.clock.Now()

	s.mu.Lock()
	challenge, ok := s.challenges[challengeID]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("challenge %w", models.ErrNotFound)
	}
	if challenge.IsExpired(now) {
		s.mu.Unlock()
		return nil, models.ErrCodeExpired
	}
	if challenge.Verified {
		s.mu.Unlock()
		return nil, models.ErrChallengeAlreadyVerified
	}
	if challenge.Attempts >= challenge.MaxAttempts {
		s.mu.Unlock()
		return nil, models.ErrMaxAttemptsExceeded
	}
	challenge.Attempts++
	attempts := challenge.Attempts
	hash := challenge.CodeHash
	s.mu.Unlock()

	matched := s.hasher.Matches(hash, strings.TrimSpace(code))

	s.mu.Lock()
	challenge, ok = s.challenges[challengeID]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("challenge %w", models.ErrNotFound)
	}
	if matched && !challenge.Verified {
		at := now
		challenge.Verified = true
		challenge.VerifiedAt = &at
	} else if matched {
		matched = false
	}
	snapshot := redactChallenge(challenge)
	s.mu.Unlock()

	s.persist(ctx, challengeID)

	if !matched {
		s.delay.Wait(ctx, false)
		s.events.emit(ctx, models.SecurityEvent{
			Type:      models.EventSMSFailed,
			SubjectID: snapshot.SubjectID,
			Severity:  models.SeverityLow,
			Context: map[string]string{
				"challenge_id": challengeID,
				"attempts":     fmt.Sprintf("%d", attempts),
				"origin":       origin,
			},
		})
		return nil, &models.CodeError{Remaining: snapshot.MaxAttempts - attempts}
	}

	s.events.emit(ctx, models.SecurityEvent{
		Type:      models.EventSMSVerified,
		SubjectID: snapshot.SubjectID,
		Severity:  models.SeverityInfo,
		Context:   map[string]string{"challenge_id": challengeID, "purpose": string(snapshot.Purpose)},
	})
	return snapshot, nil
}

// ChallengeStatus returns the challenge without its code hash
func (s *SMSService) ChallengeStatus(ctx context.Context, challengeID string) (*models.VerificationChallenge, error) {
	s.hydrate(ctx, challengeID)

	s.mu.Lock()
	defer s.mu.Unlock()
	challenge, ok := s.challenges[challengeID]
	if !ok {
		return nil, fmt.Errorf("challenge %w", models.ErrNotFound)
	}
	return redactChallenge(challenge), nil
}

func redactChallenge(c *models.VerificationChallenge) *models.VerificationChallenge {
	out := *c
	out.CodeHash = ""
	if c.VerifiedAt != nil {
		t := *c.VerifiedAt
		out.VerifiedAt = &t
	}
	return &out
}

// Sweep purges challenges that are verified or expired and past the grace window
func (s *SMSService) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, c := range s.challenges {
		inertSince := c.ExpiresAt
		if c.Verified && c.VerifiedAt != nil && c.VerifiedAt.Before(inertSince) {
			inertSince = *c.VerifiedAt
		}
		if !now.Before(inertSince.Add(s.config.VerifiedGrace)) {
			delete(s.challenges, id)
			removed++
		}
	}
	return removed
}

func (s *SMSService) hydrate(ctx context.Context, challengeID string) {
	if s.repo == nil || challengeID == "" {
		return
	}
	s.mu.Lock()
	_, ok := s.challenges[challengeID]
	s.mu.Unlock()
	if ok {
		return
	}

	stored, err := s.repo.GetByID(ctx, challengeID)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			s.logger.ErrorContext(ctx, "failed to load challenge", slog.Any("error", err))
		}
		return
	}

	s.mu.Lock()
	if _, ok := s.challenges[challengeID]; !ok {
		s.challenges[challengeID] = stored
	}
	s.mu.Unlock()
}

func (s *SMSService) persist(ctx context.Context, challengeID string) {
	if s.repo == nil {
		return
	}
	s.mu.Lock()
	c, ok := s.challenges[challengeID]
	var snapshot models.VerificationChallenge
	if ok {
		snapshot = *c
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	if err := s.repo.Save(ctx, &snapshot); err != nil {
		s.logger.ErrorContext(ctx, "failed to persist challenge",
			slog.String("challenge_id", challengeID),
			slog.Any("error", err))
	}
}

func (s *SMSService) reject(ctx context.Context, in SendCodeInput, phone, reason string) {
	s.events.emit(ctx, models.SecurityEvent{
		Type:      models.EventSMSRejected,
		SubjectID: in.SubjectID,
		Severity:  models.SeverityMedium,
		Context: map[string]string{
			"reason":      reason,
			"destination": logger.MaskPhone(phone),
			"origin":      in.Origin,
		},
	})
}
