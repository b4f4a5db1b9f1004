package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BradenHooton/authcore/internal/auth"
	"github.com/BradenHooton/authcore/internal/models"
	"github.com/BradenHooton/authcore/internal/repositories"
	"github.com/google/uuid"
)

// MFAConfig holds MFA configuration
type MFAConfig struct {
	MaxAttempts      int
	AttemptWindow    time.Duration
	LockoutDuration  time.Duration
	VerifyRateLimit  int
	VerifyRateWindow time.Duration
	BackupCodeCount  int
}

// MFACrypto bundles the primitives the MFA manager needs
type MFACrypto struct {
	TOTP   *auth.TOTPManager
	Cipher *auth.SecretCipher
	Hasher *auth.CodeHasher
	Codes  *auth.Generator
	Delay  *auth.TimingDelay
}

// MFAService owns enrollment and verification of TOTP, SMS and backup-code factors
type MFAService struct {
	mu           sync.Mutex
	methods      map[string]*models.MFAMethod
	bySubject    map[string]map[string]struct{}
	loaded       map[string]bool
	lastVerified map[string]time.Time

	repo    repositories.MFAMethodRepository
	crypto  MFACrypto
	sms     *SMSService
	risk    *RiskScorer
	limiter *RateLimiter
	lockout *LockoutTracker
	events  emitter
	clock   Clock
	config  MFAConfig
	logger  *slog.Logger
}

// NewMFAService creates a new MFA service. repo and sms may be nil.
func NewMFAService(
	repo repositories.MFAMethodRepository,
	crypto MFACrypto,
	sms *SMSService,
	risk *RiskScorer,
	limiter *RateLimiter,
	sink SecurityEventSink,
	clock Clock,
	config MFAConfig,
	logger *slog.Logger,
) *MFAService {
	if clock == nil {
		clock = SystemClock{}
	}
	if config.BackupCodeCount < 1 {
		config.BackupCodeCount = 10
	}
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 5
	}
	if config.AttemptWindow <= 0 {
		config.AttemptWindow = 15 * time.Minute
	}
	if config.LockoutDuration <= 0 {
		config.LockoutDuration = 15 * time.Minute
	}
	if config.VerifyRateLimit < 1 {
		config.VerifyRateLimit = 10
	}
	if config.VerifyRateWindow <= 0 {
		config.VerifyRateWindow = time.Minute
	}
	return &MFAService{
		methods:      make(map[string]*models.MFAMethod),
		bySubject:    make(map[string]map[string]struct{}),
		loaded:       make(map[string]bool),
		lastVerified: make(map[string]time.Time),
		repo:         repo,
		crypto:       crypto,
		sms:          sms,
		risk:         risk,
		limiter:      limiter,
		lockout: NewLockoutTracker(LockoutConfig{
			MaxAttempts: config.MaxAttempts,
			Window:      config.AttemptWindow,
			Cooldown:    config.LockoutDuration,
		}, clock),
		events: emitter{sink: sink, logger: logger},
		clock:  clock,
		config: config,
		logger: logger,
	}
}

// Lockout exposes the failure tracker so it can be swept and consulted for risk
func (s *MFAService) Lockout() *LockoutTracker {
	return s.lockout
}

func lockoutKey(subjectID string) string {
	return "mfa:" + subjectID
}

// EnrollTOTP generates a secret and a pending backup-code set.
// The method stays disabled until ConfirmTOTPEnrollment succeeds.
func (s *MFAService) EnrollTOTP(ctx context.Context, subjectID, label string) (*models.TOTPEnrollment, error) {
	if subjectID == "" {
		return nil, fmt.Errorf("%w: subject id is required", models.ErrBadRequest)
	}
	if label == "" {
		label = "Authenticator"
	}

	key, err := s.crypto.TOTP.Generate(subjectID)
	if err != nil {
		return nil, err
	}

	methodID := uuid.New().String()
	ciphertext, nonce, err := s.crypto.Cipher.Encrypt([]byte(key.Secret), []byte(methodID))
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt TOTP secret: %w", err)
	}

	plain, entries, err := s.newBackupCodes()
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	method := &models.MFAMethod{
		ID:               methodID,
		SubjectID:        subjectID,
		Type:             models.MFAMethodTOTP,
		Label:            label,
		SecretCiphertext: ciphertext,
		SecretNonce:      nonce,
		BackupCodes:      entries, // pending until confirmation
		CreatedAt:        now,
	}

	s.hydrateSubject(ctx, subjectID)
	s.mu.Lock()
	s.addLocked(method)
	snapshot := method.Clone()
	s.mu.Unlock()

	s.persist(ctx, snapshot)
	s.emit(ctx, models.EventMFAEnrollStarted, models.SeverityInfo, subjectID, map[string]string{
		"method_id": methodID,
		"method":    string(models.MFAMethodTOTP),
	})

	return &models.TOTPEnrollment{
		MethodID:    methodID,
		Secret:      key.Secret,
		URI:         key.URI,
		QRCode:      key.QRCode,
		BackupCodes: plain,
	}, nil
}

func (s *MFAService) newBackupCodes() ([]string, []models.BackupCodeEntry, error) {
	plain, err := s.crypto.Codes.BackupCodes(s.config.BackupCodeCount)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate backup codes: %w", err)
	}
	now := s.clock.Now()
	entries := make([]models.BackupCodeEntry, len(plain))
	for i, code := range plain {
		hash, err := s.crypto.Hasher.Hash(auth.NormalizeBackupCode(code))
		if err != nil {
			return nil, nil, err
		}
		entries[i] = models.BackupCodeEntry{CodeHash: hash, CreatedAt: now}
	}
	return plain, entries, nil
}

// ConfirmTOTPEnrollment proves possession of a pending TOTP secret and enables
// the method, primary when it is the subject's first enabled factor. The pending
// backup codes replace any earlier set.
func (s *MFAService) ConfirmTOTPEnrollment(ctx context.Context, subjectID, methodID, code string) error {
	if locked, retry := s.lockout.Check(lockoutKey(subjectID)); locked {
		return &models.LockoutError{RetryAfter: retry}
	}

	s.hydrateSubject(ctx, subjectID)

	s.mu.Lock()
	method, ok := s.methods[methodID]
	if !ok || method.SubjectID != subjectID || method.Type != models.MFAMethodTOTP {
		s.mu.Unlock()
		return models.ErrMethodNotFound
	}
	if method.Enabled {
		s.mu.Unlock()
		return fmt.Errorf("%w: method already enabled", models.ErrConflict)
	}
	pending := method.Clone()
	s.mu.Unlock()

	secret, err := s.secret(pending)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	step, matched, err := s.crypto.TOTP.Match(secret, strings.TrimSpace(code), now)
	if err != nil {
		return err
	}
	if !matched {
		return s.recordFailure(ctx, subjectID, models.MFAMethodTOTP)
	}

	s.mu.Lock()
	method, ok = s.methods[methodID]
	if !ok || method.Enabled {
		s.mu.Unlock()
		return models.ErrMethodNotFound
	}
	method.Primary = !s.hasEnabledLocked(subjectID)
	method.Enabled = true
	method.EnabledAt = &now
	method.LastUsedStep = step
	method.LastUsedAt = &now

	backup := s.backupMethodLocked(subjectID)
	if backup == nil {
		backup = &models.MFAMethod{
			ID:        uuid.New().String(),
			SubjectID: subjectID,
			Type:      models.MFAMethodBackupCodes,
			Label:     "Backup codes",
			CreatedAt: now,
		}
		s.addLocked(backup)
	}
	backup.BackupCodes = method.BackupCodes
	backup.Enabled = true
	backup.EnabledAt = &now
	method.BackupCodes = nil

	s.lastVerified[subjectID] = now
	changed := []*models.MFAMethod{method.Clone(), backup.Clone()}
	s.mu.Unlock()

	s.lockout.Reset(lockoutKey(subjectID))
	s.persist(ctx, changed...)
	s.emit(ctx, models.EventMFAEnrolled, models.SeverityMedium, subjectID, map[string]string{
		"method_id": methodID,
		"method":    string(models.MFAMethodTOTP),
	})
	return nil
}

// VerifyTOTP checks code against every enabled TOTP method of the subject.
// Order: lockout, then the subject+origin rate limit, then the code. A step
// already accepted is never accepted again.
func (s *MFAService) VerifyTOTP(ctx context.Context, subjectID, code string, req models.RequestContext) (*models.VerificationResult, error) {
	if err := s.precheck(ctx, subjectID, "totp", req); err != nil {
		return nil, err
	}

	s.hydrateSubject(ctx, subjectID)
	candidates := s.enabledMethods(subjectID, models.MFAMethodTOTP)
	if len(candidates) == 0 {
		return nil, models.ErrMethodNotFound
	}

	now := s.clock.Now()
	code = strings.TrimSpace(code)
	for _, candidate := range candidates {
		secret, err := s.secret(candidate)
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to decrypt TOTP secret",
				slog.String("method_id", candidate.ID),
				slog.Any("error", err))
			continue
		}
		step, matched, err := s.crypto.TOTP.Match(secret, code, now)
		if err != nil || !matched {
			continue
		}

		s.mu.Lock()
		method, ok := s.methods[candidate.ID]
		if !ok || !method.Enabled || step <= method.LastUsedStep {
			s.mu.Unlock()
			s.logger.WarnContext(ctx, "TOTP step replay rejected",
				slog.String("subject_id", subjectID),
				slog.String("method_id", candidate.ID))
			continue
		}
		method.LastUsedStep = step
		method.LastUsedAt = &now
		snapshot := method.Clone()
		s.mu.Unlock()

		s.persist(ctx, snapshot)
		return s.succeed(ctx, subjectID, snapshot, req, 0), nil
	}

	return nil, s.recordFailure(ctx, subjectID, models.MFAMethodTOTP)
}

// VerifyBackupCode consumes one unused backup code. Each code succeeds at most once.
func (s *MFAService) VerifyBackupCode(ctx context.Context, subjectID, code string, req models.RequestContext) (*models.VerificationResult, error) {
	if err := s.precheck(ctx, subjectID, "backup", req); err != nil {
		return nil, err
	}

	s.hydrateSubject(ctx, subjectID)
	s.mu.Lock()
	method := s.backupMethodLocked(subjectID)
	if method == nil || !method.Enabled {
		s.mu.Unlock()
		return nil, models.ErrMethodNotFound
	}
	if method.RemainingBackupCodes() == 0 {
		s.mu.Unlock()
		return nil, models.ErrBackupCodesExhausted
	}
	snapshot := method.Clone()
	s.mu.Unlock()

	// bcrypt comparisons run unlocked; consumption re-checks under the lock
	normalized := auth.NormalizeBackupCode(code)
	index := -1
	for i, entry := range snapshot.BackupCodes {
		if entry.UsedAt == nil && s.crypto.Hasher.Matches(entry.CodeHash, normalized) {
			index = i
			break
		}
	}
	if index < 0 {
		return nil, s.recordFailure(ctx, subjectID, models.MFAMethodBackupCodes)
	}

	now := s.clock.Now()
	s.mu.Lock()
	method, ok := s.methods[snapshot.ID]
	if !ok || index >= len(method.BackupCodes) || method.BackupCodes[index].UsedAt != nil ||
		method.BackupCodes[index].CodeHash != snapshot.BackupCodes[index].CodeHash {
		s.mu.Unlock()
		return nil, s.recordFailure(ctx, subjectID, models.MFAMethodBackupCodes)
	}
	method.BackupCodes[index].UsedAt = &now
	method.LastUsedAt = &now
	remaining := method.RemainingBackupCodes()
	consumed := method.Clone()
	s.mu.Unlock()

	s.persist(ctx, consumed)
	s.emit(ctx, models.EventBackupCodeUsed, models.SeverityMedium, subjectID, map[string]string{
		"remaining": fmt.Sprintf("%d", remaining),
	})
	return s.succeed(ctx, subjectID, consumed, req, remaining), nil
}

// precheck applies the lockout and then the per subject+origin rate limit
func (s *MFAService) precheck(ctx context.Context, subjectID, channel string, req models.RequestContext) error {
	if subjectID == "" {
		return fmt.Errorf("%w: subject id is required", models.ErrBadRequest)
	}
	if locked, retry := s.lockout.Check(lockoutKey(subjectID)); locked {
		s.emit(ctx, models.EventMFAFailed, models.SeverityMedium, subjectID, map[string]string{
			"reason": "locked",
			"origin": req.Origin,
		})
		return &models.LockoutError{RetryAfter: retry}
	}
	key := "mfa:" + channel + ":" + subjectID + "|" + req.Origin
	if ok, retry := s.limiter.Allow(key, s.config.VerifyRateLimit, s.config.VerifyRateWindow); !ok {
		s.emit(ctx, models.EventRateLimited, models.SeverityMedium, subjectID, map[string]string{
			"channel": channel,
			"origin":  req.Origin,
		})
		return &models.RateLimitError{Scope: "mfa_" + channel, RetryAfter: retry}
	}
	return nil
}

// recordFailure counts a failed code; reaching the threshold locks the subject
func (s *MFAService) recordFailure(ctx context.Context, subjectID string, method models.MFAMethodType) error {
	count, lockedUntil := s.lockout.RecordFailure(lockoutKey(subjectID))
	s.emit(ctx, models.EventMFAFailed, models.SeverityLow, subjectID, map[string]string{
		"method":   string(method),
		"failures": fmt.Sprintf("%d", count),
	})

	var err error
	if !lockedUntil.IsZero() {
		retry := lockedUntil.Sub(s.clock.Now())
		s.emit(ctx, models.EventAccountLocked, models.SeverityHigh, subjectID, map[string]string{
			"method":       string(method),
			"locked_until": lockedUntil.Format(time.RFC3339),
		})
		s.logger.WarnContext(ctx, "subject locked after failed verifications",
			slog.String("subject_id", subjectID),
			slog.Int("failures", count))
		err = &models.LockoutError{RetryAfter: retry}
	} else {
		err = &models.CodeError{Remaining: s.config.MaxAttempts - count}
	}

	s.crypto.Delay.Wait(ctx, false)
	return err
}

func (s *MFAService) succeed(ctx context.Context, subjectID string, method *models.MFAMethod, req models.RequestContext, remaining int) *models.VerificationResult {
	key := lockoutKey(subjectID)
	failures := s.lockout.Failures(key)
	s.lockout.Reset(key)

	now := s.clock.Now()
	s.mu.Lock()
	s.lastVerified[subjectID] = now
	s.mu.Unlock()

	score := 0
	if s.risk != nil {
		score = s.risk.Score(ctx, RiskInput{SubjectID: subjectID, Request: req, RecentFailures: failures, At: now})
	}

	s.events.emit(ctx, models.SecurityEvent{
		Type:      models.EventMFAVerified,
		SubjectID: subjectID,
		Severity:  models.SeverityInfo,
		RiskScore: score,
		Context:   map[string]string{"method": string(method.Type), "origin": req.Origin},
	})

	return &models.VerificationResult{
		Success:              true,
		Method:               method.Type,
		MethodID:             method.ID,
		RiskScore:            score,
		BackupCodesRemaining: remaining,
		VerifiedAt:           now,
	}
}

// EnrollSMS registers a phone number and sends an enrollment code to it
func (s *MFAService) EnrollSMS(ctx context.Context, subjectID, phone string, req models.RequestContext) (*models.ChallengeReceipt, error) {
	if s.sms == nil {
		return nil, models.ErrProviderUnavailable
	}
	if subjectID == "" {
		return nil, fmt.Errorf("%w: subject id is required", models.ErrBadRequest)
	}
	phone = NormalizePhone(phone)
	if err := s.sms.ValidatePhone(phone); err != nil {
		return nil, err
	}

	method := &models.MFAMethod{
		ID:        uuid.New().String(),
		SubjectID: subjectID,
		Type:      models.MFAMethodSMS,
		Label:     "SMS",
		Phone:     phone,
		CreatedAt: s.clock.Now(),
	}

	s.hydrateSubject(ctx, subjectID)
	s.mu.Lock()
	s.addLocked(method)
	s.mu.Unlock()

	receipt, err := s.sms.SendCode(ctx, SendCodeInput{
		SubjectID: subjectID,
		Phone:     phone,
		Origin:    req.Origin,
		Purpose:   models.PurposeEnrollment,
		MethodID:  method.ID,
	})
	if err != nil {
		s.mu.Lock()
		s.removeLocked(method.ID)
		s.mu.Unlock()
		return nil, err
	}

	s.persist(ctx, method.Clone())
	s.emit(ctx, models.EventMFAEnrollStarted, models.SeverityInfo, subjectID, map[string]string{
		"method_id": method.ID,
		"method":    string(models.MFAMethodSMS),
	})
	return receipt, nil
}

// SendSMSCode sends a login code to the subject's enabled SMS method, primary first
func (s *MFAService) SendSMSCode(ctx context.Context, subjectID string, req models.RequestContext) (*models.ChallengeReceipt, error) {
	if s.sms == nil {
		return nil, models.ErrProviderUnavailable
	}
	s.hydrateSubject(ctx, subjectID)
	methods := s.enabledMethods(subjectID, models.MFAMethodSMS)
	if len(methods) == 0 {
		return nil, models.ErrMethodNotFound
	}

	return s.sms.SendCode(ctx, SendCodeInput{
		SubjectID: subjectID,
		Phone:     methods[0].Phone,
		Origin:    req.Origin,
		Purpose:   models.PurposeLogin,
		MethodID:  methods[0].ID,
	})
}

// VerifySMSCode verifies an SMS challenge. An enrollment challenge enables its method.
func (s *MFAService) VerifySMSCode(ctx context.Context, challengeID, code, origin string) (*models.VerificationResult, error) {
	if s.sms == nil {
		return nil, models.ErrProviderUnavailable
	}
	challenge, err := s.sms.VerifyCode(ctx, challengeID, code, origin)
	if err != nil {
		return nil, err
	}

	s.hydrateSubject(ctx, challenge.SubjectID)
	now := s.clock.Now()

	s.mu.Lock()
	method, ok := s.methods[challenge.MethodID]
	if !ok || method.SubjectID != challenge.SubjectID {
		s.mu.Unlock()
		return nil, models.ErrMethodNotFound
	}
	enrolled := false
	if challenge.Purpose == models.PurposeEnrollment && !method.Enabled {
		method.Primary = !s.hasEnabledLocked(challenge.SubjectID)
		method.Enabled = true
		method.EnabledAt = &now
		enrolled = true
	}
	method.LastUsedAt = &now
	snapshot := method.Clone()
	s.mu.Unlock()

	s.persist(ctx, snapshot)
	if enrolled {
		s.emit(ctx, models.EventMFAEnrolled, models.SeverityMedium, challenge.SubjectID, map[string]string{
			"method_id": snapshot.ID,
			"method":    string(models.MFAMethodSMS),
		})
	}
	return s.succeed(ctx, challenge.SubjectID, snapshot, models.RequestContext{Origin: origin}, 0), nil
}

// RegenerateBackupCodes replaces the subject's backup codes with a fresh set
func (s *MFAService) RegenerateBackupCodes(ctx context.Context, subjectID string) ([]string, error) {
	s.hydrateSubject(ctx, subjectID)

	s.mu.Lock()
	hasFactor := len(s.enabledLocked(subjectID, models.MFAMethodTOTP))+len(s.enabledLocked(subjectID, models.MFAMethodSMS)) > 0
	s.mu.Unlock()
	if !hasFactor {
		return nil, models.ErrMethodNotFound
	}

	plain, entries, err := s.newBackupCodes()
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	s.mu.Lock()
	backup := s.backupMethodLocked(subjectID)
	if backup == nil {
		backup = &models.MFAMethod{
			ID:        uuid.New().String(),
			SubjectID: subjectID,
			Type:      models.MFAMethodBackupCodes,
			Label:     "Backup codes",
			CreatedAt: now,
		}
		s.addLocked(backup)
	}
	backup.BackupCodes = entries
	backup.Enabled = true
	backup.EnabledAt = &now
	snapshot := backup.Clone()
	s.mu.Unlock()

	s.persist(ctx, snapshot)
	s.emit(ctx, models.EventBackupCodesRenewed, models.SeverityMedium, subjectID, nil)
	return plain, nil
}

// ListMethods returns the subject's methods without secret material
func (s *MFAService) ListMethods(ctx context.Context, subjectID string) ([]*models.MFAMethod, error) {
	s.hydrateSubject(ctx, subjectID)

	s.mu.Lock()
	out := make([]*models.MFAMethod, 0, len(s.bySubject[subjectID]))
	for id := range s.bySubject[subjectID] {
		m := s.methods[id].Clone()
		m.SecretCiphertext = nil
		m.SecretNonce = nil
		for i := range m.BackupCodes {
			m.BackupCodes[i].CodeHash = ""
		}
		out = append(out, m)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// RemoveMethod deletes one of the subject's methods, promoting another enabled method to primary
func (s *MFAService) RemoveMethod(ctx context.Context, subjectID, methodID string) error {
	s.hydrateSubject(ctx, subjectID)

	s.mu.Lock()
	method, ok := s.methods[methodID]
	if !ok || method.SubjectID != subjectID {
		s.mu.Unlock()
		return models.ErrMethodNotFound
	}
	s.removeLocked(methodID)

	var promoted *models.MFAMethod
	if method.Primary {
		for _, t := range []models.MFAMethodType{models.MFAMethodTOTP, models.MFAMethodSMS} {
			if enabled := s.enabledLocked(subjectID, t); len(enabled) > 0 {
				enabled[0].Primary = true
				promoted = enabled[0].Clone()
				break
			}
		}
	}
	s.mu.Unlock()

	if s.repo != nil {
		if err := s.repo.Delete(ctx, methodID); err != nil && !errors.Is(err, models.ErrNotFound) {
			s.logger.ErrorContext(ctx, "failed to delete mfa method", slog.String("method_id", methodID), slog.Any("error", err))
		}
	}
	if promoted != nil {
		s.persist(ctx, promoted)
	}
	s.emit(ctx, models.EventMFARemoved, models.SeverityMedium, subjectID, map[string]string{
		"method_id": methodID,
		"method":    string(method.Type),
	})
	return nil
}

// DeleteSubject removes every method and all verification state of the subject.
// Ending the subject's sessions is the caller's job.
func (s *MFAService) DeleteSubject(ctx context.Context, subjectID string) error {
	s.mu.Lock()
	for id := range s.bySubject[subjectID] {
		delete(s.methods, id)
	}
	delete(s.bySubject, subjectID)
	delete(s.lastVerified, subjectID)
	s.loaded[subjectID] = true
	s.mu.Unlock()

	s.lockout.Reset(lockoutKey(subjectID))
	if s.repo != nil {
		if err := s.repo.DeleteBySubject(ctx, subjectID); err != nil {
			return fmt.Errorf("failed to delete mfa methods: %w", err)
		}
	}
	s.emit(ctx, models.EventMFARemoved, models.SeverityMedium, subjectID, map[string]string{
		"reason": models.ReasonAccountDelete,
	})
	return nil
}

// HasEnabledMethod reports whether the subject has any enabled second factor
func (s *MFAService) HasEnabledMethod(ctx context.Context, subjectID string) bool {
	s.hydrateSubject(ctx, subjectID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasEnabledLocked(subjectID)
}

// Verify checks a proof of any factor type for the session manager
func (s *MFAService) Verify(ctx context.Context, subjectID string, proof *models.MFAProof) (*models.VerificationResult, error) {
	if proof == nil {
		return nil, models.ErrMFARequired
	}
	switch proof.Method {
	case models.MFAMethodTOTP:
		return s.VerifyTOTP(ctx, subjectID, proof.Code, proof.Request)
	case models.MFAMethodBackupCodes:
		return s.VerifyBackupCode(ctx, subjectID, proof.Code, proof.Request)
	case models.MFAMethodSMS:
		if s.sms == nil {
			return nil, models.ErrProviderUnavailable
		}
		challenge, err := s.sms.ChallengeStatus(ctx, proof.ChallengeID)
		if err != nil {
			return nil, err
		}
		if challenge.SubjectID != subjectID {
			return nil, models.ErrForbidden
		}
		return s.VerifySMSCode(ctx, proof.ChallengeID, proof.Code, proof.Request.Origin)
	default:
		return nil, fmt.Errorf("%w: unknown mfa method %q", models.ErrBadRequest, proof.Method)
	}
}

// LastVerified returns when the subject last passed a second factor
func (s *MFAService) LastVerified(subjectID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.lastVerified[subjectID]
	return at, ok
}

func (s *MFAService) secret(method *models.MFAMethod) (string, error) {
	plain, err := s.crypto.Cipher.Decrypt(method.SecretCiphertext, method.SecretNonce, []byte(method.ID))
	if err != nil {
		return "", fmt.Errorf("failed to decrypt secret: %w", err)
	}
	return string(plain), nil
}

// enabledMethods returns copies of the subject's enabled methods of type t, primary first
func (s *MFAService) enabledMethods(subjectID string, t models.MFAMethodType) []*models.MFAMethod {
	s.mu.Lock()
	defer s.mu.Unlock()
	enabled := s.enabledLocked(subjectID, t)
	out := make([]*models.MFAMethod, len(enabled))
	for i, m := range enabled {
		out[i] = m.Clone()
	}
	return out
}

func (s *MFAService) enabledLocked(subjectID string, t models.MFAMethodType) []*models.MFAMethod {
	var out []*models.MFAMethod
	for id := range s.bySubject[subjectID] {
		m := s.methods[id]
		if m != nil && m.Enabled && m.Type == t {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Primary != out[j].Primary {
			return out[i].Primary
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *MFAService) hasEnabledLocked(subjectID string) bool {
	for id := range s.bySubject[subjectID] {
		m := s.methods[id]
		if m != nil && m.Enabled && m.Type != models.MFAMethodBackupCodes {
			return true
		}
	}
	return false
}

func (s *MFAService) backupMethodLocked(subjectID string) *models.MFAMethod {
	for id := range s.bySubject[subjectID] {
		if m := s.methods[id]; m != nil && m.Type == models.MFAMethodBackupCodes {
			return m
		}
	}
	return nil
}

func (s *MFAService) addLocked(method *models.MFAMethod) {
	s.methods[method.ID] = method
	ids, ok := s.bySubject[method.SubjectID]
	if !ok {
		ids = make(map[string]struct{})
		s.bySubject[method.SubjectID] = ids
	}
	ids[method.ID] = struct{}{}
}

func (s *MFAService) removeLocked(methodID string) {
	m, ok := s.methods[methodID]
	if !ok {
		return
	}
	delete(s.methods, methodID)
	if ids := s.bySubject[m.SubjectID]; ids != nil {
		delete(ids, methodID)
	}
}

func (s *MFAService) hydrateSubject(ctx context.Context, subjectID string) {
	if s.repo == nil {
		return
	}
	s.mu.Lock()
	done := s.loaded[subjectID]
	s.mu.Unlock()
	if done {
		return
	}

	stored, err := s.repo.ListBySubject(ctx, subjectID)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to load mfa methods", slog.String("subject_id", subjectID), slog.Any("error", err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range stored {
		if _, ok := s.methods[m.ID]; !ok {
			s.addLocked(m)
		}
	}
	s.loaded[subjectID] = true
}

func (s *MFAService) persist(ctx context.Context, methods ...*models.MFAMethod) {
	if s.repo == nil || len(methods) == 0 {
		return
	}
	if len(methods) == 1 {
		if err := s.repo.Save(ctx, methods[0]); err != nil {
			s.logger.ErrorContext(ctx, "failed to persist mfa method",
				slog.String("method_id", methods[0].ID),
				slog.Any("error", err))
		}
		return
	}
	if err := s.repo.SaveAll(ctx, methods...); err != nil {
		s.logger.ErrorContext(ctx, "failed to persist mfa methods",
			slog.Int("count", len(methods)),
			slog.Any("error", err))
	}
}

func (s *MFAService) emit(ctx context.Context, eventType string, severity models.Severity, subjectID string, extra map[string]string) {
	s.events.emit(ctx, models.SecurityEvent{
		Type:      eventType,
		SubjectID: subjectID,
		Severity:  severity,
		Context:   extra,
	})
}
