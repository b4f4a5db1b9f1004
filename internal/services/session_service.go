package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BradenHooton/authcore/internal/models"
	"github.com/BradenHooton/authcore/internal/repositories"
	"github.com/google/uuid"
)

// TokenIssuer signs and verifies the session token pair
type TokenIssuer interface {
	IssueAccess(session *models.Session, issuedAt, expiresAt time.Time) (string, string, error)
	IssueRefresh(subjectID, family, tokenID string, issuedAt, expiresAt time.Time) (string, error)
	ParseAccess(token string) (*models.AccessClaims, error)
	ParseRefresh(token string) (*models.RefreshClaims, error)
}

// MFAVerifier checks second-factor proofs for session elevation
type MFAVerifier interface {
	Verify(ctx context.Context, subjectID string, proof *models.MFAProof) (*models.VerificationResult, error)
	LastVerified(subjectID string) (time.Time, bool)
}

// SessionConfig holds session lifetimes and limits
type SessionConfig struct {
	AccessTokenTTL           time.Duration
	RefreshTokenTTL          time.Duration
	LevelTimeouts            []time.Duration // indexed by SecurityLevel
	MinDuration              time.Duration
	MaxConcurrentSessions    int
	RequireDeviceFingerprint bool
	ElevationMFAFreshness    time.Duration
}

// CreateSessionInput is what the caller knows after primary authentication
type CreateSessionInput struct {
	SubjectID      string
	Request        models.RequestContext
	MFAVerified    bool
	RequestedLevel models.SecurityLevel
	Scopes         []string
	RecentFailures int
}

// SessionService owns session lifecycle, token pair issuance and rotation, and elevation.
// All session, family and revocation state lives behind mu; repository writes
// happen after mu is released.
type SessionService struct {
	mu        sync.Mutex
	sessions  map[string]*models.Session
	bySubject map[string]map[string]struct{}
	families  map[string]string               // family id -> session id, live families only
	accessIDs map[string]map[string]time.Time // session id -> outstanding access jti -> expiry
	revoked   map[string]time.Time            // access jti -> expiry
	loaded    map[string]bool                 // subjects whose stored sessions were hydrated

	tokens  TokenIssuer
	risk    *RiskScorer
	mfa     MFAVerifier
	repo    repositories.SessionRepository
	revokes repositories.RevokedTokenRepository
	events  emitter
	clock   Clock
	config  SessionConfig
	logger  *slog.Logger
}

// NewSessionService creates a session manager. repo and revokes may be nil for memory-only operation.
func NewSessionService(
	tokens TokenIssuer,
	risk *RiskScorer,
	mfa MFAVerifier,
	repo repositories.SessionRepository,
	revokes repositories.RevokedTokenRepository,
	sink SecurityEventSink,
	clock Clock,
	config SessionConfig,
	logger *slog.Logger,
) *SessionService {
	if clock == nil {
		clock = SystemClock{}
	}
	if config.MaxConcurrentSessions < 1 {
		config.MaxConcurrentSessions = 1
	}
	return &SessionService{
		sessions:  make(map[string]*models.Session),
		bySubject: make(map[string]map[string]struct{}),
		families:  make(map[string]string),
		accessIDs: make(map[string]map[string]time.Time),
		revoked:   make(map[string]time.Time),
		loaded:    make(map[string]bool),
		tokens:    tokens,
		risk:      risk,
		mfa:       mfa,
		repo:      repo,
		revokes:   revokes,
		events:    emitter{sink: sink, logger: logger},
		clock:     clock,
		config:    config,
		logger:    logger,
	}
}

// TimeoutForLevel returns the base session lifetime for level
func (s *SessionService) TimeoutForLevel(level models.SecurityLevel) time.Duration {
	i := int(level)
	if i < 0 || i >= len(s.config.LevelTimeouts) {
		return s.config.MinDuration
	}
	return s.config.LevelTimeouts[i]
}

// adjustedTimeout shortens the level timeout by risk and floors it at MinDuration
func (s *SessionService) adjustedTimeout(level models.SecurityLevel, riskScore int) time.Duration {
	timeout := s.TimeoutForLevel(level)
	thresholds := s.risk.Config()
	switch {
	case riskScore >= thresholds.High:
		timeout /= 2
	case riskScore >= thresholds.Medium:
		timeout = timeout * 3 / 4
	}
	if timeout < s.config.MinDuration {
		timeout = s.config.MinDuration
	}
	return timeout
}

// CreateSession scores the request, evicts the least recently active sessions
// over the concurrency limit, and issues the first token pair of a new family.
// Risk shortens the session; it never rejects it.
func (s *SessionService) CreateSession(ctx context.Context, in CreateSessionInput) (*models.Session, *models.TokenPair, error) {
	if in.SubjectID == "" {
		return nil, nil, fmt.Errorf("%w: subject id is required", models.ErrBadRequest)
	}
	if !in.RequestedLevel.Valid() {
		return nil, nil, fmt.Errorf("%w: %d", models.ErrInvalidSecurityLevel, in.RequestedLevel)
	}

	s.hydrateSubject(ctx, in.SubjectID)

	now := s.clock.Now()
	score := s.risk.Score(ctx, RiskInput{
		SubjectID:      in.SubjectID,
		Request:        in.Request,
		RecentFailures: in.RecentFailures,
		At:             now,
	})
	s.risk.Remember(in.SubjectID, in.Request)

	level := in.RequestedLevel
	if level > models.LevelBasic && !in.MFAVerified {
		s.logger.WarnContext(ctx, "requested level needs mfa, capping to basic",
			slog.String("subject_id", in.SubjectID),
			slog.String("requested_level", level.String()))
		level = models.LevelBasic
	}

	session := &models.Session{
		ID:                uuid.New().String(),
		SubjectID:         in.SubjectID,
		DeviceFingerprint: in.Request.DeviceFingerprint,
		Origin:            in.Request.Origin,
		Geo:               in.Request.Geo,
		UserAgent:         in.Request.UserAgent,
		SecurityLevel:     level,
		MFAVerified:       in.MFAVerified,
		RiskScore:         score,
		Scopes:            models.GrantScopes(level, in.Scopes),
		CreatedAt:         now,
		LastActivityAt:    now,
		ExpiresAt:         now.Add(s.adjustedTimeout(level, score)),
		Active:            true,
		FamilyID:          uuid.New().String(),
	}

	s.mu.Lock()
	pair, jti, refreshID, accessExp, err := s.issuePairLocked(session, now)
	if err != nil {
		s.mu.Unlock()
		return nil, nil, err
	}
	session.LiveRefreshTokenID = refreshID

	expired, evicted := s.makeRoomLocked(in.SubjectID, now)
	terminated := append(append([]*models.Session{}, expired...), evicted...)
	revocations := s.collectRevocationsLocked(terminated)

	s.addLocked(session)
	s.trackAccessLocked(session.ID, jti, accessExp)
	result := session.Clone()
	changed := append(terminated, result)
	s.mu.Unlock()

	s.persist(ctx, changed...)
	s.persistRevocations(ctx, revocations)

	for _, old := range expired {
		s.emitSession(ctx, models.EventSessionExpired, models.SeverityInfo, old, nil)
	}
	for _, old := range evicted {
		s.emitSession(ctx, models.EventSessionEvicted, models.SeverityLow, old, map[string]string{
			"reason": models.ReasonEvicted,
		})
	}
	s.emitSession(ctx, models.EventSessionCreated, models.SeverityInfo, result, map[string]string{
		"security_level": result.SecurityLevel.String(),
		"risk_level":     string(s.risk.Level(score)),
		"origin":         result.Origin,
	})

	s.logger.InfoContext(ctx, "session created",
		slog.String("subject_id", result.SubjectID),
		slog.String("session_id", result.ID),
		slog.Int("risk_score", score),
		slog.Time("expires_at", result.ExpiresAt))

	return result, pair, nil
}

// makeRoomLocked terminates the subject's expired sessions and then evicts the
// least recently active ones until a new session fits under the limit
func (s *SessionService) makeRoomLocked(subjectID string, now time.Time) (expired, evicted []*models.Session) {
	var active []*models.Session
	for id := range s.bySubject[subjectID] {
		sess := s.sessions[id]
		if sess == nil || !sess.Active {
			continue
		}
		if sess.IsExpired(now) {
			s.terminateLocked(sess, models.ReasonExpired, now)
			expired = append(expired, sess.Clone())
			continue
		}
		active = append(active, sess)
	}

	sort.Slice(active, func(i, j int) bool {
		if active[i].LastActivityAt.Equal(active[j].LastActivityAt) {
			return active[i].CreatedAt.Before(active[j].CreatedAt)
		}
		return active[i].LastActivityAt.Before(active[j].LastActivityAt)
	})
	for len(active) >= s.config.MaxConcurrentSessions {
		victim := active[0]
		active = active[1:]
		s.terminateLocked(victim, models.ReasonEvicted, now)
		evicted = append(evicted, victim.Clone())
	}
	return expired, evicted
}

// issuePairLocked signs an access token and a refresh token with a fresh id in
// session's family. Nothing is committed; the caller records the live id.
func (s *SessionService) issuePairLocked(session *models.Session, now time.Time) (*models.TokenPair, string, string, time.Time, error) {
	accessExp := minTime(now.Add(s.config.AccessTokenTTL), session.ExpiresAt)
	refreshExp := minTime(now.Add(s.config.RefreshTokenTTL), session.ExpiresAt)

	access, jti, err := s.tokens.IssueAccess(session, now, accessExp)
	if err != nil {
		return nil, "", "", time.Time{}, err
	}
	refreshID := uuid.New().String()
	refresh, err := s.tokens.IssueRefresh(session.SubjectID, session.FamilyID, refreshID, now, refreshExp)
	if err != nil {
		return nil, "", "", time.Time{}, err
	}

	return &models.TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		TokenType:        "Bearer",
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, jti, refreshID, accessExp, nil
}

// ValidateToken checks an access token, failing closed. In order: revocation,
// session existence and activity, lazy expiry, the MFA requirement, device
// fingerprint, then a risk re-score. When MFA is required but missing the
// result is returned together with ErrMFARequired and the session is left alone.
func (s *SessionService) ValidateToken(ctx context.Context, token string, requireMFA bool, req models.RequestContext) (*models.ValidationResult, error) {
	claims, err := s.tokens.ParseAccess(token)
	if err != nil {
		s.events.emit(ctx, models.SecurityEvent{
			Type:     models.EventTokenRejected,
			Severity: models.SeverityLow,
			Context:  map[string]string{"reason": "invalid_signature", "origin": req.Origin},
		})
		return nil, err
	}

	s.hydrate(ctx, claims.SessionID)
	now := s.clock.Now()

	s.mu.Lock()
	if exp, ok := s.revoked[claims.ID]; ok && now.Before(exp) {
		s.mu.Unlock()
		s.emitClaims(ctx, models.EventTokenRejected, models.SeverityMedium, claims, "revoked")
		return nil, models.ErrTokenRevoked
	}

	session, ok := s.sessions[claims.SessionID]
	if !ok || !session.Active || session.SubjectID != claims.Subject {
		s.mu.Unlock()
		s.emitClaims(ctx, models.EventTokenRejected, models.SeverityMedium, claims, "session_inactive")
		return nil, models.ErrSessionNotFound
	}

	if session.IsExpired(now) {
		s.terminateLocked(session, models.ReasonExpired, now)
		expired := session.Clone()
		revocations := s.collectRevocationsLocked([]*models.Session{expired})
		s.mu.Unlock()

		s.persist(ctx, expired)
		s.persistRevocations(ctx, revocations)
		s.emitSession(ctx, models.EventSessionExpired, models.SeverityInfo, expired, nil)
		return nil, models.ErrSessionExpired
	}

	if requireMFA && !claims.MFAVerified {
		result := s.resultLocked(session, claims)
		s.mu.Unlock()
		return result, models.ErrMFARequired
	}

	mismatch := deviceMismatch(session.DeviceFingerprint, req.DeviceFingerprint, s.config.RequireDeviceFingerprint)
	if mismatch && s.config.RequireDeviceFingerprint {
		snapshot := session.Clone()
		s.mu.Unlock()
		s.emitSession(ctx, models.EventDeviceMismatch, models.SeverityHigh, snapshot, map[string]string{
			"operation": "validate",
			"origin":    req.Origin,
		})
		return nil, models.ErrDeviceMismatch
	}
	observed := fillRequest(req, session)
	s.mu.Unlock()

	// Scoring may call out to reputation lookups, so it runs unlocked.
	score := s.risk.Score(ctx, RiskInput{
		SubjectID:           claims.Subject,
		Request:             observed,
		FingerprintMismatch: mismatch,
		At:                  now,
	})

	s.mu.Lock()
	session, ok = s.sessions[claims.SessionID]
	if !ok || !session.Active {
		s.mu.Unlock()
		return nil, models.ErrSessionNotFound
	}
	session.LastActivityAt = now
	session.RiskScore = score
	result := s.resultLocked(session, claims)
	result.DeviceMismatch = mismatch
	result.RequiresReauth = score >= s.risk.Config().High
	snapshot := session.Clone()
	s.mu.Unlock()

	s.persist(ctx, snapshot)

	if mismatch {
		s.emitSession(ctx, models.EventDeviceMismatch, models.SeverityMedium, snapshot, map[string]string{
			"operation": "validate",
			"origin":    req.Origin,
		})
	}
	if result.RequiresReauth {
		s.emitSession(ctx, models.EventReauthRequired, models.SeverityMedium, snapshot, map[string]string{
			"risk_level": string(s.risk.Level(score)),
		})
	}
	return result, nil
}

func (s *SessionService) resultLocked(session *models.Session, claims *models.AccessClaims) *models.ValidationResult {
	return &models.ValidationResult{
		Session:       session.Clone(),
		Claims:        claims,
		SubjectID:     session.SubjectID,
		SessionID:     session.ID,
		SecurityLevel: claims.SecurityLevel,
		Scopes:        append([]string(nil), claims.Scope...),
		MFAVerified:   claims.MFAVerified,
		RiskScore:     session.RiskScore,
		ExpiresAt:     session.ExpiresAt,
	}
}

// deviceMismatch compares the session's fingerprint with the caller's.
// An absent fingerprint only counts as a mismatch when fingerprints are mandatory.
func deviceMismatch(expected, presented string, required bool) bool {
	if expected == "" {
		return required && presented == ""
	}
	if presented == "" {
		return required
	}
	return expected != presented
}

// fillRequest substitutes the session's recorded context for fields the caller left empty
func fillRequest(req models.RequestContext, session *models.Session) models.RequestContext {
	if req.DeviceFingerprint == "" {
		req.DeviceFingerprint = session.DeviceFingerprint
	}
	if req.Origin == "" {
		req.Origin = session.Origin
	}
	if req.Geo == "" {
		req.Geo = session.Geo
	}
	if req.UserAgent == "" {
		req.UserAgent = session.UserAgent
	}
	return req
}

// RefreshToken rotates a refresh token. The lookup, reuse check and rotation are
// one critical section so two concurrent refreshes cannot both see the live id.
// Presenting a retired id revokes every session of the subject.
func (s *SessionService) RefreshToken(ctx context.Context, refreshToken string, req models.RequestContext) (*models.TokenPair, error) {
	claims, err := s.tokens.ParseRefresh(refreshToken)
	if err != nil {
		s.events.emit(ctx, models.SecurityEvent{
			Type:     models.EventTokenRejected,
			Severity: models.SeverityLow,
			Context:  map[string]string{"reason": "invalid_refresh_token", "origin": req.Origin},
		})
		return nil, err
	}

	s.hydrateSubject(ctx, claims.Subject)
	s.hydrateFamily(ctx, claims.Family)
	now := s.clock.Now()

	s.mu.Lock()
	sessionID, ok := s.families[claims.Family]
	var session *models.Session
	if ok {
		session = s.sessions[sessionID]
	}
	if session == nil || !session.Active || session.SubjectID != claims.Subject {
		s.mu.Unlock()
		s.events.emit(ctx, models.SecurityEvent{
			Type:      models.EventTokenRejected,
			SubjectID: claims.Subject,
			Severity:  models.SeverityMedium,
			Context:   map[string]string{"reason": "unknown_family", "origin": req.Origin},
		})
		return nil, models.ErrSessionNotFound
	}

	if session.LiveRefreshTokenID != claims.ID {
		revoked := s.revokeSubjectLocked(claims.Subject, models.ReasonTokenReuse, now)
		revocations := s.collectRevocationsLocked(revoked)
		s.mu.Unlock()

		s.persist(ctx, revoked...)
		s.persistRevocations(ctx, revocations)
		s.events.emit(ctx, models.SecurityEvent{
			Type:      models.EventRefreshTokenReuse,
			SubjectID: claims.Subject,
			SessionID: sessionID,
			Severity:  models.SeverityCritical,
			RiskScore: 100,
			Context: map[string]string{
				"family":           claims.Family,
				"origin":           req.Origin,
				"sessions_revoked": fmt.Sprintf("%d", len(revoked)),
			},
		})
		s.logger.WarnContext(ctx, "refresh token reuse detected",
			slog.String("subject_id", claims.Subject),
			slog.String("session_id", sessionID),
			slog.Int("sessions_revoked", len(revoked)))
		return nil, models.ErrRefreshTokenReuse
	}

	if session.IsExpired(now) {
		s.terminateLocked(session, models.ReasonExpired, now)
		expired := session.Clone()
		revocations := s.collectRevocationsLocked([]*models.Session{expired})
		s.mu.Unlock()

		s.persist(ctx, expired)
		s.persistRevocations(ctx, revocations)
		s.emitSession(ctx, models.EventSessionExpired, models.SeverityInfo, expired, nil)
		return nil, models.ErrSessionExpired
	}

	if session.DeviceFingerprint != "" && req.DeviceFingerprint != session.DeviceFingerprint {
		snapshot := session.Clone()
		s.mu.Unlock()
		s.emitSession(ctx, models.EventDeviceMismatch, models.SeverityHigh, snapshot, map[string]string{
			"operation": "refresh",
			"origin":    req.Origin,
		})
		return nil, models.ErrDeviceMismatch
	}

	pair, jti, refreshID, accessExp, err := s.issuePairLocked(session, now)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	session.LiveRefreshTokenID = refreshID
	session.LastActivityAt = now
	s.trackAccessLocked(session.ID, jti, accessExp)
	snapshot := session.Clone()
	s.mu.Unlock()

	s.persist(ctx, snapshot)
	s.emitSession(ctx, models.EventTokenRotated, models.SeverityInfo, snapshot, map[string]string{
		"origin": req.Origin,
	})
	return pair, nil
}

// ElevateSession raises a session's level after a second factor, shortening
// its expiry to min(current, now + adjusted timeout of target), and reissues
// the token pair. The level is never lowered.
func (s *SessionService) ElevateSession(ctx context.Context, sessionID string, target models.SecurityLevel, proof *models.MFAProof) (*models.TokenPair, error) {
	if !target.Valid() {
		return nil, fmt.Errorf("%w: %d", models.ErrInvalidSecurityLevel, target)
	}

	s.hydrate(ctx, sessionID)

	s.mu.Lock()
	session, ok := s.sessions[sessionID]
	if !ok || !session.Active {
		s.mu.Unlock()
		return nil, models.ErrSessionNotFound
	}
	current := session.Clone()
	s.mu.Unlock()

	if current.IsExpired(s.clock.Now()) {
		if err := s.TerminateSession(ctx, sessionID, models.ReasonExpired); err != nil {
			return nil, err
		}
		return nil, models.ErrSessionExpired
	}
	if target < current.SecurityLevel {
		return nil, fmt.Errorf("%w: cannot lower %s to %s", models.ErrInvalidSecurityLevel, current.SecurityLevel, target)
	}

	if target > models.LevelBasic {
		if err := s.checkMFA(ctx, current, proof); err != nil {
			s.emitSession(ctx, models.EventElevationDenied, models.SeverityMedium, current, map[string]string{
				"target_level": target.String(),
				"reason":       err.Error(),
			})
			return nil, err
		}
	}

	now := s.clock.Now()

	s.mu.Lock()
	session, ok = s.sessions[sessionID]
	if !ok || !session.Active {
		s.mu.Unlock()
		return nil, models.ErrSessionNotFound
	}
	// the factor check runs unlocked; the session may have lapsed meanwhile
	if session.IsExpired(now) {
		s.mu.Unlock()
		if err := s.TerminateSession(ctx, sessionID, models.ReasonExpired); err != nil {
			return nil, err
		}
		return nil, models.ErrSessionExpired
	}

	next := session.Clone()
	next.SecurityLevel = target
	if target > models.LevelBasic {
		next.MFAVerified = true
	}
	next.Scopes = mergeScopes(next.Scopes, models.ScopesForLevel(target))
	next.ExpiresAt = minTime(session.ExpiresAt, now.Add(s.adjustedTimeout(target, session.RiskScore)))
	next.LastActivityAt = now

	pair, jti, refreshID, accessExp, err := s.issuePairLocked(next, now)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	next.LiveRefreshTokenID = refreshID
	s.sessions[sessionID] = next
	s.trackAccessLocked(sessionID, jti, accessExp)
	snapshot := next.Clone()
	s.mu.Unlock()

	s.persist(ctx, snapshot)
	s.emitSession(ctx, models.EventSessionElevated, models.SeverityMedium, snapshot, map[string]string{
		"from_level": current.SecurityLevel.String(),
		"to_level":   target.String(),
	})
	return pair, nil
}

// checkMFA accepts a proof verified now, or a verification within the freshness window
func (s *SessionService) checkMFA(ctx context.Context, session *models.Session, proof *models.MFAProof) error {
	if s.mfa == nil {
		return models.ErrMFARequired
	}
	if proof != nil {
		if _, err := s.mfa.Verify(ctx, session.SubjectID, proof); err != nil {
			return err
		}
		return nil
	}
	if at, ok := s.mfa.LastVerified(session.SubjectID); ok && s.config.ElevationMFAFreshness > 0 {
		if s.clock.Now().Sub(at) <= s.config.ElevationMFAFreshness {
			return nil
		}
	}
	return models.ErrMFARequired
}

func mergeScopes(have, add []string) []string {
	out := append([]string(nil), have...)
	for _, scope := range add {
		if !contains(out, scope) {
			out = append(out, scope)
		}
	}
	return out
}

// TerminateSession ends one session. Terminating an inactive session is a no-op.
func (s *SessionService) TerminateSession(ctx context.Context, sessionID, reason string) error {
	s.hydrate(ctx, sessionID)
	now := s.clock.Now()

	s.mu.Lock()
	session, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return models.ErrSessionNotFound
	}
	if !session.Active {
		s.mu.Unlock()
		return nil
	}
	s.terminateLocked(session, reason, now)
	snapshot := session.Clone()
	revocations := s.collectRevocationsLocked([]*models.Session{snapshot})
	s.mu.Unlock()

	s.persist(ctx, snapshot)
	s.persistRevocations(ctx, revocations)
	s.emitSession(ctx, models.EventSessionTerminated, models.SeverityInfo, snapshot, map[string]string{
		"reason": reason,
	})
	return nil
}

// RevokeAllSessions ends every active session of the subject and returns how many ended
func (s *SessionService) RevokeAllSessions(ctx context.Context, subjectID, reason string) (int, error) {
	if subjectID == "" {
		return 0, fmt.Errorf("%w: subject id is required", models.ErrBadRequest)
	}
	s.hydrateSubject(ctx, subjectID)
	now := s.clock.Now()

	s.mu.Lock()
	revoked := s.revokeSubjectLocked(subjectID, reason, now)
	revocations := s.collectRevocationsLocked(revoked)
	s.mu.Unlock()

	s.persist(ctx, revoked...)
	s.persistRevocations(ctx, revocations)
	if len(revoked) > 0 {
		s.events.emit(ctx, models.SecurityEvent{
			Type:      models.EventSessionsRevoked,
			SubjectID: subjectID,
			Severity:  models.SeverityMedium,
			Context: map[string]string{
				"reason":           reason,
				"sessions_revoked": fmt.Sprintf("%d", len(revoked)),
			},
		})
	}
	return len(revoked), nil
}

func (s *SessionService) revokeSubjectLocked(subjectID, reason string, now time.Time) []*models.Session {
	var revoked []*models.Session
	for id := range s.bySubject[subjectID] {
		sess := s.sessions[id]
		if sess == nil || !sess.Active {
			continue
		}
		s.terminateLocked(sess, reason, now)
		revoked = append(revoked, sess.Clone())
	}
	return revoked
}

// terminateLocked marks the session dead and drops its family
func (s *SessionService) terminateLocked(session *models.Session, reason string, now time.Time) {
	session.Active = false
	t := now
	session.TerminatedAt = &t
	session.TerminationReason = reason
	delete(s.families, session.FamilyID)
}

// collectRevocationsLocked moves the outstanding access tokens of terminated sessions to the revocation list
func (s *SessionService) collectRevocationsLocked(terminated []*models.Session) []repositories.RevokedToken {
	var out []repositories.RevokedToken
	for _, sess := range terminated {
		for jti, exp := range s.accessIDs[sess.ID] {
			s.revoked[jti] = exp
			out = append(out, repositories.RevokedToken{
				JTI:       jti,
				SessionID: sess.ID,
				ExpiresAt: exp,
				Reason:    sess.TerminationReason,
			})
		}
		delete(s.accessIDs, sess.ID)
	}
	return out
}

func (s *SessionService) trackAccessLocked(sessionID, jti string, exp time.Time) {
	ids, ok := s.accessIDs[sessionID]
	if !ok {
		ids = make(map[string]time.Time)
		s.accessIDs[sessionID] = ids
	}
	ids[jti] = exp
}

func (s *SessionService) addLocked(session *models.Session) {
	s.sessions[session.ID] = session
	ids, ok := s.bySubject[session.SubjectID]
	if !ok {
		ids = make(map[string]struct{})
		s.bySubject[session.SubjectID] = ids
	}
	ids[session.ID] = struct{}{}
	if session.Active && session.FamilyID != "" {
		s.families[session.FamilyID] = session.ID
	}
}

// GetSession returns a copy of the session
func (s *SessionService) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	s.hydrate(ctx, sessionID)

	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, models.ErrSessionNotFound
	}
	return session.Clone(), nil
}

// ListSessions returns the subject's active, unexpired sessions, most recently active first
func (s *SessionService) ListSessions(ctx context.Context, subjectID string) ([]*models.Session, error) {
	s.hydrateSubject(ctx, subjectID)
	now := s.clock.Now()

	s.mu.Lock()
	out := make([]*models.Session, 0, len(s.bySubject[subjectID]))
	for id := range s.bySubject[subjectID] {
		sess := s.sessions[id]
		if sess != nil && sess.Active && !sess.IsExpired(now) {
			out = append(out, sess.Clone())
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].LastActivityAt.After(out[j].LastActivityAt) })
	return out, nil
}

// Sweep terminates expired sessions, forgets dead sessions past their expiry,
// and drops revocations of tokens that have expired anyway. Returns sessions removed.
func (s *SessionService) Sweep(now time.Time) int {
	s.mu.Lock()
	var expired []*models.Session
	removed := 0
	for id, sess := range s.sessions {
		if sess.Active && sess.IsExpired(now) {
			s.terminateLocked(sess, models.ReasonExpired, now)
			expired = append(expired, sess.Clone())
		}
		if !sess.Active && sess.IsExpired(now) {
			delete(s.sessions, id)
			delete(s.accessIDs, id)
			if ids := s.bySubject[sess.SubjectID]; ids != nil {
				delete(ids, id)
				if len(ids) == 0 {
					delete(s.bySubject, sess.SubjectID)
				}
			}
			removed++
		}
	}
	for jti, exp := range s.revoked {
		if !now.Before(exp) {
			delete(s.revoked, jti)
		}
	}
	for sid, ids := range s.accessIDs {
		for jti, exp := range ids {
			if !now.Before(exp) {
				delete(ids, jti)
			}
		}
		if len(ids) == 0 {
			delete(s.accessIDs, sid)
		}
	}
	s.mu.Unlock()

	ctx := context.Background()
	s.persist(ctx, expired...)
	for _, sess := range expired {
		s.emitSession(ctx, models.EventSessionExpired, models.SeverityInfo, sess, nil)
	}
	return removed
}

// Restore loads the persisted access token revocation list. Call once at startup.
func (s *SessionService) Restore(ctx context.Context) error {
	if s.revokes == nil {
		return nil
	}
	tokens, err := s.revokes.ListActive(ctx, s.clock.Now())
	if err != nil {
		return fmt.Errorf("failed to load revoked tokens: %w", err)
	}

	s.mu.Lock()
	for _, t := range tokens {
		s.revoked[t.JTI] = t.ExpiresAt
	}
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "revocation list restored", slog.Int("count", len(tokens)))
	return nil
}

// hydrate loads a session missing from memory from the repository
func (s *SessionService) hydrate(ctx context.Context, sessionID string) {
	if s.repo == nil || sessionID == "" {
		return
	}
	s.mu.Lock()
	_, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if ok {
		return
	}

	stored, err := s.repo.GetByID(ctx, sessionID)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			s.logger.ErrorContext(ctx, "failed to load session", slog.String("session_id", sessionID), slog.Any("error", err))
		}
		return
	}
	s.adopt(stored)
}

func (s *SessionService) hydrateFamily(ctx context.Context, familyID string) {
	if s.repo == nil || familyID == "" {
		return
	}
	s.mu.Lock()
	_, ok := s.families[familyID]
	s.mu.Unlock()
	if ok {
		return
	}

	stored, err := s.repo.GetByFamilyID(ctx, familyID)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			s.logger.ErrorContext(ctx, "failed to load session by family", slog.Any("error", err))
		}
		return
	}
	s.adopt(stored)
}

func (s *SessionService) hydrateSubject(ctx context.Context, subjectID string) {
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
		s.logger.ErrorContext(ctx, "failed to load sessions", slog.String("subject_id", subjectID), slog.Any("error", err))
		return
	}
	for _, sess := range stored {
		s.adopt(sess)
	}
	s.mu.Lock()
	s.loaded[subjectID] = true
	s.mu.Unlock()
}

// adopt inserts a stored session unless memory already holds a newer copy
func (s *SessionService) adopt(stored *models.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[stored.ID]; ok {
		return
	}
	s.addLocked(stored)
}

func (s *SessionService) persist(ctx context.Context, sessions ...*models.Session) {
	if s.repo == nil {
		return
	}
	for _, sess := range sessions {
		if err := s.repo.Save(ctx, sess); err != nil {
			s.logger.ErrorContext(ctx, "failed to persist session",
				slog.String("session_id", sess.ID),
				slog.Any("error", err))
		}
	}
}

func (s *SessionService) persistRevocations(ctx context.Context, tokens []repositories.RevokedToken) {
	if s.revokes == nil {
		return
	}
	for _, t := range tokens {
		if err := s.revokes.Revoke(ctx, t); err != nil {
			s.logger.ErrorContext(ctx, "failed to persist token revocation",
				slog.String("session_id", t.SessionID),
				slog.Any("error", err))
		}
	}
}

func (s *SessionService) emitSession(ctx context.Context, eventType string, severity models.Severity, session *models.Session, extra map[string]string) {
	s.events.emit(ctx, models.SecurityEvent{
		Type:      eventType,
		SubjectID: session.SubjectID,
		SessionID: session.ID,
		Severity:  severity,
		RiskScore: session.RiskScore,
		Context:   extra,
	})
}

func (s *SessionService) emitClaims(ctx context.Context, eventType string, severity models.Severity, claims *models.AccessClaims, reason string) {
	s.events.emit(ctx, models.SecurityEvent{
		Type:      eventType,
		SubjectID: claims.Subject,
		SessionID: claims.SessionID,
		Severity:  severity,
		RiskScore: claims.RiskScore,
		Context:   map[string]string{"reason": reason},
	})
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
