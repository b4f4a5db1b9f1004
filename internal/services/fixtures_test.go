package services

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/BradenHooton/authcore/internal/auth"
	"github.com/BradenHooton/authcore/internal/repositories"
	"github.com/BradenHooton/authcore/pkg/logger"
	"github.com/stretchr/testify/require"
)

// baseTime is noon UTC and falls on a TOTP step boundary
var baseTime = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

const (
	testUA     = "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_0) AppleWebKit/605.1.15"
	testOrigin = "203.0.113.10"
)

var (
	testKeyOnce sync.Once
	testKey     *ecdsa.PrivateKey
	testEncKey  = []byte("0123456789abcdef0123456789abcdef")
)

func testKeys(t *testing.T) auth.KeyProvider {
	t.Helper()
	testKeyOnce.Do(func() {
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			panic(err)
		}
		testKey = key
	})
	keys, err := auth.NewStaticKeyProvider(testKey, nil, testEncKey)
	require.NoError(t, err)
	return keys
}

func newTestTokens(t *testing.T, clock Clock) *auth.TokenManager {
	t.Helper()
	tm, err := auth.NewTokenManager(testKeys(t), "authcore-test", "authcore-clients", clock.Now)
	require.NoError(t, err)
	return tm
}

func testSessionConfig() SessionConfig {
	return SessionConfig{
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: 24 * time.Hour,
		LevelTimeouts: []time.Duration{
			8 * time.Hour, 2 * time.Hour, time.Hour, 30 * time.Minute, 15 * time.Minute,
		},
		MinDuration:           10 * time.Minute,
		MaxConcurrentSessions: 3,
		ElevationMFAFreshness: 5 * time.Minute,
	}
}

type sessionHarness struct {
	svc        *SessionService
	clock      *FakeClock
	tokenClock *FakeClock
	tokens     *auth.TokenManager
	sink       *RecordingSink
	mfa        *MockMFAVerifier
	reputation StaticReputation
	store      *repositories.Store
}

type harnessOptions struct {
	config      *SessionConfig
	store       *repositories.Store
	frozenToken bool // the token verifier keeps its own clock
}

func newSessionHarness(t *testing.T, opts harnessOptions) *sessionHarness {
	t.Helper()
	h := &sessionHarness{
		clock:      NewFakeClock(baseTime),
		sink:       &RecordingSink{},
		mfa:        &MockMFAVerifier{},
		reputation: StaticReputation{},
		store:      opts.store,
	}
	h.tokenClock = h.clock
	if opts.frozenToken {
		h.tokenClock = NewFakeClock(baseTime)
	}
	h.tokens = newTestTokens(t, h.tokenClock)

	config := testSessionConfig()
	if opts.config != nil {
		config = *opts.config
	}

	risk := NewRiskScorer(DefaultRiskConfig(), NewMemoryDeviceHistory(10), h.reputation, logger.Discard())

	var sessions repositories.SessionRepository
	var revokes repositories.RevokedTokenRepository
	if opts.store != nil {
		sessions = opts.store.Sessions
		revokes = opts.store.RevokedTokens
	}
	h.svc = NewSessionService(h.tokens, risk, h.mfa, sessions, revokes, h.sink, h.clock, config, logger.Discard())
	return h
}

type mfaHarness struct {
	svc      *MFAService
	sms      *SMSService
	clock    *FakeClock
	sink     *RecordingSink
	provider *MockSMSProvider
	totp     *auth.TOTPManager
}

func testMFAConfig() MFAConfig {
	return MFAConfig{
		MaxAttempts:      3,
		AttemptWindow:    15 * time.Minute,
		LockoutDuration:  15 * time.Minute,
		VerifyRateLimit:  100,
		VerifyRateWindow: time.Minute,
		BackupCodeCount:  4,
	}
}

func testSMSConfig() SMSConfig {
	return SMSConfig{
		CodeLength:      6,
		CodeExpiry:      5 * time.Minute,
		MaxAttempts:     3,
		PerPhoneLimit:   5,
		PerOriginLimit:  20,
		RateWindow:      time.Hour,
		FraudThreshold:  70,
		VerifiedGrace:   5 * time.Minute,
		MessageTemplate: "Your code is %s. It expires in %d minutes.",
	}
}

func newSMSService(t *testing.T, clock *FakeClock, sink *RecordingSink, config SMSConfig, primary, secondary SMSProvider, fraud FraudScorer) *SMSService {
	t.Helper()
	return NewSMSService(
		primary, secondary, fraud,
		NewRateLimiter(clock),
		auth.NewGenerator(nil),
		auth.NewCodeHasher(4),
		nil,
		nil,
		sink,
		clock,
		config,
		logger.Discard(),
	)
}

func newMFAHarness(t *testing.T, repo repositories.MFAMethodRepository) *mfaHarness {
	t.Helper()
	return newMFAHarnessWithConfig(t, repo, testMFAConfig())
}

func newMFAHarnessWithConfig(t *testing.T, repo repositories.MFAMethodRepository, config MFAConfig) *mfaHarness {
	t.Helper()
	h := &mfaHarness{
		clock:    NewFakeClock(baseTime.Add(40 * time.Second)),
		sink:     &RecordingSink{},
		provider: &MockSMSProvider{NameValue: "primary"},
		totp:     auth.NewTOTPManager(auth.DefaultTOTPConfig("authcore"), nil),
	}
	cipher, err := auth.NewSecretCipher(testKeys(t), nil)
	require.NoError(t, err)

	h.sms = newSMSService(t, h.clock, h.sink, testSMSConfig(), h.provider, nil, nil)
	risk := NewRiskScorer(DefaultRiskConfig(), nil, nil, logger.Discard())
	h.svc = NewMFAService(
		repo,
		MFACrypto{
			TOTP:   h.totp,
			Cipher: cipher,
			Hasher: auth.NewCodeHasher(4),
			Codes:  auth.NewGenerator(nil),
		},
		h.sms,
		risk,
		NewRateLimiter(h.clock),
		h.sink,
		h.clock,
		config,
		logger.Discard(),
	)
	return h
}

var smsCodePattern = regexp.MustCompile(`\b\d{6}\b`)

// lastCode extracts the code from the most recent message sent by provider
func lastCode(t *testing.T, provider *MockSMSProvider) string {
	t.Helper()
	sent := provider.Sent()
	require.NotEmpty(t, sent)
	code := smsCodePattern.FindString(sent[len(sent)-1].Message)
	require.NotEmpty(t, code)
	return code
}
