package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BradenHooton/authcore/internal/auth"
	"github.com/BradenHooton/authcore/internal/models"
	"github.com/BradenHooton/authcore/internal/repositories"
	"github.com/BradenHooton/authcore/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPhone = "+14155550123"

type fraudFunc func(ctx context.Context, in FraudInput) int

func (f fraudFunc) Score(ctx context.Context, in FraudInput) int { return f(ctx, in) }

func wrongCode(code string) string {
	if code == "000000" {
		return "111111"
	}
	return "000000"
}

type smsHarness struct {
	svc       *SMSService
	clock     *FakeClock
	sink      *RecordingSink
	primary   *MockSMSProvider
	secondary *MockSMSProvider
}

func newSMSHarness(t *testing.T, config SMSConfig, fraud FraudScorer) *smsHarness {
	t.Helper()
	h := &smsHarness{
		clock:     NewFakeClock(baseTime),
		sink:      &RecordingSink{},
		primary:   &MockSMSProvider{NameValue: "primary"},
		secondary: &MockSMSProvider{NameValue: "secondary"},
	}
	h.svc = newSMSService(t, h.clock, h.sink, config, h.primary, h.secondary, fraud)
	return h
}

func (h *smsHarness) send(t *testing.T, phone string) *models.ChallengeReceipt {
	t.Helper()
	receipt, err := h.svc.SendCode(context.Background(), SendCodeInput{SubjectID: "user-1", Phone: phone, Origin: testOrigin})
	require.NoError(t, err)
	return receipt
}

// ============================================================================
// SendCode Tests
// ============================================================================

func TestSendCode_Success(t *testing.T) {
	h := newSMSHarness(t, testSMSConfig(), nil)

	receipt := h.send(t, testPhone)

	assert.NotEmpty(t, receipt.ChallengeID)
	assert.Equal(t, logger.MaskPhone(testPhone), receipt.MaskedDestination)
	assert.Equal(t, baseTime.Add(5*time.Minute), receipt.ExpiresAt)
	assert.Equal(t, "primary", receipt.Provider)
	assert.Equal(t, "msg-"+testPhone, receipt.ProviderMessageID)

	sent := h.primary.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, testPhone, sent[0].Number)
	assert.Contains(t, sent[0].Message, "expires in 5 minutes")
	assert.Empty(t, h.secondary.Sent())

	status, err := h.svc.ChallengeStatus(context.Background(), receipt.ChallengeID)
	require.NoError(t, err)
	assert.Empty(t, status.CodeHash, "status never exposes the hash")
	assert.Equal(t, models.PurposeLogin, status.Purpose)

	event, ok := h.sink.Last(models.EventSMSSent)
	require.True(t, ok)
	assert.NotContains(t, event.Context["destination"], "5550123")
}

func TestSendCode_NormalizesFormatting(t *testing.T) {
	h := newSMSHarness(t, testSMSConfig(), nil)

	h.send(t, " +1 (415) 555-0123 ")

	sent := h.primary.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, testPhone, sent[0].Number)
}

func TestSendCode_InvalidPhone(t *testing.T) {
	h := newSMSHarness(t, testSMSConfig(), nil)

	for _, phone := range []string{"", "4155550123", "14155550123", "+1415abc0123", "+1234567890123456"} {
		_, err := h.svc.SendCode(context.Background(), SendCodeInput{SubjectID: "user-1", Phone: phone})
		assert.ErrorIs(t, err, models.ErrInvalidPhoneNumber, "phone %q", phone)
	}
	assert.Empty(t, h.primary.Sent())
}

func TestSendCode_CountryLists(t *testing.T) {
	config := testSMSConfig()
	config.AllowedCountries = []string{"1", "44"}
	config.BlockedCountries = []string{"1900"}
	h := newSMSHarness(t, config, nil)
	ctx := context.Background()

	_, err := h.svc.SendCode(ctx, SendCodeInput{SubjectID: "user-1", Phone: "+447700900123"})
	assert.NoError(t, err)

	_, err = h.svc.SendCode(ctx, SendCodeInput{SubjectID: "user-1", Phone: "+33612345678"})
	assert.ErrorIs(t, err, models.ErrUnsupportedCountry)

	_, err = h.svc.SendCode(ctx, SendCodeInput{SubjectID: "user-1", Phone: "+19005550148"})
	assert.ErrorIs(t, err, models.ErrUnsupportedCountry, "a longer blocked prefix wins")
}

func TestSendCode_PerPhoneRateLimit(t *testing.T) {
	h := newSMSHarness(t, testSMSConfig(), nil)

	for i := 0; i < 5; i++ {
		h.send(t, testPhone)
		h.clock.Advance(time.Minute)
	}

	_, err := h.svc.SendCode(context.Background(), SendCodeInput{SubjectID: "user-1", Phone: testPhone, Origin: testOrigin})
	require.ErrorIs(t, err, models.ErrRateLimited)

	var rl *models.RateLimitError
	require.True(t, errors.As(err, &rl))
	assert.Equal(t, "phone", rl.Scope)
	assert.Greater(t, rl.RetryAfter, time.Duration(0))
	assert.Len(t, h.primary.Sent(), 5)
	assert.Equal(t, 1, h.sink.Count(models.EventSMSRejected))
}

func TestSendCode_PerPhoneRateLimitCannotBeSidesteppedByDroppingPlus(t *testing.T) {
	h := newSMSHarness(t, testSMSConfig(), nil)

	for i := 0; i < 5; i++ {
		h.send(t, testPhone)
	}

	_, err := h.svc.SendCode(context.Background(), SendCodeInput{SubjectID: "user-1", Phone: "14155550123", Origin: testOrigin})
	require.ErrorIs(t, err, models.ErrInvalidPhoneNumber)

	_, err = h.svc.SendCode(context.Background(), SendCodeInput{SubjectID: "user-1", Phone: "+1 415 555 0123", Origin: testOrigin})
	require.ErrorIs(t, err, models.ErrRateLimited)
	assert.Len(t, h.primary.Sent(), 5)
}

func TestSendCode_ZeroLimitsUseDefaults(t *testing.T) {
	config := testSMSConfig()
	config.PerPhoneLimit = 0
	config.PerOriginLimit = 0
	config.RateWindow = 0
	h := newSMSHarness(t, config, nil)

	for i := 0; i < 5; i++ {
		h.send(t, testPhone)
	}
	_, err := h.svc.SendCode(context.Background(), SendCodeInput{SubjectID: "user-1", Phone: testPhone, Origin: testOrigin})
	assert.ErrorIs(t, err, models.ErrRateLimited)
}

func TestSendCode_PerOriginRateLimit(t *testing.T) {
	config := testSMSConfig()
	config.PerOriginLimit = 2
	h := newSMSHarness(t, config, nil)

	h.send(t, "+14155550121")
	h.send(t, "+14155550132")
	_, err := h.svc.SendCode(context.Background(), SendCodeInput{SubjectID: "user-1", Phone: "+14155550143", Origin: testOrigin})

	var rl *models.RateLimitError
	require.True(t, errors.As(err, &rl))
	assert.Equal(t, "origin", rl.Scope)
}

func TestSendCode_FraudScreen(t *testing.T) {
	var seen FraudInput
	h := newSMSHarness(t, testSMSConfig(), fraudFunc(func(ctx context.Context, in FraudInput) int {
		seen = in
		return 90
	}))

	_, err := h.svc.SendCode(context.Background(), SendCodeInput{SubjectID: "user-1", Phone: testPhone, Origin: testOrigin})
	assert.ErrorIs(t, err, models.ErrFraudSuspected)
	assert.Empty(t, h.primary.Sent())
	assert.Equal(t, testPhone, seen.Phone)
	assert.Equal(t, testOrigin, seen.Origin)

	event, ok := h.sink.Last(models.EventSMSRejected)
	require.True(t, ok)
	assert.Equal(t, 90, event.RiskScore)
}

func TestSendCode_FallsBackToSecondary(t *testing.T) {
	h := newSMSHarness(t, testSMSConfig(), nil)
	h.primary.SendFunc = func(ctx context.Context, number, message string) (models.SMSSendResult, error) {
		return models.SMSSendResult{}, errors.New("throttled")
	}

	receipt := h.send(t, testPhone)

	assert.Equal(t, "secondary", receipt.Provider)
	assert.Len(t, h.primary.Sent(), 1)
	assert.Len(t, h.secondary.Sent(), 1)
	assert.Equal(t, 1, h.sink.Count(models.EventSMSProviderFallback))

	_, err := h.svc.VerifyCode(context.Background(), receipt.ChallengeID, lastCode(t, h.secondary), "")
	assert.NoError(t, err)
}

func TestSendCode_AllProvidersFail(t *testing.T) {
	h := newSMSHarness(t, testSMSConfig(), nil)
	h.primary.SendFunc = func(ctx context.Context, number, message string) (models.SMSSendResult, error) {
		return models.SMSSendResult{Success: false}, nil
	}
	h.secondary.SendFunc = func(ctx context.Context, number, message string) (models.SMSSendResult, error) {
		return models.SMSSendResult{}, errors.New("connection refused")
	}

	receipt, err := h.svc.SendCode(context.Background(), SendCodeInput{SubjectID: "user-1", Phone: testPhone})
	assert.ErrorIs(t, err, models.ErrProviderUnavailable)
	assert.Nil(t, receipt)
	assert.Equal(t, 1, h.sink.Count(models.EventSMSProviderFailed))
	assert.Equal(t, 0, h.svc.Sweep(baseTime.Add(time.Hour)), "the undelivered challenge was discarded")
}

// ============================================================================
// VerifyCode Tests
// ============================================================================

func TestVerifyCode_Success(t *testing.T) {
	h := newSMSHarness(t, testSMSConfig(), nil)
	ctx := context.Background()
	receipt := h.send(t, testPhone)

	challenge, err := h.svc.VerifyCode(ctx, receipt.ChallengeID, lastCode(t, h.primary), testOrigin)
	require.NoError(t, err)
	assert.True(t, challenge.Verified)
	require.NotNil(t, challenge.VerifiedAt)
	assert.Empty(t, challenge.CodeHash)
	assert.Equal(t, 1, h.sink.Count(models.EventSMSVerified))

	_, err = h.svc.VerifyCode(ctx, receipt.ChallengeID, lastCode(t, h.primary), testOrigin)
	assert.ErrorIs(t, err, models.ErrChallengeAlreadyVerified)
}

func TestVerifyCode_AttemptsAreMonotonic(t *testing.T) {
	h := newSMSHarness(t, testSMSConfig(), nil)
	ctx := context.Background()
	receipt := h.send(t, testPhone)
	code := lastCode(t, h.primary)

	for want := 2; want >= 0; want-- {
		_, err := h.svc.VerifyCode(ctx, receipt.ChallengeID, wrongCode(code), "")
		var codeErr *models.CodeError
		require.True(t, errors.As(err, &codeErr))
		assert.Equal(t, want, codeErr.Remaining)
	}

	_, err := h.svc.VerifyCode(ctx, receipt.ChallengeID, code, "")
	assert.ErrorIs(t, err, models.ErrMaxAttemptsExceeded, "the right code cannot undo spent attempts")

	status, err := h.svc.ChallengeStatus(ctx, receipt.ChallengeID)
	require.NoError(t, err)
	assert.Equal(t, 3, status.Attempts)
	assert.False(t, status.Verified)
}

func TestVerifyCode_ConcurrentAttemptsNeverExceedMax(t *testing.T) {
	h := newSMSHarness(t, testSMSConfig(), nil)
	receipt := h.send(t, testPhone)
	code := lastCode(t, h.primary)

	var wg sync.WaitGroup
	var mu sync.Mutex
	invalid, exhausted := 0, 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.VerifyCode(context.Background(), receipt.ChallengeID, wrongCode(code), "")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, models.ErrInvalidCode):
				invalid++
			case errors.Is(err, models.ErrMaxAttemptsExceeded):
				exhausted++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, invalid)
	assert.Equal(t, 7, exhausted)
}

func TestVerifyCode_Expired(t *testing.T) {
	h := newSMSHarness(t, testSMSConfig(), nil)
	receipt := h.send(t, testPhone)
	code := lastCode(t, h.primary)

	h.clock.Advance(5 * time.Minute)
	_, err := h.svc.VerifyCode(context.Background(), receipt.ChallengeID, code, "")
	assert.ErrorIs(t, err, models.ErrCodeExpired)
}

func TestVerifyCode_UnknownChallenge(t *testing.T) {
	h := newSMSHarness(t, testSMSConfig(), nil)

	_, err := h.svc.VerifyCode(context.Background(), "missing", "123456", "")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestVerifyCode_PerOriginLimit(t *testing.T) {
	config := testSMSConfig()
	config.PerOriginLimit = 2
	h := newSMSHarness(t, config, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := h.svc.VerifyCode(ctx, "missing", "123456", "192.0.2.80")
		assert.ErrorIs(t, err, models.ErrNotFound)
	}
	_, err := h.svc.VerifyCode(ctx, "missing", "123456", "192.0.2.80")
	assert.ErrorIs(t, err, models.ErrRateLimited)
}

func TestVerifyCode_HydratesFromRepository(t *testing.T) {
	repo := repositories.NewMemoryChallengeRepository()
	clock := NewFakeClock(baseTime)
	provider := &MockSMSProvider{}
	build := func() *SMSService {
		return NewSMSService(provider, nil, nil, NewRateLimiter(clock), auth.NewGenerator(nil), auth.NewCodeHasher(4),
			nil, repo, &RecordingSink{}, clock, testSMSConfig(), logger.Discard())
	}

	receipt, err := build().SendCode(context.Background(), SendCodeInput{SubjectID: "user-1", Phone: testPhone})
	require.NoError(t, err)

	challenge, err := build().VerifyCode(context.Background(), receipt.ChallengeID, lastCode(t, provider), "")
	require.NoError(t, err)
	assert.True(t, challenge.Verified)

	stored, err := repo.GetByID(context.Background(), receipt.ChallengeID)
	require.NoError(t, err)
	assert.True(t, stored.Verified)
	assert.Equal(t, 1, stored.Attempts)
}

// ============================================================================
// Sweep Tests
// ============================================================================

func TestSMSService_Sweep(t *testing.T) {
	h := newSMSHarness(t, testSMSConfig(), nil)
	ctx := context.Background()

	verified := h.send(t, testPhone)
	_, err := h.svc.VerifyCode(ctx, verified.ChallengeID, lastCode(t, h.primary), "")
	require.NoError(t, err)
	pending := h.send(t, "+14155550188")

	assert.Equal(t, 0, h.svc.Sweep(baseTime.Add(4*time.Minute)))
	assert.Equal(t, 1, h.svc.Sweep(baseTime.Add(5*time.Minute)), "verified challenge leaves after the grace window")

	_, err = h.svc.ChallengeStatus(ctx, pending.ChallengeID)
	require.NoError(t, err)

	assert.Equal(t, 1, h.svc.Sweep(baseTime.Add(10*time.Minute)))
	_, err = h.svc.ChallengeStatus(ctx, pending.ChallengeID)
	assert.ErrorIs(t, err, models.ErrNotFound)
}
