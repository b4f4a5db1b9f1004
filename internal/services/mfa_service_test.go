package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BradenHooton/authcore/internal/models"
	"github.com/BradenHooton/authcore/internal/repositories"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mfaRequest() models.RequestContext {
	return models.RequestContext{Origin: testOrigin, UserAgent: testUA}
}

func (h *mfaHarness) codeAt(t *testing.T, secret string, at time.Time) string {
	t.Helper()
	code, err := h.totp.CodeAt(secret, at)
	require.NoError(t, err)
	return code
}

// enrollTOTP enrolls and confirms a TOTP factor for subject, returning the enrollment
func (h *mfaHarness) enrollTOTP(t *testing.T, subject string) *models.TOTPEnrollment {
	t.Helper()
	ctx := context.Background()
	enrollment, err := h.svc.EnrollTOTP(ctx, subject, "phone")
	require.NoError(t, err)
	require.NoError(t, h.svc.ConfirmTOTPEnrollment(ctx, subject, enrollment.MethodID, h.codeAt(t, enrollment.Secret, h.clock.Now())))
	return enrollment
}

func (h *mfaHarness) methodOfType(t *testing.T, subject string, typ models.MFAMethodType) *models.MFAMethod {
	t.Helper()
	methods, err := h.svc.ListMethods(context.Background(), subject)
	require.NoError(t, err)
	for _, m := range methods {
		if m.Type == typ {
			return m
		}
	}
	t.Fatalf("no %s method for %s", typ, subject)
	return nil
}

// ============================================================================
// TOTP Enrollment Tests
// ============================================================================

func TestEnrollTOTP_PendingUntilConfirmed(t *testing.T) {
	h := newMFAHarness(t, nil)
	ctx := context.Background()

	enrollment, err := h.svc.EnrollTOTP(ctx, "user-1", "")
	require.NoError(t, err)

	assert.NotEmpty(t, enrollment.MethodID)
	assert.NotEmpty(t, enrollment.Secret)
	assert.True(t, strings.HasPrefix(enrollment.URI, "otpauth://totp/"))
	assert.True(t, strings.HasPrefix(enrollment.QRCode, "data:image/png;base64,"))
	assert.Len(t, enrollment.BackupCodes, 4)

	assert.False(t, h.svc.HasEnabledMethod(ctx, "user-1"))
	_, err = h.svc.VerifyTOTP(ctx, "user-1", h.codeAt(t, enrollment.Secret, h.clock.Now()), mfaRequest())
	assert.ErrorIs(t, err, models.ErrMethodNotFound)

	methods, err := h.svc.ListMethods(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, methods, 1)
	assert.False(t, methods[0].Enabled)
	assert.Empty(t, methods[0].SecretCiphertext, "listings never carry the secret")
	assert.Equal(t, "Authenticator", methods[0].Label)
}

func TestConfirmTOTPEnrollment_EnablesPrimaryAndBackupCodes(t *testing.T) {
	h := newMFAHarness(t, nil)
	ctx := context.Background()

	enrollment := h.enrollTOTP(t, "user-1")

	assert.True(t, h.svc.HasEnabledMethod(ctx, "user-1"))
	totp := h.methodOfType(t, "user-1", models.MFAMethodTOTP)
	assert.True(t, totp.Enabled)
	assert.True(t, totp.Primary)
	assert.Empty(t, totp.BackupCodes)

	backup := h.methodOfType(t, "user-1", models.MFAMethodBackupCodes)
	assert.True(t, backup.Enabled)
	assert.Equal(t, 4, backup.RemainingBackupCodes())
	for _, entry := range backup.BackupCodes {
		assert.Empty(t, entry.CodeHash)
	}

	at, ok := h.svc.LastVerified("user-1")
	assert.True(t, ok)
	assert.Equal(t, h.clock.Now(), at)
	assert.Equal(t, 1, h.sink.Count(models.EventMFAEnrolled))

	err := h.svc.ConfirmTOTPEnrollment(ctx, "user-1", enrollment.MethodID, h.codeAt(t, enrollment.Secret, h.clock.Now()))
	assert.ErrorIs(t, err, models.ErrConflict)
}

func TestConfirmTOTPEnrollment_WrongCodeAndWrongSubject(t *testing.T) {
	h := newMFAHarness(t, nil)
	ctx := context.Background()
	enrollment, err := h.svc.EnrollTOTP(ctx, "user-1", "phone")
	require.NoError(t, err)
	code := h.codeAt(t, enrollment.Secret, h.clock.Now())

	err = h.svc.ConfirmTOTPEnrollment(ctx, "user-1", enrollment.MethodID, wrongCode(code))
	var codeErr *models.CodeError
	require.True(t, errors.As(err, &codeErr))
	assert.Equal(t, 2, codeErr.Remaining)

	err = h.svc.ConfirmTOTPEnrollment(ctx, "user-2", enrollment.MethodID, code)
	assert.ErrorIs(t, err, models.ErrMethodNotFound)
	assert.False(t, h.svc.HasEnabledMethod(ctx, "user-1"))
}

// ============================================================================
// TOTP Verification Tests
// ============================================================================

func TestVerifyTOTP_AcceptsAdjacentStepOnly(t *testing.T) {
	h := newMFAHarness(t, nil)
	ctx := context.Background()
	enrollment := h.enrollTOTP(t, "user-1")
	h.clock.Advance(time.Minute)
	now := h.clock.Now()

	_, err := h.svc.VerifyTOTP(ctx, "user-1", h.codeAt(t, enrollment.Secret, now.Add(-90*time.Second)), mfaRequest())
	assert.ErrorIs(t, err, models.ErrInvalidCode, "two steps back is outside the window")

	result, err := h.svc.VerifyTOTP(ctx, "user-1", h.codeAt(t, enrollment.Secret, now.Add(-25*time.Second)), mfaRequest())
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, models.MFAMethodTOTP, result.Method)
	assert.Equal(t, enrollment.MethodID, result.MethodID)
	assert.Equal(t, now, result.VerifiedAt)
}

func TestVerifyTOTP_ZeroConfigUsesDefaults(t *testing.T) {
	h := newMFAHarnessWithConfig(t, nil, MFAConfig{})
	ctx := context.Background()
	enrollment := h.enrollTOTP(t, "user-1")
	h.clock.Advance(30 * time.Second)

	_, err := h.svc.VerifyTOTP(ctx, "user-1", wrongCode(h.codeAt(t, enrollment.Secret, h.clock.Now())), mfaRequest())
	assert.ErrorIs(t, err, models.ErrInvalidCode)

	result, err := h.svc.VerifyTOTP(ctx, "user-1", h.codeAt(t, enrollment.Secret, h.clock.Now()), mfaRequest())
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestVerifyTOTP_StepIsNeverAcceptedTwice(t *testing.T) {
	h := newMFAHarness(t, nil)
	ctx := context.Background()
	enrollment := h.enrollTOTP(t, "user-1")

	// the confirmation code has already consumed the current step
	_, err := h.svc.VerifyTOTP(ctx, "user-1", h.codeAt(t, enrollment.Secret, h.clock.Now()), mfaRequest())
	assert.ErrorIs(t, err, models.ErrInvalidCode)

	h.clock.Advance(30 * time.Second)
	code := h.codeAt(t, enrollment.Secret, h.clock.Now())
	_, err = h.svc.VerifyTOTP(ctx, "user-1", code, mfaRequest())
	require.NoError(t, err)

	_, err = h.svc.VerifyTOTP(ctx, "user-1", code, mfaRequest())
	assert.ErrorIs(t, err, models.ErrInvalidCode)

	// an older step inside the window is also refused once a newer one was used
	_, err = h.svc.VerifyTOTP(ctx, "user-1", h.codeAt(t, enrollment.Secret, h.clock.Now().Add(-30*time.Second)), mfaRequest())
	assert.ErrorIs(t, err, models.ErrInvalidCode)
}

func TestVerifyTOTP_LockoutIsMonotonic(t *testing.T) {
	h := newMFAHarness(t, nil)
	ctx := context.Background()
	enrollment := h.enrollTOTP(t, "user-1")
	h.clock.Advance(30 * time.Second)
	code := h.codeAt(t, enrollment.Secret, h.clock.Now())

	for want := 2; want >= 1; want-- {
		_, err := h.svc.VerifyTOTP(ctx, "user-1", wrongCode(code), mfaRequest())
		var codeErr *models.CodeError
		require.True(t, errors.As(err, &codeErr))
		assert.Equal(t, want, codeErr.Remaining)
	}

	_, err := h.svc.VerifyTOTP(ctx, "user-1", wrongCode(code), mfaRequest())
	assert.ErrorIs(t, err, models.ErrAccountLocked)
	assert.Equal(t, 1, h.sink.Count(models.EventAccountLocked))

	_, err = h.svc.VerifyTOTP(ctx, "user-1", code, mfaRequest())
	assert.ErrorIs(t, err, models.ErrMaxAttemptsExceeded, "a correct code does not lift the lock")
	retry, ok := models.RetryAfter(err)
	assert.True(t, ok)
	assert.Greater(t, retry, time.Duration(0))

	h.clock.Advance(15 * time.Minute)
	_, err = h.svc.VerifyTOTP(ctx, "user-1", h.codeAt(t, enrollment.Secret, h.clock.Now()), mfaRequest())
	assert.NoError(t, err)
}

func TestVerifyTOTP_RateLimited(t *testing.T) {
	config := testMFAConfig()
	config.VerifyRateLimit = 2
	h := newMFAHarnessWithConfig(t, nil, config)
	ctx := context.Background()
	h.enrollTOTP(t, "user-1")

	for i := 0; i < 2; i++ {
		_, err := h.svc.VerifyTOTP(ctx, "user-1", "12345", mfaRequest())
		assert.ErrorIs(t, err, models.ErrInvalidCode)
	}
	_, err := h.svc.VerifyTOTP(ctx, "user-1", "12345", mfaRequest())
	assert.ErrorIs(t, err, models.ErrRateLimited)

	other := mfaRequest()
	other.Origin = "192.0.2.44"
	_, err = h.svc.VerifyTOTP(ctx, "user-1", "12345", other)
	assert.NotErrorIs(t, err, models.ErrRateLimited, "the limit is per origin")
}

// ============================================================================
// Backup Code Tests
// ============================================================================

func TestVerifyBackupCode_EachCodeOnce(t *testing.T) {
	h := newMFAHarness(t, nil)
	ctx := context.Background()
	enrollment := h.enrollTOTP(t, "user-1")
	codes := enrollment.BackupCodes

	// normalization accepts lower case and missing separators
	result, err := h.svc.VerifyBackupCode(ctx, "user-1", strings.ToLower(strings.ReplaceAll(codes[0], "-", "")), mfaRequest())
	require.NoError(t, err)
	assert.Equal(t, models.MFAMethodBackupCodes, result.Method)
	assert.Equal(t, 3, result.BackupCodesRemaining)

	_, err = h.svc.VerifyBackupCode(ctx, "user-1", codes[0], mfaRequest())
	assert.ErrorIs(t, err, models.ErrInvalidCode)

	for i, code := range codes[1:] {
		result, err = h.svc.VerifyBackupCode(ctx, "user-1", code, mfaRequest())
		require.NoError(t, err)
		assert.Equal(t, 2-i, result.BackupCodesRemaining)
	}

	_, err = h.svc.VerifyBackupCode(ctx, "user-1", codes[1], mfaRequest())
	assert.ErrorIs(t, err, models.ErrBackupCodesExhausted)
	assert.Equal(t, 4, h.sink.Count(models.EventBackupCodeUsed))
}

func TestVerifyBackupCode_NoBackupMethod(t *testing.T) {
	h := newMFAHarness(t, nil)

	_, err := h.svc.VerifyBackupCode(context.Background(), "user-1", "ABCD-EFGH", mfaRequest())
	assert.ErrorIs(t, err, models.ErrMethodNotFound)
}

func TestRegenerateBackupCodes(t *testing.T) {
	h := newMFAHarness(t, nil)
	ctx := context.Background()

	_, err := h.svc.RegenerateBackupCodes(ctx, "user-1")
	assert.ErrorIs(t, err, models.ErrMethodNotFound, "backup codes need another factor")

	enrollment := h.enrollTOTP(t, "user-1")
	fresh, err := h.svc.RegenerateBackupCodes(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, fresh, 4)

	_, err = h.svc.VerifyBackupCode(ctx, "user-1", enrollment.BackupCodes[0], mfaRequest())
	assert.ErrorIs(t, err, models.ErrInvalidCode)
	_, err = h.svc.VerifyBackupCode(ctx, "user-1", fresh[0], mfaRequest())
	assert.NoError(t, err)
	assert.Equal(t, 1, h.sink.Count(models.EventBackupCodesRenewed))
}

// ============================================================================
// SMS Factor Tests
// ============================================================================

func TestEnrollSMS_VerificationEnablesMethod(t *testing.T) {
	h := newMFAHarness(t, nil)
	ctx := context.Background()

	receipt, err := h.svc.EnrollSMS(ctx, "user-1", testPhone, mfaRequest())
	require.NoError(t, err)
	assert.False(t, h.svc.HasEnabledMethod(ctx, "user-1"))

	status, err := h.sms.ChallengeStatus(ctx, receipt.ChallengeID)
	require.NoError(t, err)
	assert.Equal(t, models.PurposeEnrollment, status.Purpose)

	result, err := h.svc.VerifySMSCode(ctx, receipt.ChallengeID, lastCode(t, h.provider), "")
	require.NoError(t, err)
	assert.Equal(t, models.MFAMethodSMS, result.Method)
	assert.True(t, h.svc.HasEnabledMethod(ctx, "user-1"))

	sms := h.methodOfType(t, "user-1", models.MFAMethodSMS)
	assert.True(t, sms.Primary)
	assert.Equal(t, testPhone, sms.Phone)

	login, err := h.svc.SendSMSCode(ctx, "user-1", mfaRequest())
	require.NoError(t, err)
	result, err = h.svc.Verify(ctx, "user-1", &models.MFAProof{
		Method:      models.MFAMethodSMS,
		ChallengeID: login.ChallengeID,
		Code:        lastCode(t, h.provider),
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestEnrollSMS_InvalidPhone(t *testing.T) {
	h := newMFAHarness(t, nil)
	ctx := context.Background()

	_, err := h.svc.EnrollSMS(ctx, "user-1", "555-0123", mfaRequest())
	assert.ErrorIs(t, err, models.ErrInvalidPhoneNumber)

	methods, err := h.svc.ListMethods(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, methods)
}

func TestEnrollSMS_ProviderFailureLeavesNoMethod(t *testing.T) {
	h := newMFAHarness(t, nil)
	ctx := context.Background()
	h.provider.SendFunc = func(ctx context.Context, number, message string) (models.SMSSendResult, error) {
		return models.SMSSendResult{}, errors.New("unavailable")
	}

	_, err := h.svc.EnrollSMS(ctx, "user-1", testPhone, mfaRequest())
	assert.ErrorIs(t, err, models.ErrProviderUnavailable)

	methods, err := h.svc.ListMethods(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, methods)
}

func TestSendSMSCode_NoEnabledMethod(t *testing.T) {
	h := newMFAHarness(t, nil)

	_, err := h.svc.SendSMSCode(context.Background(), "user-1", mfaRequest())
	assert.ErrorIs(t, err, models.ErrMethodNotFound)
}

// ============================================================================
// Verify Dispatch Tests
// ============================================================================

func TestVerify_Dispatch(t *testing.T) {
	h := newMFAHarness(t, nil)
	ctx := context.Background()
	enrollment := h.enrollTOTP(t, "user-1")
	h.clock.Advance(30 * time.Second)

	result, err := h.svc.Verify(ctx, "user-1", &models.MFAProof{
		Method: models.MFAMethodTOTP,
		Code:   h.codeAt(t, enrollment.Secret, h.clock.Now()),
	})
	require.NoError(t, err)
	assert.Equal(t, models.MFAMethodTOTP, result.Method)

	result, err = h.svc.Verify(ctx, "user-1", &models.MFAProof{Method: models.MFAMethodBackupCodes, Code: enrollment.BackupCodes[0]})
	require.NoError(t, err)
	assert.Equal(t, models.MFAMethodBackupCodes, result.Method)

	_, err = h.svc.Verify(ctx, "user-1", nil)
	assert.ErrorIs(t, err, models.ErrMFARequired)

	_, err = h.svc.Verify(ctx, "user-1", &models.MFAProof{Method: "webauthn"})
	assert.ErrorIs(t, err, models.ErrBadRequest)
}

func TestVerify_SMSChallengeOfAnotherSubject(t *testing.T) {
	h := newMFAHarness(t, nil)
	ctx := context.Background()

	receipt, err := h.svc.EnrollSMS(ctx, "user-1", testPhone, mfaRequest())
	require.NoError(t, err)

	_, err = h.svc.Verify(ctx, "user-2", &models.MFAProof{
		Method:      models.MFAMethodSMS,
		ChallengeID: receipt.ChallengeID,
		Code:        lastCode(t, h.provider),
	})
	assert.ErrorIs(t, err, models.ErrForbidden)

	status, err := h.sms.ChallengeStatus(ctx, receipt.ChallengeID)
	require.NoError(t, err)
	assert.Equal(t, 0, status.Attempts, "a foreign proof does not spend attempts")
}

// ============================================================================
// Method Management Tests
// ============================================================================

func TestRemoveMethod_PromotesNextFactor(t *testing.T) {
	h := newMFAHarness(t, nil)
	ctx := context.Background()
	enrollment := h.enrollTOTP(t, "user-1")

	receipt, err := h.svc.EnrollSMS(ctx, "user-1", testPhone, mfaRequest())
	require.NoError(t, err)
	_, err = h.svc.VerifySMSCode(ctx, receipt.ChallengeID, lastCode(t, h.provider), "")
	require.NoError(t, err)
	require.False(t, h.methodOfType(t, "user-1", models.MFAMethodSMS).Primary)

	assert.ErrorIs(t, h.svc.RemoveMethod(ctx, "user-2", enrollment.MethodID), models.ErrMethodNotFound)
	require.NoError(t, h.svc.RemoveMethod(ctx, "user-1", enrollment.MethodID))

	assert.True(t, h.methodOfType(t, "user-1", models.MFAMethodSMS).Primary)
	assert.Equal(t, 1, h.sink.Count(models.EventMFARemoved))
}

func TestDeleteSubject_RemovesEverything(t *testing.T) {
	repo := repositories.NewMemoryMFAMethodRepository()
	h := newMFAHarness(t, repo)
	ctx := context.Background()
	h.enrollTOTP(t, "user-1")

	require.NoError(t, h.svc.DeleteSubject(ctx, "user-1"))

	methods, err := h.svc.ListMethods(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, methods)
	stored, err := repo.ListBySubject(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, stored)
	_, ok := h.svc.LastVerified("user-1")
	assert.False(t, ok)
}

func TestMFAService_HydratesFromRepository(t *testing.T) {
	repo := repositories.NewMemoryMFAMethodRepository()
	first := newMFAHarness(t, repo)
	enrollment := first.enrollTOTP(t, "user-1")

	second := newMFAHarness(t, repo)
	ctx := context.Background()
	assert.True(t, second.svc.HasEnabledMethod(ctx, "user-1"))

	// the step used for confirmation was persisted, so it stays spent
	_, err := second.svc.VerifyTOTP(ctx, "user-1", second.codeAt(t, enrollment.Secret, second.clock.Now()), mfaRequest())
	assert.ErrorIs(t, err, models.ErrInvalidCode)

	second.clock.Advance(30 * time.Second)
	_, err = second.svc.VerifyTOTP(ctx, "user-1", second.codeAt(t, enrollment.Secret, second.clock.Now()), mfaRequest())
	assert.NoError(t, err)
}

// recordingMFARepo records SaveAll batches on top of the memory repository
type recordingMFARepo struct {
	*repositories.MemoryMFAMethodRepository
	mu      sync.Mutex
	batches [][]string
}

func (r *recordingMFARepo) SaveAll(ctx context.Context, methods ...*models.MFAMethod) error {
	ids := make([]string, 0, len(methods))
	for _, m := range methods {
		ids = append(ids, string(m.Type))
	}
	r.mu.Lock()
	r.batches = append(r.batches, ids)
	r.mu.Unlock()
	return r.MemoryMFAMethodRepository.SaveAll(ctx, methods...)
}

func TestConfirmTOTPEnrollment_PersistsFactorAndBackupCodesTogether(t *testing.T) {
	repo := &recordingMFARepo{MemoryMFAMethodRepository: repositories.NewMemoryMFAMethodRepository()}
	h := newMFAHarness(t, repo)
	h.enrollTOTP(t, "user-1")

	repo.mu.Lock()
	batches := repo.batches
	repo.mu.Unlock()
	require.Len(t, batches, 1)
	assert.ElementsMatch(t, []string{string(models.MFAMethodTOTP), string(models.MFAMethodBackupCodes)}, batches[0])

	stored, err := repo.ListBySubject(context.Background(), "user-1")
	require.NoError(t, err)
	for _, m := range stored {
		assert.True(t, m.Enabled, "%s enabled", m.Type)
	}
}
