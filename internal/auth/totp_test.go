package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/pquerna/otp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTOTPSecret = "JBSWY3DPEHPK3PXPJBSWY3DPEHPK3PXP"

// stepStart is the first second of a 30s step
var stepStart = time.Unix(1_700_000_010, 0).UTC()

func newTestTOTPManager() *TOTPManager {
	return NewTOTPManager(DefaultTOTPConfig("AuthCore"), nil)
}

// ============================================================================
// Generation Tests
// ============================================================================

func TestTOTPManager_Generate_Success(t *testing.T) {
	tm := newTestTOTPManager()

	key, err := tm.Generate("user@example.com")
	require.NoError(t, err)

	assert.NotEmpty(t, key.Secret)
	assert.True(t, strings.HasPrefix(key.URI, "otpauth://totp/"))
	assert.Contains(t, key.URI, "issuer=AuthCore")
	assert.True(t, strings.HasPrefix(key.QRCode, "data:image/png;base64,"))
}

func TestTOTPManager_Generate_UniqueSecrets(t *testing.T) {
	tm := newTestTOTPManager()

	a, err := tm.Generate("user@example.com")
	require.NoError(t, err)
	b, err := tm.Generate("user@example.com")
	require.NoError(t, err)

	assert.NotEqual(t, a.Secret, b.Secret)
}

func TestTOTPManager_Generate_CodesMatch(t *testing.T) {
	tm := newTestTOTPManager()
	key, err := tm.Generate("user@example.com")
	require.NoError(t, err)

	code, err := tm.CodeAt(key.Secret, stepStart)
	require.NoError(t, err)

	step, ok, err := tm.Match(key.Secret, code, stepStart)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, tm.Step(stepStart), step)
}

// ============================================================================
// Matching Tests
// ============================================================================

func TestTOTPManager_Match_WithinWindow(t *testing.T) {
	tm := newTestTOTPManager()
	code, err := tm.CodeAt(testTOTPSecret, stepStart)
	require.NoError(t, err)

	tests := []struct {
		name   string
		offset time.Duration
		want   bool
	}{
		{name: "same step", offset: 0, want: true},
		{name: "25 seconds later", offset: 25 * time.Second, want: true},
		{name: "next step", offset: 35 * time.Second, want: true},
		{name: "previous step", offset: -5 * time.Second, want: true},
		{name: "90 seconds later", offset: 90 * time.Second, want: false},
		{name: "two steps earlier", offset: -35 * time.Second, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok, err := tm.Match(testTOTPSecret, code, stepStart.Add(tt.offset))
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestTOTPManager_Match_ReturnsMatchedStep(t *testing.T) {
	tm := newTestTOTPManager()
	code, err := tm.CodeAt(testTOTPSecret, stepStart)
	require.NoError(t, err)

	// Verified one step later, the code still belongs to the original step
	step, ok, err := tm.Match(testTOTPSecret, code, stepStart.Add(35*time.Second))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, tm.Step(stepStart), step)
}

func TestTOTPManager_Match_WrongLength(t *testing.T) {
	tm := newTestTOTPManager()

	for _, code := range []string{"", "123", "1234567", "abcdefgh"} {
		_, ok, err := tm.Match(testTOTPSecret, code, stepStart)
		assert.NoError(t, err)
		assert.False(t, ok, "code %q", code)
	}
}

func TestTOTPManager_Match_ZeroSkew(t *testing.T) {
	cfg := DefaultTOTPConfig("AuthCore")
	cfg.Skew = 0
	tm := NewTOTPManager(cfg, nil)

	code, err := tm.CodeAt(testTOTPSecret, stepStart)
	require.NoError(t, err)

	_, ok, err := tm.Match(testTOTPSecret, code, stepStart.Add(35*time.Second))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTOTPManager_CodeAt_EightDigits(t *testing.T) {
	cfg := DefaultTOTPConfig("AuthCore")
	cfg.Digits = otp.DigitsEight
	tm := NewTOTPManager(cfg, nil)

	code, err := tm.CodeAt(testTOTPSecret, stepStart)
	require.NoError(t, err)
	assert.Len(t, code, 8)
}

func TestTOTPManager_CodeAt_InvalidSecret(t *testing.T) {
	tm := newTestTOTPManager()

	_, err := tm.CodeAt("not base32 !!", stepStart)
	assert.Error(t, err)
}
