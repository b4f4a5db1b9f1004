package auth

import (
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"io"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	qrcode "github.com/skip2/go-qrcode"
)

// TOTPConfig holds the authenticator algorithm parameters
type TOTPConfig struct {
	Issuer     string
	Period     uint // seconds per step
	Skew       uint // accepted steps either side of the current one
	Digits     otp.Digits
	Algorithm  otp.Algorithm
	SecretSize uint // bytes
}

// DefaultTOTPConfig returns RFC 6238 defaults with a ±1 step window
func DefaultTOTPConfig(issuer string) TOTPConfig {
	return TOTPConfig{
		Issuer:     issuer,
		Period:     30,
		Skew:       1,
		Digits:     otp.DigitsSix,
		Algorithm:  otp.AlgorithmSHA1,
		SecretSize: 20,
	}
}

// TOTPKey is a freshly generated authenticator secret
type TOTPKey struct {
	Secret string // base32
	URI    string // otpauth:// provisioning URI
	QRCode string // PNG data URL of URI
}

// TOTPManager generates secrets and matches codes against time steps
type TOTPManager struct {
	config TOTPConfig
	random io.Reader
}

// NewTOTPManager creates a TOTP manager; random nil means crypto/rand
func NewTOTPManager(config TOTPConfig, random io.Reader) *TOTPManager {
	if config.Period == 0 {
		config.Period = 30
	}
	if config.Digits == 0 {
		config.Digits = otp.DigitsSix
	}
	if config.SecretSize == 0 {
		config.SecretSize = 20
	}
	return &TOTPManager{config: config, random: random}
}

// Period returns the step length
func (tm *TOTPManager) Period() time.Duration {
	return time.Duration(tm.config.Period) * time.Second
}

// Generate creates a new secret with its provisioning URI and QR code
func (tm *TOTPManager) Generate(accountName string) (*TOTPKey, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      tm.config.Issuer,
		AccountName: accountName,
		Period:      tm.config.Period,
		SecretSize:  tm.config.SecretSize,
		Digits:      tm.config.Digits,
		Algorithm:   tm.config.Algorithm,
		Rand:        tm.random,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate TOTP key: %w", err)
	}

	png, err := qrcode.Encode(key.URL(), qrcode.Medium, 256)
	if err != nil {
		return nil, fmt.Errorf("failed to create QR code: %w", err)
	}

	return &TOTPKey{
		Secret: key.Secret(),
		URI:    key.URL(),
		QRCode: "data:image/png;base64," + base64.StdEncoding.EncodeToString(png),
	}, nil
}

func (tm *TOTPManager) validateOpts() totp.ValidateOpts {
	return totp.ValidateOpts{
		Period:    tm.config.Period,
		Skew:      0,
		Digits:    tm.config.Digits,
		Algorithm: tm.config.Algorithm,
	}
}

// Step returns the time step containing t
func (tm *TOTPManager) Step(t time.Time) int64 {
	return t.Unix() / int64(tm.config.Period)
}

// CodeAt returns the code valid at t
func (tm *TOTPManager) CodeAt(secret string, t time.Time) (string, error) {
	code, err := totp.GenerateCodeCustom(secret, t, tm.validateOpts())
	if err != nil {
		return "", fmt.Errorf("failed to generate TOTP code: %w", err)
	}
	return code, nil
}

// Match checks code against the steps around at (±Skew) and returns the matched step.
// Every candidate step is compared so timing does not reveal which one matched.
func (tm *TOTPManager) Match(secret, code string, at time.Time) (int64, bool, error) {
	if len(code) != tm.config.Digits.Length() {
		return 0, false, nil
	}

	current := tm.Step(at)
	skew := int64(tm.config.Skew)
	period := int64(tm.config.Period)

	var matched int64
	found := false
	for step := current - skew; step <= current+skew; step++ {
		expected, err := tm.CodeAt(secret, time.Unix(step*period, 0))
		if err != nil {
			return 0, false, err
		}
		if subtle.ConstantTimeCompare([]byte(expected), []byte(code)) == 1 && !found {
			matched = step
			found = true
		}
	}
	return matched, found, nil
}
