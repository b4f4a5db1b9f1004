package auth

import (
	"crypto"
	"fmt"
	"time"

	"github.com/BradenHooton/authcore/internal/models"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenVerifier validates tokens with the public key only.
// Components without signing authority build one of these.
type TokenVerifier struct {
	publicKey crypto.PublicKey
	alg       string
	issuer    string
	audience  string
	now       func() time.Time
}

// NewTokenVerifier creates a verifier for tokens minted by issuer for audience.
// now may be nil, in which case time.Now is used.
func NewTokenVerifier(publicKey crypto.PublicKey, issuer, audience string, now func() time.Time) (*TokenVerifier, error) {
	alg := KeyAlg(publicKey)
	if alg == "" {
		return nil, fmt.Errorf("unsupported verification key type %T", publicKey)
	}
	if issuer == "" || audience == "" {
		return nil, fmt.Errorf("issuer and audience are required")
	}
	if now == nil {
		now = time.Now
	}
	return &TokenVerifier{
		publicKey: publicKey,
		alg:       alg,
		issuer:    issuer,
		audience:  audience,
		now:       now,
	}, nil
}

func (v *TokenVerifier) parse(tokenString string, claims jwt.Claims) error {
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return v.publicKey, nil
	},
		jwt.WithValidMethods([]string{v.alg}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrInvalidSignature, err)
	}
	if !token.Valid {
		return models.ErrInvalidSignature
	}
	return nil
}

// ParseAccess verifies an access token and returns its claims
func (v *TokenVerifier) ParseAccess(tokenString string) (*models.AccessClaims, error) {
	claims := &models.AccessClaims{}
	if err := v.parse(tokenString, claims); err != nil {
		return nil, err
	}
	if claims.Type != models.TokenTypeAccess {
		return nil, fmt.Errorf("%w: not an access token", models.ErrInvalidSignature)
	}
	if claims.SessionID == "" || claims.Subject == "" || claims.ID == "" {
		return nil, fmt.Errorf("%w: missing required claims", models.ErrInvalidSignature)
	}
	return claims, nil
}

// ParseRefresh verifies a refresh token and returns its claims
func (v *TokenVerifier) ParseRefresh(tokenString string) (*models.RefreshClaims, error) {
	claims := &models.RefreshClaims{}
	if err := v.parse(tokenString, claims); err != nil {
		return nil, err
	}
	if claims.Type != models.TokenTypeRefresh {
		return nil, fmt.Errorf("%w: not a refresh token", models.ErrInvalidSignature)
	}
	if claims.Family == "" || claims.Subject == "" || claims.ID == "" {
		return nil, fmt.Errorf("%w: missing required claims", models.ErrInvalidSignature)
	}
	return claims, nil
}

// TokenManager signs access and refresh tokens with the private key
type TokenManager struct {
	*TokenVerifier
	signer crypto.Signer
	method jwt.SigningMethod
}

// NewTokenManager creates a TokenManager from the key provider.
// It fails if no signing key is configured.
func NewTokenManager(keys KeyProvider, issuer, audience string, now func() time.Time) (*TokenManager, error) {
	signer, err := keys.SigningKey()
	if err != nil {
		return nil, fmt.Errorf("failed to load signing key: %w", err)
	}
	public, err := keys.VerificationKey()
	if err != nil {
		return nil, fmt.Errorf("failed to load verification key: %w", err)
	}

	verifier, err := NewTokenVerifier(public, issuer, audience, now)
	if err != nil {
		return nil, err
	}

	var method jwt.SigningMethod
	switch KeyAlg(signer.Public()) {
	case "RS256":
		method = jwt.SigningMethodRS256
	case "ES256":
		method = jwt.SigningMethodES256
	default:
		return nil, fmt.Errorf("unsupported signing key type %T", signer.Public())
	}
	if method.Alg() != verifier.alg {
		return nil, fmt.Errorf("signing key (%s) and verification key (%s) do not match", method.Alg(), verifier.alg)
	}

	return &TokenManager{
		TokenVerifier: verifier,
		signer:        signer,
		method:        method,
	}, nil
}

// IssueAccess creates a short-lived access token for the session.
// Returns the token string and its JTI.
func (tm *TokenManager) IssueAccess(session *models.Session, issuedAt, expiresAt time.Time) (string, string, error) {
	jti := uuid.New().String()

	claims := &models.AccessClaims{
		Type:              models.TokenTypeAccess,
		SessionID:         session.ID,
		Scope:             session.Scopes,
		DeviceFingerprint: session.DeviceFingerprint,
		MFAVerified:       session.MFAVerified,
		RiskScore:         session.RiskScore,
		SecurityLevel:     session.SecurityLevel.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   session.SubjectID,
			Issuer:    tm.issuer,
			Audience:  jwt.ClaimStrings{tm.audience},
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	tokenString, err := jwt.NewWithClaims(tm.method, claims).SignedString(tm.signer)
	if err != nil {
		return "", "", fmt.Errorf("failed to sign access token: %w", err)
	}
	return tokenString, jti, nil
}

// IssueRefresh creates a refresh token with the given id inside family
func (tm *TokenManager) IssueRefresh(subjectID, family, tokenID string, issuedAt, expiresAt time.Time) (string, error) {
	claims := &models.RefreshClaims{
		Type:   models.TokenTypeRefresh,
		Family: family,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        tokenID,
			Subject:   subjectID,
			Issuer:    tm.issuer,
			Audience:  jwt.ClaimStrings{tm.audience},
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	tokenString, err := jwt.NewWithClaims(tm.method, claims).SignedString(tm.signer)
	if err != nil {
		return "", fmt.Errorf("failed to sign refresh token: %w", err)
	}
	return tokenString, nil
}
