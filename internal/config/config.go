package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Token    TokenConfig
	Session  SessionConfig
	MFA      MFAConfig
	SMS      SMSConfig
	Risk     RiskConfig
}

type ServerConfig struct {
	Port            string `validate:"required"`
	Env             string `validate:"oneof=development staging production test"`
	LogLevel        string `validate:"oneof=debug info warn error"`
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	IntrospectLimit int      `validate:"gte=1"` // requests per minute per IP on /v1/tokens/introspect
	TrustedProxies  []string `validate:"dive,cidr"`
}

type DatabaseConfig struct {
	Enabled           bool
	Host              string
	Port              int
	User              string
	Password          string
	Name              string
	SSLMode           string
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
}

type TokenConfig struct {
	Issuer              string        `validate:"required"`
	Audience            string        `validate:"required"`
	AccessTokenTTL      time.Duration `validate:"gt=0"`
	RefreshTokenTTL     time.Duration `validate:"gt=0"`
	PrivateKey          string        // inline PEM or file path
	PublicKey           string        // inline PEM or file path; derived from PrivateKey when empty
	SecretEncryptionKey string        // base64, 32 bytes
}

type SessionConfig struct {
	MaxConcurrentSessions    int           `validate:"gte=1"`
	TimeoutBasic             time.Duration `validate:"gt=0"`
	TimeoutElevated          time.Duration `validate:"gt=0"`
	TimeoutHighPrivilege     time.Duration `validate:"gt=0"`
	TimeoutTrading           time.Duration `validate:"gt=0"`
	TimeoutAdmin             time.Duration `validate:"gt=0"`
	MinDuration              time.Duration `validate:"gt=0"`
	RequireDeviceFingerprint bool
	ElevationMFAFreshness    time.Duration `validate:"gte=0"`
	SweepInterval            time.Duration `validate:"gt=0"`
}

type MFAConfig struct {
	TOTPIssuer         string        `validate:"required"`
	MaxAttempts        int           `validate:"gte=1"`
	AttemptWindow      time.Duration `validate:"gt=0"`
	LockoutDuration    time.Duration `validate:"gt=0"`
	VerifyRateLimit    int           `validate:"gte=1"`
	VerifyRateWindow   time.Duration `validate:"gt=0"`
	BackupCodeCount    int           `validate:"gte=1,lte=50"`
	TOTPSkew           int           `validate:"gte=0,lte=5"`
	CodeHashCost       int           `validate:"gte=4,lte=31"`
	FailureDelay       time.Duration `validate:"gte=0"`
	FailureDelayJitter time.Duration `validate:"gte=0"`
}

type SMSConfig struct {
	CodeLength        int           `validate:"gte=4,lte=10"`
	CodeExpiry        time.Duration `validate:"gt=0"`
	MaxAttempts       int           `validate:"gte=1"`
	PerPhoneLimit     int           `validate:"gte=1"`
	PerOriginLimit    int           `validate:"gte=1"`
	RateWindow        time.Duration `validate:"gt=0"`
	AllowedCountries  []string      `validate:"dive,numeric"`
	BlockedCountries  []string      `validate:"dive,numeric"`
	FraudThreshold    int           `validate:"gte=0,lte=100"`
	VerifiedGrace     time.Duration `validate:"gte=0"`
	PrimaryProvider   string        `validate:"oneof=sns http log"`
	SecondaryProvider string        `validate:"omitempty,oneof=sns http log"`
	AWSRegion         string
	HTTPURL           string `validate:"omitempty,url"`
	HTTPAPIKey        string
	HTTPSender        string
	ProviderRate      float64 `validate:"gte=0"` // messages per second, 0 disables throttling
	MessageTemplate   string  `validate:"required"`
}

type RiskConfig struct {
	Low              int      `validate:"gte=0,lte=100"`
	Medium           int      `validate:"gte=0,lte=100"`
	High             int      `validate:"gte=0,lte=100"`
	Critical         int      `validate:"gte=0,lte=100"`
	ActiveHoursStart int      `validate:"gte=0,lte=23"`
	ActiveHoursEnd   int      `validate:"gte=0,lte=24"`
	FlaggedNetworks  []string `validate:"dive,cidr"`
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnv("PORT", "8080"),
			Env:             getEnv("ENV", "development"),
			LogLevel:        strings.ToLower(getEnv("LOG_LEVEL", "info")),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvAsDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			IntrospectLimit: getEnvAsInt("INTROSPECT_RATE_LIMIT", 600),
			TrustedProxies:  getEnvAsList("TRUSTED_PROXIES"),
		},
		Database: DatabaseConfig{
			Enabled:           getEnvAsBool("DB_ENABLED", false),
			Host:              getEnv("DB_HOST", "localhost"),
			Port:              getEnvAsInt("DB_PORT", 5432),
			User:              getEnv("DB_USER", "postgres"),
			Password:          getEnv("DB_PASSWORD", ""),
			Name:              getEnv("DB_NAME", "authcore"),
			SSLMode:           getEnv("DB_SSLMODE", "disable"),
			MaxConns:          int32(getEnvAsInt("DB_MAX_CONNS", 25)),
			MinConns:          int32(getEnvAsInt("DB_MIN_CONNS", 5)),
			MaxConnLifetime:   getEnvAsDuration("DB_MAX_CONN_LIFETIME", 5*time.Minute),
			MaxConnIdleTime:   getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 1*time.Minute),
			HealthCheckPeriod: getEnvAsDuration("DB_HEALTH_CHECK_PERIOD", 1*time.Minute),
		},
		Token: TokenConfig{
			Issuer:              getEnv("TOKEN_ISSUER", "authcore"),
			Audience:            getEnv("TOKEN_AUDIENCE", "authcore-api"),
			AccessTokenTTL:      getEnvAsDuration("ACCESS_TOKEN_TTL", 15*time.Minute),
			RefreshTokenTTL:     getEnvAsDuration("REFRESH_TOKEN_TTL", 7*24*time.Hour),
			PrivateKey:          getEnv("TOKEN_PRIVATE_KEY", ""),
			PublicKey:           getEnv("TOKEN_PUBLIC_KEY", ""),
			SecretEncryptionKey: getEnv("SECRET_ENCRYPTION_KEY", ""),
		},
		Session: SessionConfig{
			MaxConcurrentSessions:    getEnvAsInt("MAX_CONCURRENT_SESSIONS", 5),
			TimeoutBasic:             getEnvAsDuration("SESSION_TIMEOUT_BASIC", 8*time.Hour),
			TimeoutElevated:          getEnvAsDuration("SESSION_TIMEOUT_ELEVATED", 2*time.Hour),
			TimeoutHighPrivilege:     getEnvAsDuration("SESSION_TIMEOUT_HIGH_PRIVILEGE", time.Hour),
			TimeoutTrading:           getEnvAsDuration("SESSION_TIMEOUT_TRADING", 30*time.Minute),
			TimeoutAdmin:             getEnvAsDuration("SESSION_TIMEOUT_ADMIN", 15*time.Minute),
			MinDuration:              getEnvAsDuration("SESSION_MIN_DURATION", 5*time.Minute),
			RequireDeviceFingerprint: getEnvAsBool("REQUIRE_DEVICE_FINGERPRINT", false),
			ElevationMFAFreshness:    getEnvAsDuration("ELEVATION_MFA_FRESHNESS", 5*time.Minute),
			SweepInterval:            getEnvAsDuration("SWEEP_INTERVAL", 5*time.Minute),
		},
		MFA: MFAConfig{
			TOTPIssuer:         getEnv("TOTP_ISSUER", "AuthCore"),
			MaxAttempts:        getEnvAsInt("MFA_MAX_ATTEMPTS", 5),
			AttemptWindow:      getEnvAsDuration("MFA_ATTEMPT_WINDOW", 15*time.Minute),
			LockoutDuration:    getEnvAsDuration("MFA_LOCKOUT_DURATION", 15*time.Minute),
			VerifyRateLimit:    getEnvAsInt("MFA_VERIFY_RATE_LIMIT", 10),
			VerifyRateWindow:   getEnvAsDuration("MFA_VERIFY_RATE_WINDOW", time.Minute),
			BackupCodeCount:    getEnvAsInt("BACKUP_CODE_COUNT", 10),
			TOTPSkew:           getEnvAsInt("TOTP_SKEW", 1),
			CodeHashCost:       getEnvAsInt("CODE_HASH_COST", 10),
			FailureDelay:       time.Duration(getEnvAsInt("MFA_FAILURE_DELAY_MS", 0)) * time.Millisecond,
			FailureDelayJitter: time.Duration(getEnvAsInt("MFA_FAILURE_JITTER_MS", 0)) * time.Millisecond,
		},
		SMS: SMSConfig{
			CodeLength:        getEnvAsInt("SMS_CODE_LENGTH", 6),
			CodeExpiry:        getEnvAsDuration("SMS_CODE_EXPIRY", 5*time.Minute),
			MaxAttempts:       getEnvAsInt("SMS_MAX_ATTEMPTS", 3),
			PerPhoneLimit:     getEnvAsInt("SMS_PER_PHONE_LIMIT", 5),
			PerOriginLimit:    getEnvAsInt("SMS_PER_ORIGIN_LIMIT", 20),
			RateWindow:        getEnvAsDuration("SMS_RATE_WINDOW", time.Hour),
			AllowedCountries:  getEnvAsList("SMS_ALLOWED_COUNTRIES"),
			BlockedCountries:  getEnvAsList("SMS_BLOCKED_COUNTRIES"),
			FraudThreshold:    getEnvAsInt("SMS_FRAUD_THRESHOLD", 70),
			VerifiedGrace:     getEnvAsDuration("SMS_VERIFIED_GRACE", 5*time.Minute),
			PrimaryProvider:   getEnv("SMS_PRIMARY_PROVIDER", "log"),
			SecondaryProvider: getEnv("SMS_SECONDARY_PROVIDER", ""),
			AWSRegion:         getEnv("AWS_REGION", "us-east-1"),
			HTTPURL:           getEnv("SMS_HTTP_URL", ""),
			HTTPAPIKey:        getEnv("SMS_HTTP_API_KEY", ""),
			HTTPSender:        getEnv("SMS_HTTP_SENDER", ""),
			ProviderRate:      getEnvAsFloat("SMS_PROVIDER_RATE", 10),
			MessageTemplate:   getEnv("SMS_MESSAGE_TEMPLATE", "Your verification code is %s. It expires in %d minutes."),
		},
		Risk: RiskConfig{
			Low:              getEnvAsInt("RISK_LOW", 25),
			Medium:           getEnvAsInt("RISK_MEDIUM", 50),
			High:             getEnvAsInt("RISK_HIGH", 75),
			Critical:         getEnvAsInt("RISK_CRITICAL", 90),
			ActiveHoursStart: getEnvAsInt("RISK_ACTIVE_HOURS_START", 6),
			ActiveHoursEnd:   getEnvAsInt("RISK_ACTIVE_HOURS_END", 23),
			FlaggedNetworks:  getEnvAsList("RISK_FLAGGED_NETWORKS"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct tags and the cross-field rules the tags cannot express
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.Token.PrivateKey == "" {
		return fmt.Errorf("TOKEN_PRIVATE_KEY is required")
	}
	if c.Token.RefreshTokenTTL <= c.Token.AccessTokenTTL {
		return fmt.Errorf("REFRESH_TOKEN_TTL (%s) must be longer than ACCESS_TOKEN_TTL (%s)",
			c.Token.RefreshTokenTTL, c.Token.AccessTokenTTL)
	}

	r := c.Risk
	if !(r.Low < r.Medium && r.Medium < r.High && r.High < r.Critical) {
		return fmt.Errorf("risk thresholds must be strictly increasing (got %d/%d/%d/%d)", r.Low, r.Medium, r.High, r.Critical)
	}
	if r.ActiveHoursStart >= r.ActiveHoursEnd {
		return fmt.Errorf("RISK_ACTIVE_HOURS_START must be before RISK_ACTIVE_HOURS_END")
	}

	s := c.Session
	timeouts := []time.Duration{s.TimeoutBasic, s.TimeoutElevated, s.TimeoutHighPrivilege, s.TimeoutTrading, s.TimeoutAdmin}
	for i := 1; i < len(timeouts); i++ {
		if timeouts[i] > timeouts[i-1] {
			return fmt.Errorf("session timeouts must not increase with security level (%s > %s)", timeouts[i], timeouts[i-1])
		}
	}
	if s.MinDuration > s.TimeoutAdmin {
		return fmt.Errorf("SESSION_MIN_DURATION (%s) exceeds SESSION_TIMEOUT_ADMIN (%s)", s.MinDuration, s.TimeoutAdmin)
	}

	if c.Database.Enabled && c.Database.Password == "" {
		return fmt.Errorf("DB_PASSWORD is required when DB_ENABLED is set")
	}

	for _, p := range []string{c.SMS.PrimaryProvider, c.SMS.SecondaryProvider} {
		if p == "http" && c.SMS.HTTPURL == "" {
			return fmt.Errorf("SMS_HTTP_URL is required for the http provider")
		}
	}
	if c.SMS.SecondaryProvider != "" && c.SMS.SecondaryProvider == c.SMS.PrimaryProvider {
		return fmt.Errorf("SMS_SECONDARY_PROVIDER must differ from SMS_PRIMARY_PROVIDER")
	}
	if strings.Count(c.SMS.MessageTemplate, "%s") != 1 {
		return fmt.Errorf("SMS_MESSAGE_TEMPLATE must contain exactly one %%s for the code")
	}

	return nil
}

// LevelTimeouts returns the per-level session timeouts from BASIC to ADMIN
func (s *SessionConfig) LevelTimeouts() []time.Duration {
	return []time.Duration{s.TimeoutBasic, s.TimeoutElevated, s.TimeoutHighPrivilege, s.TimeoutTrading, s.TimeoutAdmin}
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsFloat(key string, defaultVal float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvAsBool(key string, defaultVal bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultVal
}

// getEnvAsList splits a comma-separated value, dropping blanks and a leading "+"
func getEnvAsList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		item = strings.TrimPrefix(strings.TrimSpace(item), "+")
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}
