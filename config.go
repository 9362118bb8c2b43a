package villenauth

import (
	"errors"
	"time"
)

// Config is the full engine configuration tree. Configure once, pass to
// [Builder.WithConfig], and treat as immutable afterwards.
type Config struct {
	JWT      JWTConfig
	Session  SessionConfig
	Password PasswordConfig
	OTP      OTPConfig
	Lockout  LockoutConfig
	CSRF     CSRFConfig
	Upload   UploadConfig
	Audit    AuditConfig
	Metrics  MetricsConfig
}

/*
====================================
JWT CONFIG
====================================
*/

// JWTConfig controls access-token issuance and verification.
type JWTConfig struct {
	AccessTTL     time.Duration
	SigningMethod string // "hs256" (default) or "ed25519"
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
}

/*
====================================
SESSION CONFIG
====================================
*/

// SessionConfig controls the server-side refresh-session store.
type SessionConfig struct {
	RedisPrefix string
	RefreshTTL  time.Duration
}

/*
====================================
PASSWORD CONFIG
====================================
*/

// PasswordConfig holds argon2id parameters and the strength policy applied
// to candidate passwords before hashing.
type PasswordConfig struct {
	Memory      uint32 // in KB
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
	MinLength   int
}

// OTPConfig controls one-time-code issuance for registration and password
// reset.
type OTPConfig struct {
	Digits      int
	CodeTTL     time.Duration
	MaxAttempts int
	// GrantTTL bounds the window between code verification and the single
	// follow-up action it authorizes.
	GrantTTL time.Duration
	// EnumerationDelay is slept on the identity-not-found branch so both
	// branches of a code request present the same timing shape.
	EnumerationDelay time.Duration
	// RequestsPerWindow caps code requests per identity (and per IP when
	// available) within CodeTTL. Zero disables the throttle.
	RequestsPerWindow int
}

// LockoutConfig controls failed-authentication tracking.
type LockoutConfig struct {
	Threshold int
	Window    time.Duration
	Duration  time.Duration
}

// CSRFConfig controls the double-submit guard.
type CSRFConfig struct {
	Key        []byte
	CookieName string
	HeaderName string
}

// UploadConfig controls the content-validation pipeline ceilings. Zero
// values fall back to the built-in per-category limits.
type UploadConfig struct {
	MaxImageBytes    int64
	MaxDocumentBytes int64
}

// AuditConfig controls the async audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// MetricsConfig controls the in-process counters.
type MetricsConfig struct {
	Enabled bool
}

// DefaultConfig returns the baseline configuration. Key material
// (JWT.PrivateKey, CSRF.Key) must still be supplied before Build.
func DefaultConfig() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	return Config{
		JWT: JWTConfig{
			AccessTTL:     30 * time.Minute,
			SigningMethod: "hs256",
			Issuer:        "villen-auth",
		},
		Session: SessionConfig{
			RedisPrefix: "vas",
			RefreshTTL:  7 * 24 * time.Hour,
		},
		Password: PasswordConfig{
			Memory:      64 * 1024,
			Time:        3,
			Parallelism: 2,
			SaltLength:  16,
			KeyLength:   32,
			MinLength:   10,
		},
		OTP: OTPConfig{
			Digits:            6,
			CodeTTL:           10 * time.Minute,
			MaxAttempts:       5,
			GrantTTL:          10 * time.Minute,
			EnumerationDelay:  80 * time.Millisecond,
			RequestsPerWindow: 3,
		},
		Lockout: LockoutConfig{
			Threshold: 5,
			Window:    30 * time.Minute,
			Duration:  30 * time.Minute,
		},
		CSRF: CSRFConfig{
			CookieName: "XSRF-TOKEN",
			HeaderName: "X-CSRF-Token",
		},
		Audit: AuditConfig{
			Enabled:    true,
			BufferSize: 256,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// Validate checks the configuration for values that would silently weaken
// the security posture.
func (c *Config) Validate() error {
	if c.JWT.AccessTTL <= 0 {
		return errors.New("JWT.AccessTTL must be positive")
	}
	if c.Session.RefreshTTL <= c.JWT.AccessTTL {
		return errors.New("Session.RefreshTTL must exceed JWT.AccessTTL")
	}
	switch c.JWT.SigningMethod {
	case "hs256":
		if len(c.JWT.PrivateKey) < 32 {
			return errors.New("hs256 requires a private key of at least 32 bytes")
		}
	case "ed25519":
		if len(c.JWT.PrivateKey) == 0 || len(c.JWT.PublicKey) == 0 {
			return errors.New("ed25519 requires both private and public keys")
		}
	default:
		return errors.New("unsupported JWT signing method")
	}
	if c.OTP.Digits < 6 || c.OTP.Digits > 10 {
		return errors.New("OTP.Digits must be between 6 and 10")
	}
	if c.OTP.CodeTTL <= 0 || c.OTP.GrantTTL <= 0 {
		return errors.New("OTP TTLs must be positive")
	}
	if c.OTP.MaxAttempts <= 0 {
		return errors.New("OTP.MaxAttempts must be positive")
	}
	if c.Lockout.Threshold <= 0 {
		return errors.New("Lockout.Threshold must be positive")
	}
	if c.Lockout.Window <= 0 || c.Lockout.Duration <= 0 {
		return errors.New("Lockout.Window and Lockout.Duration must be positive")
	}
	if len(c.CSRF.Key) < 32 {
		return errors.New("CSRF.Key must be at least 32 bytes")
	}
	if c.Password.MinLength < 10 {
		return errors.New("Password.MinLength must be at least 10")
	}
	return nil
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.JWT.PrivateKey = cloneBytes(cfg.JWT.PrivateKey)
	out.JWT.PublicKey = cloneBytes(cfg.JWT.PublicKey)
	out.CSRF.Key = cloneBytes(cfg.CSRF.Key)
	return out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
