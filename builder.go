package villenauth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rahulkumar-andc/villen-auth/csrf"
	"github.com/rahulkumar-andc/villen-auth/internal/limiters"
	"github.com/rahulkumar-andc/villen-auth/internal/stores"
	"github.com/rahulkumar-andc/villen-auth/jwt"
	"github.com/rahulkumar-andc/villen-auth/password"
	"github.com/rahulkumar-andc/villen-auth/session"
	"github.com/rahulkumar-andc/villen-auth/upload"
)

// Builder assembles an Engine. Configure during initialization, call Build
// once, and discard.
type Builder struct {
	config Config
	redis  *redis.Client

	credentials CredentialStore
	notifier    NotificationSender
	auditSink   AuditSink
	now         func() time.Time

	built bool
}

// New returns a Builder seeded with the default configuration.
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

// WithConfig replaces the default configuration. The config is cloned, so
// later mutations of cfg have no effect on the built Engine.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis sets the Redis client backing sessions, one-time codes, and
// lockout counters. Required.
func (b *Builder) WithRedis(client *redis.Client) *Builder {
	b.redis = client
	return b
}

// WithCredentialStore sets the application's account storage. Required.
func (b *Builder) WithCredentialStore(store CredentialStore) *Builder {
	b.credentials = store
	return b
}

// WithNotifier sets the delivery channel for one-time codes. Required.
func (b *Builder) WithNotifier(sender NotificationSender) *Builder {
	b.notifier = sender
	return b
}

// WithAuditSink sets the destination for audit events. Optional; without a
// sink events are dropped silently.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithClock overrides the engine's time source. Intended for tests.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// WithMetricsEnabled toggles the in-process counters.
func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// Build validates the configuration and wires the Engine. A Builder can
// only be consumed once.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)

	if b.redis == nil {
		return nil, errors.New("redis client required")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if b.credentials == nil {
		return nil, errors.New("credential store required")
	}

	if b.notifier == nil {
		return nil, errors.New("notification sender required")
	}

	now := b.now
	if now == nil {
		now = time.Now
	}

	// -------- SESSION STORE --------
	sessions := session.NewStore(b.redis, cfg.Session.RedisPrefix, cfg.Session.RefreshTTL)

	engine := &Engine{
		config:   cfg,
		store:    b.credentials,
		notifier: b.notifier,
		sessions: sessions,
		now:      now,
	}

	engine.otpStore = stores.NewOTPStore(b.redis, cfg.OTP.CodeTTL, cfg.OTP.MaxAttempts)
	engine.grantStore = stores.NewGrantStore(b.redis, cfg.OTP.GrantTTL)
	engine.lockout = limiters.NewLockout(b.redis, limiters.LockoutConfig{
		Threshold: cfg.Lockout.Threshold,
		Window:    cfg.Lockout.Window,
		Duration:  cfg.Lockout.Duration,
	})
	engine.codeThrottle = limiters.NewFixedWindow(b.redis, "otpreq", cfg.OTP.RequestsPerWindow, cfg.OTP.CodeTTL)
	engine.audit = newAuditDispatcher(cfg.Audit, b.auditSink)
	engine.metrics = NewMetrics(cfg.Metrics)
	engine.uploads = upload.NewValidator(upload.Limits{
		MaxImageBytes:    cfg.Upload.MaxImageBytes,
		MaxDocumentBytes: cfg.Upload.MaxDocumentBytes,
	})

	ph, err := password.NewArgon2(password.Config{
		Memory:      cfg.Password.Memory,
		Time:        cfg.Password.Time,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  cfg.Password.SaltLength,
		KeyLength:   cfg.Password.KeyLength,
		MinLength:   cfg.Password.MinLength,
	})
	if err != nil {
		return nil, err
	}
	engine.passwordHash = ph

	// Precompute a decoy hash so login can burn a verification for
	// unknown identities with the same argon2 cost as real ones.
	decoySecret := make([]byte, 18)
	if _, err := rand.Read(decoySecret); err != nil {
		return nil, err
	}
	decoy, err := ph.Hash("d1" + base64.RawURLEncoding.EncodeToString(decoySecret))
	if err != nil {
		return nil, err
	}
	engine.decoyHash = decoy

	jm, err := jwt.NewManager(jwt.Config{
		AccessTTL:     cfg.JWT.AccessTTL,
		SigningMethod: jwt.SigningMethod(cfg.JWT.SigningMethod),
		PrivateKey:    cloneBytes(cfg.JWT.PrivateKey),
		PublicKey:     cloneBytes(cfg.JWT.PublicKey),
		Issuer:        cfg.JWT.Issuer,
		Now:           now,
	})
	if err != nil {
		return nil, err
	}
	engine.jwtManager = jm

	engine.csrfGuard = csrf.NewGuard(cloneBytes(cfg.CSRF.Key))

	b.built = true

	return engine, nil
}
