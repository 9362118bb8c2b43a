package villenauth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/rahulkumar-andc/villen-auth/csrf"
	"github.com/rahulkumar-andc/villen-auth/internal"
	"github.com/rahulkumar-andc/villen-auth/internal/limiters"
	"github.com/rahulkumar-andc/villen-auth/internal/stores"
	"github.com/rahulkumar-andc/villen-auth/jwt"
	"github.com/rahulkumar-andc/villen-auth/password"
	"github.com/rahulkumar-andc/villen-auth/session"
	"github.com/rahulkumar-andc/villen-auth/upload"
)

// Engine is the account-security core. Build one with [Builder], share it
// across goroutines, and Close it on shutdown to drain the audit queue.
type Engine struct {
	config       Config
	store        CredentialStore
	notifier     NotificationSender
	sessions     *session.Store
	otpStore     *stores.OTPStore
	grantStore   *stores.GrantStore
	lockout      *limiters.Lockout
	codeThrottle *limiters.FixedWindow
	audit        *auditDispatcher
	metrics      *Metrics
	passwordHash *password.Argon2
	jwtManager   *jwt.Manager
	csrfGuard    *csrf.Guard
	uploads      *upload.Validator
	decoyHash    string
	now          func() time.Time
}

// Close flushes and stops the audit dispatcher.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.audit != nil {
		e.audit.Close()
	}
}

// AuditDropped returns how many audit events were dropped because the
// buffer was full.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

// MetricsSnapshot returns a point-in-time copy of all counters.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{Counters: map[MetricID]uint64{}}
	}
	return e.metrics.Snapshot()
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

// Login authenticates identity+password and issues a token pair. The
// lockout tracker is consulted before the password is touched and the
// decision to lock rides on the post-increment counter value, so two
// failures racing over the threshold cannot both slip through.
func (e *Engine) Login(ctx context.Context, identity, pass string) (*TokenPair, error) {
	if e == nil || e.passwordHash == nil {
		return nil, ErrEngineNotReady
	}

	if err := e.checkLocked(ctx, identity, ""); err != nil {
		return nil, err
	}

	if pass == "" {
		return nil, e.failLogin(ctx, identity, "", "empty_password")
	}

	account, err := e.store.GetByIdentifier(ctx, identity)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			// Burn a hash verification anyway so unknown identities cost
			// the same as wrong passwords.
			_, _ = e.passwordHash.Verify(pass, e.decoyHash)
			return nil, e.failLogin(ctx, identity, "", "account_not_found")
		}
		return nil, backendErr(err)
	}

	ok, err := e.passwordHash.Verify(pass, account.PasswordHash)
	if err != nil || !ok {
		return nil, e.failLogin(ctx, identity, account.UserID, "password_mismatch")
	}

	// A concurrent failure may have engaged the lock after the precheck.
	// Correct password does not bypass an active lock.
	if err := e.checkLocked(ctx, identity, account.UserID); err != nil {
		return nil, err
	}

	if statusErr := accountStatusToError(account.Status); statusErr != nil {
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventLoginFailure, false, account.UserID, "", statusErr, func() map[string]string {
			return map[string]string{
				"identifier": identity,
				"reason":     "account_status",
			}
		})
		return nil, statusErr
	}

	if err := e.lockout.RecordSuccess(ctx, identity); err != nil {
		return nil, backendErr(err)
	}

	if needsUpgrade, upErr := e.passwordHash.NeedsUpgrade(account.PasswordHash); upErr == nil && needsUpgrade {
		if upgradedHash, hashErr := e.passwordHash.Hash(pass); hashErr == nil {
			// Rehash update is best-effort and must not block login.
			if err := e.store.UpdatePasswordHash(ctx, account.UserID, upgradedHash); err != nil {
				log.Print("villenauth: password hash upgrade update failed")
			}
		}
	}
	pass = ""

	pair, sessionID, err := e.issueTokenPair(ctx, account)
	if err != nil {
		return nil, err
	}

	e.metricInc(MetricLoginSuccess)
	e.emitAudit(ctx, auditEventLoginSuccess, true, account.UserID, sessionID, nil, func() map[string]string {
		return map[string]string{
			"identifier": identity,
		}
	})

	return pair, nil
}

// checkLocked returns a LockoutError carrying the remaining lock duration
// when the identity is under an active lockout.
func (e *Engine) checkLocked(ctx context.Context, identity, userID string) error {
	locked, retryAfter, err := e.lockout.IsLocked(ctx, identity)
	if err != nil {
		return backendErr(err)
	}
	if !locked {
		return nil
	}

	e.metricInc(MetricLoginLockedOut)
	e.emitAudit(ctx, auditEventLoginLockedOut, false, userID, "", ErrAccountLocked, func() map[string]string {
		return map[string]string{
			"identifier":  identity,
			"retry_after": retryAfter.String(),
		}
	})
	return &LockoutError{RetryAfter: retryAfter}
}

// failLogin records one failed attempt and translates a threshold crossing
// into the lockout error for the attempt that crossed it.
func (e *Engine) failLogin(ctx context.Context, identity, userID, reason string) error {
	engaged, err := e.lockout.RecordFailure(ctx, identity)
	if err != nil {
		return backendErr(err)
	}

	if engaged {
		e.metricInc(MetricLockoutEngaged)
		e.emitAudit(ctx, auditEventLockoutEngaged, false, userID, "", ErrAccountLocked, func() map[string]string {
			return map[string]string{
				"identifier": identity,
				"reason":     reason,
			}
		})
		return &LockoutError{RetryAfter: e.config.Lockout.Duration}
	}

	e.metricInc(MetricLoginFailure)
	e.emitAudit(ctx, auditEventLoginFailure, false, userID, "", ErrInvalidCredentials, func() map[string]string {
		return map[string]string{
			"identifier": identity,
			"reason":     reason,
		}
	})
	return ErrInvalidCredentials
}

// Refresh redeems a refresh token for a fresh pair, rotating the stored
// hash atomically. A replayed (already rotated) token revokes the whole
// session lineage before the caller sees the error.
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	if e == nil || e.sessions == nil {
		return nil, ErrEngineNotReady
	}

	sessionID, secret, err := internal.DecodeOpaqueToken(refreshToken)
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		e.emitAudit(ctx, auditEventRefreshInvalid, false, "", "", ErrRefreshInvalid, nil)
		return nil, ErrRefreshInvalid
	}

	nextSecret, err := internal.NewSecret()
	if err != nil {
		return nil, backendErr(err)
	}

	sess, err := e.sessions.RotateRefreshHash(
		ctx,
		sessionID,
		internal.HashSecret(secret),
		internal.HashSecret(nextSecret),
		e.now(),
	)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrRefreshHashMismatch):
			e.metricInc(MetricRefreshReuseDetected)
			e.emitAudit(ctx, auditEventRefreshReuseDetected, false, "", sessionID, ErrRefreshReuse, nil)
			return nil, ErrRefreshReuse
		case errors.Is(err, session.ErrSessionExpired):
			e.metricInc(MetricRefreshFailure)
			e.emitAudit(ctx, auditEventRefreshInvalid, false, "", sessionID, ErrRefreshExpired, nil)
			return nil, ErrRefreshExpired
		case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, session.ErrSessionCorrupt):
			e.metricInc(MetricRefreshFailure)
			e.emitAudit(ctx, auditEventRefreshInvalid, false, "", sessionID, ErrRefreshInvalid, nil)
			return nil, ErrRefreshInvalid
		default:
			return nil, backendErr(err)
		}
	}

	accessToken, err := e.jwtManager.CreateAccess(sess.UserID, sess.Identity, sess.Role, sess.SessionID)
	if err != nil {
		return nil, backendErr(err)
	}

	newRefresh, err := internal.EncodeOpaqueToken(sess.SessionID, nextSecret)
	if err != nil {
		return nil, backendErr(err)
	}

	e.metricInc(MetricRefreshSuccess)
	e.emitAudit(ctx, auditEventRefreshSuccess, true, sess.UserID, sess.SessionID, nil, nil)

	return &TokenPair{AccessToken: accessToken, RefreshToken: newRefresh}, nil
}

// VerifyAccess checks an access token offline: signature, expiry, issuer.
// No Redis round trip; revocation takes effect at access-token expiry.
func (e *Engine) VerifyAccess(ctx context.Context, tokenStr string) (*Claims, error) {
	if e == nil || e.jwtManager == nil {
		return nil, ErrEngineNotReady
	}

	parsed, err := e.jwtManager.ParseAccess(tokenStr)
	if err != nil {
		return nil, ErrUnauthorized
	}

	claims := &Claims{
		UserID:    parsed.UID,
		Identity:  parsed.IDN,
		Role:      Role(parsed.ROL),
		SessionID: parsed.SID,
	}
	if parsed.IssuedAt != nil {
		claims.IssuedAt = parsed.IssuedAt.Time
	}
	if parsed.ExpiresAt != nil {
		claims.ExpiresAt = parsed.ExpiresAt.Time
	}

	return claims, nil
}

// Logout revokes one session lineage. Idempotent.
func (e *Engine) Logout(ctx context.Context, sessionID string) error {
	if e == nil || e.sessions == nil {
		return ErrEngineNotReady
	}

	if err := e.sessions.Delete(ctx, sessionID); err != nil {
		return backendErr(err)
	}

	e.metricInc(MetricLogout)
	e.emitAudit(ctx, auditEventLogoutSession, true, "", sessionID, nil, nil)
	return nil
}

// LogoutAll revokes every session lineage belonging to the user.
func (e *Engine) LogoutAll(ctx context.Context, userID string) error {
	if e == nil || e.sessions == nil {
		return ErrEngineNotReady
	}

	if err := e.sessions.DeleteAllForUser(ctx, userID); err != nil {
		return backendErr(err)
	}

	e.metricInc(MetricLogoutAll)
	e.emitAudit(ctx, auditEventLogoutAll, true, userID, "", nil, nil)
	return nil
}

// ChangePassword verifies the current password, applies the policy to the
// new one, and revokes every session so stolen refresh tokens die with the
// old password.
func (e *Engine) ChangePassword(ctx context.Context, userID, oldPassword, newPassword string) error {
	if e == nil || e.passwordHash == nil {
		return ErrEngineNotReady
	}

	account, err := e.store.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return ErrAccountNotFound
		}
		return backendErr(err)
	}

	ok, err := e.passwordHash.Verify(oldPassword, account.PasswordHash)
	if err != nil || !ok {
		e.emitAudit(ctx, auditEventPasswordChange, false, userID, "", ErrInvalidCredentials, nil)
		return ErrInvalidCredentials
	}

	newHash, err := e.passwordHash.Hash(newPassword)
	if err != nil {
		if errors.Is(err, password.ErrTooWeak) {
			e.emitAudit(ctx, auditEventPasswordChange, false, userID, "", ErrPasswordPolicy, nil)
			return ErrPasswordPolicy
		}
		return backendErr(err)
	}

	if err := e.store.UpdatePasswordHash(ctx, userID, newHash); err != nil {
		return backendErr(err)
	}

	if err := e.sessions.DeleteAllForUser(ctx, userID); err != nil {
		return backendErr(err)
	}

	e.metricInc(MetricPasswordChange)
	e.emitAudit(ctx, auditEventPasswordChange, true, userID, "", nil, nil)
	return nil
}

// IssueCSRF mints a double-submit token bound to the session.
func (e *Engine) IssueCSRF(sessionID string) (string, error) {
	if e == nil || e.csrfGuard == nil {
		return "", ErrEngineNotReady
	}
	return e.csrfGuard.Issue(sessionID)
}

// ValidateCSRF enforces the double-submit tri-equality: cookie equals the
// echoed value and the token's MAC binds it to the session. Every failure
// collapses into ErrCSRFRejected.
func (e *Engine) ValidateCSRF(ctx context.Context, sessionID, cookieValue, echoedValue string) error {
	if e == nil || e.csrfGuard == nil {
		return ErrEngineNotReady
	}

	if err := e.csrfGuard.Validate(sessionID, cookieValue, echoedValue); err != nil {
		e.metricInc(MetricCSRFRejected)
		e.emitAudit(ctx, auditEventCSRFRejected, false, "", sessionID, ErrCSRFRejected, nil)
		return ErrCSRFRejected
	}

	return nil
}

// issueTokenPair creates a new session lineage and mints the first token
// pair for it.
func (e *Engine) issueTokenPair(ctx context.Context, account AccountRecord) (*TokenPair, string, error) {
	sessionID, err := internal.NewOpaqueID()
	if err != nil {
		return nil, "", backendErr(err)
	}

	secret, err := internal.NewSecret()
	if err != nil {
		return nil, "", backendErr(err)
	}

	now := e.now()
	sess := &session.Session{
		SessionID:   sessionID.String(),
		UserID:      account.UserID,
		Identity:    account.Email,
		Role:        uint8(account.Role),
		RefreshHash: internal.HashSecret(secret),
		CreatedAt:   now.Unix(),
		ExpiresAt:   now.Add(e.config.Session.RefreshTTL).Unix(),
	}

	if err := e.sessions.Save(ctx, sess); err != nil {
		return nil, "", backendErr(err)
	}

	accessToken, err := e.jwtManager.CreateAccess(account.UserID, account.Email, uint8(account.Role), sess.SessionID)
	if err != nil {
		return nil, "", backendErr(err)
	}

	refreshToken, err := internal.EncodeOpaqueToken(sess.SessionID, secret)
	if err != nil {
		return nil, "", backendErr(err)
	}

	return &TokenPair{AccessToken: accessToken, RefreshToken: refreshToken}, sess.SessionID, nil
}

func accountStatusToError(status AccountStatus) error {
	switch status {
	case AccountActive:
		return nil
	default:
		return ErrAccountDisabled
	}
}

func backendErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
}
