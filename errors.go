package villenauth

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnauthorized is returned by VerifyAccess for any token that does not
	// parse, verify, or satisfy the temporal claims.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidCredentials covers unknown identity and password mismatch
	// uniformly; the distinct internal reason is audited, never surfaced.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrAccountLocked is returned while a lockout window is active,
	// regardless of credential correctness. Use [AsLockout] for retry-after.
	ErrAccountLocked = errors.New("account locked")
	// ErrAccountExists is returned when registration targets an identity
	// that already has an account.
	ErrAccountExists = errors.New("account already exists")
	// ErrAccountDisabled is returned when the account has been deactivated.
	ErrAccountDisabled = errors.New("account disabled")
	// ErrAccountNotFound is returned by administrative operations for an
	// unknown account. Login paths collapse it into ErrInvalidCredentials.
	ErrAccountNotFound = errors.New("account not found")
	// ErrRoleInvalid is returned when a role outside the fixed hierarchy is
	// requested.
	ErrRoleInvalid = errors.New("invalid role")

	// ErrCodeInvalid covers a missing, expired, or mismatched one-time code.
	// The three cases are deliberately indistinguishable to the caller.
	ErrCodeInvalid = errors.New("invalid or expired code")
	// ErrCodeAttemptsExceeded is returned once a code has burned its attempt
	// budget; the code is unusable even before expiry and even when correct.
	ErrCodeAttemptsExceeded = errors.New("code attempts exceeded")
	// ErrGrantInvalid is returned when a verified-action token is missing,
	// expired, already consumed, or bound to a different purpose.
	ErrGrantInvalid = errors.New("invalid verification grant")

	// ErrPasswordPolicy is returned when a candidate password fails the
	// configured strength policy.
	ErrPasswordPolicy = errors.New("password policy violation")

	// ErrRefreshInvalid is returned for a refresh token that does not decode
	// or has no live session.
	ErrRefreshInvalid = errors.New("invalid refresh token")
	// ErrRefreshExpired is returned when the refresh session has aged out.
	ErrRefreshExpired = errors.New("refresh token expired")
	// ErrRefreshReuse is returned when an already-rotated refresh token is
	// redeemed again. The whole lineage is revoked before this returns.
	ErrRefreshReuse = errors.New("refresh token reuse detected")

	// ErrCSRFRejected is the uniform failure for any double-submit
	// validation problem: missing channel, value mismatch, or session
	// binding mismatch.
	ErrCSRFRejected = errors.New("csrf validation failed")

	// ErrThrottled is returned when code requests for an identity or IP
	// exceed the per-window cap.
	ErrThrottled = errors.New("too many requests")

	// ErrDeliveryUnavailable is returned when the notification collaborator
	// fails or times out. No partial OTP state is left behind.
	ErrDeliveryUnavailable = errors.New("code delivery unavailable")
	// ErrBackendUnavailable is returned when Redis is unreachable for an
	// operation that cannot proceed without it.
	ErrBackendUnavailable = errors.New("security backend unavailable")
	// ErrEngineNotReady is returned when the engine is used before Build
	// wired its dependencies.
	ErrEngineNotReady = errors.New("engine not initialized")
)

// LockoutError carries the remaining lockout duration. It matches
// [ErrAccountLocked] under errors.Is.
type LockoutError struct {
	RetryAfter time.Duration
}

func (e *LockoutError) Error() string {
	return fmt.Sprintf("account locked, retry after %s", e.RetryAfter.Round(time.Second))
}

// Is reports whether target is ErrAccountLocked.
func (e *LockoutError) Is(target error) bool {
	return target == ErrAccountLocked
}

// AsLockout extracts the retry-after hint from a login error, if present.
func AsLockout(err error) (*LockoutError, bool) {
	var le *LockoutError
	if errors.As(err, &le) {
		return le, true
	}
	return nil, false
}
