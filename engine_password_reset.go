package villenauth

import (
	"context"
	"errors"

	"github.com/rahulkumar-andc/villen-auth/password"
)

// RequestPasswordReset issues and delivers a reset code for identity. Like
// registration requests, the response shape never reveals whether the
// identity has an account: unknown identities return nil after a fixed
// delay without sending anything.
func (e *Engine) RequestPasswordReset(ctx context.Context, identity string) error {
	if e == nil || e.otpStore == nil {
		return ErrEngineNotReady
	}

	if err := e.throttleCodeRequest(ctx, identity); err != nil {
		return err
	}

	_, err := e.store.GetByIdentifier(ctx, identity)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			e.enumerationDelay(ctx)
			e.emitAudit(ctx, auditEventCodeRequest, false, "", "", ErrAccountNotFound, func() map[string]string {
				return map[string]string{
					"identifier": identity,
					"purpose":    PurposePasswordReset.String(),
				}
			})
			return nil
		}
		return backendErr(err)
	}

	return e.issueCode(ctx, identity, PurposePasswordReset)
}

// VerifyResetCode consumes the pending reset code and, when it matches,
// returns a single-use grant token authorizing ResetPassword.
func (e *Engine) VerifyResetCode(ctx context.Context, identity, code string) (string, error) {
	return e.verifyCode(ctx, identity, code, PurposePasswordReset)
}

// ResetPassword redeems a reset grant and replaces the password. Every
// session lineage is revoked and any active lockout is cleared, so the
// account owner regains access immediately.
func (e *Engine) ResetPassword(ctx context.Context, grantToken, newPassword string) error {
	if e == nil || e.grantStore == nil {
		return ErrEngineNotReady
	}

	record, err := e.consumeGrant(ctx, grantToken, PurposePasswordReset)
	if err != nil {
		return err
	}

	account, err := e.store.GetByIdentifier(ctx, record.Identity)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			// Account deleted between code verification and redemption.
			return ErrGrantInvalid
		}
		return backendErr(err)
	}

	newHash, err := e.passwordHash.Hash(newPassword)
	if err != nil {
		if errors.Is(err, password.ErrTooWeak) {
			e.emitAudit(ctx, auditEventPasswordResetConfirm, false, account.UserID, "", ErrPasswordPolicy, nil)
			return ErrPasswordPolicy
		}
		return backendErr(err)
	}

	if err := e.store.UpdatePasswordHash(ctx, account.UserID, newHash); err != nil {
		return backendErr(err)
	}

	if err := e.sessions.DeleteAllForUser(ctx, account.UserID); err != nil {
		return backendErr(err)
	}

	if err := e.lockout.RecordSuccess(ctx, record.Identity); err != nil {
		return backendErr(err)
	}

	e.metricInc(MetricPasswordResetConfirm)
	e.emitAudit(ctx, auditEventPasswordResetConfirm, true, account.UserID, "", nil, func() map[string]string {
		return map[string]string{
			"identifier": record.Identity,
		}
	})

	return nil
}
