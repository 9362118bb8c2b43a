package villenauth

import (
	"context"
	"errors"
	"time"

	"github.com/rahulkumar-andc/villen-auth/internal"
	"github.com/rahulkumar-andc/villen-auth/internal/limiters"
	"github.com/rahulkumar-andc/villen-auth/internal/stores"
	"github.com/rahulkumar-andc/villen-auth/password"
)

// RequestRegistrationCode issues and delivers a one-time code gating
// account creation for identity. The response shape never reveals whether
// the identity is already registered: requests for taken identities return
// nil after a fixed delay without sending anything.
func (e *Engine) RequestRegistrationCode(ctx context.Context, identity string) error {
	if e == nil || e.otpStore == nil {
		return ErrEngineNotReady
	}

	if err := e.throttleCodeRequest(ctx, identity); err != nil {
		return err
	}

	_, err := e.store.GetByIdentifier(ctx, identity)
	switch {
	case err == nil:
		// Identity taken. Mirror the successful path's timing and shape.
		e.enumerationDelay(ctx)
		e.emitAudit(ctx, auditEventCodeRequest, false, "", "", ErrAccountExists, func() map[string]string {
			return map[string]string{
				"identifier": identity,
				"purpose":    PurposeRegistration.String(),
			}
		})
		return nil
	case errors.Is(err, ErrAccountNotFound):
		// Expected: registration targets a fresh identity.
	default:
		return backendErr(err)
	}

	return e.issueCode(ctx, identity, PurposeRegistration)
}

// VerifyRegistrationCode consumes the pending code and, when it matches,
// returns a single-use grant token authorizing CompleteRegistration.
func (e *Engine) VerifyRegistrationCode(ctx context.Context, identity, code string) (string, error) {
	return e.verifyCode(ctx, identity, code, PurposeRegistration)
}

// CompleteRegistration redeems a registration grant and creates the
// account. The grant's identity is authoritative; the caller only
// supplies the profile and the password.
func (e *Engine) CompleteRegistration(ctx context.Context, grantToken string, profile RegistrationProfile, pass string) (*AccountRecord, error) {
	if e == nil || e.grantStore == nil {
		return nil, ErrEngineNotReady
	}

	record, err := e.consumeGrant(ctx, grantToken, PurposeRegistration)
	if err != nil {
		return nil, err
	}

	hash, err := e.passwordHash.Hash(pass)
	if err != nil {
		if errors.Is(err, password.ErrTooWeak) {
			e.emitAudit(ctx, auditEventRegistrationComplete, false, "", "", ErrPasswordPolicy, nil)
			return nil, ErrPasswordPolicy
		}
		return nil, backendErr(err)
	}

	account, err := e.store.Create(ctx, CreateAccountInput{
		Email:        record.Identity,
		Username:     profile.Username,
		PasswordHash: hash,
		Role:         RoleUser,
		Status:       AccountActive,
	})
	if err != nil {
		if errors.Is(err, ErrAccountExists) {
			e.metricInc(MetricRegistrationDuplicate)
			e.emitAudit(ctx, auditEventRegistrationComplete, false, "", "", ErrAccountExists, func() map[string]string {
				return map[string]string{
					"identifier": record.Identity,
				}
			})
			return nil, ErrAccountExists
		}
		return nil, backendErr(err)
	}

	e.metricInc(MetricRegistrationComplete)
	e.emitAudit(ctx, auditEventRegistrationComplete, true, account.UserID, "", nil, func() map[string]string {
		return map[string]string{
			"identifier": account.Email,
		}
	})

	return &account, nil
}

// issueCode writes the pending-code record first and deletes it again when
// delivery fails, so a failed send leaves no redeemable state behind.
func (e *Engine) issueCode(ctx context.Context, identity string, purpose CodePurpose) error {
	code, err := internal.NewOTP(e.config.OTP.Digits)
	if err != nil {
		return backendErr(err)
	}

	if err := e.otpStore.Save(ctx, identity, int(purpose), internal.HashBytes([]byte(code)), e.now()); err != nil {
		return backendErr(err)
	}

	if err := e.notifier.Send(ctx, identity, code); err != nil {
		if delErr := e.otpStore.Delete(ctx, identity, int(purpose)); delErr != nil {
			return backendErr(delErr)
		}
		e.emitAudit(ctx, auditEventCodeRequest, false, "", "", ErrDeliveryUnavailable, func() map[string]string {
			return map[string]string{
				"identifier": identity,
				"purpose":    purpose.String(),
			}
		})
		return ErrDeliveryUnavailable
	}

	e.metricInc(MetricCodeRequest)
	e.emitAudit(ctx, auditEventCodeRequest, true, "", "", nil, func() map[string]string {
		return map[string]string{
			"identifier": identity,
			"purpose":    purpose.String(),
		}
	})

	return nil
}

func (e *Engine) verifyCode(ctx context.Context, identity, code string, purpose CodePurpose) (string, error) {
	if e == nil || e.otpStore == nil {
		return "", ErrEngineNotReady
	}

	_, err := e.otpStore.Consume(ctx, identity, int(purpose), internal.HashBytes([]byte(code)), e.now())
	if err != nil {
		switch {
		case errors.Is(err, stores.ErrOTPAttemptsExceeded):
			e.metricInc(MetricCodeAttemptsExceeded)
			e.emitAudit(ctx, auditEventCodeVerify, false, "", "", ErrCodeAttemptsExceeded, func() map[string]string {
				return map[string]string{
					"identifier": identity,
					"purpose":    purpose.String(),
				}
			})
			return "", ErrCodeAttemptsExceeded
		case errors.Is(err, stores.ErrOTPNotFound), errors.Is(err, stores.ErrOTPMismatch):
			e.metricInc(MetricCodeVerifyFailure)
			e.emitAudit(ctx, auditEventCodeVerify, false, "", "", ErrCodeInvalid, func() map[string]string {
				return map[string]string{
					"identifier": identity,
					"purpose":    purpose.String(),
				}
			})
			return "", ErrCodeInvalid
		default:
			return "", backendErr(err)
		}
	}

	grantID, err := internal.NewOpaqueID()
	if err != nil {
		return "", backendErr(err)
	}
	secret, err := internal.NewSecret()
	if err != nil {
		return "", backendErr(err)
	}

	grant := &stores.GrantRecord{
		Purpose:    int(purpose),
		Identity:   identity,
		SecretHash: internal.HashSecret(secret),
		ExpiresAt:  e.now().Add(e.config.OTP.GrantTTL).Unix(),
	}
	if err := e.grantStore.Save(ctx, grantID.String(), grant); err != nil {
		return "", backendErr(err)
	}

	token, err := internal.EncodeOpaqueToken(grantID.String(), secret)
	if err != nil {
		return "", backendErr(err)
	}

	e.metricInc(MetricCodeVerifySuccess)
	e.emitAudit(ctx, auditEventCodeVerify, true, "", "", nil, func() map[string]string {
		return map[string]string{
			"identifier": identity,
			"purpose":    purpose.String(),
		}
	})

	return token, nil
}

func (e *Engine) consumeGrant(ctx context.Context, grantToken string, purpose CodePurpose) (*stores.GrantRecord, error) {
	grantID, secret, err := internal.DecodeOpaqueToken(grantToken)
	if err != nil {
		return nil, ErrGrantInvalid
	}

	record, err := e.grantStore.Consume(ctx, grantID, internal.HashSecret(secret), int(purpose), e.now())
	if err != nil {
		if errors.Is(err, stores.ErrGrantNotFound) || errors.Is(err, stores.ErrGrantSecretMismatch) {
			return nil, ErrGrantInvalid
		}
		return nil, backendErr(err)
	}

	return record, nil
}

func (e *Engine) throttleCodeRequest(ctx context.Context, identity string) error {
	if e.codeThrottle == nil {
		return nil
	}

	subjects := []string{identity}
	if ip := clientIPFromContext(ctx); ip != "" {
		subjects = append(subjects, "ip:"+ip)
	}

	for _, subject := range subjects {
		if err := e.codeThrottle.Allow(ctx, subject); err != nil {
			if errors.Is(err, limiters.ErrRateLimited) {
				e.metricInc(MetricCodeRequestThrottled)
				e.emitAudit(ctx, auditEventCodeThrottled, false, "", "", ErrThrottled, func() map[string]string {
					return map[string]string{
						"subject": subject,
					}
				})
				return ErrThrottled
			}
			return backendErr(err)
		}
	}

	return nil
}

// enumerationDelay sleeps for the configured duration, bounded by ctx, so
// the negative branch of a code request matches the positive one.
func (e *Engine) enumerationDelay(ctx context.Context) {
	if e.config.OTP.EnumerationDelay <= 0 {
		return
	}

	timer := time.NewTimer(e.config.OTP.EnumerationDelay)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
