package villenauth

import (
	"context"
	"errors"
)

const (
	auditEventLoginSuccess         = "login_success"
	auditEventLoginFailure         = "login_failure"
	auditEventLoginLockedOut       = "login_locked_out"
	auditEventLockoutEngaged       = "lockout_engaged"
	auditEventRefreshSuccess       = "refresh_success"
	auditEventRefreshInvalid       = "refresh_invalid"
	auditEventRefreshReuseDetected = "refresh_reuse_detected"
	auditEventLogoutSession        = "logout_session"
	auditEventLogoutAll            = "logout_all"
	auditEventCodeRequest          = "code_request"
	auditEventCodeVerify           = "code_verify"
	auditEventCodeThrottled        = "code_request_throttled"
	auditEventRegistrationComplete = "registration_complete"
	auditEventPasswordResetConfirm = "password_reset_confirm"
	auditEventPasswordChange       = "password_change"
	auditEventAccountStatusChange  = "account_status_change"
	auditEventRoleChange           = "role_change"
	auditEventUploadAccepted       = "upload_accepted"
	auditEventUploadRejected       = "upload_rejected"
	auditEventCSRFRejected         = "csrf_rejected"
)

type AuditErrorCode string

const (
	auditErrUnauthorized       AuditErrorCode = "unauthorized"
	auditErrInvalidCredentials AuditErrorCode = "invalid_credentials"
	auditErrAccountLocked      AuditErrorCode = "account_locked"
	auditErrAccountDisabled    AuditErrorCode = "account_disabled"
	auditErrAccountNotFound    AuditErrorCode = "account_not_found"
	auditErrDuplicate          AuditErrorCode = "duplicate"
	auditErrRoleInvalid        AuditErrorCode = "role_invalid"
	auditErrCodeInvalid        AuditErrorCode = "code_invalid"
	auditErrAttemptsExceeded   AuditErrorCode = "attempts_exceeded"
	auditErrGrantInvalid       AuditErrorCode = "grant_invalid"
	auditErrPasswordPolicy     AuditErrorCode = "password_policy"
	auditErrRefreshInvalid     AuditErrorCode = "refresh_invalid"
	auditErrRefreshExpired     AuditErrorCode = "refresh_expired"
	auditErrRefreshReuse       AuditErrorCode = "refresh_reuse"
	auditErrCSRFRejected       AuditErrorCode = "csrf_rejected"
	auditErrThrottled          AuditErrorCode = "throttled"
	auditErrDelivery           AuditErrorCode = "delivery_unavailable"
	auditErrUnavailable        AuditErrorCode = "backend_unavailable"
	auditErrInternal           AuditErrorCode = "internal_error"
)

func (e *Engine) emitAudit(
	ctx context.Context,
	eventType string,
	success bool,
	userID string,
	sessionID string,
	err error,
	metadataBuilder func() map[string]string,
) {
	if e == nil || e.audit == nil {
		return
	}

	var metadata map[string]string
	if metadataBuilder != nil {
		metadata = metadataBuilder()
	}

	event := AuditEvent{
		Timestamp: e.now().UTC(),
		EventType: eventType,
		UserID:    userID,
		SessionID: sessionID,
		IP:        clientIPFromContext(ctx),
		Success:   success,
		Metadata:  metadata,
	}
	if code := auditErrorCode(err); code != "" {
		event.Error = string(code)
	}

	e.audit.Emit(ctx, event)
}

func auditErrorCode(err error) AuditErrorCode {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrInvalidCredentials):
		return auditErrInvalidCredentials
	case errors.Is(err, ErrAccountLocked):
		return auditErrAccountLocked
	case errors.Is(err, ErrAccountDisabled):
		return auditErrAccountDisabled
	case errors.Is(err, ErrAccountNotFound):
		return auditErrAccountNotFound
	case errors.Is(err, ErrAccountExists):
		return auditErrDuplicate
	case errors.Is(err, ErrRoleInvalid):
		return auditErrRoleInvalid
	case errors.Is(err, ErrCodeAttemptsExceeded):
		return auditErrAttemptsExceeded
	case errors.Is(err, ErrCodeInvalid):
		return auditErrCodeInvalid
	case errors.Is(err, ErrGrantInvalid):
		return auditErrGrantInvalid
	case errors.Is(err, ErrPasswordPolicy):
		return auditErrPasswordPolicy
	case errors.Is(err, ErrRefreshReuse):
		return auditErrRefreshReuse
	case errors.Is(err, ErrRefreshExpired):
		return auditErrRefreshExpired
	case errors.Is(err, ErrRefreshInvalid):
		return auditErrRefreshInvalid
	case errors.Is(err, ErrCSRFRejected):
		return auditErrCSRFRejected
	case errors.Is(err, ErrThrottled):
		return auditErrThrottled
	case errors.Is(err, ErrDeliveryUnavailable):
		return auditErrDelivery
	case errors.Is(err, ErrBackendUnavailable):
		return auditErrUnavailable
	case errors.Is(err, ErrUnauthorized):
		return auditErrUnauthorized
	default:
		return auditErrInternal
	}
}
