package villenauth

import (
	"context"
	"errors"
)

// SetAccountStatus disables or re-enables an account. Only admins may call
// it; disabling also revokes every session lineage so refresh stops
// working immediately (outstanding access tokens live until their exp).
func (e *Engine) SetAccountStatus(ctx context.Context, actorUserID, targetUserID string, status AccountStatus) error {
	if e == nil || e.store == nil {
		return ErrEngineNotReady
	}

	if err := e.requireAdmin(ctx, actorUserID, auditEventAccountStatusChange); err != nil {
		return err
	}

	target, err := e.store.GetByID(ctx, targetUserID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return ErrAccountNotFound
		}
		return backendErr(err)
	}

	if err := e.store.UpdateStatus(ctx, targetUserID, status); err != nil {
		return backendErr(err)
	}

	if status == AccountDisabled {
		if err := e.sessions.DeleteAllForUser(ctx, targetUserID); err != nil {
			return backendErr(err)
		}
	}

	e.metricInc(MetricAccountStatusChange)
	e.emitAudit(ctx, auditEventAccountStatusChange, true, targetUserID, "", nil, func() map[string]string {
		return map[string]string{
			"actor":      actorUserID,
			"identifier": target.Email,
			"old_status": statusLabel(target.Status),
			"new_status": statusLabel(status),
		}
	})

	return nil
}

// ChangeRole moves an account to another step of the hierarchy. Only
// admins may call it; sessions are revoked so tokens minted afterwards
// carry the new role.
func (e *Engine) ChangeRole(ctx context.Context, actorUserID, targetUserID string, role Role) error {
	if e == nil || e.store == nil {
		return ErrEngineNotReady
	}

	if !role.Valid() {
		return ErrRoleInvalid
	}

	if err := e.requireAdmin(ctx, actorUserID, auditEventRoleChange); err != nil {
		return err
	}

	target, err := e.store.GetByID(ctx, targetUserID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return ErrAccountNotFound
		}
		return backendErr(err)
	}

	if err := e.store.UpdateRole(ctx, targetUserID, role); err != nil {
		return backendErr(err)
	}

	if err := e.sessions.DeleteAllForUser(ctx, targetUserID); err != nil {
		return backendErr(err)
	}

	e.metricInc(MetricRoleChange)
	e.emitAudit(ctx, auditEventRoleChange, true, targetUserID, "", nil, func() map[string]string {
		return map[string]string{
			"actor":    actorUserID,
			"old_role": target.Role.String(),
			"new_role": role.String(),
		}
	})

	return nil
}

func (e *Engine) requireAdmin(ctx context.Context, actorUserID, event string) error {
	actor, err := e.store.GetByID(ctx, actorUserID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return ErrUnauthorized
		}
		return backendErr(err)
	}

	if actor.Status != AccountActive || !actor.Role.AtLeast(RoleAdmin) {
		e.emitAudit(ctx, event, false, actorUserID, "", ErrUnauthorized, nil)
		return ErrUnauthorized
	}

	return nil
}

func statusLabel(status AccountStatus) string {
	switch status {
	case AccountActive:
		return "active"
	case AccountPendingVerification:
		return "pending_verification"
	case AccountDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}
