package villenauth

import (
	"context"
	"time"
)

// AccountStatus represents the lifecycle state of an account. Accounts are
// never hard-deleted; a ban flips the status to AccountDisabled so the audit
// trail keeps a resolvable subject.
type AccountStatus uint8

const (
	// AccountActive is a verified, usable account.
	AccountActive AccountStatus = iota
	// AccountPendingVerification exists but has not completed OTP-gated
	// registration.
	AccountPendingVerification
	// AccountDisabled is a deactivated (banned) account.
	AccountDisabled
)

// Role is one step of the fixed ordered hierarchy user < editor < admin.
type Role uint8

const (
	// RoleUser is the default role assigned at registration.
	RoleUser Role = iota
	// RoleEditor can manage content.
	RoleEditor
	// RoleAdmin can manage accounts and roles.
	RoleAdmin
)

// Valid reports whether r is a member of the hierarchy.
func (r Role) Valid() bool {
	return r <= RoleAdmin
}

// AtLeast reports whether r sits at or above min in the hierarchy.
func (r Role) AtLeast(min Role) bool {
	return r >= min
}

func (r Role) String() string {
	switch r {
	case RoleUser:
		return "user"
	case RoleEditor:
		return "editor"
	case RoleAdmin:
		return "admin"
	default:
		return "unknown"
	}
}

// AccountRecord is the full account record exchanged with [CredentialStore].
type AccountRecord struct {
	UserID       string
	Email        string
	Username     string
	PasswordHash string
	Role         Role
	Status       AccountStatus
	CreatedAt    time.Time
}

// CreateAccountInput is the input for [CredentialStore.Create]. The password
// hash is always produced by the engine; plaintext never crosses this
// boundary.
type CreateAccountInput struct {
	Email        string
	Username     string
	PasswordHash string
	Role         Role
	Status       AccountStatus
}

// CredentialStore is the persistence collaborator the host application must
// implement. Implementations are expected to be safe for concurrent use and
// to enforce identifier uniqueness (Create returns [ErrAccountExists] on a
// duplicate email or username).
type CredentialStore interface {
	GetByIdentifier(ctx context.Context, identifier string) (AccountRecord, error)
	GetByID(ctx context.Context, userID string) (AccountRecord, error)
	Create(ctx context.Context, input CreateAccountInput) (AccountRecord, error)
	UpdatePasswordHash(ctx context.Context, userID, newHash string) error
	UpdateStatus(ctx context.Context, userID string, status AccountStatus) error
	UpdateRole(ctx context.Context, userID string, role Role) error
}

// NotificationSender delivers a one-time code to an identity. Delivery
// transport (email, SMS) is out of scope; the engine only observes success
// or failure, bounded by ctx.
type NotificationSender interface {
	Send(ctx context.Context, identity, code string) error
}

// CodePurpose scopes a one-time code and its follow-up grant to exactly one
// flow.
type CodePurpose uint8

const (
	// PurposeRegistration gates account creation.
	PurposeRegistration CodePurpose = iota
	// PurposePasswordReset gates a password reset.
	PurposePasswordReset
)

func (p CodePurpose) String() string {
	switch p {
	case PurposeRegistration:
		return "registration"
	case PurposePasswordReset:
		return "password_reset"
	default:
		return "unknown"
	}
}

// TokenPair is the result of a successful login, registration, or refresh.
// The access token is a stateless JWT; the refresh token is an opaque
// single-use credential backed by a server-side session.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// Claims is the verified content of an access token, returned by
// [Engine.VerifyAccess].
type Claims struct {
	UserID    string
	Identity  string
	Role      Role
	SessionID string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// RegistrationProfile carries the caller-supplied profile fields consumed by
// [Engine.CompleteRegistration]. The identity (email) comes from the grant,
// not from the caller.
type RegistrationProfile struct {
	Username string
}

// UploadRecord is the immutable audit record of one upload attempt,
// accepted or rejected. StoredName is empty on rejection.
type UploadRecord struct {
	ID              string
	OwnerID         string
	OriginalName    string
	StoredName      string
	DeclaredType    string
	SniffedType     string
	SizeBytes       int64
	Accepted        bool
	RejectionReason string
	CreatedAt       time.Time
}
