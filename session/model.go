package session

// Session is one refresh lineage: the server-side record that every
// refresh token issued along a rotation chain points back to. Revoking the
// session revokes every token ever derived from it.
type Session struct {
	SessionID string
	UserID    string
	Identity  string

	Role uint8

	// RefreshHash is SHA-256 of the secret half of the newest refresh
	// token. Only the newest token in the lineage matches.
	RefreshHash [32]byte

	CreatedAt int64
	ExpiresAt int64
}
