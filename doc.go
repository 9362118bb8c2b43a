// Package villenauth is the account-security core of the villen backend: an
// embeddable gate that mediates every credential-bearing request through
// OTP-gated registration, JWT access tokens with rotating opaque refresh
// tokens, Redis-backed lockout tracking, double-submit CSRF validation, and a
// content-sniffing upload pipeline.
//
// The package is designed for concurrent server workloads: Engine methods are
// safe to call from multiple goroutines after initialization through
// [Builder.Build].
//
// # Architecture boundaries
//
// villenauth is the public surface. It exposes [Engine], [Builder], [Config],
// and value types (TokenPair, Claims, UploadRecord, AuditEvent). All internal
// coordination — one-time-code storage, lockout counters, session encoding,
// audit dispatch — lives under internal/ and is never exported. Persistence
// of account records and delivery of notification codes are the caller's
// problem, reached only through [CredentialStore] and [NotificationSender].
//
// # What this package must NOT do
//
//   - Expose Redis clients, internal stores, or encoding details in its
//     public API.
//   - Trust any client-declared upload metadata (filename, extension,
//     content type) without a magic-byte sniff.
//   - Report whether an identity exists: code-request operations take a
//     fixed-shape path regardless of account existence.
//
// # Correctness contract
//
// Every cross-request mutation (lockout counters, OTP attempt counts,
// refresh rotation) is a single atomic Redis operation or Lua script, never
// a read-then-write across two calls. Refresh redemption is exactly-once: a
// replayed refresh token revokes its entire lineage. Access-token
// verification is stateless by design; a revoked access token stays valid
// until its short natural expiry.
package villenauth
