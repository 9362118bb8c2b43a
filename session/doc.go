// Package session provides Redis-backed refresh-session persistence and
// the compact binary encoding used on authentication hot paths.
//
// # Binary encoding
//
// Sessions are stored as a fixed-layout binary blob so the rotation Lua
// script can read and rewrite the refresh hash without a full decoder.
//
// # Architecture boundaries
//
// This package owns the [Store] (Redis operations) and the [Session]
// model. It does NOT mint or parse JWTs, and it does not enforce
// authentication policy — those responsibilities belong to the Engine.
package session
