package internal

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// OpaqueID is the random identifier used for sessions and verification
// grants. 128 bits, rendered as unpadded base64url.
type OpaqueID [16]byte

const (
	secretSize   = 32
	tokenRawSize = 16 + secretSize
)

func NewOpaqueID() (OpaqueID, error) {
	var id OpaqueID
	_, err := rand.Read(id[:])
	return id, err
}

func (id OpaqueID) Bytes() []byte {
	return id[:]
}

func (id OpaqueID) String() string {
	return base64.RawURLEncoding.EncodeToString(id[:])
}

func ParseOpaqueID(s string) (OpaqueID, error) {
	var id OpaqueID

	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return id, err
	}
	if len(raw) != len(id) {
		return id, errors.New("invalid id size")
	}

	copy(id[:], raw)
	return id, nil
}

func NewSecret() ([secretSize]byte, error) {
	var secret [secretSize]byte
	_, err := rand.Read(secret[:])
	return secret, err
}

func HashSecret(secret [secretSize]byte) [32]byte {
	return sha256.Sum256(secret[:])
}

func HashBytes(b []byte) [32]byte {
	return sha256.Sum256(b)
}

// EncodeOpaqueToken packs id||secret into a single opaque string. Used for
// both refresh tokens and verification grants; the server stores only
// SHA-256 of the secret half.
func EncodeOpaqueToken(id string, secret [secretSize]byte) (string, error) {
	parsed, err := ParseOpaqueID(id)
	if err != nil {
		return "", err
	}

	var raw [tokenRawSize]byte
	copy(raw[:len(parsed)], parsed[:])
	copy(raw[len(parsed):], secret[:])

	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}

func DecodeOpaqueToken(token string) (string, [secretSize]byte, error) {
	var secret [secretSize]byte

	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", secret, err
	}
	if len(raw) != tokenRawSize {
		return "", secret, errors.New("invalid token size")
	}

	var id OpaqueID
	copy(id[:], raw[:len(id)])
	copy(secret[:], raw[len(id):])

	return id.String(), secret, nil
}

// NewOTP returns a numeric one-time code. Each digit is drawn independently
// from crypto/rand so short codes carry no modulo bias.
func NewOTP(digits int) (string, error) {
	if digits < 6 || digits > 10 {
		return "", errors.New("invalid otp digits")
	}

	var b strings.Builder
	b.Grow(digits)

	max := big.NewInt(10)
	for i := 0; i < digits; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + n.Int64()))
	}

	otp := b.String()
	if len(otp) != digits {
		return "", fmt.Errorf("invalid otp generation length")
	}
	return otp, nil
}
