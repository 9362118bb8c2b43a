package session

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

const sessionFormatVersionV1 = 1

// Encode renders the session into the compact binary blob stored in Redis.
// The layout is fixed so the rotation Lua script can locate the refresh
// hash without a full decoder:
//
//	version(1) userIDLen(1) userID identityLen(1) identity role(1)
//	refreshHash(32) createdAt(8 big-endian) expiresAt(8 big-endian)
func Encode(s *Session) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteByte(sessionFormatVersionV1)

	if len(s.UserID) > 255 {
		return nil, errors.New("userID too long")
	}
	buf.WriteByte(byte(len(s.UserID)))
	buf.WriteString(s.UserID)

	if len(s.Identity) > 255 {
		return nil, errors.New("identity too long")
	}
	buf.WriteByte(byte(len(s.Identity)))
	buf.WriteString(s.Identity)

	buf.WriteByte(s.Role)

	buf.Write(s.RefreshHash[:])

	if err := binary.Write(&buf, binary.BigEndian, s.CreatedAt); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, s.ExpiresAt); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func Decode(data []byte) (*Session, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != sessionFormatVersionV1 {
		return nil, errors.New("invalid session version")
	}

	s := &Session{}

	userLen, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	userID := make([]byte, userLen)
	if _, err := io.ReadFull(reader, userID); err != nil {
		return nil, err
	}
	s.UserID = string(userID)

	identityLen, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	identity := make([]byte, identityLen)
	if _, err := io.ReadFull(reader, identity); err != nil {
		return nil, err
	}
	s.Identity = string(identity)

	role, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	s.Role = role

	if _, err := io.ReadFull(reader, s.RefreshHash[:]); err != nil {
		return nil, err
	}

	if err := binary.Read(reader, binary.BigEndian, &s.CreatedAt); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &s.ExpiresAt); err != nil {
		return nil, err
	}

	return s, nil
}
