// Package kdf derives the two symmetric keys SHDC establishes at
// runtime — the per-sensor session key and the versioned broadcast
// key — from their fixed HKDF-SHA-256 constructions.
package kdf

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the size of every key this package derives (32 bytes,
// suitable for AES-256-GCM).
const KeySize = 32

const (
	sessionInfo   = "SHDC_SESSION_KEY"
	broadcastInfo = "SHDC_BROADCAST_KEY"
	broadcastSalt = "BROADCAST"
)

var ErrKeyDerivationFailed = errors.New("kdf: key derivation failed")

// DeriveSessionKey derives the per-sensor session key established
// during JOIN_REQUEST/JOIN_RESPONSE.
//
// Construction:
//   - IKM:  sensorPublicKey (32 bytes) || hubPublicKey (32 bytes)
//   - Salt: deviceIDA (4 bytes, big-endian) || deviceIDB (4 bytes, big-endian)
//   - Info: "SHDC_SESSION_KEY"
//
// deviceIDA and deviceIDB are the two endpoints' device IDs in the
// order they appear on the wire (sensor ID, then assigned/hub ID);
// callers on both sides of a handshake must supply them in the same
// order for the derived keys to match.
func DeriveSessionKey(sensorPublicKey, hubPublicKey [32]byte, deviceIDA, deviceIDB uint32) ([KeySize]byte, error) {
	ikm := make([]byte, 0, 64)
	ikm = append(ikm, sensorPublicKey[:]...)
	ikm = append(ikm, hubPublicKey[:]...)

	salt := make([]byte, 8)
	binary.BigEndian.PutUint32(salt[0:4], deviceIDA)
	binary.BigEndian.PutUint32(salt[4:8], deviceIDB)

	return derive(ikm, salt, []byte(sessionInfo))
}

// DeriveBroadcastKey derives the broadcast key for a given rotation
// version from the hub's standing broadcast master key.
//
// Construction:
//   - IKM:  masterKey (32 bytes)
//   - Salt: (version % 256) zero-extended to 4 bytes, big-endian || "BROADCAST"
//   - Info: "SHDC_BROADCAST_KEY"
//
// version wraps modulo 256 per the wire format's single-byte
// broadcast key identifier; callers may pass the full rotation
// counter here, since it is reduced before entering the salt.
func DeriveBroadcastKey(masterKey [32]byte, version uint32) ([KeySize]byte, error) {
	salt := make([]byte, 0, 4+len(broadcastSalt))
	var versionBytes [4]byte
	binary.BigEndian.PutUint32(versionBytes[:], version%256)
	salt = append(salt, versionBytes[:]...)
	salt = append(salt, []byte(broadcastSalt)...)

	return derive(masterKey[:], salt, []byte(broadcastInfo))
}

func derive(ikm, salt, info []byte) ([KeySize]byte, error) {
	var key [KeySize]byte

	reader := hkdf.New(sha256.New, ikm, salt, info)
	n, err := io.ReadFull(reader, key[:])
	if err != nil {
		return key, fmt.Errorf("%w: %v", ErrKeyDerivationFailed, err)
	}
	if n != KeySize {
		return key, fmt.Errorf("%w: expected %d bytes, got %d", ErrKeyDerivationFailed, KeySize, n)
	}

	return key, nil
}
