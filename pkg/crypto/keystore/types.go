// Package keystore persists the key material a hub or sensor
// accumulates over its lifetime — its own Ed25519 identity, the public
// keys of peers it has joined or discovered, per-sensor AES session
// keys, and the hub's broadcast key history — as one file pair per key
// on disk, plus an optional passphrase-encrypted export/import format
// for offline backup.
package keystore

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Lifetimes for the key classes SHDC manages: a device's own identity
// key, a per-sensor session key, and the hub's broadcast key.
const (
	DeviceIdentityLifetime = 365 * 24 * time.Hour
	SessionKeyLifetime     = 24 * time.Hour
	BroadcastKeyLifetime   = 15 * time.Minute
)

var (
	ErrKeyNotFound  = errors.New("keystore: key not found")
	ErrKeyExpired   = errors.New("keystore: key expired")
	ErrInvalidKeyID = errors.New("keystore: invalid key id")
)

// KeyType classifies the raw bytes stored under a key id, so a reader
// of the on-disk store (or an import/export tool) doesn't have to
// guess from the id string alone.
type KeyType string

const (
	KeyTypeEd25519Private KeyType = "ed25519_private"
	KeyTypeEd25519Public  KeyType = "ed25519_public"
	KeyTypeAES256         KeyType = "aes256"
)

// KeyInfo is the metadata stored alongside a key's raw bytes in its
// <key_id>.info file.
type KeyInfo struct {
	ID        string            `json:"id"`
	KeyType   KeyType           `json:"key_type"`
	CreatedAt time.Time         `json:"created_at"`
	ExpiresAt time.Time         `json:"expires_at"`         // zero value means "never expires"
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// IsExpired reports whether the key was past its lifetime at instant now.
func (k KeyInfo) IsExpired(now time.Time) bool {
	return !k.ExpiresAt.IsZero() && now.After(k.ExpiresAt)
}

// The builders below name entries in the store using the identifiers
// SHDC's wire protocol and key-rotation logic reason about: a
// device's own identity, the public keys of peers, active session
// keys, and the hub's broadcast master and per-version keys.

// DeviceIdentityKeyID names a device's own Ed25519 private key.
func DeviceIdentityKeyID() string { return "device_identity" }

// DeviceIdentityPublicKeyID names a device's own Ed25519 public key.
func DeviceIdentityPublicKeyID() string { return "device_identity_public" }

// PeerPublicKeyID names the stored Ed25519 public key of a peer device.
func PeerPublicKeyID(deviceID uint32) string {
	return fmt.Sprintf("peer_%08X_public", deviceID)
}

// SessionKeyID names the AES session key shared with a given sensor.
func SessionKeyID(deviceID uint32) string {
	return fmt.Sprintf("session_%08X", deviceID)
}

// BroadcastMasterKeyID names the hub's standing broadcast master key,
// from which every versioned broadcast key is derived.
func BroadcastMasterKeyID() string { return "broadcast_master" }

// BroadcastKeyID names a specific version of the derived broadcast key.
func BroadcastKeyID(version byte) string {
	return fmt.Sprintf("broadcast_%02X", version)
}

// classifyKeyID infers the KeyType for an id built by one of the
// functions above, so Put can record it without every caller having
// to pass it explicitly.
func classifyKeyID(id string) KeyType {
	switch {
	case id == DeviceIdentityKeyID():
		return KeyTypeEd25519Private
	case id == DeviceIdentityPublicKeyID():
		return KeyTypeEd25519Public
	case strings.HasPrefix(id, "peer_") && strings.HasSuffix(id, "_public"):
		return KeyTypeEd25519Public
	case strings.HasPrefix(id, "session_"):
		return KeyTypeAES256
	case id == BroadcastMasterKeyID():
		return KeyTypeAES256
	case strings.HasPrefix(id, "broadcast_"):
		return KeyTypeAES256
	default:
		return KeyTypeAES256
	}
}
