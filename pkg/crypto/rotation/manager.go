// Package rotation manages the hub's broadcast-key lifecycle and the
// periodic timer that drives it, plus the secure key-zeroing helpers
// used whenever a superseded key leaves memory.
package rotation

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shdchub/shdc/pkg/crypto/kdf"
	"github.com/shdchub/shdc/shared/protocol"
)

var (
	// ErrRotationInProgress indicates a rotation is already in progress
	ErrRotationInProgress = errors.New("rotation already in progress")
)

// BroadcastKeyRotator manages the hub's broadcast key lifecycle: the
// monotonically increasing key version, the currently active key, and
// a brief dual-key acceptance window so sensors that haven't yet
// processed a KEY_ROTATION message aren't locked out.
//
// Thread-safe: all methods may be called concurrently.
type BroadcastKeyRotator struct {
	mu sync.RWMutex

	masterKey [32]byte

	version    uint32
	currentKey [32]byte

	havePrevious       bool
	previousVersion    uint32
	previousKey        [32]byte
	previousValidUntil time.Time

	lastRotation time.Time
	rotating     bool
}

// RotationResult describes a completed broadcast key rotation.
type RotationResult struct {
	NewKey      [32]byte
	NewVersion  uint32
	OldKey      [32]byte
	OldVersion  uint32
	ValidFrom   time.Time
	RotatedAt   time.Time
}

// Payload builds the wire payload a hub sends in the KEY_ROTATION
// message announcing this rotation to a sensor.
func (r *RotationResult) Payload() protocol.KeyRotationPayload {
	return protocol.KeyRotationPayload{
		NewKey:    r.NewKey,
		ValidFrom: uint32(r.ValidFrom.Unix()),
	}
}

// NewBroadcastKeyRotator derives version 0 of the broadcast key from
// masterKey and returns a rotator with no previous key.
func NewBroadcastKeyRotator(masterKey [32]byte) (*BroadcastKeyRotator, error) {
	key, err := kdf.DeriveBroadcastKey(masterKey, 0)
	if err != nil {
		return nil, fmt.Errorf("rotation: failed to derive initial broadcast key: %w", err)
	}
	return &BroadcastKeyRotator{
		masterKey:    masterKey,
		version:      0,
		currentKey:   key,
		lastRotation: time.Now(),
	}, nil
}

// RotateKey derives the next broadcast key version and makes it
// current immediately. The outgoing key remains acceptable for
// incoming BROADCAST_COMMAND messages until validFrom, which is
// graceWindow from now — long enough for a KEY_ROTATION notification
// to reach every joined sensor before the old key is retired.
func (r *BroadcastKeyRotator) RotateKey(graceWindow time.Duration) (*RotationResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.rotating {
		return nil, ErrRotationInProgress
	}
	r.rotating = true
	defer func() { r.rotating = false }()

	newVersion := r.version + 1
	newKey, err := kdf.DeriveBroadcastKey(r.masterKey, newVersion)
	if err != nil {
		return nil, fmt.Errorf("rotation: failed to derive broadcast key version %d: %w", newVersion, err)
	}

	now := time.Now()
	validFrom := now.Add(graceWindow)

	result := &RotationResult{
		NewKey:     newKey,
		NewVersion: newVersion,
		OldKey:     r.currentKey,
		OldVersion: r.version,
		ValidFrom:  validFrom,
		RotatedAt:  now,
	}

	if r.havePrevious {
		SecureZero(&r.previousKey)
	}
	r.previousKey = r.currentKey
	r.previousVersion = r.version
	r.previousValidUntil = validFrom
	r.havePrevious = true

	r.currentKey = newKey
	r.version = newVersion
	r.lastRotation = now

	return result, nil
}

// CurrentKey returns the active broadcast key and its version.
func (r *BroadcastKeyRotator) CurrentKey() ([32]byte, uint32) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.currentKey, r.version
}

// KeyByID resolves a BroadcastKeyID byte from a BROADCAST_COMMAND
// datagram to the key that should decrypt it, honoring the dual-key
// window opened by the most recent rotation. Returns ok=false if id
// matches neither the current nor (within its window) the previous key.
func (r *BroadcastKeyRotator) KeyByID(id byte, now time.Time) (key [32]byte, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if byte(r.version%256) == id {
		return r.currentKey, true
	}
	if r.havePrevious && now.Before(r.previousValidUntil) && byte(r.previousVersion%256) == id {
		return r.previousKey, true
	}
	return key, false
}

// ExpirePrevious zeroes the previous key once its acceptance window
// has passed. Call periodically (e.g. from the same timer that drives
// rotation) so retired key material isn't kept around indefinitely.
func (r *BroadcastKeyRotator) ExpirePrevious(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.havePrevious && !now.Before(r.previousValidUntil) {
		SecureZero(&r.previousKey)
		r.havePrevious = false
	}
}

// LastRotation returns the time of the most recent rotation.
func (r *BroadcastKeyRotator) LastRotation() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastRotation
}

// TimeSinceLastRotation returns the duration since the most recent rotation.
func (r *BroadcastKeyRotator) TimeSinceLastRotation() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return time.Since(r.lastRotation)
}
