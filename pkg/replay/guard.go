// Package replay implements the timestamp-and-nonce replay guard every
// inbound SHDC datagram passes through once its signature has already
// verified: checking the guard first would let an unauthenticated
// sender pollute its device_id-keyed state with forged ids and
// pre-seed nonces that would later reject legitimate datagrams.
package replay

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shdchub/shdc/shared/protocol"
)

var (
	// ErrTimestampOutOfRange indicates a datagram's header timestamp
	// falls outside the accepted clock-skew window.
	ErrTimestampOutOfRange = errors.New("replay: timestamp outside accepted tolerance")
	// ErrReplayed indicates a (device_id, nonce) pair was already seen.
	ErrReplayed = errors.New("replay: nonce already seen for this device")
)

// nonceEntry records when a nonce was first accepted, so Prune can
// evict it once it falls outside the dedup window.
type nonceEntry struct {
	seenAt time.Time
}

// Guard tracks, per sending device, the nonces seen within the dedup
// window and rejects datagrams whose header timestamp has drifted too
// far from the local clock. HUB_DISCOVERY_REQ datagrams (device_id ==
// protocol.UnassignedDeviceID, since an undiscovered sensor has no
// device_id yet) still get the timestamp check but bypass the nonce
// dedup — many sensors legitimately broadcast discovery requests with
// the same unassigned device_id at once.
type Guard struct {
	mu        sync.Mutex
	tolerance time.Duration
	window    time.Duration
	seen      map[uint32]map[[3]byte]nonceEntry
}

// NewGuard creates a replay guard with the given clock-skew tolerance.
// The dedup window (how long a nonce is remembered before it can be
// reused) is twice the tolerance, so a datagram accepted at the edge
// of the tolerance window can never collide with one replayed just
// after its nonce would otherwise have aged out.
func NewGuard(tolerance time.Duration) *Guard {
	return &Guard{
		tolerance: tolerance,
		window:    2 * tolerance,
		seen:      make(map[uint32]map[[3]byte]nonceEntry),
	}
}

// DefaultGuard returns a Guard configured with SHDC's standard 30s
// replay tolerance (protocol.ReplayToleranceSeconds).
func DefaultGuard() *Guard {
	return NewGuard(time.Duration(protocol.ReplayToleranceSeconds) * time.Second)
}

// Check validates a datagram's header timestamp and, unless deviceID
// is the unassigned sentinel, its (device_id, nonce) pair against
// previously accepted datagrams. On success the nonce is recorded so
// a subsequent replay of the same datagram is rejected.
func (g *Guard) Check(deviceID uint32, timestamp uint32, nonce [3]byte, now time.Time) error {
	skew := now.Sub(time.Unix(int64(timestamp), 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > g.tolerance {
		return fmt.Errorf("%w: skew %s exceeds %s", ErrTimestampOutOfRange, skew, g.tolerance)
	}

	if deviceID == protocol.UnassignedDeviceID {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	perDevice, ok := g.seen[deviceID]
	if !ok {
		perDevice = make(map[[3]byte]nonceEntry)
		g.seen[deviceID] = perDevice
	}
	if _, replayed := perDevice[nonce]; replayed {
		return fmt.Errorf("%w: device %08X nonce %x", ErrReplayed, deviceID, nonce)
	}

	perDevice[nonce] = nonceEntry{seenAt: now}
	return nil
}

// Prune discards nonce records older than the dedup window, bounding
// the guard's memory use for long-running hubs. Call periodically
// (e.g. alongside key-rotation housekeeping).
func (g *Guard) Prune(now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for deviceID, perDevice := range g.seen {
		for nonce, entry := range perDevice {
			if now.Sub(entry.seenAt) > g.window {
				delete(perDevice, nonce)
			}
		}
		if len(perDevice) == 0 {
			delete(g.seen, deviceID)
		}
	}
}

// TrackedDeviceCount returns the number of devices with at least one
// nonce currently tracked. Exposed for status reporting and tests.
func (g *Guard) TrackedDeviceCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen)
}
