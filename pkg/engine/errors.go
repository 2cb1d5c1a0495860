// Package engine implements the SHDC protocol state machines — the
// hub side (accept joins, decrypt events, broadcast commands, rotate
// keys) and the sensor side (discover, join, report, receive
// broadcasts) — tying together the codec, crypto, replay, discovery,
// and transport packages into the behavior spec.md describes.
package engine

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// Kind categorizes why an inbound datagram or outbound operation was
// rejected, independent of the underlying Go error type.
type Kind int

const (
	KindCodec Kind = iota
	KindCrypto
	KindReplay
	KindKeyAbsent
	KindState
	KindTransport
	KindPolicy
)

func (k Kind) String() string {
	switch k {
	case KindCodec:
		return "codec"
	case KindCrypto:
		return "crypto"
	case KindReplay:
		return "replay"
	case KindKeyAbsent:
		return "key-absent"
	case KindState:
		return "state"
	case KindTransport:
		return "transport"
	case KindPolicy:
		return "policy"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with the Kind that classifies it for
// logging and the per-kind drop counters.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("engine: %s: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("engine: %s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// newErr builds an *Error and increments that kind's drop counter.
func newErr(kind Kind, op string, err error) *Error {
	globalCounters.inc(kind)
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is allows errors.Is(err, engine.ErrKind(KindReplay)) style checks
// against a Kind alone, without caring about Op or the wrapped cause.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) && other.Err == nil && other.Op == "" {
		return e.Kind == other.Kind
	}
	return false
}

// ErrKind builds a sentinel *Error carrying only a Kind, suitable for
// errors.Is comparisons.
func ErrKind(kind Kind) *Error { return &Error{Kind: kind} }

// Counters tracks how many errors of each Kind have been raised.
// Snapshot reads them; the status feed does not include them.
type Counters struct {
	codec      uint64
	crypto     uint64
	replay     uint64
	keyAbsent  uint64
	state      uint64
	transport  uint64
	policy     uint64
}

var globalCounters Counters

func (c *Counters) inc(kind Kind) {
	switch kind {
	case KindCodec:
		atomic.AddUint64(&c.codec, 1)
	case KindCrypto:
		atomic.AddUint64(&c.crypto, 1)
	case KindReplay:
		atomic.AddUint64(&c.replay, 1)
	case KindKeyAbsent:
		atomic.AddUint64(&c.keyAbsent, 1)
	case KindState:
		atomic.AddUint64(&c.state, 1)
	case KindTransport:
		atomic.AddUint64(&c.transport, 1)
	case KindPolicy:
		atomic.AddUint64(&c.policy, 1)
	}
}

// Snapshot returns the current value of every per-kind counter.
func (c *Counters) Snapshot() map[string]uint64 {
	return map[string]uint64{
		KindCodec.String():     atomic.LoadUint64(&c.codec),
		KindCrypto.String():    atomic.LoadUint64(&c.crypto),
		KindReplay.String():    atomic.LoadUint64(&c.replay),
		KindKeyAbsent.String(): atomic.LoadUint64(&c.keyAbsent),
		KindState.String():     atomic.LoadUint64(&c.state),
		KindTransport.String(): atomic.LoadUint64(&c.transport),
		KindPolicy.String():    atomic.LoadUint64(&c.policy),
	}
}

// GlobalCounters returns the process-wide drop counters. There is one
// set per process, not per engine instance.
func GlobalCounters() *Counters { return &globalCounters }
