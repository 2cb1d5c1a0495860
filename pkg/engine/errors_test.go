package engine

import (
	"errors"
	"testing"
)

func TestErrorWrapsAndUnwraps(t *testing.T) {
	cause := errors.New("boom")
	err := newErr(KindCrypto, "verify", cause)

	if !errors.Is(err, cause) {
		t.Fatal("Unwrap should expose the original cause to errors.Is")
	}
	if !errors.Is(err, ErrKind(KindCrypto)) {
		t.Fatal("errors.Is should match by Kind alone")
	}
	if errors.Is(err, ErrKind(KindReplay)) {
		t.Fatal("errors.Is should not match a different Kind")
	}
}

func TestCountersSnapshotTracksPerKind(t *testing.T) {
	var c Counters
	c.inc(KindCodec)
	c.inc(KindCodec)
	c.inc(KindReplay)

	snap := c.Snapshot()
	if snap[KindCodec.String()] != 2 {
		t.Fatalf("codec count = %d, want 2", snap[KindCodec.String()])
	}
	if snap[KindReplay.String()] != 1 {
		t.Fatalf("replay count = %d, want 1", snap[KindReplay.String()])
	}
	if snap[KindCrypto.String()] != 0 {
		t.Fatalf("crypto count = %d, want 0", snap[KindCrypto.String()])
	}
}

func TestKindStringCoversAllValues(t *testing.T) {
	kinds := []Kind{KindCodec, KindCrypto, KindReplay, KindKeyAbsent, KindState, KindTransport, KindPolicy}
	seen := map[string]bool{}
	for _, k := range kinds {
		s := k.String()
		if s == "" || s == "unknown" {
			t.Fatalf("Kind %d stringified to %q", k, s)
		}
		seen[s] = true
	}
	if len(seen) != len(kinds) {
		t.Fatal("Kind.String() values are not distinct")
	}
}
