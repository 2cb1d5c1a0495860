package keystore

import (
	"errors"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	key := []byte("0123456789abcdef0123456789abcdef")

	if err := s.Put(DeviceIdentityKeyID(), key, DeviceIdentityLifetime); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, err := s.Get(DeviceIdentityKeyID())
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got) != string(key) {
		t.Errorf("Get() = %q, want %q", got, key)
	}
}

func TestGetMissingKey(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Get(SessionKeyID(1)); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Get() error = %v, want ErrKeyNotFound", err)
	}
}

func TestGetExpiredKeyReturnsErrorAndRemoves(t *testing.T) {
	s := newTestStore(t)
	if err := s.Put(BroadcastMasterKeyID(), []byte("key"), time.Nanosecond); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	time.Sleep(time.Millisecond)

	if _, err := s.Get(BroadcastMasterKeyID()); !errors.Is(err, ErrKeyExpired) {
		t.Errorf("Get() error = %v, want ErrKeyExpired", err)
	}
	if s.Exists(BroadcastMasterKeyID()) {
		t.Error("expired key should have been removed from disk")
	}
}

func TestPutZeroLifetimeNeverExpires(t *testing.T) {
	s := newTestStore(t)
	if err := s.Put(PeerPublicKeyID(7), []byte("pubkey"), 0); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if _, err := s.Get(PeerPublicKeyID(7)); err != nil {
		t.Errorf("Get() error = %v, want nil for never-expiring key", err)
	}
}

func TestDeleteRemovesBothFiles(t *testing.T) {
	s := newTestStore(t)
	id := SessionKeyID(42)
	_ = s.Put(id, []byte("session-key-bytes"), SessionKeyLifetime)

	if err := s.Delete(id); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if s.Exists(id) {
		t.Error("Exists() true after Delete()")
	}
	if _, err := s.Info(id); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Info() error = %v after delete, want ErrKeyNotFound", err)
	}
}

func TestListReturnsAllKeysSorted(t *testing.T) {
	s := newTestStore(t)
	_ = s.Put(SessionKeyID(2), []byte("b"), SessionKeyLifetime)
	_ = s.Put(SessionKeyID(1), []byte("a"), SessionKeyLifetime)
	_ = s.Put(BroadcastMasterKeyID(), []byte("c"), 0)

	infos, err := s.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(infos) != 3 {
		t.Fatalf("List() returned %d entries, want 3", len(infos))
	}
	for i := 1; i < len(infos); i++ {
		if infos[i-1].ID > infos[i].ID {
			t.Errorf("List() not sorted: %s before %s", infos[i-1].ID, infos[i].ID)
		}
	}
}

func TestCleanupExpiredRemovesOnlyExpired(t *testing.T) {
	s := newTestStore(t)
	_ = s.Put(SessionKeyID(1), []byte("expired"), time.Nanosecond)
	_ = s.Put(SessionKeyID(2), []byte("fresh"), time.Hour)
	time.Sleep(time.Millisecond)

	removed, err := s.CleanupExpired(time.Now())
	if err != nil {
		t.Fatalf("CleanupExpired() error = %v", err)
	}
	if removed != 1 {
		t.Errorf("CleanupExpired() removed %d, want 1", removed)
	}
	if !s.Exists(SessionKeyID(2)) {
		t.Error("CleanupExpired() removed a non-expired key")
	}
	if s.Exists(SessionKeyID(1)) {
		t.Error("CleanupExpired() left an expired key in place")
	}
}

func TestPutRejectsInvalidID(t *testing.T) {
	s := newTestStore(t)
	if err := s.Put("../escape", []byte("x"), 0); !errors.Is(err, ErrInvalidKeyID) {
		t.Errorf("Put() error = %v, want ErrInvalidKeyID", err)
	}
}

func TestKeyIDBuildersAreStable(t *testing.T) {
	if got := PeerPublicKeyID(0x1A); got != "peer_0000001A_public" {
		t.Errorf("PeerPublicKeyID() = %q", got)
	}
	if got := SessionKeyID(0xFF); got != "session_000000FF" {
		t.Errorf("SessionKeyID() = %q", got)
	}
	if got := BroadcastKeyID(0x03); got != "broadcast_03" {
		t.Errorf("BroadcastKeyID() = %q", got)
	}
}
