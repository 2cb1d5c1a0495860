package keystore

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestExportImportRoundTrip(t *testing.T) {
	src := newTestStore(t)
	_ = src.Put(DeviceIdentityKeyID(), []byte("identity-key-bytes-000000000000"), DeviceIdentityLifetime)
	_ = src.Put(SessionKeyID(5), []byte("session-key-bytes-00000000000000"), SessionKeyLifetime)
	_ = src.Put(BroadcastMasterKeyID(), []byte("broadcast-master-key-bytes-00000"), 0)

	backupPath := filepath.Join(t.TempDir(), "backup.json")
	if err := Export(src, "correct horse battery staple", backupPath); err != nil {
		t.Fatalf("Export() error = %v", err)
	}

	dst := newTestStore(t)
	restored, err := Import(dst, "correct horse battery staple", backupPath)
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if restored != 3 {
		t.Errorf("Import() restored %d entries, want 3", restored)
	}

	for _, id := range []string{DeviceIdentityKeyID(), SessionKeyID(5), BroadcastMasterKeyID()} {
		srcKey, err := src.Get(id)
		if err != nil {
			t.Fatalf("src.Get(%q) error = %v", id, err)
		}
		dstKey, err := dst.Get(id)
		if err != nil {
			t.Fatalf("dst.Get(%q) error = %v", id, err)
		}
		if string(srcKey) != string(dstKey) {
			t.Errorf("restored key %q does not match original", id)
		}
	}
}

func TestImportWrongPassphrase(t *testing.T) {
	src := newTestStore(t)
	_ = src.Put(DeviceIdentityKeyID(), []byte("identity-key-bytes-000000000000"), 0)

	backupPath := filepath.Join(t.TempDir(), "backup.json")
	if err := Export(src, "correct horse battery staple", backupPath); err != nil {
		t.Fatalf("Export() error = %v", err)
	}

	dst := newTestStore(t)
	if _, err := Import(dst, "wrong passphrase entirely", backupPath); !errors.Is(err, ErrWrongPassphrase) {
		t.Errorf("Import() error = %v, want ErrWrongPassphrase", err)
	}
}

func TestExportSkipsExpiredKeys(t *testing.T) {
	src := newTestStore(t)
	_ = src.Put(SessionKeyID(1), []byte("will-expire-bytes-0000000000000"), time.Nanosecond)
	_ = src.Put(SessionKeyID(2), []byte("stays-valid-bytes-00000000000000"), time.Hour)
	time.Sleep(time.Millisecond)

	backupPath := filepath.Join(t.TempDir(), "backup.json")
	if err := Export(src, "correct horse battery staple", backupPath); err != nil {
		t.Fatalf("Export() error = %v", err)
	}

	dst := newTestStore(t)
	restored, err := Import(dst, "correct horse battery staple", backupPath)
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if restored != 1 {
		t.Errorf("Import() restored %d entries, want 1 (expired key should be skipped)", restored)
	}
	if dst.Exists(SessionKeyID(1)) {
		t.Error("expired key should not have been exported")
	}
}
