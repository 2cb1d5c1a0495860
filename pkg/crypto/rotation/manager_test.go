package rotation

import (
	"crypto/rand"
	"testing"
	"time"
)

func randomMasterKey() [32]byte {
	var k [32]byte
	_, _ = rand.Read(k[:])
	return k
}

func TestNewBroadcastKeyRotatorStartsAtVersionZero(t *testing.T) {
	rotator, err := NewBroadcastKeyRotator(randomMasterKey())
	if err != nil {
		t.Fatalf("NewBroadcastKeyRotator() error = %v", err)
	}
	_, version := rotator.CurrentKey()
	if version != 0 {
		t.Errorf("initial version = %d, want 0", version)
	}
}

func TestRotateKeyAdvancesVersion(t *testing.T) {
	rotator, _ := NewBroadcastKeyRotator(randomMasterKey())

	result, err := rotator.RotateKey(time.Second)
	if err != nil {
		t.Fatalf("RotateKey() error = %v", err)
	}
	if result.NewVersion != 1 {
		t.Errorf("NewVersion = %d, want 1", result.NewVersion)
	}
	if result.NewKey == result.OldKey {
		t.Error("RotateKey() produced identical old and new keys")
	}

	_, version := rotator.CurrentKey()
	if version != 1 {
		t.Errorf("CurrentKey() version = %d, want 1", version)
	}
}

func TestKeyByIDAcceptsCurrentKey(t *testing.T) {
	rotator, _ := NewBroadcastKeyRotator(randomMasterKey())
	current, version := rotator.CurrentKey()

	key, ok := rotator.KeyByID(byte(version%256), time.Now())
	if !ok {
		t.Fatal("KeyByID() did not accept current key id")
	}
	if key != current {
		t.Error("KeyByID() returned wrong key for current id")
	}
}

func TestKeyByIDAcceptsPreviousKeyWithinWindow(t *testing.T) {
	rotator, _ := NewBroadcastKeyRotator(randomMasterKey())
	oldKey, oldVersion := rotator.CurrentKey()

	if _, err := rotator.RotateKey(time.Minute); err != nil {
		t.Fatalf("RotateKey() error = %v", err)
	}

	key, ok := rotator.KeyByID(byte(oldVersion%256), time.Now())
	if !ok {
		t.Fatal("KeyByID() rejected previous key within its acceptance window")
	}
	if key != oldKey {
		t.Error("KeyByID() returned wrong key for previous id")
	}
}

func TestKeyByIDRejectsPreviousKeyAfterWindow(t *testing.T) {
	rotator, _ := NewBroadcastKeyRotator(randomMasterKey())
	_, oldVersion := rotator.CurrentKey()

	if _, err := rotator.RotateKey(time.Millisecond); err != nil {
		t.Fatalf("RotateKey() error = %v", err)
	}

	future := time.Now().Add(time.Second)
	if _, ok := rotator.KeyByID(byte(oldVersion%256), future); ok {
		t.Error("KeyByID() accepted previous key after its acceptance window closed")
	}
}

func TestKeyByIDRejectsUnknownID(t *testing.T) {
	rotator, _ := NewBroadcastKeyRotator(randomMasterKey())
	if _, ok := rotator.KeyByID(0xFF, time.Now()); ok {
		t.Error("KeyByID() accepted an id that was never issued")
	}
}

func TestExpirePreviousZeroesKeyAfterWindow(t *testing.T) {
	rotator, _ := NewBroadcastKeyRotator(randomMasterKey())
	_, oldVersion := rotator.CurrentKey()
	if _, err := rotator.RotateKey(time.Millisecond); err != nil {
		t.Fatalf("RotateKey() error = %v", err)
	}

	future := time.Now().Add(time.Second)
	rotator.ExpirePrevious(future)

	if rotator.havePrevious {
		t.Error("ExpirePrevious() did not clear havePrevious")
	}
	if !VerifyZeroed(&rotator.previousKey) {
		t.Error("ExpirePrevious() did not zero the previous key")
	}
	if _, ok := rotator.KeyByID(byte(oldVersion%256), future); ok {
		t.Error("KeyByID() accepted previous key after ExpirePrevious cleared it")
	}
}

func TestRotationResultPayload(t *testing.T) {
	rotator, _ := NewBroadcastKeyRotator(randomMasterKey())
	result, err := rotator.RotateKey(time.Second)
	if err != nil {
		t.Fatalf("RotateKey() error = %v", err)
	}

	payload := result.Payload()
	if payload.NewKey != result.NewKey {
		t.Error("Payload().NewKey does not match RotationResult.NewKey")
	}
	if int64(payload.ValidFrom) != result.ValidFrom.Unix() {
		t.Error("Payload().ValidFrom does not match RotationResult.ValidFrom")
	}
}
