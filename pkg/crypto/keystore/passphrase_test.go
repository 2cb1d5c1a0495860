package keystore

import (
	"crypto/rand"
	"errors"
	"testing"
)

func TestValidatePassphraseRejectsShort(t *testing.T) {
	if err := ValidatePassphrase("short"); !errors.Is(err, ErrPassphraseTooShort) {
		t.Errorf("ValidatePassphrase() error = %v, want ErrPassphraseTooShort", err)
	}
}

func TestValidatePassphraseRejectsEmpty(t *testing.T) {
	if err := ValidatePassphrase(""); !errors.Is(err, ErrEmptyPassphrase) {
		t.Errorf("ValidatePassphrase() error = %v, want ErrEmptyPassphrase", err)
	}
}

func TestValidatePassphraseRejectsWeak(t *testing.T) {
	if err := ValidatePassphrase("password1234"); err == nil {
		t.Error("ValidatePassphrase() accepted a common weak passphrase")
	}
}

func TestValidatePassphraseAcceptsReasonable(t *testing.T) {
	if err := ValidatePassphrase("correct horse battery staple"); err != nil {
		t.Errorf("ValidatePassphrase() error = %v, want nil", err)
	}
}

func TestDeriveKeyDeterministic(t *testing.T) {
	var salt [SaltSize]byte
	_, _ = rand.Read(salt[:])

	k1, err := DeriveKey("correct horse battery staple", salt[:], 10000)
	if err != nil {
		t.Fatalf("DeriveKey() error = %v", err)
	}
	k2, err := DeriveKey("correct horse battery staple", salt[:], 10000)
	if err != nil {
		t.Fatalf("DeriveKey() error = %v", err)
	}
	if k1 != k2 {
		t.Error("DeriveKey() is not deterministic for identical inputs")
	}
}

func TestDeriveKeyRejectsShortIterations(t *testing.T) {
	var salt [SaltSize]byte
	if _, err := DeriveKey("correct horse battery staple", salt[:], 1); !errors.Is(err, ErrInvalidIterations) {
		t.Errorf("DeriveKey() error = %v, want ErrInvalidIterations", err)
	}
}

func TestDeriveKeyRejectsWrongSaltSize(t *testing.T) {
	if _, err := DeriveKey("correct horse battery staple", []byte("short"), 10000); !errors.Is(err, ErrInvalidSaltSize) {
		t.Errorf("DeriveKey() error = %v, want ErrInvalidSaltSize", err)
	}
}
