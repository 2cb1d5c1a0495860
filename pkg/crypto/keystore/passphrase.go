package keystore

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"unicode/utf8"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// MinPassphraseLength is the minimum required backup passphrase length.
	MinPassphraseLength = 12
	// MaxPassphraseLength is the maximum allowed backup passphrase length.
	MaxPassphraseLength = 1024
)

var (
	ErrPassphraseTooShort = errors.New("keystore: passphrase must be at least 12 characters")
	ErrPassphraseTooLong  = errors.New("keystore: passphrase must not exceed 1024 characters")
	ErrEmptyPassphrase    = errors.New("keystore: passphrase cannot be empty")
	ErrInvalidSaltSize    = errors.New("keystore: salt must be 32 bytes")
	ErrInvalidIterations  = errors.New("keystore: iterations must be at least 10000")
)

var weakPassphrases = map[string]bool{
	"123456789012": true,
	"password1234": true,
	"qwerty123456": true,
	"admin1234567": true,
	"letmein12345": true,
	"welcome12345": true,
}

// ValidatePassphrase checks a backup passphrase against length and
// common-weak-password requirements. It does not check entropy beyond
// the fixed deny-list below.
func ValidatePassphrase(passphrase string) error {
	if len(passphrase) == 0 {
		return ErrEmptyPassphrase
	}

	charCount := utf8.RuneCountInString(passphrase)
	if charCount < MinPassphraseLength {
		return fmt.Errorf("%w (got %d characters, need %d)", ErrPassphraseTooShort, charCount, MinPassphraseLength)
	}
	if charCount > MaxPassphraseLength {
		return fmt.Errorf("%w (got %d characters, max %d)", ErrPassphraseTooLong, charCount, MaxPassphraseLength)
	}

	allWhitespace := true
	for _, r := range passphrase {
		if r != ' ' && r != '\t' && r != '\n' && r != '\r' {
			allWhitespace = false
			break
		}
	}
	if allWhitespace {
		return errors.New("keystore: passphrase cannot be only whitespace")
	}

	if charCount >= 12 && charCount <= 20 {
		lowercase := make([]byte, 0, len(passphrase))
		for _, r := range passphrase {
			if r >= 'A' && r <= 'Z' {
				r += 32
			}
			lowercase = append(lowercase, byte(r))
		}
		if weakPassphrases[string(lowercase)] {
			return errors.New("keystore: passphrase is too common, choose a stronger one")
		}
	}

	return nil
}

// DeriveKey derives a 32-byte AES-256 key from a passphrase using
// PBKDF2-HMAC-SHA256. salt must be 32 bytes and iterations at least
// 10000 (DefaultIterations is the recommended value for new backups).
func DeriveKey(passphrase string, salt []byte, iterations int) ([32]byte, error) {
	var key [32]byte

	if err := ValidatePassphrase(passphrase); err != nil {
		return key, fmt.Errorf("invalid passphrase: %w", err)
	}
	if len(salt) != SaltSize {
		return key, fmt.Errorf("%w: got %d bytes, expected %d", ErrInvalidSaltSize, len(salt), SaltSize)
	}
	if iterations < 10000 {
		return key, fmt.Errorf("%w: got %d, minimum 10000", ErrInvalidIterations, iterations)
	}

	derived := pbkdf2.Key([]byte(passphrase), salt, iterations, len(key), sha256.New)
	copy(key[:], derived)
	for i := range derived {
		derived[i] = 0
	}

	return key, nil
}
