// Package symmetric provides the AES-256-GCM AEAD SHDC uses to protect
// JOIN_RESPONSE, EVENT_REPORT, BROADCAST_COMMAND, and KEY_ROTATION
// payloads, plus the random nonce generation both the AEAD layer and
// the wire header's replay nonce need.
package symmetric

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

// Key and nonce sizes for AES-256-GCM.
const (
	KeySize   = 32 // AES-256
	NonceSize = 12 // 96-bit GCM nonce
	TagSize   = 16 // GCM authentication tag
)

var (
	ErrInvalidKeySize    = errors.New("symmetric: invalid key size: must be 32 bytes")
	ErrInvalidNonceSize  = errors.New("symmetric: invalid nonce size: must be 12 bytes")
	ErrDecryptionFailed  = errors.New("symmetric: decryption failed: authentication tag mismatch or corrupted ciphertext")
	ErrInvalidCiphertext = errors.New("symmetric: ciphertext shorter than authentication tag")
)

// Encrypt seals plaintext under key with a freshly generated random
// nonce, using associatedData (typically the message header) as GCM's
// additional authenticated data. Returns the nonce and the ciphertext
// with the 16-byte tag appended.
func Encrypt(key [KeySize]byte, plaintext, associatedData []byte) (nonce [NonceSize]byte, ciphertext []byte, err error) {
	aead, err := newGCM(key)
	if err != nil {
		return nonce, nil, err
	}

	if _, err := rand.Read(nonce[:]); err != nil {
		return nonce, nil, fmt.Errorf("symmetric: failed to generate nonce: %w", err)
	}

	ciphertext = aead.Seal(nil, nonce[:], plaintext, associatedData)
	return nonce, ciphertext, nil
}

// Decrypt opens ciphertext (with its appended tag) under key and
// nonce, verifying associatedData. A ciphertext shorter than TagSize
// returns ErrInvalidCiphertext; any other corruption of ciphertext,
// nonce, key, or associatedData causes ErrDecryptionFailed.
func Decrypt(key [KeySize]byte, nonce [NonceSize]byte, ciphertext, associatedData []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < TagSize {
		return nil, ErrInvalidCiphertext
	}

	plaintext, err := aead.Open(nil, nonce[:], ciphertext, associatedData)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

func newGCM(key [KeySize]byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("symmetric: failed to create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("symmetric: failed to create GCM: %w", err)
	}
	return aead, nil
}

// GenerateKey returns a fresh random 32-byte AES-256 key.
func GenerateKey() ([KeySize]byte, error) {
	var key [KeySize]byte
	if _, err := rand.Read(key[:]); err != nil {
		return key, fmt.Errorf("symmetric: failed to generate key: %w", err)
	}
	return key, nil
}
