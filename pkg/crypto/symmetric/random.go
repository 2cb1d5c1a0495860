package symmetric

import (
	"crypto/rand"
	"fmt"
)

// HeaderNonceSize is the 3-byte per-datagram replay nonce carried in
// the SHDC header (distinct from the 12-byte AEAD nonce above).
const HeaderNonceSize = 3

// RandomHeaderNonce returns a fresh random 3-byte replay nonce.
func RandomHeaderNonce() ([HeaderNonceSize]byte, error) {
	var n [HeaderNonceSize]byte
	if _, err := rand.Read(n[:]); err != nil {
		return n, fmt.Errorf("symmetric: failed to generate header nonce: %w", err)
	}
	return n, nil
}

// RandomBytes returns n cryptographically secure random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("symmetric: failed to generate random bytes: %w", err)
	}
	return b, nil
}
