package engine

import (
	"fmt"

	"github.com/shdchub/shdc/pkg/crypto/symmetric"
	"github.com/shdchub/shdc/shared/protocol"
)

// sealPayload AEAD-encrypts plaintext under key, using the encoded
// header as associated data, and returns the wire payload: the
// 12-byte AEAD nonce followed by ciphertext‖tag. This is the framing
// every AEAD-protected message type (JOIN_RESPONSE, EVENT_REPORT,
// BROADCAST_COMMAND, KEY_ROTATION) uses on the wire.
func sealPayload(key [symmetric.KeySize]byte, header protocol.Header, plaintext []byte) ([]byte, error) {
	aad := protocol.EncodeHeader(header)
	nonce, ciphertext, err := symmetric.Encrypt(key, plaintext, aad)
	if err != nil {
		return nil, newErr(KindCrypto, "seal", err)
	}
	wire := make([]byte, 0, symmetric.NonceSize+len(ciphertext))
	wire = append(wire, nonce[:]...)
	wire = append(wire, ciphertext...)
	return wire, nil
}

// openPayload splits a wire payload into its AEAD nonce and
// ciphertext and decrypts it under key, authenticating against the
// encoded header.
func openPayload(key [symmetric.KeySize]byte, header protocol.Header, wire []byte) ([]byte, error) {
	if len(wire) < symmetric.NonceSize+symmetric.TagSize {
		return nil, newErr(KindCodec, "open", fmt.Errorf("AEAD payload too short: %d bytes", len(wire)))
	}
	var nonce [symmetric.NonceSize]byte
	copy(nonce[:], wire[:symmetric.NonceSize])
	ciphertext := wire[symmetric.NonceSize:]

	aad := protocol.EncodeHeader(header)
	plaintext, err := symmetric.Decrypt(key, nonce, ciphertext, aad)
	if err != nil {
		return nil, newErr(KindCrypto, "open", err)
	}
	return plaintext, nil
}
