package engine

import (
	"testing"

	"github.com/shdchub/shdc/shared/protocol"
)

func TestSealOpenPayloadRoundTrip(t *testing.T) {
	var key [32]byte
	copy(key[:], []byte("0123456789abcdef0123456789abcdef"))

	header := protocol.Header{
		Type:      protocol.MsgEventReport,
		DeviceID:  0x11223344,
		Timestamp: 1700000000,
		Nonce:     [3]byte{1, 2, 3},
	}
	plaintext := []byte("sensor payload")

	wire, err := sealPayload(key, header, plaintext)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	got, err := openPayload(key, header, wire)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if string(got) != string(plaintext) {
		t.Fatalf("got %q, want %q", got, plaintext)
	}
}

func TestOpenPayloadRejectsTamperedHeader(t *testing.T) {
	var key [32]byte
	copy(key[:], []byte("0123456789abcdef0123456789abcdef"))

	header := protocol.Header{Type: protocol.MsgEventReport, DeviceID: 1, Timestamp: 2}
	wire, err := sealPayload(key, header, []byte("data"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	tamperedHeader := header
	tamperedHeader.DeviceID = 2
	if _, err := openPayload(key, tamperedHeader, wire); err == nil {
		t.Fatal("expected decryption to fail when associated header is mutated")
	}
}

func TestOpenPayloadRejectsTamperedCiphertext(t *testing.T) {
	var key [32]byte
	copy(key[:], []byte("0123456789abcdef0123456789abcdef"))

	header := protocol.Header{Type: protocol.MsgEventReport, DeviceID: 1, Timestamp: 2}
	wire, err := sealPayload(key, header, []byte("data"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	wire[len(wire)-1] ^= 0xFF

	if _, err := openPayload(key, header, wire); err == nil {
		t.Fatal("expected decryption to fail when ciphertext is mutated")
	}
}

func TestOpenPayloadRejectsShortWire(t *testing.T) {
	var key [32]byte
	header := protocol.Header{Type: protocol.MsgEventReport}
	if _, err := openPayload(key, header, []byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for undersized wire payload")
	}
}
