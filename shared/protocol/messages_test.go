package protocol

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func randomKey32() [32]byte {
	var k [32]byte
	_, _ = rand.Read(k[:])
	return k
}

func TestMessageRoundTrip(t *testing.T) {
	payload := []byte("join-request-payload-bytes")
	msg := &Message{
		Header: Header{
			Type:      MsgJoinRequest,
			DeviceID:  0x11223344,
			Timestamp: 1_700_000_000,
			Nonce:     [3]byte{0xAB, 0xCD, 0xEF},
		},
		Payload: payload,
	}
	copy(msg.Signature[:], bytes.Repeat([]byte{0x42}, SignatureSize))

	encoded, err := EncodeMessage(msg)
	if err != nil {
		t.Fatalf("EncodeMessage() error = %v", err)
	}

	decoded, err := DecodeMessage(encoded)
	if err != nil {
		t.Fatalf("DecodeMessage() error = %v", err)
	}

	if decoded.Header != msg.Header {
		t.Errorf("header mismatch: got %+v, want %+v", decoded.Header, msg.Header)
	}
	if !bytes.Equal(decoded.Payload, msg.Payload) {
		t.Errorf("payload mismatch: got %q, want %q", decoded.Payload, msg.Payload)
	}
	if decoded.Signature != msg.Signature {
		t.Errorf("signature mismatch")
	}
}

func TestEncodeMessageRejectsOversize(t *testing.T) {
	msg := &Message{
		Header:  Header{Type: MsgEventReport},
		Payload: make([]byte, MaxPacketSize), // already over once header+sig added
	}
	if _, err := EncodeMessage(msg); err == nil {
		t.Fatal("EncodeMessage() succeeded for oversize message, want error")
	}
}

func TestDecodeMessageRejectsTooShort(t *testing.T) {
	if _, err := DecodeMessage(make([]byte, HeaderSize+SignatureSize-1)); err == nil {
		t.Fatal("DecodeMessage() succeeded for truncated datagram, want error")
	}
}

func TestJoinRequestPayloadRoundTrip(t *testing.T) {
	cases := []JoinRequestPayload{
		{PublicKey: randomKey32(), DeviceInfo: "SHDC Sensor v1"},
		{PublicKey: randomKey32(), DeviceInfo: ""},
	}
	for _, p := range cases {
		encoded := EncodeJoinRequestPayload(p)
		decoded, err := DecodeJoinRequestPayload(encoded)
		if err != nil {
			t.Fatalf("DecodeJoinRequestPayload() error = %v", err)
		}
		if decoded != p {
			t.Errorf("got %+v, want %+v", decoded, p)
		}
	}
}

func TestHubDiscoveryRespPayloadRoundTrip(t *testing.T) {
	p := HubDiscoveryRespPayload{
		HubID:        0x12345678,
		HubPublicKey: randomKey32(),
		Capabilities: "v1.0,lockdown,arm",
	}
	encoded := EncodeHubDiscoveryRespPayload(p)
	decoded, err := DecodeHubDiscoveryRespPayload(encoded)
	if err != nil {
		t.Fatalf("DecodeHubDiscoveryRespPayload() error = %v", err)
	}
	if decoded != p {
		t.Errorf("got %+v, want %+v", decoded, p)
	}
}

func TestJoinResponsePayloadRoundTrip(t *testing.T) {
	p := JoinResponsePayload{
		AssignedID:     0x87654321,
		SessionKey:     randomKey32(),
		BroadcastKeyID: 0x00,
	}
	encoded := EncodeJoinResponsePayload(p)
	if len(encoded) != 37 {
		t.Fatalf("encoded JOIN_RESPONSE length = %d, want 37", len(encoded))
	}
	decoded, err := DecodeJoinResponsePayload(encoded)
	if err != nil {
		t.Fatalf("DecodeJoinResponsePayload() error = %v", err)
	}
	if decoded != p {
		t.Errorf("got %+v, want %+v", decoded, p)
	}
}

func TestJoinResponsePayloadRejectsWrongSize(t *testing.T) {
	if _, err := DecodeJoinResponsePayload(make([]byte, 36)); err == nil {
		t.Fatal("DecodeJoinResponsePayload() succeeded for wrong size, want error")
	}
}

func TestEventReportPayloadRoundTrip(t *testing.T) {
	p := EventReportPayload{EventType: EventTemperature, Data: []byte("22.5C")}
	encoded, err := EncodeEventReportPayload(p)
	if err != nil {
		t.Fatalf("EncodeEventReportPayload() error = %v", err)
	}
	decoded, err := DecodeEventReportPayload(encoded)
	if err != nil {
		t.Fatalf("DecodeEventReportPayload() error = %v", err)
	}
	if decoded.EventType != p.EventType || !bytes.Equal(decoded.Data, p.Data) {
		t.Errorf("got %+v, want %+v", decoded, p)
	}
}

func TestEventReportPayloadRejectsLengthMismatch(t *testing.T) {
	data := []byte{EventMotion, 5, 1, 2, 3} // declares 5 bytes, has 3
	if _, err := DecodeEventReportPayload(data); err == nil {
		t.Fatal("DecodeEventReportPayload() succeeded for length mismatch, want error")
	}
}

func TestBroadcastCommandPayloadRoundTrip(t *testing.T) {
	p := BroadcastCommandPayload{
		CommandType:    CommandLockdown,
		CommandData:    []byte("zone=all"),
		BroadcastKeyID: 0x03,
	}
	encoded := EncodeBroadcastCommandPayload(p)
	decoded, err := DecodeBroadcastCommandPayload(encoded)
	if err != nil {
		t.Fatalf("DecodeBroadcastCommandPayload() error = %v", err)
	}
	if decoded.CommandType != p.CommandType || decoded.BroadcastKeyID != p.BroadcastKeyID ||
		!bytes.Equal(decoded.CommandData, p.CommandData) {
		t.Errorf("got %+v, want %+v", decoded, p)
	}
}

func TestKeyRotationPayloadRoundTrip(t *testing.T) {
	p := KeyRotationPayload{NewKey: randomKey32(), ValidFrom: 1_700_001_000}
	encoded := EncodeKeyRotationPayload(p)
	if len(encoded) != 36 {
		t.Fatalf("encoded KEY_ROTATION length = %d, want 36", len(encoded))
	}
	decoded, err := DecodeKeyRotationPayload(encoded)
	if err != nil {
		t.Fatalf("DecodeKeyRotationPayload() error = %v", err)
	}
	if decoded != p {
		t.Errorf("got %+v, want %+v", decoded, p)
	}
}
