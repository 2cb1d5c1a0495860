// Package protocol implements the SHDC v1.0 wire format: the 12-byte
// header, the per-message-type payload encodings, and the trailing
// Ed25519 signature. It performs no I/O and no cryptography — callers
// supply already-verified/decrypted payload bytes and consume already
// signed ones.
package protocol

// Protocol-wide constants (spec §3, §6).
const (
	HeaderSize    = 12
	SignatureSize = 64
	MaxPacketSize = 512

	DefaultPort   = 56700
	MulticastAddr = "239.255.0.1"
	BroadcastAddr = "255.255.255.255"

	// UnassignedDeviceID is the sentinel device_id a sensor that has
	// never joined uses in HUB_DISCOVERY_REQ.
	UnassignedDeviceID uint32 = 0x00000000

	// ReplayToleranceSeconds bounds accepted clock skew (spec §4.4).
	ReplayToleranceSeconds = 30
)

// Message type codes (spec §3).
const (
	MsgHubDiscoveryReq  byte = 0x00
	MsgEventReport      byte = 0x01
	MsgJoinRequest      byte = 0x02
	MsgJoinResponse     byte = 0x03
	MsgBroadcastCommand byte = 0x04
	MsgKeyRotation      byte = 0x05
	MsgHubDiscoveryResp byte = 0x06
)

// MessageTypeName returns a human-readable name for a message type
// code, or "UNKNOWN" if the code is not recognized.
func MessageTypeName(t byte) string {
	switch t {
	case MsgHubDiscoveryReq:
		return "HUB_DISCOVERY_REQ"
	case MsgEventReport:
		return "EVENT_REPORT"
	case MsgJoinRequest:
		return "JOIN_REQUEST"
	case MsgJoinResponse:
		return "JOIN_RESPONSE"
	case MsgBroadcastCommand:
		return "BROADCAST_COMMAND"
	case MsgKeyRotation:
		return "KEY_ROTATION"
	case MsgHubDiscoveryResp:
		return "HUB_DISCOVERY_RESP"
	default:
		return "UNKNOWN"
	}
}

// IsKnownMessageType reports whether t is one of the seven SHDC
// message type codes.
func IsKnownMessageType(t byte) bool {
	switch t {
	case MsgHubDiscoveryReq, MsgEventReport, MsgJoinRequest, MsgJoinResponse,
		MsgBroadcastCommand, MsgKeyRotation, MsgHubDiscoveryResp:
		return true
	default:
		return false
	}
}

// Event types carried in EVENT_REPORT payloads (spec §8 scenario B and
// the common set used by reference sensor apps; applications may
// define their own beyond these).
const (
	EventMotion      byte = 0x01
	EventDoorOpen    byte = 0x02
	EventDoorClose   byte = 0x03
	EventWindowOpen  byte = 0x04
	EventWindowClose byte = 0x05
	EventTemperature byte = 0x06
	EventHumidity    byte = 0x07
	EventSmoke       byte = 0x08
	EventGlassBreak  byte = 0x09
	EventVibration   byte = 0x0A
	EventHeartbeat   byte = 0xFF
)

// Broadcast command types carried in BROADCAST_COMMAND payloads.
const (
	CommandLockdown  byte = 0x01
	CommandUnlock    byte = 0x02
	CommandArm       byte = 0x03
	CommandDisarm    byte = 0x04
	CommandEmergency byte = 0x05
	CommandTestMode  byte = 0x06
	CommandReset     byte = 0x07
)

// Header is the fixed 12-byte SHDC header (spec §3).
type Header struct {
	Type      byte
	DeviceID  uint32
	Timestamp uint32
	Nonce     [3]byte
}

// Message is a complete SHDC datagram: header, opaque payload bytes,
// and the 64-byte Ed25519 signature over header‖payload.
type Message struct {
	Header    Header
	Payload   []byte
	Signature [SignatureSize]byte
}

// SignedData returns header‖payload, the exact byte range the
// signature in a Message covers.
func (m *Message) SignedData() []byte {
	h := EncodeHeader(m.Header)
	buf := make([]byte, 0, len(h)+len(m.Payload))
	buf = append(buf, h...)
	buf = append(buf, m.Payload...)
	return buf
}

// JoinRequestPayload is the HUB_DISCOVERY_REQ / JOIN_REQUEST payload:
// a 32-byte Ed25519 public key followed by an optional UTF-8 info
// string. Used for both message types since they share a shape.
type JoinRequestPayload struct {
	PublicKey  [32]byte
	DeviceInfo string
}

// HubDiscoveryRespPayload is the HUB_DISCOVERY_RESP payload.
type HubDiscoveryRespPayload struct {
	HubID        uint32
	HubPublicKey [32]byte
	Capabilities string
}

// JoinResponsePayload is the JOIN_RESPONSE payload in its plaintext
// (pre-AEAD) form: exactly 37 bytes once encoded.
type JoinResponsePayload struct {
	AssignedID     uint32
	SessionKey     [32]byte
	BroadcastKeyID byte
}

// EventReportPayload is the EVENT_REPORT payload in its plaintext
// form.
type EventReportPayload struct {
	EventType byte
	Data      []byte
}

// BroadcastCommandPayload is the BROADCAST_COMMAND payload in its
// plaintext form.
type BroadcastCommandPayload struct {
	CommandType    byte
	CommandData    []byte
	BroadcastKeyID byte
}

// KeyRotationPayload is the KEY_ROTATION payload in its plaintext
// form: exactly 36 bytes once encoded.
type KeyRotationPayload struct {
	NewKey    [32]byte
	ValidFrom uint32
}
