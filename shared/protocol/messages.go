package protocol

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"
)

// EncodeMessage serializes header ‖ payload ‖ signature and enforces
// the 512-byte datagram ceiling (spec §3, §4.7: exceeding it is a
// programming error, not a runtime condition).
func EncodeMessage(m *Message) ([]byte, error) {
	header := EncodeHeader(m.Header)

	total := len(header) + len(m.Payload) + SignatureSize
	if total > MaxPacketSize {
		return nil, fmt.Errorf("codec: encoded message is %d bytes, exceeds %d-byte limit", total, MaxPacketSize)
	}

	buf := make([]byte, 0, total)
	buf = append(buf, header...)
	buf = append(buf, m.Payload...)
	buf = append(buf, m.Signature[:]...)
	return buf, nil
}

// DecodeMessage splits a raw datagram into header, payload, and
// signature without interpreting the payload. Requires at least
// HeaderSize+SignatureSize bytes.
func DecodeMessage(data []byte) (*Message, error) {
	if len(data) > MaxPacketSize {
		return nil, fmt.Errorf("codec: datagram is %d bytes, exceeds %d-byte limit", len(data), MaxPacketSize)
	}
	if len(data) < HeaderSize+SignatureSize {
		return nil, fmt.Errorf("codec: datagram too short: got %d bytes, need at least %d", len(data), HeaderSize+SignatureSize)
	}

	header, err := DecodeHeader(data[:HeaderSize])
	if err != nil {
		return nil, err
	}

	payload := data[HeaderSize : len(data)-SignatureSize]
	// Copy payload out so callers can't observe mutation of the
	// caller-owned receive buffer after this function returns.
	payloadCopy := make([]byte, len(payload))
	copy(payloadCopy, payload)

	msg := &Message{
		Header:  header,
		Payload: payloadCopy,
	}
	copy(msg.Signature[:], data[len(data)-SignatureSize:])
	return msg, nil
}

// EncodeJoinRequestPayload encodes the shared HUB_DISCOVERY_REQ /
// JOIN_REQUEST payload shape: pubkey(32) ‖ utf8(device_info).
func EncodeJoinRequestPayload(p JoinRequestPayload) []byte {
	buf := make([]byte, 0, 32+len(p.DeviceInfo))
	buf = append(buf, p.PublicKey[:]...)
	buf = append(buf, []byte(p.DeviceInfo)...)
	return buf
}

// DecodeJoinRequestPayload decodes the shared HUB_DISCOVERY_REQ /
// JOIN_REQUEST payload shape.
func DecodeJoinRequestPayload(data []byte) (JoinRequestPayload, error) {
	if len(data) < 32 {
		return JoinRequestPayload{}, fmt.Errorf("codec: join/discovery payload too short for public key: %d bytes", len(data))
	}
	var p JoinRequestPayload
	copy(p.PublicKey[:], data[:32])
	if len(data) > 32 {
		if !utf8.Valid(data[32:]) {
			return JoinRequestPayload{}, fmt.Errorf("codec: device_info is not valid UTF-8")
		}
		p.DeviceInfo = string(data[32:])
	}
	return p, nil
}

// EncodeHubDiscoveryRespPayload encodes hub_id(4) ‖ hub_pubkey(32) ‖
// utf8(capabilities).
func EncodeHubDiscoveryRespPayload(p HubDiscoveryRespPayload) []byte {
	buf := make([]byte, 4+32, 4+32+len(p.Capabilities))
	binary.BigEndian.PutUint32(buf[0:4], p.HubID)
	copy(buf[4:36], p.HubPublicKey[:])
	buf = append(buf, []byte(p.Capabilities)...)
	return buf
}

// DecodeHubDiscoveryRespPayload decodes a HUB_DISCOVERY_RESP payload.
func DecodeHubDiscoveryRespPayload(data []byte) (HubDiscoveryRespPayload, error) {
	if len(data) < 36 {
		return HubDiscoveryRespPayload{}, fmt.Errorf("codec: discovery response payload too short: %d bytes", len(data))
	}
	var p HubDiscoveryRespPayload
	p.HubID = binary.BigEndian.Uint32(data[0:4])
	copy(p.HubPublicKey[:], data[4:36])
	if len(data) > 36 {
		if !utf8.Valid(data[36:]) {
			return HubDiscoveryRespPayload{}, fmt.Errorf("codec: capabilities is not valid UTF-8")
		}
		p.Capabilities = string(data[36:])
	}
	return p, nil
}

// EncodeJoinResponsePayload encodes the plaintext (pre-AEAD)
// JOIN_RESPONSE payload: exactly 37 bytes.
func EncodeJoinResponsePayload(p JoinResponsePayload) []byte {
	buf := make([]byte, 37)
	binary.BigEndian.PutUint32(buf[0:4], p.AssignedID)
	copy(buf[4:36], p.SessionKey[:])
	buf[36] = p.BroadcastKeyID
	return buf
}

// DecodeJoinResponsePayload decodes a plaintext JOIN_RESPONSE payload.
// The encoded length must be exactly 37 bytes.
func DecodeJoinResponsePayload(data []byte) (JoinResponsePayload, error) {
	if len(data) != 37 {
		return JoinResponsePayload{}, fmt.Errorf("codec: JOIN_RESPONSE payload must be 37 bytes, got %d", len(data))
	}
	var p JoinResponsePayload
	p.AssignedID = binary.BigEndian.Uint32(data[0:4])
	copy(p.SessionKey[:], data[4:36])
	p.BroadcastKeyID = data[36]
	return p, nil
}

// EncodeEventReportPayload encodes event_type(1) ‖ len(1) ‖ data.
// data must not exceed 255 bytes (len is a single byte).
func EncodeEventReportPayload(p EventReportPayload) ([]byte, error) {
	if len(p.Data) > 0xFF {
		return nil, fmt.Errorf("codec: event data is %d bytes, exceeds 255-byte limit", len(p.Data))
	}
	buf := make([]byte, 2+len(p.Data))
	buf[0] = p.EventType
	buf[1] = byte(len(p.Data))
	copy(buf[2:], p.Data)
	return buf, nil
}

// DecodeEventReportPayload decodes an EVENT_REPORT payload, failing if
// the encoded length does not exactly match the declared data_len.
func DecodeEventReportPayload(data []byte) (EventReportPayload, error) {
	if len(data) < 2 {
		return EventReportPayload{}, fmt.Errorf("codec: EVENT_REPORT payload too short: %d bytes", len(data))
	}
	dataLen := int(data[1])
	if len(data) != 2+dataLen {
		return EventReportPayload{}, fmt.Errorf("codec: EVENT_REPORT data length mismatch: declared %d, have %d", dataLen, len(data)-2)
	}
	eventData := make([]byte, dataLen)
	copy(eventData, data[2:2+dataLen])
	return EventReportPayload{EventType: data[0], Data: eventData}, nil
}

// EncodeBroadcastCommandPayload encodes command_type(1) ‖ command_data
// ‖ broadcast_key_id(1).
func EncodeBroadcastCommandPayload(p BroadcastCommandPayload) []byte {
	buf := make([]byte, 0, 2+len(p.CommandData))
	buf = append(buf, p.CommandType)
	buf = append(buf, p.CommandData...)
	buf = append(buf, p.BroadcastKeyID)
	return buf
}

// DecodeBroadcastCommandPayload decodes a BROADCAST_COMMAND payload.
// The trailing byte is the broadcast key id.
func DecodeBroadcastCommandPayload(data []byte) (BroadcastCommandPayload, error) {
	if len(data) < 2 {
		return BroadcastCommandPayload{}, fmt.Errorf("codec: BROADCAST_COMMAND payload too short: %d bytes", len(data))
	}
	commandData := make([]byte, len(data)-2)
	copy(commandData, data[1:len(data)-1])
	return BroadcastCommandPayload{
		CommandType:    data[0],
		CommandData:    commandData,
		BroadcastKeyID: data[len(data)-1],
	}, nil
}

// EncodeKeyRotationPayload encodes new_key(32) ‖ valid_from(4):
// exactly 36 bytes.
func EncodeKeyRotationPayload(p KeyRotationPayload) []byte {
	buf := make([]byte, 36)
	copy(buf[0:32], p.NewKey[:])
	binary.BigEndian.PutUint32(buf[32:36], p.ValidFrom)
	return buf
}

// DecodeKeyRotationPayload decodes a KEY_ROTATION payload. The
// encoded length must be exactly 36 bytes.
func DecodeKeyRotationPayload(data []byte) (KeyRotationPayload, error) {
	if len(data) != 36 {
		return KeyRotationPayload{}, fmt.Errorf("codec: KEY_ROTATION payload must be 36 bytes, got %d", len(data))
	}
	var p KeyRotationPayload
	copy(p.NewKey[:], data[0:32])
	p.ValidFrom = binary.BigEndian.Uint32(data[32:36])
	return p, nil
}
