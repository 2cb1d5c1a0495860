package protocol

import (
	"encoding/binary"
	"fmt"
)

// EncodeHeader encodes a Header to its fixed 12-byte wire form:
// msg_type(1) ‖ device_id(4) ‖ timestamp(4) ‖ nonce(3), big-endian.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderSize)
	buf[0] = h.Type
	binary.BigEndian.PutUint32(buf[1:5], h.DeviceID)
	binary.BigEndian.PutUint32(buf[5:9], h.Timestamp)
	copy(buf[9:12], h.Nonce[:])
	return buf
}

// DecodeHeader decodes a 12-byte header. The slice must be exactly
// HeaderSize bytes.
func DecodeHeader(data []byte) (Header, error) {
	if len(data) != HeaderSize {
		return Header{}, fmt.Errorf("codec: header must be %d bytes, got %d", HeaderSize, len(data))
	}

	h := Header{
		Type:      data[0],
		DeviceID:  binary.BigEndian.Uint32(data[1:5]),
		Timestamp: binary.BigEndian.Uint32(data[5:9]),
	}
	copy(h.Nonce[:], data[9:12])
	return h, nil
}

// String renders a Header for logs and error messages.
func (h Header) String() string {
	return fmt.Sprintf("Header{Type: %s (0x%02x), DeviceID: 0x%08X, Timestamp: %d}",
		MessageTypeName(h.Type), h.Type, h.DeviceID, h.Timestamp)
}
