package protocol

import "testing"

func TestHeaderEncodeDecode(t *testing.T) {
	tests := []struct {
		name   string
		header Header
	}{
		{
			name: "HUB_DISCOVERY_REQ unassigned sensor",
			header: Header{
				Type:      MsgHubDiscoveryReq,
				DeviceID:  UnassignedDeviceID,
				Timestamp: 1_700_000_000,
				Nonce:     [3]byte{0x01, 0x02, 0x03},
			},
		},
		{
			name: "EVENT_REPORT from assigned sensor",
			header: Header{
				Type:      MsgEventReport,
				DeviceID:  0x87654321,
				Timestamp: 1_700_000_123,
				Nonce:     [3]byte{0xFF, 0x00, 0xAA},
			},
		},
		{
			name: "max device id and timestamp",
			header: Header{
				Type:      MsgBroadcastCommand,
				DeviceID:  0xFFFFFFFF,
				Timestamp: 0xFFFFFFFF,
				Nonce:     [3]byte{0xFF, 0xFF, 0xFF},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded := EncodeHeader(tt.header)
			if len(encoded) != HeaderSize {
				t.Fatalf("encoded header size = %d, want %d", len(encoded), HeaderSize)
			}

			decoded, err := DecodeHeader(encoded)
			if err != nil {
				t.Fatalf("DecodeHeader() error = %v", err)
			}
			if decoded != tt.header {
				t.Errorf("DecodeHeader() = %+v, want %+v", decoded, tt.header)
			}
		})
	}
}

func TestDecodeHeaderRejectsWrongSize(t *testing.T) {
	cases := [][]byte{
		nil,
		make([]byte, HeaderSize-1),
		make([]byte, HeaderSize+1),
	}
	for _, data := range cases {
		if _, err := DecodeHeader(data); err == nil {
			t.Errorf("DecodeHeader(%d bytes) succeeded, want error", len(data))
		}
	}
}
