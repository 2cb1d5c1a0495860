package discovery

import (
	"net"
	"testing"
	"time"

	"github.com/shdchub/shdc/pkg/crypto/classical"
	"github.com/shdchub/shdc/shared/protocol"
)

func TestDefaultConfigMatchesSpecTiming(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Timeout != 5*time.Second {
		t.Errorf("Timeout = %v, want 5s", cfg.Timeout)
	}
	if cfg.RetryInterval != 5*time.Second {
		t.Errorf("RetryInterval = %v, want 5s", cfg.RetryInterval)
	}
	if cfg.MaxRetries != 6 {
		t.Errorf("MaxRetries = %d, want 6", cfg.MaxRetries)
	}
	if cfg.BackoffCap != 30*time.Second {
		t.Errorf("BackoffCap = %v, want 30s", cfg.BackoffCap)
	}
}

func TestBuildDiscoveryRequestIsWellFormed(t *testing.T) {
	identity, err := classical.GenerateEd25519Keypair()
	if err != nil {
		t.Fatalf("GenerateEd25519Keypair() error = %v", err)
	}

	datagram, err := buildDiscoveryRequest(identity, protocol.UnassignedDeviceID, "SHDC Sensor v1")
	if err != nil {
		t.Fatalf("buildDiscoveryRequest() error = %v", err)
	}

	msg, err := protocol.DecodeMessage(datagram)
	if err != nil {
		t.Fatalf("DecodeMessage() error = %v", err)
	}
	if msg.Header.Type != protocol.MsgHubDiscoveryReq {
		t.Errorf("message type = %d, want MsgHubDiscoveryReq", msg.Header.Type)
	}
	if msg.Header.DeviceID != protocol.UnassignedDeviceID {
		t.Errorf("device id = %d, want UnassignedDeviceID", msg.Header.DeviceID)
	}
	if !classical.Ed25519Verify(msg.SignedData(), msg.Signature[:], identity.PublicKey) {
		t.Error("discovery request signature does not verify against the sensor's own key")
	}
}

func TestBuildDiscoveryRequestUsesRealDeviceIDOnceAssigned(t *testing.T) {
	identity, err := classical.GenerateEd25519Keypair()
	if err != nil {
		t.Fatalf("GenerateEd25519Keypair() error = %v", err)
	}

	datagram, err := buildDiscoveryRequest(identity, 0xAABBCCDD, "SHDC Sensor v1")
	if err != nil {
		t.Fatalf("buildDiscoveryRequest() error = %v", err)
	}

	msg, err := protocol.DecodeMessage(datagram)
	if err != nil {
		t.Fatalf("DecodeMessage() error = %v", err)
	}
	if msg.Header.DeviceID != 0xAABBCCDD {
		t.Errorf("device id = %#x, want 0xAABBCCDD", msg.Header.DeviceID)
	}
}

func TestParseDiscoveryResponseRoundTrip(t *testing.T) {
	hubIdentity, err := classical.GenerateEd25519Keypair()
	if err != nil {
		t.Fatalf("GenerateEd25519Keypair() error = %v", err)
	}

	var hubPub [32]byte
	copy(hubPub[:], hubIdentity.PublicKey)

	msg := &protocol.Message{
		Header: protocol.Header{
			Type:      protocol.MsgHubDiscoveryResp,
			DeviceID:  0xAABBCCDD,
			Timestamp: uint32(time.Now().Unix()),
		},
		Payload: protocol.EncodeHubDiscoveryRespPayload(protocol.HubDiscoveryRespPayload{
			HubID:        0xAABBCCDD,
			HubPublicKey: hubPub,
			Capabilities: "v1.0,lockdown",
		}),
	}
	sig, err := classical.Ed25519Sign(msg.SignedData(), hubIdentity.PrivateKey)
	if err != nil {
		t.Fatalf("Ed25519Sign() error = %v", err)
	}
	copy(msg.Signature[:], sig)

	datagram, err := protocol.EncodeMessage(msg)
	if err != nil {
		t.Fatalf("EncodeMessage() error = %v", err)
	}

	addr := &net.UDPAddr{IP: net.ParseIP("192.0.2.5"), Port: 56700}
	hub, ok := parseDiscoveryResponse(datagram, addr, time.Now())
	if !ok {
		t.Fatal("parseDiscoveryResponse() rejected a validly signed response")
	}
	if hub.HubID != 0xAABBCCDD {
		t.Errorf("HubID = %#x, want 0xAABBCCDD", hub.HubID)
	}
	if hub.Capabilities != "v1.0,lockdown" {
		t.Errorf("Capabilities = %q", hub.Capabilities)
	}
}

func TestParseDiscoveryResponseRejectsBadSignature(t *testing.T) {
	attacker, _ := classical.GenerateEd25519Keypair()
	victim, _ := classical.GenerateEd25519Keypair()

	var victimPub [32]byte
	copy(victimPub[:], victim.PublicKey)

	msg := &protocol.Message{
		Header: protocol.Header{Type: protocol.MsgHubDiscoveryResp, DeviceID: 1},
		Payload: protocol.EncodeHubDiscoveryRespPayload(protocol.HubDiscoveryRespPayload{
			HubID:        1,
			HubPublicKey: victimPub,
		}),
	}
	// Sign with the attacker's key while claiming the victim's public key.
	sig, _ := classical.Ed25519Sign(msg.SignedData(), attacker.PrivateKey)
	copy(msg.Signature[:], sig)

	datagram, err := protocol.EncodeMessage(msg)
	if err != nil {
		t.Fatalf("EncodeMessage() error = %v", err)
	}

	addr := &net.UDPAddr{IP: net.ParseIP("192.0.2.5"), Port: 56700}
	if _, ok := parseDiscoveryResponse(datagram, addr, time.Now()); ok {
		t.Error("parseDiscoveryResponse() accepted a response signed by the wrong key")
	}
}

func TestParseDiscoveryResponseRejectsWrongMessageType(t *testing.T) {
	identity, _ := classical.GenerateEd25519Keypair()
	msg := &protocol.Message{
		Header:  protocol.Header{Type: protocol.MsgEventReport},
		Payload: []byte("not a discovery response"),
	}
	sig, _ := classical.Ed25519Sign(msg.SignedData(), identity.PrivateKey)
	copy(msg.Signature[:], sig)

	datagram, err := protocol.EncodeMessage(msg)
	if err != nil {
		t.Fatalf("EncodeMessage() error = %v", err)
	}

	addr := &net.UDPAddr{IP: net.ParseIP("192.0.2.5"), Port: 56700}
	if _, ok := parseDiscoveryResponse(datagram, addr, time.Now()); ok {
		t.Error("parseDiscoveryResponse() accepted a non-HUB_DISCOVERY_RESP message")
	}
}
