package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/shdchub/shdc/pkg/crypto/classical"
	"github.com/shdchub/shdc/pkg/crypto/symmetric"
	"github.com/shdchub/shdc/shared/protocol"
)

// ErrNoHubFound is returned by DiscoverWithRetry once every retry has
// been exhausted without a single HUB_DISCOVERY_RESP.
var ErrNoHubFound = errors.New("discovery: no hub responded")

// Config tunes a Discoverer's retry and timing behavior. The zero
// value is not usable; start from DefaultConfig.
type Config struct {
	Port          int
	Timeout       time.Duration
	RetryInterval time.Duration
	MaxRetries    int
	BackoffCap    time.Duration
}

// DefaultConfig returns the spec-standard discovery timing: a 5s
// listen window per attempt, up to 6 attempts in all, backing off
// exponentially from 5s and capped at 30s.
func DefaultConfig() Config {
	return Config{
		Port:          protocol.DefaultPort,
		Timeout:       5 * time.Second,
		RetryInterval: 5 * time.Second,
		MaxRetries:    6,
		BackoffCap:    30 * time.Second,
	}
}

// continuousInterval and continuousTimeout govern RunContinuous's
// repeated low-cost sweeps, distinct from the slower one-shot
// Discover/DiscoverWithRetry a sensor uses before its first JOIN.
const (
	continuousInterval = 60 * time.Second
	continuousTimeout  = 2 * time.Second
	continuousMaxAge   = 300 * time.Second
)

// Discoverer sends HUB_DISCOVERY_REQ to the LAN broadcast and
// multicast addresses and collects HUB_DISCOVERY_RESP replies into a
// Registry.
type Discoverer struct {
	cfg      Config
	registry *Registry
}

// NewDiscoverer returns a Discoverer that records hubs into registry.
func NewDiscoverer(registry *Registry, cfg Config) *Discoverer {
	return &Discoverer{cfg: cfg, registry: registry}
}

// Discover sends one discovery request and listens for the
// configured timeout, returning every hub that answered, once each
// (a hub id the registry already holds is returned as its first-seen
// record; new ones are added). deviceID should be the sensor's real
// assigned id if it has ever joined a hub before, or
// protocol.UnassignedDeviceID if it never has (spec.md §4.5).
func (d *Discoverer) Discover(ctx context.Context, identity *classical.Ed25519Keypair, deviceID uint32, deviceInfo string) ([]*DiscoveredHub, error) {
	return d.discoverOnce(ctx, identity, deviceID, deviceInfo, d.cfg.Timeout)
}

// DiscoverWithRetry repeats Discover with exponential backoff
// (starting at RetryInterval, capped at BackoffCap) until a hub
// responds or MaxRetries attempts have been made, then returns the
// most recently discovered hub.
func (d *Discoverer) DiscoverWithRetry(ctx context.Context, identity *classical.Ed25519Keypair, deviceID uint32, deviceInfo string) (*DiscoveredHub, error) {
	interval := d.cfg.RetryInterval

	for attempt := 0; attempt < d.cfg.MaxRetries; attempt++ {
		hubs, err := d.discoverOnce(ctx, identity, deviceID, deviceInfo, d.cfg.Timeout)
		if err == nil && len(hubs) > 0 {
			if best, ok := d.registry.Best(); ok {
				return best, nil
			}
		}

		if attempt == d.cfg.MaxRetries-1 {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}

		interval *= 2
		if interval > d.cfg.BackoffCap {
			interval = d.cfg.BackoffCap
		}
	}

	return nil, ErrNoHubFound
}

// RunContinuous re-runs discovery every 60s with a short 2s listen
// window, pruning hubs not reseen within 300s, until ctx is done.
// onUpdate, if non-nil, is called after every sweep with the current
// registry contents.
func (d *Discoverer) RunContinuous(ctx context.Context, identity *classical.Ed25519Keypair, deviceID uint32, deviceInfo string, onUpdate func([]*DiscoveredHub)) {
	ticker := time.NewTicker(continuousInterval)
	defer ticker.Stop()

	sweep := func() {
		_, _ = d.discoverOnce(ctx, identity, deviceID, deviceInfo, continuousTimeout)
		d.registry.Prune(time.Now(), continuousMaxAge)
		if onUpdate != nil {
			onUpdate(d.registry.All())
		}
	}

	sweep()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
		}
	}
}

func (d *Discoverer) discoverOnce(ctx context.Context, identity *classical.Ed25519Keypair, deviceID uint32, deviceInfo string, timeout time.Duration) ([]*DiscoveredHub, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: 0})
	if err != nil {
		return nil, fmt.Errorf("discovery: failed to open socket: %w", err)
	}
	defer conn.Close()

	datagram, err := buildDiscoveryRequest(identity, deviceID, deviceInfo)
	if err != nil {
		return nil, err
	}

	if err := d.sendRequest(conn, datagram); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("discovery: failed to set read deadline: %w", err)
	}

	var found []*DiscoveredHub
	returned := make(map[uint32]bool)
	buf := make([]byte, protocol.MaxPacketSize)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				break
			}
			return found, fmt.Errorf("discovery: read error: %w", err)
		}

		hub, ok := parseDiscoveryResponse(buf[:n], addr, time.Now())
		if !ok {
			continue
		}
		if !d.registry.Add(hub) {
			known, exists := d.registry.Get(hub.HubID)
			if !exists {
				continue
			}
			hub = known
		}
		if returned[hub.HubID] {
			continue
		}
		returned[hub.HubID] = true
		found = append(found, hub)
	}

	return found, nil
}

func (d *Discoverer) sendRequest(conn *net.UDPConn, datagram []byte) error {
	broadcastAddr := &net.UDPAddr{IP: net.ParseIP(protocol.BroadcastAddr), Port: d.cfg.Port}
	if _, err := conn.WriteToUDP(datagram, broadcastAddr); err != nil {
		return fmt.Errorf("discovery: failed to send broadcast request: %w", err)
	}

	multicastAddr := &net.UDPAddr{IP: net.ParseIP(protocol.MulticastAddr), Port: d.cfg.Port}
	if _, err := conn.WriteToUDP(datagram, multicastAddr); err != nil {
		return fmt.Errorf("discovery: failed to send multicast request: %w", err)
	}

	return nil
}

func buildDiscoveryRequest(identity *classical.Ed25519Keypair, deviceID uint32, deviceInfo string) ([]byte, error) {
	nonce, err := symmetric.RandomHeaderNonce()
	if err != nil {
		return nil, fmt.Errorf("discovery: failed to generate nonce: %w", err)
	}

	var pubKey [32]byte
	copy(pubKey[:], identity.PublicKey)

	msg := &protocol.Message{
		Header: protocol.Header{
			Type:      protocol.MsgHubDiscoveryReq,
			DeviceID:  deviceID,
			Timestamp: uint32(time.Now().Unix()),
			Nonce:     nonce,
		},
		Payload: protocol.EncodeJoinRequestPayload(protocol.JoinRequestPayload{
			PublicKey:  pubKey,
			DeviceInfo: deviceInfo,
		}),
	}

	sig, err := classical.Ed25519Sign(msg.SignedData(), identity.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("discovery: failed to sign discovery request: %w", err)
	}
	copy(msg.Signature[:], sig)

	return protocol.EncodeMessage(msg)
}

// parseDiscoveryResponse decodes and authenticates a candidate
// HUB_DISCOVERY_RESP datagram. The hub signs with the same identity
// key it advertises in the payload (trust-on-first-use — there is no
// prior relationship to check the key against), so authentication
// here only proves self-consistency: the response was produced by
// whoever holds the private key matching HubPublicKey.
func parseDiscoveryResponse(data []byte, addr *net.UDPAddr, now time.Time) (*DiscoveredHub, bool) {
	msg, err := protocol.DecodeMessage(data)
	if err != nil || msg.Header.Type != protocol.MsgHubDiscoveryResp {
		return nil, false
	}

	payload, err := protocol.DecodeHubDiscoveryRespPayload(msg.Payload)
	if err != nil {
		return nil, false
	}

	if !classical.Ed25519Verify(msg.SignedData(), msg.Signature[:], payload.HubPublicKey[:]) {
		return nil, false
	}

	return &DiscoveredHub{
		HubID:        payload.HubID,
		Address:      addr,
		PublicKey:    payload.HubPublicKey,
		Capabilities: payload.Capabilities,
		DiscoveredAt: now,
	}, true
}
