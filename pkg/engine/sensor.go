package engine

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/shdchub/shdc/pkg/cache"
	"github.com/shdchub/shdc/pkg/crypto/classical"
	"github.com/shdchub/shdc/pkg/crypto/keystore"
	"github.com/shdchub/shdc/pkg/crypto/kdf"
	"github.com/shdchub/shdc/pkg/discovery"
	"github.com/shdchub/shdc/pkg/logging"
	"github.com/shdchub/shdc/pkg/replay"
	"github.com/shdchub/shdc/pkg/transport"
	"github.com/shdchub/shdc/shared/protocol"
)

// SensorState is the sensor's handshake/connection state (spec.md §9).
type SensorState int

const (
	SensorDisconnected SensorState = iota
	SensorDiscovering
	SensorJoining
	SensorConnected
)

func (s SensorState) String() string {
	switch s {
	case SensorDisconnected:
		return "DISCONNECTED"
	case SensorDiscovering:
		return "DISCOVERING"
	case SensorJoining:
		return "JOINING"
	case SensorConnected:
		return "CONNECTED"
	default:
		return "UNKNOWN"
	}
}

// Sensor runs the sensor side of SHDC: discover a hub, join it, send
// EVENT_REPORT traffic under the resulting session key, and receive
// BROADCAST_COMMAND / KEY_ROTATION datagrams under the broadcast key.
//
// A sensor tracks the broadcast key the same two-key-deep way the
// hub's rotator does: a current (id, key) pair and, briefly after a
// KEY_ROTATION notice, the previous pair as well, so a
// BROADCAST_COMMAND already in flight under the old key is still
// accepted during the grace window (spec.md §8 scenario E).
type Sensor struct {
	deviceID   uint32
	identity   *classical.Ed25519Keypair
	deviceInfo string
	store      *keystore.Store
	guard      *replay.Guard
	registry   *discovery.Registry
	discoverer *discovery.Discoverer
	tr         *transport.Transport
	log        *logging.Logger
	bus        *Bus
	cache      *cache.Cache

	mu         sync.RWMutex
	state      SensorState
	hub        *discovery.DiscoveredHub
	sessionKey [32]byte

	broadcastID        byte
	broadcastKey       [32]byte
	haveBroadcastKey   bool
	prevBroadcastID    byte
	prevBroadcastKey   [32]byte
	prevValidUntil     time.Time
	havePrevBroadcast  bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewSensor constructs a sensor with the given device id and signing
// identity. deviceID is 0 (protocol.UnassignedDeviceID) until the
// sensor has joined a hub for the first time.
func NewSensor(deviceID uint32, identity *classical.Ed25519Keypair, deviceInfo string, store *keystore.Store, log *logging.Logger, bus *Bus) *Sensor {
	if bus == nil {
		bus = NewBus()
	}
	if log == nil {
		log = logging.NewNop()
	}

	registry := discovery.NewRegistry()
	cfg := discovery.DefaultConfig()

	return &Sensor{
		deviceID:   deviceID,
		identity:   identity,
		deviceInfo: deviceInfo,
		store:      store,
		guard:      replay.DefaultGuard(),
		registry:   registry,
		discoverer: discovery.NewDiscoverer(registry, cfg),
		log:        log.WithComponent("sensor"),
		bus:        bus,
		state:      SensorDisconnected,
		stop:       make(chan struct{}),
	}
}

// State returns the sensor's current handshake state.
func (s *Sensor) State() SensorState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Sensor) setState(st SensorState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// SensorStatus is a point-in-time snapshot of sensor state, suitable
// for JSON encoding by a status feed.
type SensorStatus struct {
	DeviceID         uint32 `json:"device_id"`
	State            string `json:"state"`
	HubID            uint32 `json:"hub_id,omitempty"`
	HaveBroadcastKey bool   `json:"have_broadcast_key"`
}

// Status returns a snapshot of the sensor's current state.
func (s *Sensor) Status() interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := SensorStatus{
		DeviceID:         s.deviceID,
		State:            s.state.String(),
		HaveBroadcastKey: s.haveBroadcastKey,
	}
	if s.hub != nil {
		st.HubID = s.hub.HubID
	}
	return st
}

// SetCache attaches an optional Redis mirror of recently discovered
// hubs (SPEC_FULL.md §4.5). A sensor with no cache attached relies
// solely on the UDP discovery exchange, which remains the source of
// truth either way.
func (s *Sensor) SetCache(c *cache.Cache) {
	s.mu.Lock()
	s.cache = c
	s.mu.Unlock()
}

// SetKnownHub pins the hub Join will contact, bypassing discovery —
// for a sensor started with an already-known hub address.
func (s *Sensor) SetKnownHub(hub *discovery.DiscoveredHub) {
	s.mu.Lock()
	s.hub = hub
	s.mu.Unlock()
}

// DiscoverViaCache checks the Redis mirror for a recently seen
// sighting of hubID before falling back to a full UDP discovery
// sweep — useful when a sensor reconnecting after a restart already
// knows which hub it was previously joined to and just wants to avoid
// an unnecessary broadcast storm.
func (s *Sensor) DiscoverViaCache(ctx context.Context, hubID uint32) (*discovery.DiscoveredHub, error) {
	s.mu.RLock()
	c := s.cache
	s.mu.RUnlock()

	if c != nil {
		if cached, err := c.GetCachedHub(hubID); err == nil && cached != nil {
			return &discovery.DiscoveredHub{
				HubID:        cached.HubID,
				Address:      cached.Address,
				PublicKey:    cached.PublicKey,
				Capabilities: cached.Capabilities,
				DiscoveredAt: time.Now(),
			}, nil
		}
	}
	return s.Discover(ctx)
}

// Discover runs a full discover-with-retry cycle and records the best
// hub found, without joining it.
func (s *Sensor) Discover(ctx context.Context) (*discovery.DiscoveredHub, error) {
	s.setState(SensorDiscovering)
	s.mu.RLock()
	deviceID := s.deviceID
	s.mu.RUnlock()
	hub, err := s.discoverer.DiscoverWithRetry(ctx, s.identity, deviceID, s.deviceInfo)
	if err != nil {
		s.setState(SensorDisconnected)
		return nil, newErr(KindTransport, "discover", err)
	}

	s.mu.RLock()
	c := s.cache
	s.mu.RUnlock()
	if c != nil {
		if err := c.CacheHub(hub.HubID, hub.Address, hub.PublicKey, hub.Capabilities); err != nil {
			s.log.Warn("failed to mirror discovered hub to cache", logging.Fields{"error": err.Error()})
		}
	}

	return hub, nil
}

// Join discovers (if no hub is already known) and joins a hub,
// binding the sensor's own transport and entering CONNECTED on
// success.
func (s *Sensor) Join(ctx context.Context) error {
	s.mu.RLock()
	hub := s.hub
	s.mu.RUnlock()

	if hub == nil {
		found, err := s.Discover(ctx)
		if err != nil {
			return err
		}
		hub = found
	}

	s.setState(SensorJoining)

	tr, err := transport.ListenSensor()
	if err != nil {
		s.setState(SensorDisconnected)
		return newErr(KindTransport, "listen", err)
	}
	s.tr = tr

	req := &protocol.Message{
		Header: protocol.Header{
			Type:      protocol.MsgJoinRequest,
			DeviceID:  s.deviceID,
			Timestamp: uint32(time.Now().Unix()),
		},
		Payload: protocol.EncodeJoinRequestPayload(protocol.JoinRequestPayload{
			PublicKey:  pubKeyArray(s.identity.PublicKey),
			DeviceInfo: s.deviceInfo,
		}),
	}
	if _, err := rand.Read(req.Header.Nonce[:]); err != nil {
		return newErr(KindCrypto, "join-nonce", err)
	}
	sig, err := classical.Ed25519Sign(req.SignedData(), s.identity.PrivateKey)
	if err != nil {
		return newErr(KindCrypto, "sign-join-request", err)
	}
	copy(req.Signature[:], sig)

	data, err := protocol.EncodeMessage(req)
	if err != nil {
		return newErr(KindPolicy, "encode-join-request", err)
	}
	if err := s.tr.SendTo(data, hub.Address); err != nil {
		return newErr(KindTransport, "send-join-request", err)
	}

	deadline := time.NewTimer(5 * time.Second)
	defer deadline.Stop()

	select {
	case dg := <-s.tr.Recv():
		if err := s.handleJoinResponse(dg, hub); err != nil {
			s.setState(SensorDisconnected)
			return err
		}
	case <-deadline.C:
		s.setState(SensorDisconnected)
		return newErr(KindTransport, "join-timeout", fmt.Errorf("no JOIN_RESPONSE from hub %08X within 5s", hub.HubID))
	case <-ctx.Done():
		s.setState(SensorDisconnected)
		return ctx.Err()
	}

	s.mu.Lock()
	s.hub = hub
	s.mu.Unlock()

	s.setState(SensorConnected)
	s.wg.Add(1)
	go s.loop()

	s.bus.Emit(Event{Type: EventDeviceJoined, At: time.Now(), DeviceID: s.deviceID, Info: s.deviceInfo})
	return nil
}

func (s *Sensor) handleJoinResponse(dg transport.Datagram, hub *discovery.DiscoveredHub) error {
	msg, err := protocol.DecodeMessage(dg.Data)
	if err != nil {
		return newErr(KindCodec, "decode-join-response", err)
	}
	if msg.Header.Type != protocol.MsgJoinResponse {
		return newErr(KindState, "join-response", fmt.Errorf("expected JOIN_RESPONSE, got %s", protocol.MessageTypeName(msg.Header.Type)))
	}
	if !classical.Ed25519Verify(msg.SignedData(), msg.Signature[:], hub.PublicKey[:]) {
		return newErr(KindCrypto, "verify-join-response", fmt.Errorf("bad signature from hub %08X", hub.HubID))
	}

	sessionKey, err := kdf.DeriveSessionKey(pubKeyArray(s.identity.PublicKey), hub.PublicKey, s.deviceID, hub.HubID)
	if err != nil {
		return newErr(KindCrypto, "derive-session-key", err)
	}

	plaintext, err := openPayload(sessionKey, msg.Header, msg.Payload)
	if err != nil {
		return err
	}
	resp, err := protocol.DecodeJoinResponsePayload(plaintext)
	if err != nil {
		return newErr(KindCodec, "decode-join-response-payload", err)
	}

	s.mu.Lock()
	s.deviceID = resp.AssignedID
	s.sessionKey = resp.SessionKey
	// JOIN_RESPONSE names the broadcast_key_id currently in effect but
	// does not carry the key material itself (it is 37 bytes fixed, per
	// spec.md §4.1) — the hub follows up with a KEY_ROTATION datagram
	// sealed under the session key to deliver it, handled the same way
	// an ordinary rotation would be.
	s.broadcastID = resp.BroadcastKeyID
	s.mu.Unlock()

	if err := s.store.Put(keystore.SessionKeyID(resp.AssignedID), resp.SessionKey[:], keystore.SessionKeyLifetime); err != nil {
		s.log.Warn("failed to persist session key", logging.Fields{"error": err.Error()})
	}

	return nil
}

func (s *Sensor) loop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stop:
			return
		case dg := <-s.tr.Recv():
			s.handleDatagram(dg)
		case err := <-s.tr.Errors():
			s.log.Error("transport error", logging.Fields{"error": err.Error()})
			s.setState(SensorDisconnected)
			return
		}
	}
}

func (s *Sensor) handleDatagram(dg transport.Datagram) {
	msg, err := protocol.DecodeMessage(dg.Data)
	if err != nil {
		newErr(KindCodec, "decode", err)
		return
	}

	s.mu.RLock()
	hub := s.hub
	s.mu.RUnlock()
	if hub == nil {
		return
	}

	// Signature verification always runs before the replay guard is
	// consulted: an unauthenticated sender must not be able to pollute
	// Guard.seen with a forged device_id, nor pre-seed a (device_id,
	// nonce) pair that would later reject a legitimate datagram using
	// the same nonce.
	if !classical.Ed25519Verify(msg.SignedData(), msg.Signature[:], hub.PublicKey[:]) {
		newErr(KindCrypto, "verify", fmt.Errorf("bad signature from hub %08X", hub.HubID))
		return
	}

	now := time.Now()
	if err := s.guard.Check(msg.Header.DeviceID, msg.Header.Timestamp, msg.Header.Nonce, now); err != nil {
		newErr(KindReplay, "replay-check", err)
		return
	}

	switch msg.Header.Type {
	case protocol.MsgBroadcastCommand:
		s.handleBroadcastCommand(msg)
	case protocol.MsgKeyRotation:
		s.handleKeyRotation(msg)
	default:
		s.log.Debug("ignoring unexpected message type from hub", logging.Fields{"type": protocol.MessageTypeName(msg.Header.Type)})
	}
}

// broadcastKeyByID mirrors rotation.BroadcastKeyRotator.KeyByID on the
// sensor side: the current key always decrypts, the previous key only
// until its grace window (prevValidUntil) lapses.
func (s *Sensor) broadcastKeyByID(id byte, now time.Time) ([32]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.haveBroadcastKey && id == s.broadcastID {
		return s.broadcastKey, true
	}
	if s.havePrevBroadcast && id == s.prevBroadcastID && now.Before(s.prevValidUntil) {
		return s.prevBroadcastKey, true
	}
	return [32]byte{}, false
}

func (s *Sensor) handleBroadcastCommand(msg *protocol.Message) {
	if len(msg.Payload) < 1 {
		newErr(KindCodec, "broadcast-command", fmt.Errorf("empty payload"))
		return
	}
	now := time.Now()
	s.mu.RLock()
	ids := make([]byte, 0, 2)
	if s.haveBroadcastKey {
		ids = append(ids, s.broadcastID)
	}
	if s.havePrevBroadcast {
		ids = append(ids, s.prevBroadcastID)
	}
	s.mu.RUnlock()

	for _, id := range ids {
		key, ok := s.broadcastKeyByID(id, now)
		if !ok {
			continue
		}
		plaintext, err := openPayload(key, msg.Header, msg.Payload)
		if err != nil {
			continue
		}
		cmd, err := protocol.DecodeBroadcastCommandPayload(plaintext)
		if err != nil {
			newErr(KindCodec, "decode-broadcast-command", err)
			return
		}
		s.bus.Emit(Event{Type: EventControlMessage, At: now, Command: cmd.CommandType, Data: cmd.CommandData})
		return
	}
	newErr(KindKeyAbsent, "broadcast-command", fmt.Errorf("no known broadcast key decrypts this datagram"))
}

// handleKeyRotation accepts a KEY_ROTATION datagram sealed either under
// the current session key (the hub's bootstrap delivery right after
// JOIN_RESPONSE, which names no broadcast key material of its own) or
// under the current broadcast key (an ordinary rotation, following the
// same old-key-signs-new-key pattern rotation.BroadcastKeyRotator uses
// on the hub side). On success the current key is demoted to previous
// (valid until the rotation's ValidFrom) and the new key installed.
func (s *Sensor) handleKeyRotation(msg *protocol.Message) {
	now := time.Now()
	s.mu.RLock()
	sessionKey := s.sessionKey
	curID, curKey, haveCur := s.broadcastID, s.broadcastKey, s.haveBroadcastKey
	s.mu.RUnlock()

	var plaintext []byte
	var err error
	if haveCur {
		plaintext, err = openPayload(curKey, msg.Header, msg.Payload)
	}
	if plaintext == nil {
		plaintext, err = openPayload(sessionKey, msg.Header, msg.Payload)
	}
	if plaintext == nil {
		newErr(KindKeyAbsent, "key-rotation", fmt.Errorf("no known key decrypts this KEY_ROTATION datagram"))
		return
	}
	if err != nil {
		newErr(KindCrypto, "key-rotation", err)
		return
	}
	rot, err := protocol.DecodeKeyRotationPayload(plaintext)
	if err != nil {
		newErr(KindCodec, "decode-key-rotation", err)
		return
	}

	s.mu.Lock()
	newID := curID
	if haveCur {
		// An ordinary rotation follows an already-installed key: demote
		// it to previous and advance the id. The bootstrap delivery
		// (haveCur false) instead installs at the id JOIN_RESPONSE
		// already named, with no previous key to keep around.
		s.prevBroadcastID = curID
		s.prevBroadcastKey = curKey
		s.prevValidUntil = time.Unix(int64(rot.ValidFrom), 0)
		s.havePrevBroadcast = true
		newID = curID + 1
	}
	s.broadcastID = newID
	s.broadcastKey = rot.NewKey
	s.haveBroadcastKey = true
	s.mu.Unlock()

	s.bus.Emit(Event{Type: EventHubRotatedKeys, At: now})
}

// Report sends an EVENT_REPORT to the joined hub under the current
// session key.
func (s *Sensor) Report(eventType byte, data []byte) error {
	s.mu.RLock()
	hub := s.hub
	sessionKey := s.sessionKey
	deviceID := s.deviceID
	s.mu.RUnlock()

	if hub == nil {
		return newErr(KindState, "report", fmt.Errorf("not joined to a hub"))
	}

	header := protocol.Header{
		Type:      protocol.MsgEventReport,
		DeviceID:  deviceID,
		Timestamp: uint32(time.Now().Unix()),
	}
	if _, err := rand.Read(header.Nonce[:]); err != nil {
		return newErr(KindCrypto, "report-nonce", err)
	}

	plaintext, err := protocol.EncodeEventReportPayload(protocol.EventReportPayload{EventType: eventType, Data: data})
	if err != nil {
		return newErr(KindPolicy, "encode-event-report", err)
	}
	wire, err := sealPayload(sessionKey, header, plaintext)
	if err != nil {
		return err
	}

	msg := &protocol.Message{Header: header, Payload: wire}
	sig, err := classical.Ed25519Sign(msg.SignedData(), s.identity.PrivateKey)
	if err != nil {
		return newErr(KindCrypto, "sign-event-report", err)
	}
	copy(msg.Signature[:], sig)

	out, err := protocol.EncodeMessage(msg)
	if err != nil {
		return newErr(KindPolicy, "encode-event-report-message", err)
	}
	if err := s.tr.SendTo(out, hub.Address); err != nil {
		return newErr(KindTransport, "send-event-report", err)
	}

	s.bus.Emit(Event{Type: EventSensorData, At: time.Now(), DeviceID: deviceID, EventType: eventType, Data: data})
	return nil
}

// Stop halts the event loop and closes the sensor's transport.
func (s *Sensor) Stop() error {
	select {
	case <-s.stop:
		return nil
	default:
		close(s.stop)
	}
	s.wg.Wait()
	s.setState(SensorDisconnected)
	if s.tr != nil {
		return s.tr.Close()
	}
	return nil
}
