package engine

import (
	"crypto/rand"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/shdchub/shdc/pkg/cache"
	"github.com/shdchub/shdc/pkg/crypto/classical"
	"github.com/shdchub/shdc/pkg/crypto/kdf"
	"github.com/shdchub/shdc/pkg/crypto/keystore"
	"github.com/shdchub/shdc/pkg/crypto/rotation"
	"github.com/shdchub/shdc/pkg/logging"
	"github.com/shdchub/shdc/pkg/replay"
	"github.com/shdchub/shdc/pkg/transport"
	"github.com/shdchub/shdc/shared/protocol"
)

// HubState is the hub's lifecycle state (SPEC_FULL.md §2, spec.md §9).
type HubState int

const (
	HubStopped HubState = iota
	HubStarting
	HubRunning
	HubError
)

func (s HubState) String() string {
	switch s {
	case HubStopped:
		return "STOPPED"
	case HubStarting:
		return "STARTING"
	case HubRunning:
		return "RUNNING"
	case HubError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// sensorSession is what the hub remembers about one joined sensor.
type sensorSession struct {
	deviceID   uint32
	publicKey  [32]byte
	sessionKey [32]byte
	deviceInfo string
	joinedAt   time.Time
	lastSeen   time.Time
}

// Hub runs the hub side of SHDC: it accepts JOIN_REQUEST/
// HUB_DISCOVERY_REQ, answers with session keys, decrypts EVENT_REPORT
// traffic, and broadcasts BROADCAST_COMMAND / KEY_ROTATION datagrams
// to the whole sensor population.
type Hub struct {
	id       uint32
	identity *classical.Ed25519Keypair
	store    *keystore.Store
	guard    *replay.Guard
	rotator  *rotation.BroadcastKeyRotator
	tr       *transport.Transport
	log      *logging.Logger
	bus      *Bus
	port     int
	cache    *cache.Cache

	mu        sync.RWMutex
	state     HubState
	sessions  map[uint32]*sensorSession
	startedAt time.Time

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewHub constructs a hub with the given device id, signing identity,
// key store, and port it will bind to. The hub starts STOPPED; call
// Run to bind its transport and enter RUNNING.
func NewHub(id uint32, identity *classical.Ed25519Keypair, store *keystore.Store, port int, log *logging.Logger, bus *Bus) (*Hub, error) {
	masterKey, err := loadOrCreateBroadcastMaster(store)
	if err != nil {
		return nil, fmt.Errorf("engine: failed to initialize broadcast key: %w", err)
	}
	rotator, err := rotation.NewBroadcastKeyRotator(masterKey)
	if err != nil {
		return nil, fmt.Errorf("engine: failed to initialize broadcast key rotator: %w", err)
	}

	if bus == nil {
		bus = NewBus()
	}
	if log == nil {
		log = logging.NewNop()
	}

	return &Hub{
		id:       id,
		identity: identity,
		store:    store,
		guard:    replay.DefaultGuard(),
		rotator:  rotator,
		port:     port,
		log:      log.WithComponent("hub"),
		bus:      bus,
		state:    HubStopped,
		sessions: make(map[uint32]*sensorSession),
		stop:     make(chan struct{}),
	}, nil
}

func loadOrCreateBroadcastMaster(store *keystore.Store) ([32]byte, error) {
	var master [32]byte
	raw, err := store.Get(keystore.BroadcastMasterKeyID())
	if err == nil && len(raw) == 32 {
		copy(master[:], raw)
		return master, nil
	}

	if _, err := rand.Read(master[:]); err != nil {
		return master, fmt.Errorf("failed to generate broadcast master key: %w", err)
	}
	if err := store.Put(keystore.BroadcastMasterKeyID(), master[:], 0); err != nil {
		return master, fmt.Errorf("failed to persist broadcast master key: %w", err)
	}
	return master, nil
}

// State returns the hub's current lifecycle state.
func (h *Hub) State() HubState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

func (h *Hub) setState(s HubState) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

// HubStatus is a point-in-time snapshot of hub state, suitable for
// JSON encoding by a status feed.
type HubStatus struct {
	HubID            uint32    `json:"hub_id"`
	State            string    `json:"state"`
	JoinedSensors    int       `json:"joined_sensors"`
	BroadcastVersion uint32    `json:"broadcast_key_version"`
	Uptime           string    `json:"uptime,omitempty"`
}

// Status returns a snapshot of the hub's current state.
func (h *Hub) Status() interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	_, version := h.rotator.CurrentKey()
	status := HubStatus{
		HubID:            h.id,
		State:            h.state.String(),
		JoinedSensors:    len(h.sessions),
		BroadcastVersion: version,
	}
	if h.state == HubRunning && !h.startedAt.IsZero() {
		status.Uptime = time.Since(h.startedAt).Round(time.Second).String()
	}
	return status
}

// SetCache attaches an optional Redis mirror for recently accepted
// replay nonces (SPEC_FULL.md §4.4). A hub with no cache attached
// relies solely on the in-memory guard, which is always sufficient.
func (h *Hub) SetCache(c *cache.Cache) {
	h.mu.Lock()
	h.cache = c
	h.mu.Unlock()
}

// Run binds the hub's transport, advertises its identity, and begins
// processing inbound datagrams until Stop is called.
func (h *Hub) Run() error {
	h.setState(HubStarting)

	tr, err := transport.ListenHub(h.port)
	if err != nil {
		h.setState(HubError)
		return newErr(KindTransport, "listen", err)
	}
	h.tr = tr

	h.mu.Lock()
	h.startedAt = time.Now()
	h.mu.Unlock()

	h.setState(HubRunning)
	h.log.Info("hub running", logging.Fields{"hub_id": fmt.Sprintf("%08X", h.id), "port": h.port})

	h.wg.Add(1)
	go h.loop()
	return nil
}

// Stop halts the event loop and closes the transport.
func (h *Hub) Stop() error {
	select {
	case <-h.stop:
		return nil
	default:
		close(h.stop)
	}
	h.wg.Wait()
	h.setState(HubStopped)
	if h.tr != nil {
		return h.tr.Close()
	}
	return nil
}

func (h *Hub) loop() {
	defer h.wg.Done()
	for {
		select {
		case <-h.stop:
			return
		case dg := <-h.tr.Recv():
			h.handleDatagram(dg)
		case err := <-h.tr.Errors():
			h.log.Error("transport error", logging.Fields{"error": err.Error()})
			h.setState(HubError)
			return
		}
	}
}

// handleDatagram dispatches one inbound datagram. Per-type signature
// verification always runs before the replay guard is consulted: an
// unauthenticated sender must not be able to pollute Guard.seen with
// forged device_ids, nor pre-seed a (device_id, nonce) pair that would
// later reject a legitimate datagram using the same nonce.
func (h *Hub) handleDatagram(dg transport.Datagram) {
	msg, err := protocol.DecodeMessage(dg.Data)
	if err != nil {
		h.log.Debug("dropped malformed datagram", logging.Fields{"error": err.Error()})
		newErr(KindCodec, "decode", err)
		return
	}

	now := time.Now()

	switch msg.Header.Type {
	case protocol.MsgHubDiscoveryReq:
		if !h.verifyDiscoveryReq(msg) {
			return
		}
		if !h.checkReplay(msg, now) {
			return
		}
		h.handleDiscoveryReq(msg, dg.Addr)
	case protocol.MsgJoinRequest:
		req, ok := h.verifyJoinRequest(msg)
		if !ok {
			return
		}
		if !h.checkReplay(msg, now) {
			return
		}
		h.handleJoinRequest(msg, req, dg.Addr)
	case protocol.MsgEventReport:
		sess, ok := h.verifyEventReport(msg)
		if !ok {
			return
		}
		if !h.checkReplay(msg, now) {
			return
		}
		h.handleEventReport(msg, sess)
	default:
		h.log.Debug("ignoring unexpected message type from sensor", logging.Fields{"type": protocol.MessageTypeName(msg.Header.Type)})
	}
}

// checkReplay consults the guard, then the optional cache for a nonce
// recorded before a restart, and mirrors the accepted nonce to the
// cache. Callers must have already verified msg's signature — the
// guard's device_id-keyed state must never be populated from an
// unauthenticated datagram.
func (h *Hub) checkReplay(msg *protocol.Message, now time.Time) bool {
	if err := h.guard.Check(msg.Header.DeviceID, msg.Header.Timestamp, msg.Header.Nonce, now); err != nil {
		h.log.Debug("dropped replayed/stale datagram", logging.Fields{"device_id": msg.Header.DeviceID, "error": err.Error()})
		newErr(KindReplay, "replay-check", err)
		return false
	}
	h.mu.RLock()
	c := h.cache
	h.mu.RUnlock()
	if c != nil {
		if msg.Header.DeviceID != protocol.UnassignedDeviceID {
			if seen, err := c.HasSeenNonce(msg.Header.DeviceID, msg.Header.Nonce); err == nil && seen {
				h.log.Debug("dropped datagram with nonce already recorded in cache", logging.Fields{"device_id": msg.Header.DeviceID})
				newErr(KindReplay, "replay-check", fmt.Errorf("nonce already recorded for device %08X", msg.Header.DeviceID))
				return false
			}
		}
		tolerance := time.Duration(protocol.ReplayToleranceSeconds) * time.Second
		if err := c.SeenNonce(msg.Header.DeviceID, msg.Header.Nonce, tolerance); err != nil {
			h.log.Warn("failed to mirror replay nonce to cache", logging.Fields{"error": err.Error()})
		}
	}
	return true
}

// verifyDiscoveryReq authenticates a HUB_DISCOVERY_REQ against the key
// it advertises in its own payload — trust-on-first-use, since there
// is no prior relationship to check the key against.
func (h *Hub) verifyDiscoveryReq(msg *protocol.Message) bool {
	req, err := protocol.DecodeJoinRequestPayload(msg.Payload)
	if err != nil {
		newErr(KindCodec, "decode-discovery-request", err)
		return false
	}
	if !classical.Ed25519Verify(msg.SignedData(), msg.Signature[:], req.PublicKey[:]) {
		newErr(KindCrypto, "verify-discovery-request", fmt.Errorf("bad signature from device %08X", msg.Header.DeviceID))
		return false
	}
	return true
}

// verifyJoinRequest decodes and authenticates a JOIN_REQUEST against
// the key it advertises in its own payload.
func (h *Hub) verifyJoinRequest(msg *protocol.Message) (protocol.JoinRequestPayload, bool) {
	req, err := protocol.DecodeJoinRequestPayload(msg.Payload)
	if err != nil {
		newErr(KindCodec, "decode-join-request", err)
		return protocol.JoinRequestPayload{}, false
	}
	if !classical.Ed25519Verify(msg.SignedData(), msg.Signature[:], req.PublicKey[:]) {
		newErr(KindCrypto, "verify-join-request", fmt.Errorf("bad signature from device %08X", msg.Header.DeviceID))
		return protocol.JoinRequestPayload{}, false
	}
	return req, true
}

// verifyEventReport resolves the sending device's session and
// authenticates the EVENT_REPORT against its known public key. A
// device with no session cannot be verified at all, so it is rejected
// before the guard sees its device_id.
func (h *Hub) verifyEventReport(msg *protocol.Message) (*sensorSession, bool) {
	h.mu.RLock()
	sess, ok := h.sessions[msg.Header.DeviceID]
	h.mu.RUnlock()
	if !ok {
		newErr(KindKeyAbsent, "event-report", fmt.Errorf("no session for device %08X", msg.Header.DeviceID))
		return nil, false
	}
	if !classical.Ed25519Verify(msg.SignedData(), msg.Signature[:], sess.publicKey[:]) {
		newErr(KindCrypto, "verify-event-report", fmt.Errorf("bad signature from device %08X", msg.Header.DeviceID))
		return nil, false
	}
	return sess, true
}

func (h *Hub) handleDiscoveryReq(msg *protocol.Message, addr *net.UDPAddr) {
	respHeader := protocol.Header{
		Type:      protocol.MsgHubDiscoveryResp,
		DeviceID:  h.id,
		Timestamp: uint32(time.Now().Unix()),
	}
	if _, err := randomNonce(&respHeader.Nonce); err != nil {
		h.log.Warn("failed to generate nonce for discovery response", logging.Fields{"error": err.Error()})
		return
	}
	resp := &protocol.Message{
		Header: respHeader,
		Payload: protocol.EncodeHubDiscoveryRespPayload(protocol.HubDiscoveryRespPayload{
			HubID:        h.id,
			HubPublicKey: pubKeyArray(h.identity.PublicKey),
			Capabilities: "v1.0",
		}),
	}
	if err := h.signAndSend(resp, addr); err != nil {
		h.log.Warn("failed to send discovery response", logging.Fields{"error": err.Error()})
	}
}

func (h *Hub) handleJoinRequest(msg *protocol.Message, req protocol.JoinRequestPayload, addr *net.UDPAddr) {
	assignedID := msg.Header.DeviceID
	sessionKey, err := kdf.DeriveSessionKey(req.PublicKey, pubKeyArray(h.identity.PublicKey), assignedID, h.id)
	if err != nil {
		newErr(KindCrypto, "derive-session-key", err)
		return
	}

	if err := h.store.Put(keystore.PeerPublicKeyID(assignedID), req.PublicKey[:], 0); err != nil {
		h.log.Warn("failed to persist peer public key", logging.Fields{"error": err.Error()})
	}
	if err := h.store.Put(keystore.SessionKeyID(assignedID), sessionKey[:], keystore.SessionKeyLifetime); err != nil {
		h.log.Warn("failed to persist session key", logging.Fields{"error": err.Error()})
	}

	_, bcVersion := h.rotator.CurrentKey()

	h.mu.Lock()
	h.sessions[assignedID] = &sensorSession{
		deviceID:   assignedID,
		publicKey:  req.PublicKey,
		sessionKey: sessionKey,
		deviceInfo: req.DeviceInfo,
		joinedAt:   time.Now(),
		lastSeen:   time.Now(),
	}
	h.mu.Unlock()

	respHeader := protocol.Header{
		Type:      protocol.MsgJoinResponse,
		DeviceID:  h.id,
		Timestamp: uint32(time.Now().Unix()),
	}
	if _, err := randomNonce(&respHeader.Nonce); err != nil {
		h.log.Warn("failed to generate nonce for join response", logging.Fields{"error": err.Error()})
		return
	}
	plaintext := protocol.EncodeJoinResponsePayload(protocol.JoinResponsePayload{
		AssignedID:     assignedID,
		SessionKey:     sessionKey,
		BroadcastKeyID: byte(bcVersion),
	})
	wire, err := sealPayload(sessionKey, respHeader, plaintext)
	if err != nil {
		h.log.Warn("failed to seal join response", logging.Fields{"error": err.Error()})
		return
	}

	resp := &protocol.Message{Header: respHeader, Payload: wire}
	if err := h.signAndSend(resp, addr); err != nil {
		h.log.Warn("failed to send join response", logging.Fields{"error": err.Error()})
		return
	}

	// JOIN_RESPONSE names the broadcast key currently in effect but its
	// 37-byte plaintext form has no room for the key material itself;
	// follow up with a KEY_ROTATION datagram sealed under the new
	// session key to deliver it, the same way an ordinary rotation
	// notice would.
	bcKey, _ := h.rotator.KeyByID(byte(bcVersion), time.Now())
	rotHeader := protocol.Header{
		Type:      protocol.MsgKeyRotation,
		DeviceID:  h.id,
		Timestamp: uint32(time.Now().Unix()),
	}
	if _, err := randomNonce(&rotHeader.Nonce); err != nil {
		h.log.Warn("failed to generate nonce for bootstrap key rotation", logging.Fields{"error": err.Error()})
		return
	}
	rotPlaintext := protocol.EncodeKeyRotationPayload(protocol.KeyRotationPayload{
		NewKey:    bcKey,
		ValidFrom: uint32(time.Now().Unix()),
	})
	rotWire, err := sealPayload(sessionKey, rotHeader, rotPlaintext)
	if err != nil {
		h.log.Warn("failed to seal bootstrap key rotation", logging.Fields{"error": err.Error()})
		return
	}
	rotMsg := &protocol.Message{Header: rotHeader, Payload: rotWire}
	if err := h.signAndSend(rotMsg, addr); err != nil {
		h.log.Warn("failed to send bootstrap key rotation", logging.Fields{"error": err.Error()})
	}

	h.bus.Emit(Event{Type: EventDeviceJoined, At: time.Now(), DeviceID: assignedID, Info: req.DeviceInfo})
}

func (h *Hub) handleEventReport(msg *protocol.Message, sess *sensorSession) {
	plaintext, err := openPayload(sess.sessionKey, msg.Header, msg.Payload)
	if err != nil {
		h.log.Debug("dropped undecryptable event report", logging.Fields{"device_id": msg.Header.DeviceID})
		return
	}

	report, err := protocol.DecodeEventReportPayload(plaintext)
	if err != nil {
		newErr(KindCodec, "decode-event-report", err)
		return
	}

	h.mu.Lock()
	sess.lastSeen = time.Now()
	h.mu.Unlock()

	h.bus.Emit(Event{
		Type:      EventSensorData,
		At:        time.Now(),
		DeviceID:  msg.Header.DeviceID,
		EventType: report.EventType,
		Data:      report.Data,
	})
}

// Broadcast sends a BROADCAST_COMMAND to every sensor on the LAN,
// AEAD-encrypted under the hub's current broadcast key.
func (h *Hub) Broadcast(commandType byte, commandData []byte) error {
	key, version := h.rotator.CurrentKey()

	header := protocol.Header{
		Type:      protocol.MsgBroadcastCommand,
		DeviceID:  h.id,
		Timestamp: uint32(time.Now().Unix()),
	}
	if _, err := randomNonce(&header.Nonce); err != nil {
		return newErr(KindCrypto, "broadcast-nonce", err)
	}

	plaintext := protocol.EncodeBroadcastCommandPayload(protocol.BroadcastCommandPayload{
		CommandType:    commandType,
		CommandData:    commandData,
		BroadcastKeyID: byte(version),
	})
	wire, err := sealPayload(key, header, plaintext)
	if err != nil {
		return err
	}

	msg := &protocol.Message{Header: header, Payload: wire}
	sig, err := classical.Ed25519Sign(msg.SignedData(), h.identity.PrivateKey)
	if err != nil {
		return newErr(KindCrypto, "sign-broadcast", err)
	}
	copy(msg.Signature[:], sig)

	data, err := protocol.EncodeMessage(msg)
	if err != nil {
		return newErr(KindPolicy, "encode-broadcast", err)
	}

	if err := h.tr.SendBroadcast(data, h.port); err != nil {
		return newErr(KindTransport, "send-broadcast", err)
	}

	h.bus.Emit(Event{Type: EventControlMessage, At: time.Now(), Command: commandType, Data: commandData})
	return nil
}

// RotateBroadcastKey rotates the hub's broadcast key, notifies every
// joined sensor with a KEY_ROTATION datagram signed with the hub's
// identity (spec.md §4.6: "either direction", sent here by the hub
// since only the hub decides when to rotate), and schedules the old
// key's expiry once graceWindow elapses.
func (h *Hub) RotateBroadcastKey(graceWindow time.Duration) error {
	result, err := h.rotator.RotateKey(graceWindow)
	if err != nil {
		return newErr(KindState, "rotate-broadcast-key", err)
	}

	header := protocol.Header{
		Type:      protocol.MsgKeyRotation,
		DeviceID:  h.id,
		Timestamp: uint32(time.Now().Unix()),
	}
	if _, err := randomNonce(&header.Nonce); err != nil {
		return newErr(KindCrypto, "rotation-nonce", err)
	}

	plaintext := protocol.EncodeKeyRotationPayload(result.Payload())
	wire, err := sealPayload(result.OldKey, header, plaintext)
	if err != nil {
		return err
	}

	msg := &protocol.Message{Header: header, Payload: wire}
	sig, err := classical.Ed25519Sign(msg.SignedData(), h.identity.PrivateKey)
	if err != nil {
		return newErr(KindCrypto, "sign-rotation", err)
	}
	copy(msg.Signature[:], sig)

	data, err := protocol.EncodeMessage(msg)
	if err != nil {
		return newErr(KindPolicy, "encode-rotation", err)
	}
	if err := h.tr.SendBroadcast(data, h.port); err != nil {
		return newErr(KindTransport, "send-rotation", err)
	}

	time.AfterFunc(graceWindow, func() { h.rotator.ExpirePrevious(time.Now()) })

	h.bus.Emit(Event{Type: EventHubRotatedKeys, At: time.Now()})
	return nil
}

func (h *Hub) signAndSend(msg *protocol.Message, addr *net.UDPAddr) error {
	sig, err := classical.Ed25519Sign(msg.SignedData(), h.identity.PrivateKey)
	if err != nil {
		return newErr(KindCrypto, "sign", err)
	}
	copy(msg.Signature[:], sig)

	data, err := protocol.EncodeMessage(msg)
	if err != nil {
		return newErr(KindPolicy, "encode", err)
	}
	if err := h.tr.SendTo(data, addr); err != nil {
		return newErr(KindTransport, "send", err)
	}
	return nil
}

func pubKeyArray(pub []byte) [32]byte {
	var out [32]byte
	copy(out[:], pub)
	return out
}

func randomNonce(nonce *[3]byte) ([3]byte, error) {
	if _, err := rand.Read(nonce[:]); err != nil {
		return *nonce, err
	}
	return *nonce, nil
}
