package peer

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/ventosilenzioso/go-raknet-core/clock"
	"github.com/ventosilenzioso/go-raknet-core/config"
	"github.com/ventosilenzioso/go-raknet-core/events"
	"github.com/ventosilenzioso/go-raknet-core/logging"
	"github.com/ventosilenzioso/go-raknet-core/reliability"
	"github.com/ventosilenzioso/go-raknet-core/wire"
)

// handshakeRetryInterval is how often an in-flight client handshake resends
// its current leg while waiting on a reply.
const handshakeRetryInterval = 500 * time.Millisecond

// handshakeRateLimit bounds how often one remote address may start a new
// handshake, guarding against the connection table filling with half-open
// entries from a single source (§7).
const handshakeRateLimit = 200 * time.Millisecond

// controlChannel carries peer-manager control messages (currently just the
// graceful disconnect notification) over an established reliability.Layer,
// so they survive the layer's framing/dedup/ordering machinery instead of
// arriving as a bare byte the layer's wire codec can't parse. Reserved at
// the top of the channel space so it never collides with an application's
// own channel use.
const controlChannel = wire.MaxChannels - 1

type connState int

const (
	stateHandshaking connState = iota
	stateConnected
)

// connection is one entry in the peer table: either a peer still completing
// its handshake or a fully connected one backed by a reliability.Layer.
type connection struct {
	addr       *net.UDPAddr
	state      connState
	layer      *reliability.Layer
	remoteGUID uint64

	// handshake-only fields
	cookie        uint64
	lastLegSentAt time.Time
	legPayload    []byte
	outbound      bool // true if we initiated (connect), false if inbound
	passwordHash  []byte
}

// Manager owns the UDP socket, the peer table, and the handshake and
// application send/receive queues from spec.md §4.7. Grounded on the
// teacher's Server (source/server/server.go): one net.UDPConn, a
// goroutine reading datagrams and dispatching per-packet work, and a
// ticker-driven update loop, generalized from a game-specific player table
// to an address-keyed connection table serving any application payload.
type Manager struct {
	cfg    config.Config
	log    *logrus.Logger
	secret []byte
	guid   uint64

	conn *net.UDPConn

	mu          sync.RWMutex
	connections map[string]*connection
	lastAttempt map[string]time.Time

	maxPeers int

	inbox  chan events.Event
	done   chan struct{}
	ticker *time.Ticker
	wg     sync.WaitGroup

	receipts receiptMinter

	closed bool
}

// NextReceiptID mints a fresh receipt identifier for a reliable-with-receipt
// send, so callers need not manage their own counter.
func (m *Manager) NextReceiptID() uint64 { return m.receipts.Next() }

// New constructs a Manager; call Startup to bind the socket and begin
// processing.
func New(cfg config.Config) *Manager {
	secret := make([]byte, 32)
	_, _ = rand.Read(secret)
	return &Manager{
		cfg:         cfg,
		log:         logging.Default(),
		secret:      secret,
		guid:        randomGUID(),
		connections: make(map[string]*connection),
		lastAttempt: make(map[string]time.Time),
		inbox:       make(chan events.Event, 1024),
		done:        make(chan struct{}),
	}
}

func randomGUID() uint64 {
	id := uuid.New()
	return binary.BigEndian.Uint64(id[:8]) ^ binary.BigEndian.Uint64(id[8:])
}

// Startup binds the UDP socket and starts the receive and tick loops, per
// §4.7's startup(maxPeers, bindPorts[]).
func (m *Manager) Startup(maxPeers int, bindPort int) error {
	m.maxPeers = maxPeers
	addr := &net.UDPAddr{Port: bindPort}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("peer: listen udp: %w", err)
	}
	m.conn = conn

	m.ticker = time.NewTicker(50 * time.Millisecond)
	m.wg.Add(2)
	go m.readLoop()
	go m.tickLoop()
	return nil
}

// LocalAddr reports the bound socket's address, useful when Startup was
// given port 0 and the OS chose an ephemeral one.
func (m *Manager) LocalAddr() *net.UDPAddr {
	return m.conn.LocalAddr().(*net.UDPAddr)
}

func (m *Manager) readLoop() {
	defer m.wg.Done()
	buf := make([]byte, 65536)
	for {
		n, addr, err := m.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-m.done:
				return
			default:
			}
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		go m.handlePacket(data, addr)
	}
}

func (m *Manager) tickLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.done:
			return
		case now := <-m.ticker.C:
			m.tick(now)
		}
	}
}

func (m *Manager) tick(now time.Time) {
	m.mu.RLock()
	conns := make([]*connection, 0, len(m.connections))
	for _, c := range m.connections {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	for _, c := range conns {
		switch c.state {
		case stateHandshaking:
			m.retryHandshakeLeg(c, now)
		case stateConnected:
			for _, dg := range c.layer.Tick(now) {
				m.writeTo(dg, c.addr)
			}
			m.drainLayerEvents(c)
			if c.layer.State() == reliability.DisconnectingGraceful && c.layer.DrainComplete() {
				m.forgetConnection(c.addr)
			}
			if c.layer.State() == reliability.Dead {
				m.forgetConnection(c.addr)
			}
		}
	}
}

func (m *Manager) retryHandshakeLeg(c *connection, now time.Time) {
	if now.Sub(c.lastLegSentAt) < handshakeRetryInterval {
		return
	}
	m.writeTo(c.legPayload, c.addr)
	c.lastLegSentAt = now
}

func (m *Manager) drainLayerEvents(c *connection) {
	for {
		ev, ok := c.layer.PopEvent()
		if !ok {
			return
		}
		if ev.Kind == events.ApplicationMessage && ev.Channel == controlChannel {
			m.handleControlMessage(c, ev.Message)
			continue
		}
		ev.Addr = c.addr
		m.publish(ev)
	}
}

// handleControlMessage interprets a delivered payload on controlChannel as a
// MessageID rather than forwarding it to the application, the receiving side
// of the control messages CloseConnection sends over the established
// reliability.Layer.
func (m *Manager) handleControlMessage(c *connection, payload []byte) {
	if len(payload) == 0 {
		return
	}
	switch MessageID(payload[0]) {
	case MsgDisconnectionNotification:
		m.publish(events.Event{Kind: events.DisconnectionNotification, Addr: c.addr})
		m.forgetConnection(c.addr)
	}
}

func (m *Manager) publish(ev events.Event) {
	select {
	case m.inbox <- ev:
	default:
		m.log.Warn("peer: inbox full, dropping event")
	}
}

func (m *Manager) writeTo(data []byte, addr *net.UDPAddr) {
	if len(data) == 0 {
		return
	}
	if _, err := m.conn.WriteToUDP(data, addr); err != nil {
		m.log.WithError(err).Debug("peer: write failed")
	}
}

// handlePacket dispatches one inbound datagram: handshake messages by
// MessageID, everything else into the owning connection's reliability
// layer, per §4.6 step 1 / §4.7's three-way handshake.
func (m *Manager) handlePacket(data []byte, addr *net.UDPAddr) {
	if len(data) == 0 {
		return
	}
	key := addr.String()

	m.mu.RLock()
	c, exists := m.connections[key]
	m.mu.RUnlock()

	if exists && c.state == stateConnected && MessageID(data[0]) != MsgConnectionRequestAccepted {
		if err := c.layer.OnDatagram(data, time.Now()); err != nil {
			m.log.WithError(err).WithField("addr", key).Debug("peer: malformed datagram")
			if c.layer.MalformedCount() > 64 {
				m.forgetConnection(addr)
			}
		}
		return
	}

	m.handleHandshakePacket(data, addr, c)
}

func (m *Manager) handleHandshakePacket(data []byte, addr *net.UDPAddr, existing *connection) {
	if len(data) == 0 {
		return
	}
	switch MessageID(data[0]) {
	case MsgOpenConnectionRequest1:
		m.onOpenConnectionRequest1(data, addr)
	case MsgOpenConnectionReply1:
		m.onOpenConnectionReply1(data, addr, existing)
	case MsgOpenConnectionRequest2:
		m.onOpenConnectionRequest2(data, addr, existing)
	case MsgOpenConnectionReply2:
		m.onOpenConnectionReply2(data, addr, existing)
	case MsgConnectionRequest:
		m.onConnectionRequest(data, addr, existing)
	case MsgConnectionRequestAccepted:
		m.onConnectionRequestAccepted(data, addr, existing)
	case MsgAlreadyConnected:
		m.onAlreadyConnected(addr, existing)
	case MsgNoFreeIncomingConnections:
		m.onNoFreeIncomingConnections(addr, existing)
	case MsgInvalidPassword:
		m.onInvalidPassword(addr, existing)
	}
}

// onAlreadyConnected, onNoFreeIncomingConnections and onInvalidPassword are
// the client side of a rejected handshake: the remote peer's MessageID
// arrives while the local entry is still stateHandshaking, so the pending
// attempt is torn down and the failure surfaced as an event instead of being
// left to time out silently.
func (m *Manager) onAlreadyConnected(addr *net.UDPAddr, existing *connection) {
	if existing == nil || existing.state != stateHandshaking {
		return
	}
	m.forgetConnection(addr)
	m.publish(events.Event{Kind: events.AlreadyConnected, Addr: addr})
}

func (m *Manager) onNoFreeIncomingConnections(addr *net.UDPAddr, existing *connection) {
	if existing == nil || existing.state != stateHandshaking {
		return
	}
	m.forgetConnection(addr)
	m.publish(events.Event{Kind: events.NoFreeIncomingConnections, Addr: addr})
}

func (m *Manager) onInvalidPassword(addr *net.UDPAddr, existing *connection) {
	if existing == nil || existing.state != stateHandshaking {
		return
	}
	m.forgetConnection(addr)
	m.publish(events.Event{Kind: events.InvalidPassword, Addr: addr})
}

// onOpenConnectionRequest1 is the server side of handshake leg 1: it replies
// with a cookie derived purely from the remote address and a local secret,
// so it need not allocate any per-remote state yet (the amplification
// resistance §4.7 calls for).
func (m *Manager) onOpenConnectionRequest1(data []byte, addr *net.UDPAddr) {
	req, err := decodeOpenConnectionRequest1(data)
	if err != nil {
		return
	}
	if !m.allowHandshakeAttempt(addr) {
		return
	}
	reply := encodeOpenConnectionReply1(openConnectionReply1{
		Cookie:     cookieFor(m.secret, addr),
		ServerGUID: m.guid,
		MTU:        uint16(req.MTUProbeSize),
	})
	m.writeTo(reply, addr)
}

func (m *Manager) allowHandshakeAttempt(addr *net.UDPAddr) bool {
	key := addr.String()
	m.mu.Lock()
	defer m.mu.Unlock()
	last, ok := m.lastAttempt[key]
	now := time.Now()
	if ok && now.Sub(last) < handshakeRateLimit {
		return false
	}
	m.lastAttempt[key] = now
	return true
}

// onOpenConnectionReply1 is the client side: having received the server's
// cookie, it echoes the cookie back in leg 2 along with its own GUID and
// optional password hash.
func (m *Manager) onOpenConnectionReply1(data []byte, addr *net.UDPAddr, existing *connection) {
	if existing == nil || existing.state != stateHandshaking || !existing.outbound {
		return
	}
	reply, err := decodeOpenConnectionReply1(data)
	if err != nil {
		return
	}
	leg2 := encodeOpenConnectionRequest2(openConnectionRequest2{
		Cookie:       reply.Cookie,
		ClientGUID:   m.guid,
		MTU:          reply.MTU,
		PasswordHash: existing.passwordHash,
	})
	m.mu.Lock()
	existing.cookie = reply.Cookie
	existing.legPayload = leg2
	existing.lastLegSentAt = time.Now()
	m.mu.Unlock()
	m.writeTo(leg2, addr)
}

// onOpenConnectionRequest2 validates the echoed cookie, then admits the peer:
// the server now allocates the reliability.Layer and moves to CONNECTED from
// its own perspective once it also receives a ConnectionRequest.
func (m *Manager) onOpenConnectionRequest2(data []byte, addr *net.UDPAddr, existing *connection) {
	req, err := decodeOpenConnectionRequest2(data)
	if err != nil {
		return
	}
	if req.Cookie != cookieFor(m.secret, addr) {
		return // forged or stale cookie
	}

	m.mu.Lock()
	if len(m.connections) >= m.maxPeers {
		m.mu.Unlock()
		// The rejected party is the connecting client, not this server, so
		// the NoFreeIncomingConnections event belongs to its side of the
		// handshake; see onNoFreeIncomingConnections, reached once the
		// client decodes this wire message.
		m.writeTo(encodeSimpleMessage(MsgNoFreeIncomingConnections), addr)
		m.log.WithField("addr", addr.String()).Debug("peer: rejected connection, at capacity")
		return
	}
	if existing != nil {
		m.mu.Unlock()
		m.writeTo(encodeSimpleMessage(MsgAlreadyConnected), addr)
		return
	}
	c := &connection{addr: addr, state: stateHandshaking, cookie: req.Cookie, outbound: false}
	m.connections[addr.String()] = c
	m.mu.Unlock()

	reply := encodeOpenConnectionReply2(openConnectionReply2{ServerGUID: m.guid, MTU: req.MTU})
	m.writeTo(reply, addr)
}

// onOpenConnectionReply2 is the client side completing leg 2: it now sends
// the final ConnectionRequest carrying its GUID and password, and stands up
// its own reliability.Layer.
func (m *Manager) onOpenConnectionReply2(data []byte, addr *net.UDPAddr, existing *connection) {
	if existing == nil || existing.state != stateHandshaking {
		return
	}
	reply, err := decodeOpenConnectionReply2(data)
	if err != nil {
		return
	}

	layer := reliability.New(clock.RealClock{}, m.layerConfig(int(reply.MTU)), logging.ForPeer(m.log, addr.String()))
	layer.SetState(reliability.Connected)

	m.mu.Lock()
	existing.state = stateConnected
	existing.layer = layer
	existing.remoteGUID = reply.ServerGUID
	m.mu.Unlock()

	final := encodeConnectionRequest(connectionRequest{ClientGUID: m.guid, PasswordHash: existing.passwordHash})
	m.writeTo(final, addr)
}

func (m *Manager) onConnectionRequest(data []byte, addr *net.UDPAddr, existing *connection) {
	if existing == nil || existing.state != stateHandshaking {
		return
	}
	req, err := decodeConnectionRequest(data)
	if err != nil {
		return
	}

	layer := reliability.New(clock.RealClock{}, m.layerConfig(m.cfg.MTU), logging.ForPeer(m.log, addr.String()))
	layer.SetState(reliability.Connected)

	m.mu.Lock()
	existing.state = stateConnected
	existing.layer = layer
	existing.remoteGUID = req.ClientGUID
	m.mu.Unlock()

	m.writeTo(encodeConnectionRequestAccepted(m.guid), addr)
	m.publish(events.Event{Kind: events.NewIncomingConnection, Addr: addr})
}

func (m *Manager) onConnectionRequestAccepted(data []byte, addr *net.UDPAddr, existing *connection) {
	if existing == nil || existing.state != stateConnected {
		return
	}
	m.publish(events.Event{Kind: events.ConnectionRequestAccepted, Addr: addr})
}

func (m *Manager) layerConfig(mtu int) reliability.Config {
	return reliability.Config{
		MTU:                       mtu,
		MaxSendAttempts:           m.cfg.MaxSendAttempts,
		MinRTO:                    m.cfg.MinRTO(),
		MaxRTO:                    m.cfg.MaxRTO(),
		AckDelay:                  m.cfg.AckDelay(),
		PingInterval:              m.cfg.PingInterval(),
		Timeout:                   m.cfg.Timeout(),
		MaxSplitPacketsPerPeer:    m.cfg.MaxSplitPacketsPerPeer,
		MaxReassemblyBytesPerPeer: m.cfg.MaxReassemblyBytesPerPeer,
	}
}

// Connect begins an outbound handshake to host:port, per §4.7's
// connect(host, port, passwordHash?).
func (m *Manager) Connect(host string, port int, passwordHash []byte) error {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return fmt.Errorf("peer: resolve %s:%d: %w", host, port, err)
	}

	leg1 := encodeOpenConnectionRequest1(openConnectionRequest1{ProtocolVersion: protocolVersion, MTUProbeSize: m.cfg.MTU})
	c := &connection{
		addr:          addr,
		state:         stateHandshaking,
		outbound:      true,
		legPayload:    leg1,
		lastLegSentAt: time.Now(),
		passwordHash:  passwordHash,
	}

	m.mu.Lock()
	m.connections[addr.String()] = c
	m.mu.Unlock()

	m.writeTo(leg1, addr)
	return nil
}

// Send queues an application payload for delivery, per §4.7's
// send(..., addrOrBroadcast, receiptId?). addr == nil broadcasts to every
// connected peer.
func (m *Manager) Send(payload []byte, priority reliability.Priority, rel wire.Reliability, channel byte, addr *net.UDPAddr, receiptID uint64) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if addr == nil {
		for _, c := range m.connections {
			if c.state == stateConnected {
				_ = c.layer.Send(payload, priority, rel, channel, receiptID)
			}
		}
		return nil
	}
	c, ok := m.connections[addr.String()]
	if !ok || c.state != stateConnected {
		return reliability.ErrNotConnected
	}
	return c.layer.Send(payload, priority, rel, channel, receiptID)
}

// Receive pops one queued event without blocking, per §4.7's receive().
func (m *Manager) Receive() (events.Event, bool) {
	select {
	case ev := <-m.inbox:
		return ev, true
	default:
		return events.Event{}, false
	}
}

// CloseConnection tears down one peer, optionally notifying it first, per
// §4.7's closeConnection(addr, sendDisconnectNotification).
func (m *Manager) CloseConnection(addr *net.UDPAddr, sendDisconnectNotification bool) {
	m.mu.RLock()
	c, ok := m.connections[addr.String()]
	m.mu.RUnlock()
	if !ok {
		return
	}
	if sendDisconnectNotification && c.state == stateConnected {
		// Sent as a reliable-ordered internal message on the reserved
		// control channel rather than a raw socket write: once a peer is
		// stateConnected, handlePacket routes every datagram from it
		// through the reliability layer's wire codec, which would fail to
		// parse a bare one-byte payload.
		_ = c.layer.Send([]byte{byte(MsgDisconnectionNotification)}, reliability.Immediate, wire.ReliableOrdered, controlChannel, 0)
		c.layer.Disconnect()
		return
	}
	m.forgetConnection(addr)
}

func (m *Manager) forgetConnection(addr *net.UDPAddr) {
	m.mu.Lock()
	delete(m.connections, addr.String())
	delete(m.lastAttempt, addr.String())
	m.mu.Unlock()
}

// Shutdown drains outbound queues for up to duration before closing the
// socket, per §4.7's shutdown(durationMillis).
func (m *Manager) Shutdown(duration time.Duration) {
	m.mu.RLock()
	addrs := make([]*net.UDPAddr, 0, len(m.connections))
	for _, c := range m.connections {
		addrs = append(addrs, c.addr)
	}
	m.mu.RUnlock()

	for _, a := range addrs {
		m.CloseConnection(a, true)
	}

	deadline := time.Now().Add(duration)
	for time.Now().Before(deadline) {
		m.mu.RLock()
		n := len(m.connections)
		m.mu.RUnlock()
		if n == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if m.closed {
		return
	}
	m.closed = true
	close(m.done)
	if m.ticker != nil {
		m.ticker.Stop()
	}
	if m.conn != nil {
		m.conn.Close()
	}
	m.wg.Wait()
}

// receiptMinter hands out receipt IDs for reliable-with-receipt sends;
// package rs/xid gives a compact, monotonic-ish, allocation-free identifier
// without requiring a shared counter guarded by a mutex.
type receiptMinter struct{}

func (receiptMinter) Next() uint64 {
	id := xid.New()
	b := id.Bytes()
	// b[0:4] is the xid's Unix-seconds timestamp and repeats for every
	// receipt minted within the same second; b[4:12] (machine id, pid,
	// counter) is what actually varies call to call.
	return binary.BigEndian.Uint64(b[4:12])
}

