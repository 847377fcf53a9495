package gmcast

import (
	"bytes"
	"fmt"
	"math/rand"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/adamgarcia4/gmcast/logger"
)

/*
GMCast engine

The engine is the peer-to-peer mesh maintenance layer: it listens for and
dials TCP connections to peers in the same group, handshakes to learn each
peer's uuid and listen address, gossips topology so every node converges on
the full live set, and fans user datagrams out to all peers.

Concurrency model: none. The engine assumes a single outer event loop that
invokes HandleTimers, HandleUp, HandleDown, and HandleStableView serially
(see node.Node). There is no internal locking.
*/

// URL scheme and options recognized by New.
const (
	Scheme        = "gmcast"
	TCPScheme     = "tcp"
	OptGroup      = "gmcast.group"
	OptListenAddr = "gmcast.listen_addr"

	// DefaultPort is used when the URL or listen address carries none.
	DefaultPort = "4567"
)

const (
	maxRetryCnt = 120
	// Retries granted to an address after a completed handshake or a
	// gossip discovery before it is forgotten.
	establishedRetryCredit = 60

	checkPeriod       = 1 * time.Second
	reconnectDelay    = 1 * time.Second
	forgetGracePeriod = 5 * time.Second
	jitterWindow      = 100 * time.Millisecond
	retryLogInterval  = 30
)

// Options tunes an Engine for its host. Zero values select production
// defaults; tests inject a fixed clock, rng, and uuid source.
type Options struct {
	// UUID is the node identity; a fresh one is generated when nil.
	UUID uuid.UUID
	// Now supplies the monotonic clock. Defaults to time.Now.
	Now func() time.Time
	// Rand drives reconnect jitter. Defaults to a time-seeded source.
	Rand *rand.Rand
	// NewUUID mints handshake uuids. Defaults to uuid.New.
	NewUUID func() uuid.UUID
	// Deliver receives user datagrams from established peers.
	Deliver func(payload []byte, meta ProtoUpMeta)
	// Logf receives engine logs. Defaults to logger.Printf.
	Logf func(format string, args ...interface{})
}

// Engine implements the GMCast membership transport.
type Engine struct {
	myUUID      uuid.UUID
	groupName   string
	listenAddr  string
	initialAddr string

	net      Net
	listener Listener

	pending AddrList
	remote  AddrList
	protos  *ProtoMap

	nextCheck time.Time

	now     func() time.Time
	rng     *rand.Rand
	newUUID func() uuid.UUID
	deliver func(payload []byte, meta ProtoUpMeta)
	logf    func(format string, args ...interface{})
}

func hostIsAny(host string) bool {
	switch host {
	case "", "0.0.0.0", "::", "[::]":
		return true
	}
	return false
}

// New parses a gmcast://host[:port]?gmcast.group=NAME[&gmcast.listen_addr=URL]
// URL and builds an engine on top of n. All configuration errors are fatal
// here; a constructed engine only fails on protocol invariant violations.
func New(rawURL string, n Net, opts *Options) (*Engine, error) {
	if opts == nil {
		opts = &Options{}
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", rawURL, err)
	}
	if u.Scheme != Scheme {
		return nil, fmt.Errorf("invalid url scheme: %q", u.Scheme)
	}

	groupName := u.Query().Get(OptGroup)
	if groupName == "" {
		return nil, fmt.Errorf("group not defined in url: %s", rawURL)
	}

	e := &Engine{
		myUUID:    opts.UUID,
		groupName: groupName,
		net:       n,
		pending:   AddrList{},
		remote:    AddrList{},
		protos:    NewProtoMap(),
		now:       opts.Now,
		rng:       opts.Rand,
		newUUID:   opts.NewUUID,
		deliver:   opts.Deliver,
		logf:      opts.Logf,
	}
	if e.myUUID == uuid.Nil {
		e.myUUID = uuid.New()
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.rng == nil {
		e.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if e.newUUID == nil {
		e.newUUID = uuid.New
	}
	if e.logf == nil {
		e.logf = logger.Printf
	}

	// Seed peer, unless the host is the wildcard (pure listener mode).
	if host := u.Hostname(); !hostIsAny(host) {
		port := u.Port()
		if port == "" {
			port = DefaultPort
		}
		initial, err := n.Resolve(TCPScheme + "://" + joinHostPort(host, port))
		if err != nil {
			return nil, fmt.Errorf("invalid initial addr %q: %w", host, err)
		}
		e.initialAddr = initial
		e.logf("%s initial addr: %s", e.selfString(), e.initialAddr)
	}

	listenAddr := u.Query().Get(OptListenAddr)
	if listenAddr == "" {
		listenAddr = TCPScheme + "://0.0.0.0"
	}
	if !hasPort(listenAddr) {
		if p := u.Port(); p != "" {
			listenAddr += ":" + p
		} else {
			listenAddr += ":" + DefaultPort
		}
	}
	e.listenAddr, err = n.Resolve(listenAddr)
	if err != nil {
		return nil, fmt.Errorf("invalid listen addr %q: %w", listenAddr, err)
	}
	if !strings.HasPrefix(e.listenAddr, TCPScheme+"://") {
		return nil, fmt.Errorf("listen addr %q is not a tcp address", e.listenAddr)
	}

	e.nextCheck = e.now()
	e.logf("%s listening %s", e.selfString(), e.listenAddr)
	return e, nil
}

func joinHostPort(host, port string) string {
	if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
		return "[" + host + "]:" + port
	}
	return host + ":" + port
}

// hasPort reports whether a tcp://host[:port] address carries a port.
func hasPort(addr string) bool {
	rest := strings.TrimPrefix(addr, TCPScheme+"://")
	if strings.HasPrefix(rest, "[") {
		return strings.Contains(rest, "]:")
	}
	return strings.Contains(rest, ":")
}

func (e *Engine) selfString() string {
	return fmt.Sprintf("gmcast(%s, %s)", e.myUUID, e.groupName)
}

func (e *Engine) UUID() uuid.UUID    { return e.myUUID }
func (e *Engine) Group() string      { return e.groupName }
func (e *Engine) ListenAddr() string { return e.listenAddr }

// Connect opens the listener and, when a seed was configured, starts the
// first dial toward it.
func (e *Engine) Connect() error {
	e.logf("gmcast %s connect", e.myUUID)
	l, err := e.net.Listen(e.listenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", e.listenAddr, err)
	}
	e.listener = l

	if e.initialAddr != "" {
		e.insertAddress(e.initialAddr, uuid.Nil, e.pending)
		e.gmcastConnect(e.initialAddr)
	}
	return nil
}

// Close tears down the listener, every peer connection, and both address
// books. The engine cannot be reused afterwards.
func (e *Engine) Close() error {
	e.logf("gmcast %s close", e.myUUID)
	var err error
	if e.listener != nil {
		err = e.listener.Close()
		e.listener = nil
	}
	e.protos.Clear()
	e.pending = AddrList{}
	e.remote = AddrList{}
	return err
}

func (e *Engine) gmcastAccept() {
	tp, err := e.listener.Accept()
	if err != nil {
		e.logf("accept: %v", err)
		return
	}

	p := newProto(tp, e.listenAddr, "", e.myUUID, e.groupName, e.newUUID(), e.logf)
	if err := e.protos.Insert(tp.FD(), p); err != nil {
		_ = tp.Close()
		panic(fmt.Sprintf("gmcast: failed to add peer to map: %v", err))
	}

	if err := p.SendHandshake(); err != nil {
		e.logf("%s: %v", e.selfString(), err)
		e.handleFailed(p)
	}
}

func (e *Engine) gmcastConnect(remoteAddr string) {
	if remoteAddr == e.listenAddr {
		return
	}

	tp, err := e.net.Connect(remoteAddr)
	if err != nil {
		e.logf("connect %s failed: %v", remoteAddr, err)
		return
	}

	p := newProto(tp, e.listenAddr, remoteAddr, e.myUUID, e.groupName, e.newUUID(), e.logf)
	if err := e.protos.Insert(tp.FD(), p); err != nil {
		_ = tp.Close()
		panic(fmt.Sprintf("gmcast: failed to add peer to map: %v", err))
	}
	p.WaitHandshake()
}

// AddPeer seeds one additional peer address (tcp://host:port) into the
// pending book and starts a dial toward it. Addresses already known or
// equal to our own listen address are ignored.
func (e *Engine) AddPeer(addr string) error {
	canonical, err := e.net.Resolve(addr)
	if err != nil {
		return fmt.Errorf("invalid peer addr %q: %w", addr, err)
	}
	if canonical == e.listenAddr {
		return nil
	}
	if _, ok := e.remote[canonical]; ok {
		return nil
	}
	if _, ok := e.pending[canonical]; ok {
		return nil
	}
	e.insertAddress(canonical, uuid.Nil, e.pending)
	e.gmcastConnect(canonical)
	return nil
}

// Forget closes every connection to uuid and dooms its address entries:
// one last grace window, then the reconnect sweep erases them.
func (e *Engine) Forget(u uuid.UUID) {
	for fd, p := range e.protos.m {
		if p.remoteUUID == u {
			e.protos.Remove(fd)
		}
	}

	for _, ae := range e.remote {
		if ae.uuid == u {
			ae.retryCnt = maxRetryCnt + 1
			ae.nextReconnect = e.now().Add(forgetGracePeriod)
		}
	}

	e.updateAddresses()
}

func (e *Engine) handleConnected(p *Proto) {
	e.logf("transport %d connected", p.tp.FD())
}

func (e *Engine) handleEstablished(est *Proto) {
	e.logf("%s connection established to %s %s",
		e.selfString(), est.remoteUUID, est.remoteAddr)

	remoteAddr := est.remoteAddr
	if _, ok := e.pending[remoteAddr]; ok {
		e.logf("erasing %s from pending list", remoteAddr)
		delete(e.pending, remoteAddr)
	}

	ae, ok := e.remote[remoteAddr]
	if !ok {
		e.logf("inserting %s to remote list", remoteAddr)
		e.insertAddress(remoteAddr, est.remoteUUID, e.remote)
		ae = e.remote[remoteAddr]
	}
	ae.uuid = est.remoteUUID
	ae.retryCnt = maxRetryCnt - establishedRetryCredit
	ae.lastSeen = e.now()

	// Arbitrate duplicate connections to the same peer. Both ends observe
	// the same pair of handshake uuids, so both pick the same survivor:
	// the connection with the larger handshake uuid.
	for fd, p := range e.protos.m {
		if p == est || p.remoteUUID != est.remoteUUID {
			continue
		}
		switch compareUUID(p.hsUUID, est.hsUUID) {
		case -1:
			e.logf("%s cleaning up duplicate %d after established %d",
				e.selfString(), fd, est.tp.FD())
			e.protos.Remove(fd)
		case 1:
			e.logf("%s cleaning up established %d which is duplicate of %d",
				e.selfString(), est.tp.FD(), fd)
			e.protos.Remove(est.tp.FD())
			e.updateAddresses()
			return
		}
	}

	e.updateAddresses()
}

func (e *Engine) handleFailed(failed *Proto) {
	foundOK := false
	for _, p := range e.protos.m {
		if p.state <= StateOK && p != failed && p.remoteUUID == failed.remoteUUID {
			foundOK = true
			break
		}
	}

	if !foundOK && failed.remoteAddr != "" {
		ae, ok := e.pending[failed.remoteAddr]
		if !ok {
			ae, ok = e.remote[failed.remoteAddr]
		}
		if ok {
			ae.retryCnt++
			rtime := e.now().Add(reconnectDelay)
			e.logf("%s setting next reconnect time to %v for %s",
				e.selfString(), rtime, failed.remoteAddr)
			ae.nextReconnect = rtime
		}
	}

	e.protos.Remove(failed.tp.FD())
	e.updateAddresses()
}

// isConnected reports whether any live connection already serves addr or
// uuid. Mid-handshake connections count: their remote uuid is still nil and
// matches the nil uuid of undiscovered pending entries, which keeps the
// reconnect sweep from dialing while a handshake is in flight.
func (e *Engine) isConnected(addr string, u uuid.UUID) bool {
	for _, p := range e.protos.m {
		if addr == p.remoteAddr || u == p.remoteUUID {
			return true
		}
	}
	return false
}

func (e *Engine) insertAddress(addr string, u uuid.UUID, alist AddrList) {
	if addr == e.listenAddr {
		panic(fmt.Sprintf("gmcast: trying to add self %s to address list", addr))
	}

	if _, ok := alist[addr]; ok {
		e.logf("duplicate address entry: %s", addr)
		return
	}
	now := e.now()
	alist[addr] = &AddrEntry{
		uuid:          u,
		nextReconnect: now,
		lastSeen:      now,
	}
	e.logf("%s: new address entry %s %s", e.selfString(), u, addr)
}

// updateAddresses rebuilds the topology view from the OK connections,
// broadcasts it, and folds peer-reported link maps back into the pending
// book so transitively discovered peers get dialed.
func (e *Engine) updateAddresses() {
	linkMap := LinkMap{}
	seen := make(map[uuid.UUID]bool)

	for fd, p := range e.protos.m {
		if p.state != StateOK {
			continue
		}
		if p.remoteAddr == "" || p.remoteUUID == uuid.Nil {
			panic(fmt.Sprintf(
				"gmcast: protocol error: local (%s, %q), remote (%s, %q)",
				e.myUUID, e.listenAddr, p.remoteUUID, p.remoteAddr))
		}

		if _, ok := e.remote[p.remoteAddr]; !ok {
			e.logf("connection exists but no addr on addr list for %s", p.remoteAddr)
			e.insertAddress(p.remoteAddr, p.remoteUUID, e.remote)
		}

		if seen[p.remoteUUID] {
			e.logf("%s dropping duplicate entry", e.selfString())
			e.protos.Remove(fd)
			continue
		}
		seen[p.remoteUUID] = true
		linkMap[p.remoteUUID] = p.remoteAddr
	}

	// Topology broadcast is best effort; the next update rebroadcasts.
	for _, p := range e.protos.m {
		if p.state != StateOK {
			continue
		}
		if err := p.SendTopologyChange(linkMap); err != nil {
			e.logf("topology send to %s: %v", p.remoteUUID, err)
		}
	}

	// Learn peers the rest of the mesh reports that we have never seen.
	for _, p := range e.protos.m {
		if p.state != StateOK {
			continue
		}
		for linkUUID, linkAddr := range p.links {
			if linkUUID == e.myUUID {
				continue
			}
			if _, ok := e.remote[linkAddr]; ok {
				continue
			}
			if _, ok := e.pending[linkAddr]; ok {
				continue
			}
			e.logf("%s conn refers to but no addr in addr list for %s",
				e.selfString(), linkAddr)
			e.insertAddress(linkAddr, linkUUID, e.pending)
			ae := e.pending[linkAddr]
			ae.retryCnt = maxRetryCnt - establishedRetryCredit
			// Jitter the first dial to desynchronize fleet-wide connects.
			rtime := e.now().Add(time.Duration(e.rng.Int63n(int64(jitterWindow))))
			ae.nextReconnect = rtime
			if rtime.Before(e.nextCheck) {
				e.nextCheck = rtime
			}
		}
	}
}

// reconnect sweeps both books: erases entries over their retry budget and
// dials the ones whose next-reconnect time has come.
func (e *Engine) reconnect() {
	now := e.now()

	for addr, ae := range e.pending {
		if e.isConnected(addr, uuid.Nil) {
			continue
		}
		if ae.retryCnt > maxRetryCnt {
			e.logf("forgetting %s", addr)
			delete(e.pending, addr)
			continue
		}
		if !ae.nextReconnect.After(now) {
			e.gmcastConnect(addr)
		}
	}

	for addr, ae := range e.remote {
		if ae.uuid == e.myUUID {
			panic("gmcast: own uuid in remote address list")
		}
		if e.isConnected(addr, ae.uuid) {
			continue
		}
		if ae.retryCnt > maxRetryCnt {
			e.logf("forgetting %s (%s)", ae.uuid, addr)
			delete(e.remote, addr)
			continue
		}
		if !ae.nextReconnect.After(now) {
			if ae.retryCnt > 0 && ae.retryCnt%retryLogInterval == 0 {
				logger.Infof("%s reconnecting to %s (%s), attempt %d",
					e.selfString(), ae.uuid, addr, ae.retryCnt)
			}
			e.gmcastConnect(addr)
		}
	}
}

// HandleTimers runs the reconnect sweep when due and returns the next
// deadline so the outer loop can sleep precisely.
func (e *Engine) HandleTimers() time.Time {
	now := e.now()
	if !now.Before(e.nextCheck) {
		e.reconnect()
		e.nextCheck = now.Add(checkPeriod)
	}
	return e.nextCheck
}

// HandleUp dispatches one readiness event: listener accepts, zero-length
// liveness notifications, protocol frames, and user datagrams.
func (e *Engine) HandleUp(fd int, data []byte) {
	if e.listener == nil {
		return
	}

	if fd == e.listener.FD() {
		e.gmcastAccept()
		return
	}

	p, ok := e.protos.Find(fd)
	if !ok {
		return
	}

	if len(data) == 0 {
		switch {
		case p.tp.State() == TransportConnected &&
			(p.state == StateHandshakeWait || p.state == StateInit):
			e.handleConnected(p)
		case p.tp.State() == TransportConnected:
			e.logf("zero length datagram")
		default:
			p.state = StateFailed
			e.handleFailed(p)
		}
		return
	}

	prevState := p.state
	if prevState == StateFailed {
		e.logf("unhandled failed proto")
		e.handleFailed(p)
		return
	}

	var msg Message
	if err := msg.Unmarshal(data); err != nil {
		e.logf("%s bad frame from fd %d: %v", e.selfString(), fd, err)
		p.state = StateFailed
		e.handleFailed(p)
		return
	}

	if msg.Type >= MsgUserBase {
		if e.deliver != nil {
			e.deliver(data[HeaderSize:], ProtoUpMeta{Source: msg.Source})
		}
		return
	}

	if err := p.HandleMessage(&msg); err != nil {
		e.logf("%s fd %d: %v", e.selfString(), fd, err)
	}
	if p.changed {
		p.changed = false
		e.updateAddresses()
		e.reconnect()
	}
	if prevState != StateOK && p.state == StateOK {
		e.handleEstablished(p)
	} else if p.state == StateFailed {
		e.handleFailed(p)
	}
}

// HandleDown fans a user datagram out to every registered connection,
// established or not; the transport rejects what it cannot deliver.
func (e *Engine) HandleDown(payload []byte, _ ProtoDownMeta) {
	msg := Message{Version: ProtoVersion, Type: MsgUserBase, Source: e.myUUID}
	frame := append(msg.MarshalHeader(), payload...)

	for _, p := range e.protos.m {
		if err := p.tp.Send(frame); err != nil {
			e.logf("transport: %v", err)
		}
	}
}

// HandleStableView prunes members absent from a PRIMARY view and renews the
// retry budget of the ones it confirms.
func (e *Engine) HandleStableView(view View) {
	logger.Infof("%s handle_stable_view: %v view with %d members",
		e.selfString(), view.Type, len(view.Members))
	if view.Type != ViewPrimary {
		return
	}

	for u := range e.remote.UUIDs() {
		if _, ok := view.Members[u]; !ok {
			e.Forget(u)
		}
	}

	for u := range view.Members {
		if _, ae, ok := e.remote.FindByUUID(u); ok {
			logger.Infof("declaring %s stable", u)
			ae.retryCnt = -1
		}
	}
}

// compareUUID orders uuids bytewise, the total order handshake arbitration
// relies on.
func compareUUID(a, b uuid.UUID) int {
	return bytes.Compare(a[:], b[:])
}

// Topology returns a copy of the current view of established links,
// including the local node.
func (e *Engine) Topology() LinkMap {
	lm := LinkMap{e.myUUID: e.listenAddr}
	for _, p := range e.protos.m {
		if p.state == StateOK {
			lm[p.remoteUUID] = p.remoteAddr
		}
	}
	return lm
}

// NumEstablished counts connections in OK state.
func (e *Engine) NumEstablished() int {
	n := 0
	for _, p := range e.protos.m {
		if p.state == StateOK {
			n++
		}
	}
	return n
}
