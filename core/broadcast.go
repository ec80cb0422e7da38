package core

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/Dyastin-0/zipline/logger"
	"golang.org/x/net/ipv4"
	"golang.org/x/sync/errgroup"
)

var limitedBroadcast = net.IPv4bcast

type BroadcasterConfig struct {
	// Port 0 binds an ephemeral port; the bound port is announced.
	Port      uint16
	Signature string

	PeerTimeout       time.Duration
	HeartbeatInterval time.Duration
	InitialInterval   time.Duration
	InitialCount      int
	MinGap            time.Duration
	WatchInterval     time.Duration
}

func (c *BroadcasterConfig) setDefaults() {
	if c.PeerTimeout <= 0 {
		c.PeerTimeout = DefaultPeerTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = DefaultInitialDiscoveryInterval
	}
	if c.InitialCount < 0 {
		c.InitialCount = 0
	}
	if c.MinGap <= 0 {
		c.MinGap = DefaultBroadcastMinGap
	}
	if c.WatchInterval <= 0 {
		c.WatchInterval = DefaultNetworkWatchInterval
	}
	if c.Signature == "" {
		c.Signature = DefaultSignature()
	}
}

// Broadcaster is the discovery service. It owns the UDP socket, keeps the
// peer table and routes transfer control messages.
type Broadcaster struct {
	cfg BroadcasterConfig
	log logger.Logger

	conn net.PacketConn
	pc   *ipv4.PacketConn
	port uint16

	mu            sync.Mutex
	peers         map[string]*Peer
	badAddrs      map[string]struct{}
	echoes        map[string]int
	ports         map[uint16]struct{}
	ifaces        []NetInterface
	ifaceSig      uint64
	lastBroadcast time.Time
	pending       map[string]chan Message

	events *Bus[PeerEvent]

	handlerMu sync.RWMutex
	onRequest func(from *net.UDPAddr, req TransferRequest)
	onCancel  func(from *net.UDPAddr, msg TransferCancel)

	now            func() time.Time
	listInterfaces func() ([]NetInterface, error)
}

func NewBroadcaster(cfg BroadcasterConfig, log logger.Logger) *Broadcaster {
	cfg.setDefaults()
	if log == nil {
		log = logger.Nop()
	}

	return &Broadcaster{
		cfg:            cfg,
		log:            log.WithStr("component", "discovery"),
		port:           cfg.Port,
		peers:          make(map[string]*Peer),
		badAddrs:       make(map[string]struct{}),
		echoes:         make(map[string]int),
		ports:          make(map[uint16]struct{}),
		pending:        make(map[string]chan Message),
		events:         NewBus[PeerEvent](),
		now:            time.Now,
		listInterfaces: ListInterfaces,
	}
}

// Init binds the discovery socket on all interfaces.
func (b *Broadcaster) Init(ctx context.Context) error {
	lc := net.ListenConfig{Control: discoverySocketControl}

	conn, err := lc.ListenPacket(ctx, "udp4", ":"+strconv.Itoa(int(b.cfg.Port)))
	if err != nil {
		return &BindError{Port: int(b.cfg.Port), Proto: "udp", Err: err}
	}

	pc := ipv4.NewPacketConn(conn)
	if err := pc.SetControlMessage(ipv4.FlagInterface|ipv4.FlagDst, true); err != nil {
		b.log.WithErr(err).Trace("control messages unavailable")
	}

	b.conn = conn
	b.pc = pc
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		b.port = uint16(addr.Port)
	}

	b.refreshInterfaces()
	return nil
}

// Port is the bound discovery port.
func (b *Broadcaster) Port() uint16 {
	return b.port
}

func (b *Broadcaster) Signature() string {
	return b.cfg.Signature
}

func (b *Broadcaster) Close() error {
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

// OnRequest sets the handler for incoming transfer requests. It runs on its
// own goroutine and may block.
func (b *Broadcaster) OnRequest(fn func(from *net.UDPAddr, req TransferRequest)) {
	b.handlerMu.Lock()
	b.onRequest = fn
	b.handlerMu.Unlock()
}

// OnCancel sets the handler for transfer_cancel messages that do not match
// one of our own outbound requests.
func (b *Broadcaster) OnCancel(fn func(from *net.UDPAddr, msg TransferCancel)) {
	b.handlerMu.Lock()
	b.onCancel = fn
	b.handlerMu.Unlock()
}

// Subscribe streams peer-found and peer-lost events.
func (b *Broadcaster) Subscribe(buffer int) (<-chan PeerEvent, func()) {
	return b.events.Subscribe(buffer, nil)
}

// Peers returns a snapshot of the peer table ordered by signature.
func (b *Broadcaster) Peers() []Peer {
	b.mu.Lock()
	defer b.mu.Unlock()

	peers := make([]Peer, 0, len(b.peers))
	for _, p := range b.peers {
		peers = append(peers, *p)
	}

	sort.Slice(peers, func(i, j int) bool {
		if peers[i].Signature != peers[j].Signature {
			return peers[i].Signature < peers[j].Signature
		}
		return peers[i].ID < peers[j].ID
	})
	return peers
}

// PeerByAddress returns the most recently seen peer at ip.
func (b *Broadcaster) PeerByAddress(ip net.IP) (Peer, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var found *Peer
	for _, p := range b.peers {
		if p.Address != ip.String() {
			continue
		}
		if found == nil || p.LastSeen.After(found.LastSeen) {
			found = p
		}
	}

	if found == nil {
		return Peer{}, false
	}
	return *found, true
}

// Start runs discovery until ctx is done, then says goodbye and closes the
// socket.
func (b *Broadcaster) Start(ctx context.Context) error {
	if b.conn == nil {
		if err := b.Init(ctx); err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return b.readLoop(ctx)
	})

	g.Go(func() error {
		return b.beaconLoop(ctx)
	})

	g.Go(func() error {
		return b.expiryLoop(ctx)
	})

	g.Go(func() error {
		return b.watchLoop(ctx)
	})

	g.Go(func() error {
		<-ctx.Done()
		b.sayGoodbye()
		b.Close()
		b.events.Close()
		return nil
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (b *Broadcaster) readLoop(ctx context.Context) error {
	buf := make([]byte, maxDatagramSize)

	for {
		n, cm, src, err := b.pc.ReadFrom(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}

			if errors.Is(err, net.ErrClosed) {
				return nil
			}

			b.log.WithErr(err).Trace("discovery read failed")
			continue
		}

		udpAddr, ok := src.(*net.UDPAddr)
		if !ok {
			continue
		}

		ifIndex := 0
		if cm != nil {
			ifIndex = cm.IfIndex
		}

		b.handle(buf[:n], udpAddr, ifIndex)
	}
}

func (b *Broadcaster) beaconLoop(ctx context.Context) error {
	b.Broadcast(true)

	for i := 1; i < b.cfg.InitialCount; i++ {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(b.cfg.InitialInterval):
			b.Broadcast(false)
		}
	}

	ticker := time.NewTicker(b.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			b.Broadcast(false)
		}
	}
}

func (b *Broadcaster) expiryLoop(ctx context.Context) error {
	interval := min(5*time.Second, b.cfg.PeerTimeout/2)
	if interval <= 0 {
		interval = time.Millisecond
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			b.expire()
		}
	}
}

func (b *Broadcaster) watchLoop(ctx context.Context) error {
	ticker := time.NewTicker(b.cfg.WatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if b.refreshInterfaces() {
				b.log.Info("network interfaces changed, announcing again")
				b.expire()
				b.Broadcast(true)
			}
		}
	}
}

// refreshInterfaces re-reads the inventory and reports whether it changed.
// On failure the last inventory stays in use.
func (b *Broadcaster) refreshInterfaces() bool {
	ifaces, err := b.listInterfaces()
	if err != nil {
		b.log.WithErr(err).Trace("interface enumeration failed")
		return false
	}

	sig, err := InterfaceSignature(ifaces)
	if err != nil {
		b.log.WithErr(err).Trace("interface signature failed")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	changed := sig != b.ifaceSig
	b.ifaces = ifaces
	b.ifaceSig = sig
	return changed
}

// expire removes peers silent for longer than the peer timeout.
func (b *Broadcaster) expire() {
	now := b.now()
	var lost []Peer

	b.mu.Lock()
	for id, p := range b.peers {
		if now.Sub(p.LastSeen) > b.cfg.PeerTimeout {
			lost = append(lost, *p)
			delete(b.peers, id)
		}
	}
	b.mu.Unlock()

	for _, p := range lost {
		b.log.WithStr("peer", p.ID).Debug("peer timed out")
		b.events.Publish(PeerEvent{Kind: PeerLost, Peer: p})
	}
}

func (b *Broadcaster) handle(data []byte, src *net.UDPAddr, ifIndex int) {
	msg, err := DecodeMessage(data)
	if err != nil {
		b.log.WithErr(err).WithStr("from", src.String()).Trace("dropping datagram")
		return
	}

	ip := src.IP.To4()
	if ip == nil {
		return
	}

	if b.filtered(ip, src.Port, msg) {
		return
	}

	switch m := msg.(type) {
	case Hello:
		b.onHello(ip, m, ifIndex)
	case Goodbye:
		b.onGoodbye(ip)
	case TransferRequest:
		b.touch(ip)
		b.handlerMu.RLock()
		fn := b.onRequest
		b.handlerMu.RUnlock()
		if fn != nil {
			go fn(src, m)
		}
	case TransferAccept:
		b.touch(ip)
		b.resolve(m.TransferID, m)
	case TransferDecline:
		b.touch(ip)
		b.resolve(m.TransferID, m)
	case TransferCancel:
		b.touch(ip)
		if b.resolve(m.TransferID, m) {
			return
		}
		b.handlerMu.RLock()
		fn := b.onCancel
		b.handlerMu.RUnlock()
		if fn != nil {
			fn(src, m)
		}
	default:
		b.log.WithStr("type", msg.Type().String()).Trace("ignoring datagram")
	}
}

// filtered applies the self filter and the broadcast-storm defense.
func (b *Broadcaster) filtered(ip net.IP, srcPort int, msg Message) bool {
	key := ip.String()

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, bad := b.badAddrs[key]; bad {
		return true
	}

	local := IsLocalAddress(b.ifaces, ip)
	if local && srcPort == int(b.port) {
		return true
	}

	sig := messageSignature(msg)
	if sig == "" || StripAdapter(sig) != b.cfg.Signature {
		return false
	}

	if !local {
		b.echoes[key]++
		if b.echoes[key] > badAddressThreshold {
			b.badAddrs[key] = struct{}{}
			b.log.WithStr("addr", key).Warn("address keeps echoing our beacons, ignoring it")
		}
	}
	return true
}

func messageSignature(msg Message) string {
	switch m := msg.(type) {
	case Hello:
		return m.HelloSignature()
	case Goodbye:
		return m.Signature
	case TransferRequest:
		return m.Signature
	default:
		return ""
	}
}

func (b *Broadcaster) onHello(ip net.IP, m Hello, ifIndex int) {
	port := m.AnnouncedPort()
	if port == 0 {
		port = DefaultPort
	}

	now := b.now()

	b.mu.Lock()
	typ, adapter := b.connectionType(ip, ifIndex)
	id := PeerKey(ip.String(), port, typ)

	b.ports[port] = struct{}{}
	b.touchLocked(ip, now)

	p, known := b.peers[id]
	if !known {
		p = newPeer(ip, port, m.HelloSignature(), typ, adapter, now)
		b.peers[id] = p
	} else if now.Sub(p.LastSeen) > peerRefreshThreshold {
		p.LastSeen = now
	}
	snapshot := *p
	b.mu.Unlock()

	if !known {
		b.log.WithStr("peer", snapshot.ID).WithStr("signature", snapshot.Signature).Info("peer found")
		b.events.Publish(PeerEvent{Kind: PeerFound, Peer: snapshot})
	}

	if m.IsBroadcast() {
		if err := b.SayHello(ip, port); err != nil {
			b.log.WithErr(err).Trace("hello reply failed")
		}
	}
}

func (b *Broadcaster) connectionType(ip net.IP, ifIndex int) (InterfaceType, string) {
	if ifIndex > 0 {
		for _, iface := range b.ifaces {
			if iface.Index == ifIndex && !iface.Loopback && iface.Contains(ip) {
				return iface.Type, iface.Name
			}
		}
	}
	return ConnectionTypeFor(b.ifaces, ip)
}

func (b *Broadcaster) onGoodbye(ip net.IP) {
	var lost []Peer

	b.mu.Lock()
	for id, p := range b.peers {
		if p.Address == ip.String() {
			lost = append(lost, *p)
			delete(b.peers, id)
		}
	}
	b.mu.Unlock()

	for _, p := range lost {
		b.log.WithStr("peer", p.ID).Info("peer said goodbye")
		b.events.Publish(PeerEvent{Kind: PeerLost, Peer: p})
	}
}

func (b *Broadcaster) touch(ip net.IP) {
	b.mu.Lock()
	b.touchLocked(ip, b.now())
	b.mu.Unlock()
}

func (b *Broadcaster) touchLocked(ip net.IP, now time.Time) {
	addr := ip.String()
	for _, p := range b.peers {
		if p.Address == addr {
			p.LastSeen = now
		}
	}
}

func (b *Broadcaster) resolve(transferID string, msg Message) bool {
	b.mu.Lock()
	ch, ok := b.pending[transferID]
	if ok {
		delete(b.pending, transferID)
	}
	b.mu.Unlock()

	if !ok {
		return false
	}

	ch <- msg
	return true
}

// SayHello sends a unicast HELLO to ip:port.
func (b *Broadcaster) SayHello(ip net.IP, port uint16) error {
	return b.send(NewHello(b.port, b.cfg.Signature, false), &net.UDPAddr{IP: ip, Port: int(port)}, 0)
}

// Send delivers a control message to a peer's discovery port.
func (b *Broadcaster) Send(msg Message, to Peer) error {
	ip := net.ParseIP(to.Address)
	if ip == nil {
		return fmt.Errorf("%w: bad peer address %q", ErrUnknownPeer, to.Address)
	}
	return b.send(msg, &net.UDPAddr{IP: ip, Port: int(to.Port)}, 0)
}

// SendTo delivers a control message to an arbitrary address.
func (b *Broadcaster) SendTo(msg Message, addr *net.UDPAddr) error {
	return b.send(msg, addr, 0)
}

func (b *Broadcaster) send(msg Message, dst *net.UDPAddr, ifIndex int) error {
	if b.pc == nil {
		return net.ErrClosed
	}

	data, err := EncodeMessage(msg)
	if err != nil {
		return err
	}

	var cm *ipv4.ControlMessage
	if ifIndex > 0 {
		cm = &ipv4.ControlMessage{IfIndex: ifIndex}
	}

	_, err = b.pc.WriteTo(data, cm, dst)
	return err
}

// Request sends req to peer and waits for the matching reply. It returns
// the accept message, a *DeclinedError for decline or cancel, or the
// context error after telling the peer we gave up.
func (b *Broadcaster) Request(ctx context.Context, to Peer, req TransferRequest) (TransferAccept, error) {
	if req.Signature == "" {
		req.Signature = b.cfg.Signature
	}

	ch := make(chan Message, 1)

	b.mu.Lock()
	b.pending[req.TransferID] = ch
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, req.TransferID)
		b.mu.Unlock()
	}()

	if err := b.Send(req, to); err != nil {
		return TransferAccept{}, fmt.Errorf("%w: %v", ErrPeerGone, err)
	}

	select {
	case <-ctx.Done():
		cancel := TransferCancel{Signature: b.cfg.Signature, TransferID: req.TransferID, Data: "cancelled by sender"}
		if err := b.Send(cancel, to); err != nil {
			b.log.WithErr(err).Trace("cancel notification failed")
		}
		return TransferAccept{}, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())

	case msg := <-ch:
		switch m := msg.(type) {
		case TransferAccept:
			return m, nil
		case TransferDecline:
			return TransferAccept{}, &DeclinedError{Reason: m.Data}
		case TransferCancel:
			return TransferAccept{}, &DeclinedError{Reason: m.Data}
		default:
			return TransferAccept{}, fmt.Errorf("%w: unexpected reply %s", ErrProtocol, msg.Type())
		}
	}
}

// Broadcast announces us on every eligible interface. Calls closer together
// than the minimum gap are skipped unless force is set.
func (b *Broadcaster) Broadcast(force bool) {
	now := b.now()

	b.mu.Lock()
	if !force && now.Sub(b.lastBroadcast) < b.cfg.MinGap {
		b.mu.Unlock()
		return
	}
	b.lastBroadcast = now
	b.mu.Unlock()

	b.broadcast(func(iface NetInterface) Message {
		return NewHello(b.port, WithAdapter(b.cfg.Signature, iface.Name, iface.Type), true)
	})
}

func (b *Broadcaster) sayGoodbye() {
	bye := Goodbye{Signature: b.cfg.Signature}

	b.broadcast(func(NetInterface) Message {
		return bye
	})

	for _, p := range b.Peers() {
		if err := b.Send(bye, p); err != nil {
			b.log.WithErr(err).WithStr("peer", p.ID).Trace("goodbye failed")
		}
	}
}

func (b *Broadcaster) broadcast(build func(NetInterface) Message) {
	b.mu.Lock()
	ifaces := make([]NetInterface, 0, len(b.ifaces))
	for _, iface := range b.ifaces {
		if _, bad := b.badAddrs[iface.Address.String()]; bad {
			continue
		}
		if iface.Broadcastable() {
			ifaces = append(ifaces, iface)
		}
	}
	ports := b.targetPortsLocked()
	b.mu.Unlock()

	for _, iface := range ifaces {
		msg := build(iface)

		for _, port := range ports {
			dst := &net.UDPAddr{IP: iface.BroadcastAddress, Port: int(port)}
			if err := b.send(msg, dst, iface.Index); err != nil {
				b.log.WithErr(err).WithStr("iface", iface.Name).Trace("directed broadcast failed")
			}

			dst = &net.UDPAddr{IP: limitedBroadcast, Port: int(port)}
			if err := b.send(msg, dst, iface.Index); err != nil {
				b.log.WithErr(err).WithStr("iface", iface.Name).Trace("limited broadcast failed")
			}
		}
	}

	if len(ifaces) > 0 {
		return
	}

	msg := build(NetInterface{})
	for _, port := range ports {
		if err := b.send(msg, &net.UDPAddr{IP: limitedBroadcast, Port: int(port)}, 0); err != nil {
			b.log.WithErr(err).Trace("limited broadcast failed")
		}
	}
}

func (b *Broadcaster) targetPortsLocked() []uint16 {
	set := map[uint16]struct{}{DefaultPort: {}}
	if b.port != 0 {
		set[b.port] = struct{}{}
	}
	for p := range b.ports {
		set[p] = struct{}{}
	}

	ports := make([]uint16, 0, len(set))
	for p := range set {
		ports = append(ports, p)
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i] < ports[j] })
	return ports
}
