package core

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/Dyastin-0/zipline/logger"
	"github.com/charmbracelet/huh"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
)

// Options configures a Client. Zero durations and sizes take the defaults.
type Options struct {
	Port        uint16
	Signature   string
	DownloadDir string
	AvatarPath  string

	PeerTimeout       time.Duration
	HeartbeatInterval time.Duration
	InitialInterval   time.Duration
	InitialCount      int
	MinGap            time.Duration
	WatchInterval     time.Duration
	ConnectTimeout    time.Duration

	BufferSize       int
	ProgressInterval int64

	// DisableAvatar skips the avatar HTTP server.
	DisableAvatar bool
}

// SaveLocations holds remembered save roots. For returns the root stored
// for one peer and Default the root stored for everyone else; "" means
// none.
type SaveLocations interface {
	For(peer Peer) string
	Default() string
}

// IncomingRequest is a transfer request awaiting a decision.
type IncomingRequest struct {
	From    *net.UDPAddr
	Peer    Peer
	Request TransferRequest
}

type Decision struct {
	Accept bool
	Reason string
	// SaveRoot overrides the save root for this session only.
	SaveRoot string
}

// RequestHandler decides on an incoming request. ctx is cancelled if the
// sender withdraws the request first.
type RequestHandler func(ctx context.Context, req IncomingRequest) Decision

type ClientOption func(*Client)

func WithRequestHandler(h RequestHandler) ClientOption {
	return func(c *Client) {
		c.handler = h
	}
}

func WithHistory(h HistorySink) ClientOption {
	return func(c *Client) {
		c.history = h
	}
}

func WithSaveLocations(s SaveLocations) ClientOption {
	return func(c *Client) {
		c.locations = s
	}
}

func WithLogger(l logger.Logger) ClientOption {
	return func(c *Client) {
		c.log = l
	}
}

// AcceptAll accepts every request into the default save root.
func AcceptAll(context.Context, IncomingRequest) Decision {
	return Decision{Accept: true}
}

// DeclineAll refuses every request.
func DeclineAll(context.Context, IncomingRequest) Decision {
	return Decision{Reason: "not accepting transfers"}
}

var promptMu sync.Mutex

// PromptRequest asks on the terminal. Prompts are shown one at a time.
func PromptRequest(ctx context.Context, req IncomingRequest) Decision {
	promptMu.Lock()
	defer promptMu.Unlock()

	if ctx.Err() != nil {
		return Decision{Reason: "cancelled"}
	}

	confirm := false
	title := fmt.Sprintf("%s wants to send %s (%s). Accept?",
		req.Peer.Signature,
		req.Request.Description,
		humanize.Bytes(uint64(req.Request.TotalSize)),
	)

	field := huh.NewConfirm().
		Title(title).
		Affirmative("Yes").
		Negative("No").
		Value(&confirm)

	err := huh.NewForm(huh.NewGroup(field)).RunWithContext(ctx)
	if err != nil || !confirm {
		return Decision{Reason: "declined"}
	}

	return Decision{Accept: true}
}

type acceptedRequest struct {
	transferID string
	peer       Peer
	saveRoot   string
	at         time.Time
}

// Client is the transfer engine: discovery, the listener and outbound
// sends sharing one registry.
type Client struct {
	opts      Options
	log       logger.Logger
	handler   RequestHandler
	history   HistorySink
	locations SaveLocations

	registry    *Registry
	broadcaster *Broadcaster
	receiver    *Receiver
	sender      *Sender
	avatar      *AvatarServer

	mu          sync.Mutex
	explicitDir bool
	accepted    map[string][]acceptedRequest
	deciding map[string]context.CancelFunc

	ready chan struct{}
	now   func() time.Time
}

func NewClient(opts Options, fns ...ClientOption) *Client {
	c := &Client{
		opts:     opts,
		handler:  AcceptAll,
		accepted: make(map[string][]acceptedRequest),
		deciding: make(map[string]context.CancelFunc),
		ready:    make(chan struct{}),
		now:      time.Now,
	}

	for _, fn := range fns {
		fn(c)
	}

	if c.log == nil {
		c.log = logger.Nop()
	}
	if c.opts.Signature == "" {
		c.opts.Signature = DefaultSignature()
	}

	c.registry = NewRegistry(c.history, c.log)

	c.broadcaster = NewBroadcaster(BroadcasterConfig{
		Port:              opts.Port,
		Signature:         c.opts.Signature,
		PeerTimeout:       opts.PeerTimeout,
		HeartbeatInterval: opts.HeartbeatInterval,
		InitialInterval:   opts.InitialInterval,
		InitialCount:      opts.InitialCount,
		MinGap:            opts.MinGap,
		WatchInterval:     opts.WatchInterval,
	}, c.log)

	c.receiver = NewReceiver(ReceiverConfig{
		Root:             opts.DownloadDir,
		BufferSize:       opts.BufferSize,
		ProgressInterval: opts.ProgressInterval,
	}, c.registry, c.log)

	c.sender = NewSender(SenderConfig{
		BufferSize:       opts.BufferSize,
		ProgressInterval: opts.ProgressInterval,
		ConnectTimeout:   opts.ConnectTimeout,
	}, c.registry, c.broadcaster, c.log)

	c.broadcaster.OnRequest(c.onRequest)
	c.broadcaster.OnCancel(c.onCancel)

	return c
}

// Run binds the discovery socket and the transfer listener on the same
// port and serves until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	if c.opts.Port != 0 {
		if status := PortAvailability(ctx, int(c.opts.Port)); !status.Available {
			err := status.BindError()
			c.log.WithErr(err).Error("port unavailable")
			return err
		}
	}

	if err := c.broadcaster.Init(ctx); err != nil {
		return err
	}

	ln, err := Listen(ctx, c.broadcaster.Port())
	if err != nil {
		c.broadcaster.Close()
		return err
	}

	if !c.opts.DisableAvatar {
		c.avatar = NewAvatarServer(c.opts.AvatarPath, c.opts.Signature, c.log)
		if err := c.avatar.Listen(ctx, c.broadcaster.Port()+1); err != nil {
			c.log.WithErr(err).Warn("avatar server disabled")
			c.avatar = nil
		}
	}

	c.log.WithStr("signature", c.opts.Signature).
		WithInt("port", int(c.broadcaster.Port())).
		Info("zipline started")
	close(c.ready)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return c.broadcaster.Start(ctx)
	})

	g.Go(func() error {
		return c.receiver.Serve(ctx, ln, c.claim)
	})

	if c.avatar != nil {
		g.Go(func() error {
			return c.avatar.Serve(ctx)
		})
	}

	err = g.Wait()
	c.registry.Close()
	return err
}

// Ready is closed once the sockets are bound.
func (c *Client) Ready() <-chan struct{} {
	return c.ready
}

func (c *Client) Port() uint16 {
	return c.broadcaster.Port()
}

func (c *Client) Signature() string {
	return c.opts.Signature
}

func (c *Client) Registry() *Registry {
	return c.registry
}

func (c *Client) Broadcaster() *Broadcaster {
	return c.broadcaster
}

// SetDownloadDir sets the save root chosen for this run. It takes
// precedence over the stored default location but not over a location
// stored for a specific peer.
func (c *Client) SetDownloadDir(dir string) {
	c.mu.Lock()
	c.explicitDir = true
	c.mu.Unlock()

	c.receiver.SetRoot(dir)
}

// SaveRoot returns where transfers from peer are stored. The order is the
// location stored for the peer, then a directory set with SetDownloadDir,
// then the stored default, then the configured download directory.
func (c *Client) SaveRoot(peer Peer) string {
	if c.locations != nil {
		if dir := c.locations.For(peer); dir != "" {
			return dir
		}
	}

	c.mu.Lock()
	explicit := c.explicitDir
	c.mu.Unlock()

	if !explicit && c.locations != nil {
		if dir := c.locations.Default(); dir != "" {
			return dir
		}
	}
	return c.receiver.Root()
}

func (c *Client) Peers() []Peer {
	return c.broadcaster.Peers()
}

// FindPeer looks a peer up by id, address or name fragment.
func (c *Client) FindPeer(query string) (Peer, error) {
	var matches []Peer
	for _, p := range c.Peers() {
		if p.ID == query {
			return p, nil
		}
		if p.Matches(query) {
			matches = append(matches, p)
		}
	}

	switch len(matches) {
	case 0:
		return Peer{}, fmt.Errorf("%w: %q", ErrUnknownPeer, query)
	case 1:
		return matches[0], nil
	}

	// Several paths to one device are fine; prefer the freshest.
	best := matches[0]
	for _, p := range matches[1:] {
		if p.Signature != best.Signature {
			return Peer{}, fmt.Errorf("%w: %q matches more than one device", ErrUnknownPeer, query)
		}
		if p.LastSeen.After(best.LastSeen) {
			best = p
		}
	}
	return best, nil
}

// WaitForPeer blocks until FindPeer succeeds or ctx is done.
func (c *Client) WaitForPeer(ctx context.Context, query string) (Peer, error) {
	events, unsubscribe := c.broadcaster.Subscribe(16)
	defer unsubscribe()

	for {
		p, err := c.FindPeer(query)
		if err == nil {
			return p, nil
		}

		select {
		case <-ctx.Done():
			return Peer{}, err
		case _, ok := <-events:
			if !ok {
				return Peer{}, err
			}
		}
	}
}

// Send transfers files and folders to peer.
func (c *Client) Send(ctx context.Context, peer Peer, paths []string) (Session, error) {
	items, _, err := Walk(paths)
	if err != nil {
		return Session{}, err
	}
	return c.sender.Send(ctx, peer, items)
}

func (c *Client) SendText(ctx context.Context, peer Peer, text string) (Session, error) {
	return c.sender.Send(ctx, peer, []Item{TextItem(text)})
}

func (c *Client) peerFor(from *net.UDPAddr, signature string) Peer {
	if p, ok := c.broadcaster.PeerByAddress(from.IP); ok {
		return p
	}

	ifaces, _ := ListInterfaces()
	typ, adapter := ConnectionTypeFor(ifaces, from.IP)
	return *newPeer(from.IP, uint16(from.Port), signature, typ, adapter, c.now())
}

func (c *Client) onRequest(from *net.UDPAddr, req TransferRequest) {
	peer := c.peerFor(from, req.Signature)
	log := c.log.WithStr("transfer", req.TransferID).WithStr("peer", peer.ID)

	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.deciding[req.TransferID] = cancel
	c.mu.Unlock()

	decision := c.handler(ctx, IncomingRequest{From: from, Peer: peer, Request: req})

	c.mu.Lock()
	delete(c.deciding, req.TransferID)
	c.mu.Unlock()

	withdrawn := ctx.Err() != nil
	cancel()

	if withdrawn {
		log.Info("request withdrawn by sender")
		c.registry.RejectRequest(RejectedRequest{TransferID: req.TransferID, Peer: peer, Reason: "cancelled by sender"})
		return
	}

	root := decision.SaveRoot
	if root == "" {
		root = c.SaveRoot(peer)
	}
	if decision.Accept && root == "" {
		decision = Decision{Reason: ErrNoDownloadDir.Error()}
	}

	if !decision.Accept {
		log.WithStr("reason", decision.Reason).Info("request declined")
		reply := TransferDecline{Signature: c.opts.Signature, TransferID: req.TransferID, Data: decision.Reason}
		if err := c.broadcaster.SendTo(reply, from); err != nil {
			log.WithErr(err).Trace("decline failed")
		}
		c.registry.RejectRequest(RejectedRequest{TransferID: req.TransferID, Peer: peer, Reason: decision.Reason})
		return
	}

	key := from.IP.String()
	c.mu.Lock()
	c.accepted[key] = append(c.accepted[key], acceptedRequest{
		transferID: req.TransferID,
		peer:       peer,
		saveRoot:   root,
		at:         c.now(),
	})
	c.mu.Unlock()

	reply := TransferAccept{Signature: c.opts.Signature, TransferID: req.TransferID, Data: root}
	if err := c.broadcaster.SendTo(reply, from); err != nil {
		log.WithErr(err).Warn("accept failed")
		return
	}
	log.WithStr("root", root).Info("request accepted")
}

func (c *Client) onCancel(from *net.UDPAddr, msg TransferCancel) {
	c.mu.Lock()
	if cancel, ok := c.deciding[msg.TransferID]; ok {
		c.mu.Unlock()
		cancel()
		return
	}

	key := from.IP.String()
	queue := c.accepted[key]
	var removed *acceptedRequest
	for i, req := range queue {
		if req.transferID == msg.TransferID {
			removed = &queue[i]
			c.accepted[key] = append(queue[:i:i], queue[i+1:]...)
			break
		}
	}
	c.mu.Unlock()

	if removed != nil {
		c.registry.RejectRequest(RejectedRequest{TransferID: removed.transferID, Peer: removed.peer, Reason: msg.Data})
	}
}

// claim pairs an accepted TCP connection with the oldest request accepted
// from the same address. Connections without one are classic pushes and
// get a fresh id and the default root.
func (c *Client) claim(remote net.Addr) Inbound {
	tcp, ok := remote.(*net.TCPAddr)
	if !ok {
		return Inbound{}
	}

	key := tcp.IP.String()
	cutoff := c.now().Add(-c.broadcaster.cfg.PeerTimeout)

	c.mu.Lock()
	queue := c.accepted[key]
	for len(queue) > 0 && queue[0].at.Before(cutoff) {
		queue = queue[1:]
	}

	var req *acceptedRequest
	if len(queue) > 0 {
		req = &queue[0]
		queue = queue[1:]
	}

	if len(queue) == 0 {
		delete(c.accepted, key)
	} else {
		c.accepted[key] = queue
	}
	c.mu.Unlock()

	if req != nil {
		return Inbound{TransferID: req.transferID, Peer: req.peer, SaveRoot: req.saveRoot}
	}

	peer := c.peerFor(&net.UDPAddr{IP: tcp.IP, Port: int(c.broadcaster.Port())}, tcp.IP.String())
	return Inbound{Peer: peer, SaveRoot: c.SaveRoot(peer)}
}
