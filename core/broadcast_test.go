package core

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	ourSignature   = "alice at laptop (Linux)"
	theirSignature = "bob at desktop (Windows)"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBroadcaster(t *testing.T) (*Broadcaster, *fakeClock) {
	t.Helper()

	clock := &fakeClock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	b := NewBroadcaster(BroadcasterConfig{
		Port:        DefaultPort,
		Signature:   ourSignature,
		PeerTimeout: time.Minute,
	}, nil)
	b.now = clock.Now
	b.listInterfaces = func() ([]NetInterface, error) {
		return testInterfaces(), nil
	}
	b.refreshInterfaces()
	return b, clock
}

func encode(t *testing.T, m Message) []byte {
	t.Helper()
	data, err := EncodeMessage(m)
	require.NoError(t, err)
	return data
}

func udpFrom(ip string, port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP(ip), Port: port}
}

func nextPeerEvent(t *testing.T, ch <-chan PeerEvent) PeerEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for peer event")
		return PeerEvent{}
	}
}

// noPeerEvent fails if an event is queued. Events are published before
// handle and expire return, so nothing can still be in flight.
func noPeerEvent(t *testing.T, ch <-chan PeerEvent) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("unexpected %v for %s", ev.Kind, ev.Peer.ID)
	default:
	}
}

func TestBroadcasterHelloAddsPeer(t *testing.T) {
	b, _ := newTestBroadcaster(t)
	events, unsubscribe := b.Subscribe(4)
	defer unsubscribe()

	b.handle(encode(t, HelloPortUnicast{Port: 7000, Signature: theirSignature}), udpFrom("192.168.1.20", 7000), 0)

	ev := nextPeerEvent(t, events)
	assert.Equal(t, PeerFound, ev.Kind)

	peers := b.Peers()
	require.Len(t, peers, 1)

	p := peers[0]
	assert.Equal(t, "192.168.1.20:7000:WiFi", p.ID)
	assert.Equal(t, "192.168.1.20", p.Address)
	assert.Equal(t, uint16(7000), p.Port)
	assert.Equal(t, "bob", p.Name)
	assert.Equal(t, "Windows", p.Platform)
	assert.Equal(t, TypeWiFi, p.ConnectionType)
	assert.Equal(t, "wlan0", p.AdapterName)
	assert.Equal(t, "http://192.168.1.20:7001/avatar", p.AvatarURL)

	// a second hello refreshes the same entry
	b.handle(encode(t, HelloPortUnicast{Port: 7000, Signature: theirSignature}), udpFrom("192.168.1.20", 7000), 0)
	assert.Len(t, b.Peers(), 1)
}

func TestBroadcasterHelloWithoutPortUsesDefault(t *testing.T) {
	b, _ := newTestBroadcaster(t)

	b.handle(encode(t, HelloUnicast{Signature: theirSignature}), udpFrom("10.0.3.4", 4644), 0)

	peers := b.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, DefaultPort, peers[0].Port)
	assert.Equal(t, TypeEthernet, peers[0].ConnectionType)
}

func TestBroadcasterSameDeviceOnTwoAdapters(t *testing.T) {
	b, _ := newTestBroadcaster(t)

	b.handle(encode(t, HelloPortUnicast{Port: 6442, Signature: theirSignature}), udpFrom("192.168.1.20", 6442), 0)
	b.handle(encode(t, HelloPortUnicast{Port: 6442, Signature: theirSignature}), udpFrom("10.0.9.9", 6442), 0)

	assert.Len(t, b.Peers(), 2)

	p, ok := b.PeerByAddress(net.ParseIP("10.0.9.9"))
	require.True(t, ok)
	assert.Equal(t, TypeEthernet, p.ConnectionType)
}

func TestBroadcasterSelfFilter(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		src  *net.UDPAddr
	}{
		{
			name: "own address and port",
			msg:  HelloPortBroadcast{Port: DefaultPort, Signature: theirSignature},
			src:  udpFrom("192.168.1.10", int(DefaultPort)),
		},
		{
			name: "own signature",
			msg:  HelloPortBroadcast{Port: DefaultPort, Signature: ourSignature},
			src:  udpFrom("192.168.1.44", int(DefaultPort)),
		},
		{
			name: "own signature with adapter suffix",
			msg:  HelloPortBroadcast{Port: DefaultPort, Signature: WithAdapter(ourSignature, "eth0", TypeEthernet)},
			src:  udpFrom("10.0.0.2", 9999),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, _ := newTestBroadcaster(t)
			b.handle(encode(t, tt.msg), tt.src, 0)
			assert.Empty(t, b.Peers())
		})
	}
}

func TestBroadcasterOtherInstanceOnSameHost(t *testing.T) {
	b, _ := newTestBroadcaster(t)

	b.handle(encode(t, HelloPortUnicast{Port: 7000, Signature: theirSignature}), udpFrom("192.168.1.10", 7000), 0)

	assert.Len(t, b.Peers(), 1)
}

func TestBroadcasterIgnoresEchoingAddress(t *testing.T) {
	b, _ := newTestBroadcaster(t)
	echo := encode(t, HelloBroadcast{Signature: ourSignature})

	for range badAddressThreshold + 1 {
		b.handle(echo, udpFrom("192.168.1.77", int(DefaultPort)), 0)
	}

	// the address is now ignored even for foreign signatures
	b.handle(encode(t, HelloUnicast{Signature: theirSignature}), udpFrom("192.168.1.77", int(DefaultPort)), 0)
	assert.Empty(t, b.Peers())

	b.handle(encode(t, HelloUnicast{Signature: theirSignature}), udpFrom("192.168.1.78", int(DefaultPort)), 0)
	assert.Len(t, b.Peers(), 1)
}

func TestBroadcasterGoodbye(t *testing.T) {
	b, _ := newTestBroadcaster(t)
	events, unsubscribe := b.Subscribe(8)
	defer unsubscribe()

	b.handle(encode(t, HelloPortUnicast{Port: 6442, Signature: theirSignature}), udpFrom("192.168.1.20", 6442), 0)
	b.handle(encode(t, HelloPortUnicast{Port: 7000, Signature: theirSignature}), udpFrom("192.168.1.20", 7000), 0)
	b.handle(encode(t, HelloUnicast{Signature: "carol at phone"}), udpFrom("192.168.1.30", 6442), 0)
	require.Len(t, b.Peers(), 3)

	for range 3 {
		assert.Equal(t, PeerFound, nextPeerEvent(t, events).Kind)
	}

	b.handle(encode(t, Goodbye{}), udpFrom("192.168.1.20", 6442), 0)

	for range 2 {
		ev := nextPeerEvent(t, events)
		assert.Equal(t, PeerLost, ev.Kind)
		assert.Equal(t, "192.168.1.20", ev.Peer.Address)
	}

	peers := b.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, "192.168.1.30", peers[0].Address)

	b.expire()
	noPeerEvent(t, events)

	b.handle(encode(t, Goodbye{Signature: theirSignature}), udpFrom("192.168.1.20", 6442), 0)
	noPeerEvent(t, events)
	assert.Len(t, b.Peers(), 1)
}

func TestBroadcasterExpiry(t *testing.T) {
	b, clock := newTestBroadcaster(t)
	events, unsubscribe := b.Subscribe(8)
	defer unsubscribe()

	b.handle(encode(t, HelloUnicast{Signature: theirSignature}), udpFrom("192.168.1.20", 6442), 0)
	nextPeerEvent(t, events)

	clock.Advance(30 * time.Second)
	b.handle(encode(t, HelloUnicast{Signature: "carol at phone"}), udpFrom("192.168.1.30", 6442), 0)
	nextPeerEvent(t, events)

	clock.Advance(45 * time.Second)
	b.expire()

	ev := nextPeerEvent(t, events)
	assert.Equal(t, PeerLost, ev.Kind)
	assert.Equal(t, "192.168.1.20", ev.Peer.Address)

	peers := b.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, "192.168.1.30", peers[0].Address)
}

func TestBroadcasterControlMessagesRefreshPeer(t *testing.T) {
	b, clock := newTestBroadcaster(t)

	b.handle(encode(t, HelloUnicast{Signature: theirSignature}), udpFrom("192.168.1.20", 6442), 0)

	clock.Advance(50 * time.Second)
	b.handle(encode(t, TransferCancel{TransferID: "1"}), udpFrom("192.168.1.20", 6442), 0)

	clock.Advance(50 * time.Second)
	b.expire()
	assert.Len(t, b.Peers(), 1)
}

func TestBroadcasterRoutesRequests(t *testing.T) {
	b, _ := newTestBroadcaster(t)

	got := make(chan TransferRequest, 1)
	b.OnRequest(func(_ *net.UDPAddr, req TransferRequest) {
		got <- req
	})

	cancelled := make(chan TransferCancel, 1)
	b.OnCancel(func(_ *net.UDPAddr, msg TransferCancel) {
		cancelled <- msg
	})

	b.handle(encode(t, TransferRequest{Signature: theirSignature, TransferID: "42", TotalFiles: 1, TotalSize: 5, Description: "a.txt"}), udpFrom("192.168.1.20", 6442), 0)
	b.handle(encode(t, TransferCancel{TransferID: "42", Data: "changed my mind"}), udpFrom("192.168.1.20", 6442), 0)

	select {
	case req := <-got:
		assert.Equal(t, "42", req.TransferID)
		assert.Equal(t, "a.txt", req.Description)
	case <-time.After(time.Second):
		t.Fatal("request handler not called")
	}

	msg := <-cancelled
	assert.Equal(t, "changed my mind", msg.Data)
}

func TestBroadcasterTargetPorts(t *testing.T) {
	b, _ := newTestBroadcaster(t)
	b.port = 7100

	b.handle(encode(t, HelloPortUnicast{Port: 7000, Signature: theirSignature}), udpFrom("192.168.1.20", 7000), 0)

	b.mu.Lock()
	ports := b.targetPortsLocked()
	b.mu.Unlock()

	assert.Equal(t, []uint16{DefaultPort, 7000, 7100}, ports)
}

func TestBroadcasterMinGap(t *testing.T) {
	b, clock := newTestBroadcaster(t)

	b.Broadcast(true)
	first := b.lastBroadcast

	clock.Advance(100 * time.Millisecond)
	b.Broadcast(false)
	assert.Equal(t, first, b.lastBroadcast)

	clock.Advance(time.Second)
	b.Broadcast(false)
	assert.True(t, b.lastBroadcast.After(first))
}

// loopbackPair binds two broadcasters on ephemeral loopback ports and runs
// their read loops. No beacons are sent.
func loopbackPair(t *testing.T) (a, b *Broadcaster) {
	t.Helper()

	start := func(sig string) *Broadcaster {
		br := NewBroadcaster(BroadcasterConfig{Signature: sig}, nil)
		br.listInterfaces = func() ([]NetInterface, error) { return nil, nil }
		require.NoError(t, br.Init(t.Context()))
		require.NotZero(t, br.Port())

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			br.readLoop(ctx)
		}()

		t.Cleanup(func() {
			cancel()
			br.Close()
			<-done
		})
		return br
	}

	return start(ourSignature), start(theirSignature)
}

func loopbackPeer(b *Broadcaster) Peer {
	return Peer{ID: PeerKey("127.0.0.1", b.Port(), TypeLoopback), Address: "127.0.0.1", Port: b.Port()}
}

func TestBroadcasterRequestAccepted(t *testing.T) {
	a, b := loopbackPair(t)

	b.OnRequest(func(from *net.UDPAddr, req TransferRequest) {
		b.SendTo(TransferAccept{Signature: b.Signature(), TransferID: req.TransferID, Data: "/srv/inbox"}, from)
	})

	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()

	accept, err := a.Request(ctx, loopbackPeer(b), TransferRequest{TransferID: "100", TotalFiles: 1, TotalSize: 3, Description: "x"})
	require.NoError(t, err)
	assert.Equal(t, "100", accept.TransferID)
	assert.Equal(t, "/srv/inbox", accept.Data)
}

func TestBroadcasterRequestDeclined(t *testing.T) {
	a, b := loopbackPair(t)

	b.OnRequest(func(from *net.UDPAddr, req TransferRequest) {
		b.SendTo(TransferDecline{Signature: b.Signature(), TransferID: req.TransferID, Data: "not now"}, from)
	})

	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()

	_, err := a.Request(ctx, loopbackPeer(b), TransferRequest{TransferID: "101", Description: "x"})

	var declined *DeclinedError
	require.ErrorAs(t, err, &declined)
	assert.Equal(t, "not now", declined.Reason)
}

func TestBroadcasterRequestTimesOutWithCancel(t *testing.T) {
	a, b := loopbackPair(t)

	cancels := make(chan TransferCancel, 1)
	b.OnRequest(func(*net.UDPAddr, TransferRequest) {})
	b.OnCancel(func(_ *net.UDPAddr, msg TransferCancel) {
		cancels <- msg
	})

	ctx, cancel := context.WithTimeout(t.Context(), 100*time.Millisecond)
	defer cancel()

	_, err := a.Request(ctx, loopbackPeer(b), TransferRequest{TransferID: "102", Description: "x"})
	require.ErrorIs(t, err, ErrCancelled)

	select {
	case msg := <-cancels:
		assert.Equal(t, "102", msg.TransferID)
	case <-time.After(time.Second):
		t.Fatal("peer was not told about the cancellation")
	}
}
