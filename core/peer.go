package core

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Peer is one reachable network path to a remote device. A device seen on
// two adapters shows up as two peers.
type Peer struct {
	ID             string        `json:"id"`
	Signature      string        `json:"signature"`
	Name           string        `json:"name"`
	Address        string        `json:"address"`
	Port           uint16        `json:"port"`
	Platform       string        `json:"platform,omitempty"`
	ConnectionType InterfaceType `json:"connection_type,omitempty"`
	AdapterName    string        `json:"adapter_name,omitempty"`
	AvatarURL      string        `json:"avatar_url,omitempty"`
	LastSeen       time.Time     `json:"last_seen,omitzero"`
}

// PeerKey builds the composite id address:port:connection-type.
func PeerKey(address string, port uint16, typ InterfaceType) string {
	return fmt.Sprintf("%s:%d:%s", address, port, typ)
}

func newPeer(addr net.IP, port uint16, signature string, typ InterfaceType, adapter string, now time.Time) *Peer {
	info := ParseSignature(signature)
	address := addr.String()

	if info.Adapter != "" && adapter == "" {
		adapter = info.Adapter
	}

	return &Peer{
		ID:             PeerKey(address, port, typ),
		Signature:      info.Display,
		Name:           info.Name(),
		Address:        address,
		Port:           port,
		Platform:       info.Platform,
		ConnectionType: typ,
		AdapterName:    adapter,
		AvatarURL:      "http://" + net.JoinHostPort(address, strconv.Itoa(int(port)+1)) + "/avatar",
		LastSeen:       now,
	}
}

// TCPAddr is where the peer accepts transfers.
func (p Peer) TCPAddr() string {
	return net.JoinHostPort(p.Address, strconv.Itoa(int(p.Port)))
}

// Matches reports whether query names this peer by id, address or a
// case-insensitive fragment of its name or signature.
func (p Peer) Matches(query string) bool {
	if query == "" {
		return false
	}
	if query == p.ID || query == p.Address || query == p.TCPAddr() {
		return true
	}

	q := strings.ToLower(query)
	return strings.Contains(strings.ToLower(p.Name), q) ||
		strings.Contains(strings.ToLower(p.Signature), q)
}

func (p Peer) String() string {
	return fmt.Sprintf("%s [%s]", p.Signature, p.ID)
}

type PeerEventKind int

const (
	PeerFound PeerEventKind = iota
	PeerLost
)

func (k PeerEventKind) String() string {
	if k == PeerLost {
		return "lost"
	}
	return "found"
}

type PeerEvent struct {
	Kind PeerEventKind
	Peer Peer
}
