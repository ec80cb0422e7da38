package core

import (
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/mitchellh/hashstructure/v2"
)

type InterfaceType string

const (
	TypeHotspot   InterfaceType = "Hotspot"
	TypeWiFi      InterfaceType = "WiFi"
	TypeEthernet  InterfaceType = "Ethernet"
	TypeVirtual   InterfaceType = "Virtual"
	TypeBluetooth InterfaceType = "Bluetooth"
	TypeMobile    InterfaceType = "Mobile"
	TypeTunnel    InterfaceType = "Tunnel"
	TypeLoopback  InterfaceType = "Loopback"
	TypeNetwork   InterfaceType = "Network"
)

type classifyRule struct {
	typ      InterfaceType
	contains []string
	prefixes []string
	except   []string
}

// Order matters: the first matching rule wins.
var classifyRules = []classifyRule{
	{
		typ:      TypeHotspot,
		contains: []string{"wi-fi direct virtual", "hosted network", "soft ap", "softap", "hotspot"},
	},
	{
		typ:      TypeWiFi,
		contains: []string{"wi-fi", "wifi", "wireless", "wlan", "802.11", "airport"},
		prefixes: []string{"wl"},
	},
	{
		typ:      TypeEthernet,
		contains: []string{"ethernet", "gigabit", "gbe", "local area connection"},
		prefixes: []string{"eth", "en"},
		except:   []string{"vethernet", "virtual"},
	},
	{
		typ:      TypeVirtual,
		contains: []string{"virtual", "vmware", "virtualbox", "vbox", "hyper-v", "vethernet", "docker", "wsl"},
		prefixes: []string{"veth", "virbr", "br-", "docker", "vmnet", "vboxnet"},
	},
	{
		typ:      TypeBluetooth,
		contains: []string{"bluetooth"},
		prefixes: []string{"bnep"},
	},
	{
		typ:      TypeMobile,
		contains: []string{"mobile", "cellular", "wwan", "rmnet"},
		prefixes: []string{"wwan", "rmnet"},
	},
	{
		typ:      TypeTunnel,
		contains: []string{"tunnel", "vpn", "tap-windows", "wireguard", "teredo", "isatap", "6to4"},
		prefixes: []string{"tun", "tap", "wg", "utun", "ppp"},
	},
}

// Classify maps an adapter name to its connection type.
func Classify(name string) InterfaceType {
	lower := strings.ToLower(name)

	for _, rule := range classifyRules {
		if rule.matches(lower) {
			return rule.typ
		}
	}

	return TypeNetwork
}

func (r classifyRule) matches(lower string) bool {
	for _, ex := range r.except {
		if strings.Contains(lower, ex) {
			return false
		}
	}
	for _, s := range r.contains {
		if strings.Contains(lower, s) {
			return true
		}
	}
	for _, p := range r.prefixes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}

// NetInterface is one IPv4 address on one adapter.
type NetInterface struct {
	Name             string
	Index            int
	Address          net.IP
	Type             InterfaceType
	SubnetMask       net.IPMask
	BroadcastAddress net.IP
	IsActive         bool
	Loopback         bool
}

// Broadcastable reports whether discovery beacons should go out on this
// address. Loopback, tunnel and IPv6 transition adapters are kept in the
// inventory for source-address checks only.
func (n NetInterface) Broadcastable() bool {
	if !n.IsActive || n.Loopback || n.Address.To4() == nil {
		return false
	}
	if n.Type == TypeTunnel {
		return false
	}

	lower := strings.ToLower(n.Name)
	for _, s := range []string{"teredo", "isatap", "6to4"} {
		if strings.Contains(lower, s) {
			return false
		}
	}
	return true
}

// Contains reports whether ip is on this interface's subnet.
func (n NetInterface) Contains(ip net.IP) bool {
	mask := n.SubnetMask
	if mask == nil {
		mask = DefaultMask(n.Address)
	}
	return (&net.IPNet{IP: n.Address.Mask(mask), Mask: mask}).Contains(ip)
}

// ListInterfaces enumerates every IPv4 address of every adapter.
func ListInterfaces() ([]NetInterface, error) {
	ifs, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInterface, err)
	}

	return inventory(ifs, func(i net.Interface) ([]net.Addr, error) {
		return i.Addrs()
	}), nil
}

func inventory(ifs []net.Interface, addrsOf func(net.Interface) ([]net.Addr, error)) []NetInterface {
	var out []NetInterface

	for _, iface := range ifs {
		addrs, err := addrsOf(iface)
		if err != nil {
			continue
		}

		loopback := iface.Flags&net.FlagLoopback != 0
		typ := Classify(iface.Name)
		if loopback {
			typ = TypeLoopback
		}

		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}

			ip4 := ipnet.IP.To4()
			if ip4 == nil {
				continue
			}

			mask := ipv4Mask(ipnet.Mask)
			out = append(out, NetInterface{
				Name:             iface.Name,
				Index:            iface.Index,
				Address:          ip4,
				Type:             typ,
				SubnetMask:       mask,
				BroadcastAddress: BroadcastAddress(ip4, mask),
				IsActive:         iface.Flags&net.FlagUp != 0,
				Loopback:         loopback,
			})
		}
	}

	return out
}

func ipv4Mask(mask net.IPMask) net.IPMask {
	switch len(mask) {
	case net.IPv4len:
		return mask
	case net.IPv6len:
		return mask[12:]
	default:
		return nil
	}
}

// BroadcastAddress computes ip | ^mask. A missing mask is replaced by
// DefaultMask.
func BroadcastAddress(ip net.IP, mask net.IPMask) net.IP {
	ip4 := ip.To4()
	if ip4 == nil {
		return nil
	}

	mask = ipv4Mask(mask)
	if mask == nil {
		mask = DefaultMask(ip4)
	}

	out := make(net.IP, net.IPv4len)
	for i := range out {
		out[i] = ip4[i] | ^mask[i]
	}
	return out
}

// DefaultMask guesses the prefix length for an address with no known mask.
func DefaultMask(ip net.IP) net.IPMask {
	ip4 := ip.To4()
	if ip4 == nil {
		return net.CIDRMask(24, 32)
	}

	switch {
	case ip4[0] == 10:
		return net.CIDRMask(24, 32)
	case ip4[0] == 192 && ip4[1] == 168:
		return net.CIDRMask(24, 32)
	case ip4[0] == 172 && ip4[1]&0xf0 == 16:
		return net.CIDRMask(16, 32)
	case ip4[0] == 169 && ip4[1] == 254:
		return net.CIDRMask(16, 32)
	default:
		return net.CIDRMask(24, 32)
	}
}

// ConnectionTypeFor infers how a remote address is reached: the type of
// the local interface sharing its subnet, else a guess from the range.
func ConnectionTypeFor(ifaces []NetInterface, ip net.IP) (InterfaceType, string) {
	for _, iface := range ifaces {
		if iface.Loopback {
			continue
		}
		if iface.Contains(ip) {
			return iface.Type, iface.Name
		}
	}

	if ip4 := ip.To4(); ip4 != nil && ip4[0] == 169 && ip4[1] == 254 {
		return TypeEthernet, ""
	}
	return TypeNetwork, ""
}

// LocalAddrFor picks a local address on the same /24 as ip so outbound
// connections leave through the interface the peer was seen on.
func LocalAddrFor(ifaces []NetInterface, ip net.IP) net.IP {
	remote := ip.To4()
	if remote == nil {
		return nil
	}

	slash24 := net.CIDRMask(24, 32)
	for _, iface := range ifaces {
		if !iface.IsActive || iface.Loopback {
			continue
		}
		if iface.Address.Mask(slash24).Equal(remote.Mask(slash24)) {
			return iface.Address
		}
	}
	return nil
}

// IsLocalAddress reports whether ip belongs to any enumerated interface.
func IsLocalAddress(ifaces []NetInterface, ip net.IP) bool {
	for _, iface := range ifaces {
		if iface.Address.Equal(ip) {
			return true
		}
	}
	return false
}

type interfaceKey struct {
	Name    string
	Address string
	Mask    string
	Active  bool
}

// InterfaceSignature hashes the parts of the inventory that affect
// discovery. Two inventories with the same signature broadcast identically.
func InterfaceSignature(ifaces []NetInterface) (uint64, error) {
	keys := make([]interfaceKey, 0, len(ifaces))
	for _, iface := range ifaces {
		keys = append(keys, interfaceKey{
			Name:    iface.Name,
			Address: iface.Address.String(),
			Mask:    iface.SubnetMask.String(),
			Active:  iface.IsActive,
		})
	}

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Name != keys[j].Name {
			return keys[i].Name < keys[j].Name
		}
		return keys[i].Address < keys[j].Address
	})

	return hashstructure.Hash(keys, hashstructure.FormatV2, nil)
}
