// Package netinfo inspects the local network stack: whether the host is
// online at all and which kind of interface carries its traffic.
package netinfo

import (
	"net"
	"strings"
)

// Kind is a best-effort guess of the physical link type.
type Kind string

const (
	KindEthernet Kind = "ethernet"
	KindWiFi     Kind = "wifi"
	KindCellular Kind = "cellular"
	KindUnknown  Kind = "unknown"
)

// Info describes the interface that is most likely the default route.
type Info struct {
	LocalIP   string `json:"local_ip" yaml:"local_ip"`
	Interface string `json:"interface" yaml:"interface"`
	MTU       int    `json:"mtu" yaml:"mtu"`
	Kind      Kind   `json:"kind" yaml:"kind"`
	IPv6      bool   `json:"ipv6" yaml:"ipv6"`
	Private   bool   `json:"private" yaml:"private"`
}

// iface is the subset of net.Interface the detection logic needs.
type iface struct {
	name  string
	mtu   int
	flags net.Flags
	addrs []net.Addr
}

// lister is swapped in tests.
var lister = systemInterfaces

func systemInterfaces() ([]iface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	out := make([]iface, 0, len(ifaces))
	for _, ifc := range ifaces {
		addrs, err := ifc.Addrs()
		if err != nil {
			continue
		}
		out = append(out, iface{name: ifc.Name, mtu: ifc.MTU, flags: ifc.Flags, addrs: addrs})
	}
	return out, nil
}

// Online reports whether a non-loopback interface is up and carries a
// routable address. Link-local addresses do not count.
func Online() bool {
	ifaces, err := lister()
	if err != nil {
		// Unable to tell; do not claim offline.
		return true
	}
	for _, ifc := range ifaces {
		if !usable(ifc) {
			continue
		}
		for _, addr := range ifc.addrs {
			if ip := addrIP(addr); ip != nil && !ip.IsLinkLocalUnicast() {
				return true
			}
		}
	}
	return false
}

// Connectivity adapts Online to the errors.Connectivity interface.
type Connectivity struct{}

func (Connectivity) Online() bool { return Online() }

// Detect returns information about the first usable interface, preferring
// one with an IPv4 address.
func Detect() Info {
	info := Info{MTU: 1500, Kind: KindUnknown}
	ifaces, err := lister()
	if err != nil {
		return info
	}

	var fallback *iface
	var fallbackIP net.IP
	for i := range ifaces {
		ifc := &ifaces[i]
		if !usable(*ifc) {
			continue
		}
		for _, addr := range ifc.addrs {
			ip := addrIP(addr)
			if ip == nil || ip.IsLinkLocalUnicast() {
				continue
			}
			if ip.To4() != nil {
				return describe(*ifc, ip)
			}
			if fallback == nil {
				fallback, fallbackIP = ifc, ip
			}
		}
	}
	if fallback != nil {
		return describe(*fallback, fallbackIP)
	}
	return info
}

func describe(ifc iface, ip net.IP) Info {
	mtu := ifc.mtu
	if mtu <= 0 {
		mtu = 1500
	}
	return Info{
		LocalIP:   ip.String(),
		Interface: ifc.name,
		MTU:       mtu,
		Kind:      KindFromName(ifc.name),
		IPv6:      ip.To4() == nil,
		Private:   IsPrivateIP(ip.String()),
	}
}

func usable(ifc iface) bool {
	return ifc.flags&net.FlagUp != 0 && ifc.flags&net.FlagLoopback == 0 && len(ifc.addrs) > 0
}

func addrIP(addr net.Addr) net.IP {
	switch v := addr.(type) {
	case *net.IPNet:
		return v.IP
	case *net.IPAddr:
		return v.IP
	}
	return nil
}

// KindFromName guesses the link type from common interface naming schemes
// on Linux, macOS and Windows.
func KindFromName(name string) Kind {
	n := strings.ToLower(name)
	switch {
	case strings.HasPrefix(n, "wl"), strings.HasPrefix(n, "wifi"), strings.Contains(n, "wi-fi"),
		strings.Contains(n, "wireless"), strings.HasPrefix(n, "ath"):
		return KindWiFi
	case strings.HasPrefix(n, "wwan"), strings.HasPrefix(n, "rmnet"), strings.HasPrefix(n, "ccmni"),
		strings.HasPrefix(n, "pdp_ip"), strings.HasPrefix(n, "usb"), strings.Contains(n, "cellular"):
		return KindCellular
	case strings.HasPrefix(n, "eth"), strings.HasPrefix(n, "en"), strings.HasPrefix(n, "em"),
		strings.Contains(n, "ethernet"):
		return KindEthernet
	default:
		return KindUnknown
	}
}

var privateNets []*net.IPNet

func init() {
	for _, cidr := range []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"100.64.0.0/10",
		"fc00::/7",
		"fe80::/10",
	} {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil || network == nil {
			continue
		}
		privateNets = append(privateNets, network)
	}
}

// IsPrivateIP reports whether ipStr lies in an RFC 1918, CGNAT or ULA range.
func IsPrivateIP(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, network := range privateNets {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
