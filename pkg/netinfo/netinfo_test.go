package netinfo

import (
	"errors"
	"net"
	"testing"
)

func withInterfaces(t *testing.T, ifaces []iface, err error) {
	t.Helper()
	prev := lister
	lister = func() ([]iface, error) { return ifaces, err }
	t.Cleanup(func() { lister = prev })
}

func ipNet(s string) net.Addr {
	ip, network, _ := net.ParseCIDR(s)
	network.IP = ip
	return network
}

func TestOnline(t *testing.T) {
	up := net.FlagUp
	tests := []struct {
		name   string
		ifaces []iface
		err    error
		want   bool
	}{
		{"loopback only", []iface{{name: "lo", flags: up | net.FlagLoopback, addrs: []net.Addr{ipNet("127.0.0.1/8")}}}, nil, false},
		{"interface down", []iface{{name: "eth0", addrs: []net.Addr{ipNet("192.168.1.5/24")}}}, nil, false},
		{"link local only", []iface{{name: "eth0", flags: up, addrs: []net.Addr{ipNet("fe80::1/64")}}}, nil, false},
		{"no addresses", []iface{{name: "eth0", flags: up}}, nil, false},
		{"ipv4", []iface{{name: "eth0", flags: up, addrs: []net.Addr{ipNet("192.168.1.5/24")}}}, nil, true},
		{"listing fails", nil, errors.New("denied"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withInterfaces(t, tt.ifaces, tt.err)
			if got := Online(); got != tt.want {
				t.Fatalf("Online() = %v want %v", got, tt.want)
			}
			if got := (Connectivity{}).Online(); got != tt.want {
				t.Fatalf("Connectivity.Online() = %v want %v", got, tt.want)
			}
		})
	}
}

func TestDetectPrefersIPv4(t *testing.T) {
	withInterfaces(t, []iface{
		{name: "lo", flags: net.FlagUp | net.FlagLoopback, addrs: []net.Addr{ipNet("127.0.0.1/8")}},
		{name: "wlan0", mtu: 1400, flags: net.FlagUp, addrs: []net.Addr{ipNet("2001:db8::5/64")}},
		{name: "enp3s0", mtu: 9000, flags: net.FlagUp, addrs: []net.Addr{ipNet("10.1.2.3/16")}},
	}, nil)

	info := Detect()
	if info.Interface != "enp3s0" || info.LocalIP != "10.1.2.3" {
		t.Fatalf("unexpected interface %+v", info)
	}
	if info.MTU != 9000 || info.Kind != KindEthernet || info.IPv6 || !info.Private {
		t.Fatalf("unexpected details %+v", info)
	}
}

func TestDetectFallsBackToIPv6(t *testing.T) {
	withInterfaces(t, []iface{
		{name: "wlan0", flags: net.FlagUp, addrs: []net.Addr{ipNet("2001:db8::5/64")}},
	}, nil)

	info := Detect()
	if info.Interface != "wlan0" || !info.IPv6 || info.Kind != KindWiFi || info.MTU != 1500 {
		t.Fatalf("unexpected info %+v", info)
	}
}

func TestDetectNothingUsable(t *testing.T) {
	withInterfaces(t, nil, nil)
	info := Detect()
	if info.Kind != KindUnknown || info.MTU != 1500 || info.Interface != "" {
		t.Fatalf("unexpected info %+v", info)
	}
}

func TestKindFromName(t *testing.T) {
	tests := map[string]Kind{
		"eth0":        KindEthernet,
		"enp0s31f6":   KindEthernet,
		"wlp2s0":      KindWiFi,
		"Wi-Fi":       KindWiFi,
		"wwan0":       KindCellular,
		"rmnet_data0": KindCellular,
		"pdp_ip0":     KindCellular,
		"tun0":        KindUnknown,
	}
	for name, want := range tests {
		if got := KindFromName(name); got != want {
			t.Errorf("KindFromName(%q) = %q want %q", name, got, want)
		}
	}
}

func TestIsPrivateIP(t *testing.T) {
	for ip, want := range map[string]bool{
		"192.168.1.1": true,
		"172.20.0.1":  true,
		"100.64.3.4":  true,
		"fd00::1":     true,
		"8.8.8.8":     false,
		"not-an-ip":   false,
	} {
		if got := IsPrivateIP(ip); got != want {
			t.Errorf("IsPrivateIP(%q) = %v want %v", ip, got, want)
		}
	}
}

func TestOriginAllowed(t *testing.T) {
	tests := []struct {
		name    string
		origin  string
		host    string
		allowed []string
		want    bool
	}{
		{"empty origin", "", "example.com", nil, true},
		{"same host", "http://example.com:3000", "example.com:8080", nil, true},
		{"other host no list", "http://evil.com", "example.com", nil, false},
		{"wildcard all", "http://evil.com", "example.com", []string{"*"}, true},
		{"exact", "https://app.example.com", "x", []string{"https://app.example.com"}, true},
		{"subdomain wildcard", "https://a.b.example.com", "x", []string{"*.example.com"}, true},
		{"apex wildcard", "https://example.com", "x", []string{"*.example.com"}, true},
		{"suffix trick", "https://badexample.com", "x", []string{"*.example.com"}, false},
		{"bare host entry", "http://localhost:5173", "x", []string{"localhost"}, true},
		{"ipv6", "http://[::1]:8080", "[::1]:9000", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := OriginAllowed(tt.origin, tt.host, tt.allowed); got != tt.want {
				t.Fatalf("OriginAllowed = %v want %v", got, tt.want)
			}
		})
	}
}
