// Package udpaddr parses the "x.x.x.x" and "x.x.x.x:port" address strings
// accepted on the command line and in configuration.
package udpaddr

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strconv"

	"github.com/dlclark/regexp2"

	"udplistener/pkg/udperr"
)

var addrRe = regexp2.MustCompile(`^(\d{1,3})\.(\d{1,3})\.(\d{1,3})\.(\d{1,3})(?::(\d{1,5}))?$`, regexp2.None)

type Address struct {
	Host string
	// Port is zero when the string carried no port.
	Port int
}

func (a Address) HasPort() bool {
	return a.Port != 0
}

func (a Address) String() string {
	if !a.HasPort() {
		return a.Host
	}
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// UDPAddr converts a parsed address with a port into a *net.UDPAddr.
func (a Address) UDPAddr() (*net.UDPAddr, error) {
	if !a.HasPort() {
		return nil, udperr.Validation("address", "address %q has no port", a.Host)
	}
	ip, err := netip.ParseAddr(a.Host)
	if err != nil {
		return nil, udperr.Validation("address", "bad ip %q: %v", a.Host, err)
	}
	return net.UDPAddrFromAddrPort(netip.AddrPortFrom(ip, uint16(a.Port))), nil
}

// Parse validates an IPv4 dotted-quad with an optional ":port" suffix. Each
// octet must be in [0, 255] and the port, when present, in (0, 65535].
func Parse(s string) (Address, error) {
	m, err := addrRe.FindStringMatch(s)
	if err != nil {
		return Address{}, udperr.Validation("address", "match %q: %v", s, err)
	}
	if m == nil {
		return Address{}, udperr.Validation("address", "IP-address must be of the format 'x.x.x.x' with 0 <= x <= 255, got %q", s)
	}

	octets := make([]byte, 4)
	for i := range 4 {
		v, err := strconv.Atoi(m.GroupByNumber(i + 1).String())
		if err != nil || v > 255 {
			return Address{}, udperr.Validation("address", "IP-address must be of the format 'x.x.x.x' with 0 <= x <= 255, got %q", s)
		}
		octets[i] = byte(v)
	}

	addr := Address{
		Host: fmt.Sprintf("%d.%d.%d.%d", octets[0], octets[1], octets[2], octets[3]),
	}

	if portGroup := m.GroupByNumber(5); portGroup != nil && portGroup.String() != "" {
		p, err := strconv.Atoi(portGroup.String())
		if err != nil || p <= 0 || p > 65535 {
			return Address{}, udperr.Validation("address", "invalid port number %q", portGroup.String())
		}
		addr.Port = p
	}

	return addr, nil
}

// ResolveUDP parses s and requires it to carry a port.
func ResolveUDP(s string) (*net.UDPAddr, error) {
	addr, err := Parse(s)
	if err != nil {
		return nil, err
	}
	return addr.UDPAddr()
}

// LocalIP reports the address of the interface the OS would route public
// traffic through. No packet is sent; connecting a UDP socket only selects a
// route.
func LocalIP(ctx context.Context) (string, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp4", "8.8.8.8:80")
	if err != nil {
		return "", fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	local, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "", fmt.Errorf("unexpected local address type %T", conn.LocalAddr())
	}
	return local.IP.String(), nil
}
