package ncp

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/akalinux/net-conn-pooler/pkg/Resolver"
	"golang.org/x/sys/unix"
)

// NetAddr is an IPv4 endpoint.  The IP bytes are kept in network order,
// the port in host order.
type NetAddr struct {
	IP   [4]byte
	Port uint16
}

// ParseNetAddr parses a literal "ip:port" string.
func ParseNetAddr(addr string) (res NetAddr, e error) {
	host, port, e := net.SplitHostPort(addr)
	if e != nil {
		return
	}
	ip := net.ParseIP(host)
	if ip == nil {
		e = fmt.Errorf("Failed to parse ip: %s", host)
		return
	}
	ip4 := ip.To4()
	if ip4 == nil {
		e = fmt.Errorf("Could not convert [%s] to an ipv4 address", host)
		return
	}
	p, e := strconv.ParseUint(port, 10, 16)
	if e != nil {
		return
	}
	copy(res.IP[:], ip4)
	res.Port = uint16(p)
	return
}

// ResolveNetAddr is ParseNetAddr that also accepts hostnames, resolving
// them through pkg/Resolver.
func ResolveNetAddr(addr string) (res NetAddr, e error) {
	res, e = ParseNetAddr(addr)
	if e == nil {
		return
	}
	host, port, e2 := net.SplitHostPort(addr)
	if e2 != nil {
		return res, e2
	}
	ip, e2 := Resolver.Lookup(host)
	if e2 != nil {
		return res, e2
	}
	p, e2 := strconv.ParseUint(port, 10, 16)
	if e2 != nil {
		return res, e2
	}
	copy(res.IP[:], ip.To4())
	res.Port = uint16(p)
	return res, nil
}

func NetAddrFromSockaddr(sa unix.Sockaddr) (res NetAddr, e error) {
	in4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		e = fmt.Errorf("not an ipv4 sockaddr: %T", sa)
		return
	}
	res.IP = in4.Addr
	res.Port = uint16(in4.Port)
	return
}

func (a NetAddr) Sockaddr() *unix.SockaddrInet4 {
	return &unix.SockaddrInet4{
		Port: int(a.Port),
		Addr: a.IP,
	}
}

func (a NetAddr) IsNull() bool {
	return a == NetAddr{}
}

func (a NetAddr) String() string {
	var b strings.Builder
	b.WriteString(net.IP(a.IP[:]).String())
	b.WriteByte(':')
	b.WriteString(strconv.Itoa(int(a.Port)))
	return b.String()
}
