package Resolver

import (
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
)

// Resolves hostnames to IPv4 addresses for the pool's string based entry
// points.  Literal addresses short-circuit, everything else goes through
// the servers in resolv.conf.

const RESOLV_CONF = "/etc/resolv.conf"
const QUERY_TIMEOUT = 2 * time.Second

// Lookup returns the first A record for host.  A literal IPv4 address is
// returned as-is.
func Lookup(host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		if ip4 := ip.To4(); ip4 != nil {
			return ip4, nil
		}
		return nil, fmt.Errorf("not an ipv4 address: %s", host)
	}

	conf, e := dns.ClientConfigFromFile(RESOLV_CONF)
	if e != nil {
		return nil, e
	}
	client := &dns.Client{Timeout: QUERY_TIMEOUT}
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), dns.TypeA)
	msg.RecursionDesired = true

	var lastErr error
	for _, server := range conf.Servers {
		in, _, e := client.Exchange(msg, net.JoinHostPort(server, conf.Port))
		if e != nil {
			lastErr = e
			continue
		}
		for _, rr := range in.Answer {
			if a, ok := rr.(*dns.A); ok {
				return a.A.To4(), nil
			}
		}
		lastErr = fmt.Errorf("no A record for %s", host)
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no nameservers configured in %s", RESOLV_CONF)
	}
	return nil, lastErr
}

// HostPort resolves a "host:port" string.
func HostPort(hostport string) (ip net.IP, port string, err error) {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return
	}
	ip, err = Lookup(host)
	return
}
