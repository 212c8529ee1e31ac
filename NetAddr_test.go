package ncp

import (
	"testing"
)

func TestParseNetAddr(t *testing.T) {
	a, e := ParseNetAddr("127.0.0.1:20000")
	if e != nil {
		t.Fatalf("parse failed: %v", e)
	}
	if a.IP != [4]byte{127, 0, 0, 1} || a.Port != 20000 {
		t.Fatalf("bad parse result: %+v", a)
	}
	if a.String() != "127.0.0.1:20000" {
		t.Fatalf("bad string form: %s", a.String())
	}
	if a.IsNull() {
		t.Fatalf("parsed addr should not be null")
	}

	sa := a.Sockaddr()
	if sa.Port != 20000 || sa.Addr != a.IP {
		t.Fatalf("bad sockaddr: %+v", sa)
	}
}

func TestParseNetAddrRejects(t *testing.T) {
	bad := []string{
		"127.0.0.1",        // no port
		"::1:20000",        // not ipv4
		"[::1]:20000",      // not ipv4
		"nonsense:20000x",  // bad ip and bad port
		"256.0.0.1:20000",  // bad ip
	}
	for _, s := range bad {
		if _, e := ParseNetAddr(s); e == nil {
			t.Errorf("expected %q to fail", s)
		}
	}
}

func TestResolveNetAddrLiteral(t *testing.T) {
	a, e := ResolveNetAddr("10.1.2.3:80")
	if e != nil {
		t.Fatalf("resolve failed: %v", e)
	}
	if a.IP != [4]byte{10, 1, 2, 3} || a.Port != 80 {
		t.Fatalf("bad resolve result: %+v", a)
	}
}
