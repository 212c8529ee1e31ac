package ncp

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"sync"
	"time"

	Crypto "github.com/akalinux/net-conn-pooler/pkg/Crypto"
)

const TEST_STRING = "hello, world\n"

func createPool(cfg Config) *ConnPool {
	p, e := NewConnPool(cfg)
	if e != nil {
		// if this breaks.. ya no point in testing anything else!
		panic(e)
	}
	return p
}

// startPool runs Start after the test wired its hooks up.
func startPool(p *ConnPool) *ConnPool {
	if e := p.Start(); e != nil {
		panic(e)
	}
	return p
}

func testAddr(port uint16) NetAddr {
	a, e := ParseNetAddr(fmt.Sprintf("127.0.0.1:%d", port))
	if e != nil {
		panic(e)
	}
	return a
}

// poolRecorder captures the lifecycle edges a test wants to assert on.
type poolRecorder struct {
	locker    sync.Mutex
	setups    int
	teardowns int
	reads     int
	updates   []bool
	data      []byte

	Setup    chan *Conn
	Teardown chan *Conn
	Update   chan bool
	Read     chan []byte
}

func newPoolRecorder() *poolRecorder {
	return &poolRecorder{
		Setup:    make(chan *Conn, 16),
		Teardown: make(chan *Conn, 16),
		Update:   make(chan bool, 16),
		Read:     make(chan []byte, 256),
	}
}

func (s *poolRecorder) Attach(p *ConnPool) {
	p.OnSetup = func(c *Conn) {
		s.locker.Lock()
		s.setups++
		s.locker.Unlock()
		s.Setup <- c
	}
	p.OnTeardown = func(c *Conn) {
		s.locker.Lock()
		s.teardowns++
		s.locker.Unlock()
		s.Teardown <- c
	}
	p.UpdateConn = func(c *Conn, added bool) {
		s.locker.Lock()
		s.updates = append(s.updates, added)
		s.locker.Unlock()
		s.Update <- added
	}
	p.OnRead = func(c *Conn) {
		for _, seg := range c.MoveRecv() {
			s.locker.Lock()
			s.reads++
			s.data = append(s.data, seg...)
			s.locker.Unlock()
			s.Read <- seg
		}
	}
}

func (s *poolRecorder) Teardowns() int {
	s.locker.Lock()
	defer s.locker.Unlock()
	return s.teardowns
}

func (s *poolRecorder) Reads() int {
	s.locker.Lock()
	defer s.locker.Unlock()
	return s.reads
}

// ReadsTotal is the byte count across every read so far.
func (s *poolRecorder) ReadsTotal() int {
	s.locker.Lock()
	defer s.locker.Unlock()
	return len(s.data)
}

func (s *poolRecorder) Data() []byte {
	s.locker.Lock()
	defer s.locker.Unlock()
	res := make([]byte, len(s.data))
	copy(res, s.data)
	return res
}

func waitConn(ch chan *Conn, timeout time.Duration) *Conn {
	select {
	case c := <-ch:
		return c
	case <-time.After(timeout):
		return nil
	}
}

func waitUpdate(ch chan bool, timeout time.Duration) (added, ok bool) {
	select {
	case added = <-ch:
		return added, true
	case <-time.After(timeout):
		return false, false
	}
}

// Self issued cert plus matching key, for TLS pool tests.
func createCertKey(cn string) (*Crypto.Cert, *Crypto.PKey) {
	priv, e := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if e != nil {
		panic(e)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		IsCA:         true,
	}
	der, e := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if e != nil {
		panic(e)
	}
	cert, e := Crypto.NewCertFromDer(der)
	if e != nil {
		panic(e)
	}
	kder, e := x509.MarshalPKCS8PrivateKey(priv)
	if e != nil {
		panic(e)
	}
	key, e := Crypto.NewPrivKeyFromDer(kder)
	if e != nil {
		panic(e)
	}
	return cert, key
}

// A context with no certificate at all, for the handshake failure case.
func createTlsContextNoCert() *Crypto.TLSContext {
	return Crypto.NewTLSContext()
}

func createTlsContext(cn string, requireClient bool) *Crypto.TLSContext {
	cert, key := createCertKey(cn)
	ctx := Crypto.NewTLSContext()
	ctx.UseCert(cert)
	ctx.UsePrivKey(key)
	ctx.RequireClientCert(requireClient)
	if !ctx.CheckPrivKey() {
		panic("generated cert/key mismatch")
	}
	return ctx
}
