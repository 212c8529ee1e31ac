package Crypto

import (
	"crypto/tls"
	"fmt"
)

// TLSContext is the shared configuration for every TLS session a pool
// creates: the local certificate and private key plus the client
// authentication mode.
//
// Chain verification is intentionally off, peers exchange self issued
// certificates and the application pins the peer's public key after the
// handshake (see TLS.PeerCert).  Treat a context as immutable once the
// first session has been created from it.
type TLSContext struct {
	cert              *Cert
	key               *PKey
	requireClientCert bool
}

func NewTLSContext() *TLSContext {
	return &TLSContext{}
}

func (s *TLSContext) UseCert(cert *Cert) {
	s.cert = cert
}

func (s *TLSContext) UseCertFile(fname string) error {
	cert, e := NewCertFromPemFile(fname)
	if e != nil {
		return e
	}
	s.cert = cert
	return nil
}

func (s *TLSContext) UsePrivKey(key *PKey) {
	s.key = key
}

func (s *TLSContext) UsePrivKeyFile(fname string, password *string) error {
	key, e := NewPrivKeyFromPemFile(fname, password)
	if e != nil {
		return e
	}
	s.key = key
	return nil
}

// RequireClientCert makes accepted sessions demand a certificate from the
// connecting peer.
func (s *TLSContext) RequireClientCert(required bool) {
	s.requireClientCert = required
}

func (s *TLSContext) Cert() *Cert {
	return s.cert
}

// CertPubKeyDer is the PKIX DER of the configured certificate's key.
func (s *TLSContext) CertPubKeyDer() ([]byte, error) {
	if s.cert == nil {
		return nil, fmt.Errorf("tls context has no certificate")
	}
	return s.cert.PubKeyDer()
}

// CheckPrivKey reports if the loaded certificate and private key match.
func (s *TLSContext) CheckPrivKey() bool {
	if s.cert == nil || s.key == nil {
		return false
	}
	return s.key.PubKeyEqual(s.cert.x509.PublicKey)
}

func (s *TLSContext) keyPair() (tls.Certificate, error) {
	if s.cert == nil || s.key == nil {
		return tls.Certificate{}, fmt.Errorf("tls context has no certificate or key")
	}
	return tls.Certificate{
		Certificate: [][]byte{s.cert.Raw()},
		PrivateKey:  s.key.Signer(),
		Leaf:        s.cert.X509(),
	}, nil
}

func (s *TLSContext) config(accept bool) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: true,
	}
	if accept {
		pair, e := s.keyPair()
		if e != nil {
			return nil, e
		}
		cfg.Certificates = []tls.Certificate{pair}
		if s.requireClientCert {
			cfg.ClientAuth = tls.RequireAnyClientCert
		}
	} else if s.cert != nil && s.key != nil {
		pair, e := s.keyPair()
		if e != nil {
			return nil, e
		}
		cfg.Certificates = []tls.Certificate{pair}
	}
	return cfg, nil
}
