package Crypto

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
)

// Cert wraps an X.509 certificate.
type Cert struct {
	x509 *x509.Certificate
}

func NewCertFromPemFile(fname string) (cert *Cert, err error) {
	raw, err := os.ReadFile(fname)
	if err != nil {
		return
	}
	block, _ := pem.Decode(raw)
	if block == nil || block.Type != "CERTIFICATE" {
		err = fmt.Errorf("no certificate pem block in %s", fname)
		return
	}
	return NewCertFromDer(block.Bytes)
}

func NewCertFromDer(der []byte) (*Cert, error) {
	c, e := x509.ParseCertificate(der)
	if e != nil {
		return nil, e
	}
	return &Cert{x509: c}, nil
}

func (c *Cert) X509() *x509.Certificate {
	return c.x509
}

// Raw returns the DER encoding of the certificate.
func (c *Cert) Raw() []byte {
	return c.x509.Raw
}

// PubKeyDer returns the PKIX DER encoding of the certificate's public key.
func (c *Cert) PubKeyDer() ([]byte, error) {
	return x509.MarshalPKIXPublicKey(c.x509.PublicKey)
}

func (c *Cert) Pem() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.x509.Raw})
}
