package Crypto

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
)

// PKey holds a private key usable both for TLS contexts and for raw
// DER/PEM round trips.
type PKey struct {
	signer crypto.Signer
}

// NewPrivKeyFromPemFile loads a private key from a PEM file.  A non-nil
// password decrypts legacy encrypted PEM blocks.
func NewPrivKeyFromPemFile(fname string, password *string) (key *PKey, err error) {
	raw, err := os.ReadFile(fname)
	if err != nil {
		return
	}
	defer Zeroize(raw)
	block, _ := pem.Decode(raw)
	if block == nil {
		err = fmt.Errorf("no pem block in %s", fname)
		return
	}
	der := block.Bytes
	if x509.IsEncryptedPEMBlock(block) {
		if password == nil {
			err = fmt.Errorf("encrypted private key %s needs a password", fname)
			return
		}
		if der, err = x509.DecryptPEMBlock(block, []byte(*password)); err != nil {
			return
		}
		defer Zeroize(der)
	}
	return NewPrivKeyFromDer(der)
}

// NewPrivKeyFromDer loads a private key from DER bytes, trying PKCS#8,
// PKCS#1 and SEC1 encodings in that order.
func NewPrivKeyFromDer(der []byte) (*PKey, error) {
	if k, e := x509.ParsePKCS8PrivateKey(der); e == nil {
		signer, ok := k.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("unsupported private key type %T", k)
		}
		return &PKey{signer: signer}, nil
	}
	if k, e := x509.ParsePKCS1PrivateKey(der); e == nil {
		return &PKey{signer: k}, nil
	}
	if k, e := x509.ParseECPrivateKey(der); e == nil {
		return &PKey{signer: k}, nil
	}
	return nil, fmt.Errorf("could not parse private key der")
}

func (k *PKey) Signer() crypto.Signer {
	return k.signer
}

// PrivKeyDer exports the key as PKCS#8 DER.
func (k *PKey) PrivKeyDer() ([]byte, error) {
	return x509.MarshalPKCS8PrivateKey(k.signer)
}

// PrivKeyPem exports the key as an unencrypted PKCS#8 PEM block.
func (k *PKey) PrivKeyPem() ([]byte, error) {
	der, e := k.PrivKeyDer()
	if e != nil {
		return nil, e
	}
	defer Zeroize(der)
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// PubKeyDer exports the public half as PKIX DER.
func (k *PKey) PubKeyDer() ([]byte, error) {
	return x509.MarshalPKIXPublicKey(k.signer.Public())
}

// PubKeyEqual reports if other carries the same public key.
func (k *PKey) PubKeyEqual(pub crypto.PublicKey) bool {
	switch p := k.signer.Public().(type) {
	case *rsa.PublicKey:
		return p.Equal(pub)
	case *ecdsa.PublicKey:
		return p.Equal(pub)
	case ed25519.PublicKey:
		return p.Equal(pub)
	}
	return false
}

// Zeroize wipes a buffer that held key material.
func Zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
