package Crypto

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
)

func createTestKey() (*PKey, *ecdsa.PrivateKey) {
	priv, e := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if e != nil {
		panic(e)
	}
	der, e := x509.MarshalPKCS8PrivateKey(priv)
	if e != nil {
		panic(e)
	}
	key, e := NewPrivKeyFromDer(der)
	if e != nil {
		panic(e)
	}
	return key, priv
}

func TestPrivKeyDerRoundTrip(t *testing.T) {
	key, _ := createTestKey()
	der, e := key.PrivKeyDer()
	if e != nil {
		t.Fatalf("der export failed: %v", e)
	}
	again, e := NewPrivKeyFromDer(der)
	if e != nil {
		t.Fatalf("der import failed: %v", e)
	}
	a, _ := key.PubKeyDer()
	b, _ := again.PubKeyDer()
	if !bytes.Equal(a, b) {
		t.Fatalf("round trip changed the key")
	}
}

func TestPrivKeyPemFile(t *testing.T) {
	key, _ := createTestKey()
	pemBytes, e := key.PrivKeyPem()
	if e != nil {
		t.Fatalf("pem export failed: %v", e)
	}
	fname := filepath.Join(t.TempDir(), "key.pem")
	if e := os.WriteFile(fname, pemBytes, 0600); e != nil {
		panic(e)
	}
	loaded, e := NewPrivKeyFromPemFile(fname, nil)
	if e != nil {
		t.Fatalf("pem load failed: %v", e)
	}
	a, _ := key.PubKeyDer()
	b, _ := loaded.PubKeyDer()
	if !bytes.Equal(a, b) {
		t.Fatalf("pem round trip changed the key")
	}
}

func TestPrivKeyEncryptedPemFile(t *testing.T) {
	_, priv := createTestKey()
	sec1, e := x509.MarshalECPrivateKey(priv)
	if e != nil {
		panic(e)
	}
	password := "hunter2"
	block, e := x509.EncryptPEMBlock(rand.Reader, "EC PRIVATE KEY", sec1, []byte(password), x509.PEMCipherAES256)
	if e != nil {
		panic(e)
	}
	fname := filepath.Join(t.TempDir(), "enc.pem")
	if e := os.WriteFile(fname, pem.EncodeToMemory(block), 0600); e != nil {
		panic(e)
	}

	if _, e := NewPrivKeyFromPemFile(fname, nil); e == nil {
		t.Fatalf("loading an encrypted key without a password should fail")
	}
	loaded, e := NewPrivKeyFromPemFile(fname, &password)
	if e != nil {
		t.Fatalf("encrypted pem load failed: %v", e)
	}
	if !loaded.PubKeyEqual(priv.Public()) {
		t.Fatalf("decrypted key does not match the original")
	}
}

func TestCertFromDerAndPubKey(t *testing.T) {
	key, priv := createTestKey()
	tmpl := newSelfSignedTemplate()
	der, e := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if e != nil {
		panic(e)
	}
	cert, e := NewCertFromDer(der)
	if e != nil {
		t.Fatalf("cert parse failed: %v", e)
	}
	certPub, e := cert.PubKeyDer()
	if e != nil {
		t.Fatalf("cert pubkey der failed: %v", e)
	}
	keyPub, _ := key.PubKeyDer()
	if !bytes.Equal(certPub, keyPub) {
		t.Fatalf("cert pubkey does not match the signing key")
	}
	if !bytes.Equal(cert.Raw(), der) {
		t.Fatalf("Raw should hand back the original der")
	}

	// and via pem
	fname := filepath.Join(t.TempDir(), "cert.pem")
	if e := os.WriteFile(fname, cert.Pem(), 0644); e != nil {
		panic(e)
	}
	again, e := NewCertFromPemFile(fname)
	if e != nil {
		t.Fatalf("cert pem load failed: %v", e)
	}
	if !bytes.Equal(again.Raw(), der) {
		t.Fatalf("cert pem round trip changed the cert")
	}
}

func TestContextCheckPrivKey(t *testing.T) {
	key, priv := createTestKey()
	tmpl := newSelfSignedTemplate()
	der, e := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if e != nil {
		panic(e)
	}
	cert, e := NewCertFromDer(der)
	if e != nil {
		panic(e)
	}

	ctx := NewTLSContext()
	if ctx.CheckPrivKey() {
		t.Fatalf("empty context should fail the check")
	}
	ctx.UseCert(cert)
	ctx.UsePrivKey(key)
	if !ctx.CheckPrivKey() {
		t.Fatalf("matching cert and key should pass the check")
	}
	other, _ := createTestKey()
	ctx.UsePrivKey(other)
	if ctx.CheckPrivKey() {
		t.Fatalf("mismatched key should fail the check")
	}
}
