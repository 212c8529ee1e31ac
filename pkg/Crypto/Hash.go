package Crypto

import (
	"crypto/sha1"
	"crypto/sha256"
	"hash"
)

// Streaming hash wrappers.  Update accepts any number of segments, so
// callers never have to concatenate buffers before hashing.

const SHA1_DIGEST_SIZE = sha1.Size
const SHA256_DIGEST_SIZE = sha256.Size

type SHA256 struct {
	h hash.Hash
}

func NewSHA256() *SHA256 {
	return &SHA256{h: sha256.New()}
}

// Reset returns the hash to its initial state.
func (s *SHA256) Reset() {
	s.h.Reset()
}

func (s *SHA256) Update(data []byte) {
	// hash.Hash.Write never fails
	s.h.Write(data)
}

// Digest returns the 32 byte digest of everything fed so far.
func (s *SHA256) Digest() []byte {
	return s.h.Sum(nil)
}

type SHA1 struct {
	h hash.Hash
}

func NewSHA1() *SHA1 {
	return &SHA1{h: sha1.New()}
}

func (s *SHA1) Reset() {
	s.h.Reset()
}

func (s *SHA1) Update(data []byte) {
	s.h.Write(data)
}

// Digest returns the 20 byte digest of everything fed so far.
func (s *SHA1) Digest() []byte {
	return s.h.Sum(nil)
}
