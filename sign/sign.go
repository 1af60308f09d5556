// Package sign centralizes the hashing, signing, and content-addressing
// primitives used by every other component.
//
// All signature creation and verification in the engine routes through a
// Signer so that algorithm upgrades happen in exactly one place. Inputs are
// always canonical bytes (see the value package); signing non-canonical
// bytes is a correctness bug because keys would stop comparing equal
// across nodes.
package sign

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// Digest is a SHA-256 hash.
type Digest [sha256.Size]byte

// Hash returns the SHA-256 digest of b.
func Hash(b []byte) Digest {
	return sha256.Sum256(b)
}

// Hex returns the lowercase hex encoding of the digest.
func (d Digest) Hex() string {
	return hex.EncodeToString(d[:])
}

// Signature is an opaque signature produced by a Signer.
type Signature []byte

// Signer produces and verifies signatures over byte strings.
//
// Implementations must be safe for concurrent use. The default is HMAC
// over SHA-256; the key-management policy behind the key bytes is a
// deployment concern, not a property of this interface.
type Signer interface {
	// Sign returns a signature over data.
	Sign(data []byte) (Signature, error)

	// Verify reports whether sig is a valid signature over data.
	Verify(data []byte, sig Signature) bool

	// KeyID identifies the key in use, for rotation and diagnostics.
	KeyID() string
}

// ErrEmptyKey is returned when constructing an HMAC signer without key material.
var ErrEmptyKey = errors.New("sign: empty HMAC key")

// HMACSigner signs with HMAC-SHA-256 under a fixed key.
type HMACSigner struct {
	keyID string
	key   []byte
}

// NewHMACSigner creates an HMAC-SHA-256 signer. The key is copied.
func NewHMACSigner(keyID string, key []byte) (*HMACSigner, error) {
	if len(key) == 0 {
		return nil, ErrEmptyKey
	}
	cp := make([]byte, len(key))
	copy(cp, key)
	return &HMACSigner{keyID: keyID, key: cp}, nil
}

// Sign implements Signer.
func (s *HMACSigner) Sign(data []byte) (Signature, error) {
	mac := hmac.New(sha256.New, s.key)
	mac.Write(data)
	return mac.Sum(nil), nil
}

// Verify implements Signer using constant-time comparison.
func (s *HMACSigner) Verify(data []byte, sig Signature) bool {
	mac := hmac.New(sha256.New, s.key)
	mac.Write(data)
	return hmac.Equal(mac.Sum(nil), sig)
}

// KeyID implements Signer.
func (s *HMACSigner) KeyID() string { return s.keyID }

// CID is an opaque content identifier. The current form is
// "sha256:<hex>", versioned by prefix so the hash can be upgraded
// without breaking stored references.
type CID string

const cidPrefix = "sha256:"

// Address computes the content identifier for b.
func Address(b []byte) CID {
	return CID(cidPrefix + Hash(b).Hex())
}

// Valid reports whether c is well-formed under a known prefix.
func (c CID) Valid() bool {
	rest, ok := strings.CutPrefix(string(c), cidPrefix)
	if !ok || len(rest) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(rest)
	return err == nil
}

// Matches reports whether c addresses exactly the bytes b.
func (c CID) Matches(b []byte) bool {
	return c == Address(b)
}
