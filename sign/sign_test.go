package sign

import (
	"testing"
)

func TestHMACSigner_SignVerify(t *testing.T) {
	signer, err := NewHMACSigner("key-1", []byte("secret"))
	if err != nil {
		t.Fatalf("NewHMACSigner: %v", err)
	}

	data := []byte("canonical payload")
	sig, err := signer.Sign(data)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	if !signer.Verify(data, sig) {
		t.Error("signature must verify under the signing key")
	}
	if signer.Verify([]byte("tampered"), sig) {
		t.Error("signature must not verify over different data")
	}

	other, _ := NewHMACSigner("key-2", []byte("other-secret"))
	if other.Verify(data, sig) {
		t.Error("signature must not verify under a different key")
	}
}

func TestHMACSigner_EmptyKey(t *testing.T) {
	if _, err := NewHMACSigner("k", nil); err != ErrEmptyKey {
		t.Errorf("expected ErrEmptyKey, got %v", err)
	}
}

func TestHMACSigner_KeyCopied(t *testing.T) {
	key := []byte("mutable")
	signer, _ := NewHMACSigner("k", key)
	sig, _ := signer.Sign([]byte("x"))

	key[0] = 'X'
	if !signer.Verify([]byte("x"), sig) {
		t.Error("mutating the caller's key slice must not affect the signer")
	}
}

func TestAddress_RoundTrip(t *testing.T) {
	b := []byte("some content")
	cid := Address(b)

	if !cid.Valid() {
		t.Errorf("Address produced invalid CID %q", cid)
	}
	if !cid.Matches(b) {
		t.Error("CID must match its own content")
	}
	if cid.Matches([]byte("other content")) {
		t.Error("CID must not match different content")
	}
}

func TestCID_Valid(t *testing.T) {
	tests := []struct {
		cid  CID
		want bool
	}{
		{Address(nil), true},
		{"", false},
		{"sha256:", false},
		{"sha256:zz", false},
		{"md5:abcdef", false},
	}
	for _, tt := range tests {
		if got := tt.cid.Valid(); got != tt.want {
			t.Errorf("Valid(%q) = %v, want %v", tt.cid, got, tt.want)
		}
	}
}

func TestHash_Deterministic(t *testing.T) {
	if Hash([]byte("a")) != Hash([]byte("a")) {
		t.Error("Hash must be deterministic")
	}
	if Hash([]byte("a")) == Hash([]byte("b")) {
		t.Error("distinct inputs should not collide")
	}
	if len(Hash(nil).Hex()) != 64 {
		t.Error("Hex must render 32 bytes as 64 hex chars")
	}
}
