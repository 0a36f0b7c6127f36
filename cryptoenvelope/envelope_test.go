package cryptoenvelope

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"
)

func genTestKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate test key: %v", err)
	}
	return priv
}

func TestSealOpenRoundTrip(t *testing.T) {
	priv := genTestKey(t)
	plaintext := []byte(`{"cookies":[{"name":"SID","value":"abc"}]}`)

	env, err := Seal(&priv.PublicKey, "kid-1", plaintext)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	got, err := Open(priv, env)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if string(got) != string(plaintext) {
		t.Errorf("round trip mismatch: got %q want %q", got, plaintext)
	}
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	priv := genTestKey(t)
	env, err := Seal(&priv.PublicKey, "kid-1", []byte("hello"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	env.Ciphertext[0] ^= 0xFF

	if _, err := Open(priv, env); err == nil {
		t.Error("expected decrypt failure on tampered ciphertext")
	}
}

func TestKeyRingOpenKidMismatch(t *testing.T) {
	priv := genTestKey(t)
	ring := NewKeyRing()
	ring.keys["kid-a"] = priv

	env, err := Seal(&priv.PublicKey, "kid-a", []byte("hello"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	if _, err := ring.Open("kid-b", env); err == nil {
		t.Error("expected kid mismatch error")
	} else if cerr, ok := err.(*Error); !ok || cerr.Kind != ErrKidMismatch {
		t.Errorf("expected ErrKidMismatch, got %v", err)
	}
}

func TestKeyRingOpenKeyMissing(t *testing.T) {
	ring := NewKeyRing()
	env := &Envelope{Kid: "nope", Nonce: make([]byte, nonceSize)}

	if _, err := ring.Open("", env); err == nil {
		t.Error("expected key missing error")
	} else if cerr, ok := err.(*Error); !ok || cerr.Kind != ErrKeyMissing {
		t.Errorf("expected ErrKeyMissing, got %v", err)
	}
}

func TestOpenRejectsBadNonceLength(t *testing.T) {
	priv := genTestKey(t)
	env := &Envelope{Kid: "kid-1", Nonce: []byte("short"), Ciphertext: []byte("x"), WrappedKey: []byte("y")}

	if _, err := Open(priv, env); err == nil {
		t.Error("expected parse failure on bad nonce length")
	} else if cerr, ok := err.(*Error); !ok || cerr.Kind != ErrParseFailed {
		t.Errorf("expected ErrParseFailed, got %v", err)
	}
}
