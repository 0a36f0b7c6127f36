package cryptoenvelope

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"sync"
)

// KeyRing holds named RSA key pairs and resolves them by kid. Private key
// material is only ever handed to Open; there is no method that serializes
// a private key back out, which enforces spec §4.1's "never sent over any
// channel" invariant at the type level.
type KeyRing struct {
	mu   sync.RWMutex
	keys map[string]*rsa.PrivateKey
}

// NewKeyRing creates an empty ring. Use Load, LoadFromFile or
// LoadFromEnvOrFile to populate it.
func NewKeyRing() *KeyRing {
	return &KeyRing{keys: make(map[string]*rsa.PrivateKey)}
}

// Load parses a PKCS#8 or PKCS#1 PEM-encoded RSA private key and registers
// it under kid.
func (k *KeyRing) Load(kid string, pemBytes []byte) error {
	priv, err := parsePrivateKeyPEM(pemBytes)
	if err != nil {
		return &Error{Kind: ErrParseFailed, Err: fmt.Errorf("cryptoenvelope: parse key %q: %w", kid, err)}
	}
	k.mu.Lock()
	k.keys[kid] = priv
	k.mu.Unlock()
	return nil
}

// LoadFromFile reads path and loads it under kid.
func (k *KeyRing) LoadFromFile(kid, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("cryptoenvelope: read key file %s: %w", path, err)
	}
	return k.Load(kid, data)
}

// LoadFromEnvOrFile loads the PEM from envVar if set, else from path,
// mirroring the original_source cookies.py private-key precedence
// (COOKIE_PRIVATE_KEY_PEM env first, then COOKIE_PRIVATE_KEY_PATH file).
func (k *KeyRing) LoadFromEnvOrFile(kid, envVar, path string) error {
	if pemStr := os.Getenv(envVar); pemStr != "" {
		return k.Load(kid, []byte(pemStr))
	}
	if path != "" {
		return k.LoadFromFile(kid, path)
	}
	return &Error{Kind: ErrKeyMissing, Err: fmt.Errorf("cryptoenvelope: no key material for %q (%s unset, no path)", kid, envVar)}
}

// Private resolves the private key for kid. Returns ErrKeyMissing if no
// such kid is registered.
func (k *KeyRing) Private(kid string) (*rsa.PrivateKey, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	priv, ok := k.keys[kid]
	if !ok {
		return nil, &Error{Kind: ErrKeyMissing, Err: fmt.Errorf("cryptoenvelope: unknown kid %q", kid)}
	}
	return priv, nil
}

// Public resolves the public half of the key pair registered under kid,
// for use with Seal. The public key is not sensitive material.
func (k *KeyRing) Public(kid string) (*rsa.PublicKey, error) {
	priv, err := k.Private(kid)
	if err != nil {
		return nil, err
	}
	return &priv.PublicKey, nil
}

// Open resolves env.Kid in the ring and decrypts env with the matching
// private key. expectedKid, when non-empty, must match env.Kid exactly
// or ErrKidMismatch is returned — callers that pin a specific key pair
// use this to reject envelopes sealed under a different identity.
func (k *KeyRing) Open(expectedKid string, env *Envelope) ([]byte, error) {
	if expectedKid != "" && env.Kid != expectedKid {
		return nil, &Error{Kind: ErrKidMismatch, Err: fmt.Errorf("cryptoenvelope: expected kid %q, got %q", expectedKid, env.Kid)}
	}
	priv, err := k.Private(env.Kid)
	if err != nil {
		return nil, err
	}
	return Open(priv, env)
}

func parsePrivateKeyPEM(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	keyAny, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse PKCS8: %w", err)
	}
	rsaKey, ok := keyAny.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("key is not RSA")
	}
	return rsaKey, nil
}
