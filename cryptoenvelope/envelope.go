// Package cryptoenvelope implements the two-layer envelope encryption used
// to persist browser storage-state blobs: a fresh AES-256-GCM data key per
// payload, itself wrapped with RSA-OAEP-SHA256 under a named key pair.
package cryptoenvelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"
)

const (
	keySize   = 32 // AES-256
	nonceSize = 12 // 96-bit GCM nonce
)

// Envelope is the wire/storage form of an encrypted payload: a symmetric
// ciphertext plus its asymmetrically wrapped data key.
type Envelope struct {
	Ciphertext []byte
	Nonce      []byte
	WrappedKey []byte
	Kid        string
}

// Seal encrypts plaintext under a fresh 256-bit data key and 96-bit nonce,
// then wraps the data key with pub via RSA-OAEP-SHA256. kid is recorded
// verbatim so Open can resolve the matching private key later.
func Seal(pub *rsa.PublicKey, kid string, plaintext []byte) (*Envelope, error) {
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("cryptoenvelope: generate data key: %w", err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("cryptoenvelope: generate nonce: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cryptoenvelope: aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cryptoenvelope: gcm: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, key, nil)
	if err != nil {
		return nil, fmt.Errorf("cryptoenvelope: wrap data key: %w", err)
	}

	return &Envelope{
		Ciphertext: ciphertext,
		Nonce:      nonce,
		WrappedKey: wrapped,
		Kid:        kid,
	}, nil
}

// Open reverses Seal: it unwraps the data key with priv and decrypts the
// ciphertext. Callers are expected to have already matched env.Kid to priv
// via a KeyRing; Open itself does not look kid up.
func Open(priv *rsa.PrivateKey, env *Envelope) ([]byte, error) {
	if len(env.Nonce) != nonceSize {
		return nil, &Error{Kind: ErrParseFailed, Err: fmt.Errorf("cryptoenvelope: bad nonce length %d", len(env.Nonce))}
	}

	key, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, env.WrappedKey, nil)
	if err != nil {
		return nil, &Error{Kind: ErrDecryptFailed, Err: fmt.Errorf("cryptoenvelope: unwrap data key: %w", err)}
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, &Error{Kind: ErrDecryptFailed, Err: fmt.Errorf("cryptoenvelope: aes cipher: %w", err)}
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, &Error{Kind: ErrDecryptFailed, Err: fmt.Errorf("cryptoenvelope: gcm: %w", err)}
	}

	plaintext, err := gcm.Open(nil, env.Nonce, env.Ciphertext, nil)
	if err != nil {
		return nil, &Error{Kind: ErrDecryptFailed, Err: fmt.Errorf("cryptoenvelope: open: %w", err)}
	}
	return plaintext, nil
}
