package storagestate

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
)

func pemEncode(priv *rsa.PrivateKey) []byte {
	der := x509.MarshalPKCS1PrivateKey(priv)
	return pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: der})
}
