package kdf

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// DeriveKey stretches a master secret into a key of the requested size using
// HKDF with SHA-256. The info string separates keys derived for different
// purposes from the same secret.
func DeriveKey(secret []byte, info string, size int) ([]byte, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("kdf: empty secret")
	}
	key := make([]byte, size)
	h := hkdf.New(sha256.New, secret, nil, []byte(info))
	if _, err := io.ReadFull(h, key); err != nil {
		return nil, fmt.Errorf("kdf: %w", err)
	}
	return key, nil
}
