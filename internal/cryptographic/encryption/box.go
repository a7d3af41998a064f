package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
)

const KeySize = 32 // AES-256

type (
	// SealedBox is what the message store persists in place of the sensitive
	// payload: AES-GCM output split into its parts.
	SealedBox struct {
		Ciphertext []byte `json:"ciphertext" bson:"ciphertext"`
		Nonce      []byte `json:"nonce" bson:"nonce"`
		Tag        []byte `json:"tag" bson:"tag"`
	}

	// BoxCipher is the server-held at-rest layer. It treats the plaintext as
	// an opaque blob; any client-side end-to-end ciphertext inside it is just
	// bytes.
	BoxCipher struct {
		aead cipher.AEAD
	}
)

// NewBoxCipher rejects any key that is not exactly KeySize bytes. A wrong key
// length is a configuration bug and must fail construction, not writes.
func NewBoxCipher(key []byte) (*BoxCipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("box cipher: key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher.NewGCM: %w", err)
	}
	return &BoxCipher{aead: aead}, nil
}

// Seal encrypts plaintext with a fresh random nonce. aad binds the box to its
// routing fields (message id) so records can't be swapped between ids.
func (c *BoxCipher) Seal(plaintext, aad []byte) (*SealedBox, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("rand.Read nonce: %w", err)
	}
	out := c.aead.Seal(nil, nonce, plaintext, aad)
	split := len(out) - c.aead.Overhead()
	return &SealedBox{
		Ciphertext: out[:split],
		Nonce:      nonce,
		Tag:        out[split:],
	}, nil
}

func (c *BoxCipher) Open(box *SealedBox, aad []byte) ([]byte, error) {
	if box == nil {
		return nil, fmt.Errorf("box cipher: nil box")
	}
	if len(box.Nonce) != c.aead.NonceSize() {
		return nil, fmt.Errorf("box cipher: bad nonce size %d", len(box.Nonce))
	}
	sealed := append(append([]byte{}, box.Ciphertext...), box.Tag...)
	plain, err := c.aead.Open(nil, box.Nonce, sealed, aad)
	if err != nil {
		return nil, fmt.Errorf("aead.Open: %w", err)
	}
	return plain, nil
}
