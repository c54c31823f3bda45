package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"golang.org/x/crypto/sha3"
)

// SHA3Hasher is the default one-way digest capability (SHA3-512).
type SHA3Hasher struct{}

// Hash digests the input with SHA3-512.
func (SHA3Hasher) Hash(data []byte) []byte {
	sum := sha3.Sum512(data)
	return sum[:]
}

// AESGCMCipher is the default reversible capability. The key comes from the
// platform's key material (config or a secrets manager), never from this
// package.
//
// Encryption is deterministic: the nonce is derived from the message, SIV
// style. Stored values are verified by re-encoding and comparing, so two
// encryptions of the same salt+plaintext must produce identical output. The
// per-credential random salt keeps nonces unique across credentials.
type AESGCMCipher struct {
	aead cipher.AEAD
}

// NewAESGCMCipher creates the default cipher from a 16, 24, or 32 byte key.
func NewAESGCMCipher(key []byte) (*AESGCMCipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return &AESGCMCipher{aead: aead}, nil
}

func (c *AESGCMCipher) nonceFor(plaintext []byte) []byte {
	sum := sha3.Sum256(plaintext)
	return sum[:c.aead.NonceSize()]
}

// Encrypt seals the plaintext with the derived nonce prepended to the output.
func (c *AESGCMCipher) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := c.nonceFor(plaintext)
	return c.aead.Seal(append([]byte(nil), nonce...), nonce, plaintext, nil), nil
}

// Decrypt opens a value produced by Encrypt.
func (c *AESGCMCipher) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < c.aead.NonceSize() {
		return nil, fmt.Errorf("ciphertext shorter than nonce")
	}
	nonce, sealed := ciphertext[:c.aead.NonceSize()], ciphertext[c.aead.NonceSize():]
	return c.aead.Open(nil, nonce, sealed, nil)
}
