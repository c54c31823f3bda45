// Package codec encodes and verifies stored credentials. The codec never
// implements cryptographic primitives itself: the one-way digest and the
// reversible cipher are capabilities supplied by the platform.
package codec

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"github.com/yourorg/memberstore/internal/domain"
)

const (
	// SaltBytes is the length of per-credential random salts.
	SaltBytes = 16

	// MaxEncodedLength is the storage column limit for encoded credentials.
	MaxEncodedLength = 128
)

// Hasher is the one-way digest capability used for the hashed format.
type Hasher interface {
	Hash(data []byte) []byte
}

// Cipher is the reversible encryption capability used for the encrypted
// format. Key material is managed by the platform, not by this package.
type Cipher interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// Codec applies a password-format policy using the supplied capabilities.
type Codec struct {
	hasher Hasher
	cipher Cipher
}

// New creates a codec. The cipher may be nil when the encrypted format is
// never used; encoding or decoding with it then fails.
func New(hasher Hasher, cipher Cipher) (*Codec, error) {
	if hasher == nil {
		return nil, fmt.Errorf("%w: hasher is required", domain.ErrInvalidArgument)
	}
	return &Codec{hasher: hasher, cipher: cipher}, nil
}

// NewSalt generates a fresh base64-encoded random salt.
func NewSalt() (string, error) {
	buf := make([]byte, SaltBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

// Encode transforms a plaintext credential into its stored representation.
// For the hashed format the result is base64(digest(salt||plaintext)); for
// the encrypted format it is base64(cipher(salt||plaintext)); the clear
// format stores the plaintext unchanged.
func (c *Codec) Encode(plaintext string, format domain.PasswordFormat, salt string) (string, error) {
	switch format {
	case domain.FormatClear:
		return plaintext, nil
	case domain.FormatHashed:
		all, err := saltedBytes(plaintext, salt)
		if err != nil {
			return "", err
		}
		return base64.StdEncoding.EncodeToString(c.hasher.Hash(all)), nil
	case domain.FormatEncrypted:
		if c.cipher == nil {
			return "", fmt.Errorf("%w: no cipher configured for encrypted format", domain.ErrUnsupportedOperation)
		}
		all, err := saltedBytes(plaintext, salt)
		if err != nil {
			return "", err
		}
		enc, err := c.cipher.Encrypt(all)
		if err != nil {
			return "", fmt.Errorf("encrypt credential: %w", err)
		}
		return base64.StdEncoding.EncodeToString(enc), nil
	default:
		return "", fmt.Errorf("%w: unknown password format %d", domain.ErrInvalidArgument, format)
	}
}

// Decode recovers the plaintext from a stored credential. Only the clear and
// encrypted formats are reversible; hashed values fail.
func (c *Codec) Decode(stored string, format domain.PasswordFormat) (string, error) {
	switch format {
	case domain.FormatClear:
		return stored, nil
	case domain.FormatHashed:
		return "", fmt.Errorf("%w: cannot decode a hashed credential", domain.ErrUnsupportedOperation)
	case domain.FormatEncrypted:
		if c.cipher == nil {
			return "", fmt.Errorf("%w: no cipher configured for encrypted format", domain.ErrUnsupportedOperation)
		}
		raw, err := base64.StdEncoding.DecodeString(stored)
		if err != nil {
			return "", fmt.Errorf("decode stored credential: %w", err)
		}
		all, err := c.cipher.Decrypt(raw)
		if err != nil {
			return "", fmt.Errorf("decrypt credential: %w", err)
		}
		if len(all) < SaltBytes {
			return "", fmt.Errorf("%w: decrypted credential shorter than salt", domain.ErrConsistencyFault)
		}
		return string(all[SaltBytes:]), nil
	default:
		return "", fmt.Errorf("%w: unknown password format %d", domain.ErrInvalidArgument, format)
	}
}

// Verify re-encodes the candidate plaintext and compares it to the stored
// value. It never decodes to compare, so it works for every format.
func (c *Codec) Verify(plaintext, stored string, format domain.PasswordFormat, salt string) (bool, error) {
	encoded, err := c.Encode(plaintext, format, salt)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare([]byte(encoded), []byte(stored)) == 1, nil
}

// CheckLength rejects encoded values that would not fit the storage column.
func CheckLength(encoded string) error {
	if len(encoded) > MaxEncodedLength {
		return fmt.Errorf("%w: encoded credential is %d chars, limit is %d",
			domain.ErrPolicyViolation, len(encoded), MaxEncodedLength)
	}
	return nil
}

// saltedBytes returns salt||plaintext with the salt decoded from base64.
func saltedBytes(plaintext, salt string) ([]byte, error) {
	rawSalt, err := base64.StdEncoding.DecodeString(salt)
	if err != nil {
		return nil, fmt.Errorf("%w: salt is not valid base64", domain.ErrInvalidArgument)
	}
	all := make([]byte, 0, len(rawSalt)+len(plaintext))
	all = append(all, rawSalt...)
	all = append(all, plaintext...)
	return all, nil
}
