package adaptive

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"runtime"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the required key length in bytes.
const KeySize = 32

// CipherType identifies the cipher algorithm.
type CipherType string

const (
	CipherAESGCM   CipherType = "aes-gcm"
	CipherChaCha20 CipherType = "chacha20-poly1305"
)

const (
	tagAESGCM   byte = 1
	tagChaCha20 byte = 2
)

var (
	// ErrInvalidKey is returned for keys that are not KeySize bytes.
	ErrInvalidKey = errors.New("adaptive: key must be 32 bytes")

	// ErrMalformed is returned when a sealed record is truncated or carries
	// an unknown algorithm tag.
	ErrMalformed = errors.New("adaptive: malformed sealed record")
)

// Cipher seals and opens records. Implementations are safe for concurrent
// use.
type Cipher interface {
	// Type returns the algorithm used by Seal.
	Type() CipherType

	// Seal encrypts plaintext and binds additionalData.
	Seal(plaintext, additionalData []byte) ([]byte, error)

	// Open decrypts a record produced by Seal with the same key.
	Open(sealed, additionalData []byte) ([]byte, error)
}

// New creates a cipher using the preferred algorithm for this platform.
func New(key []byte) (Cipher, error) {
	if hasAESHardware() {
		return NewWithType(key, CipherAESGCM)
	}
	return NewWithType(key, CipherChaCha20)
}

// NewWithType creates a cipher that seals with the given algorithm.
func NewWithType(key []byte, cipherType CipherType) (Cipher, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	chacha, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}

	c := &sealer{aeads: map[byte]cipher.AEAD{tagAESGCM: gcm, tagChaCha20: chacha}}
	switch cipherType {
	case CipherAESGCM:
		c.tag, c.typ = tagAESGCM, CipherAESGCM
	case CipherChaCha20:
		c.tag, c.typ = tagChaCha20, CipherChaCha20
	default:
		return nil, fmt.Errorf("adaptive: unknown cipher type %q", cipherType)
	}
	return c, nil
}

// ParseKey decodes a configured key given as 64 hex characters or standard
// base64 of 32 bytes.
func ParseKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if len(s) == hex.EncodedLen(KeySize) {
		if key, err := hex.DecodeString(s); err == nil {
			return key, nil
		}
	}
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil || len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	return key, nil
}

type sealer struct {
	aeads map[byte]cipher.AEAD
	tag   byte
	typ   CipherType
}

func (c *sealer) Type() CipherType {
	return c.typ
}

func (c *sealer) Seal(plaintext, additionalData []byte) ([]byte, error) {
	aead := c.aeads[c.tag]
	out := make([]byte, 1+aead.NonceSize(), 1+aead.NonceSize()+len(plaintext)+aead.Overhead())
	out[0] = c.tag
	if _, err := rand.Read(out[1:]); err != nil {
		return nil, err
	}
	return aead.Seal(out, out[1:], plaintext, additionalData), nil
}

func (c *sealer) Open(sealed, additionalData []byte) ([]byte, error) {
	if len(sealed) < 1 {
		return nil, ErrMalformed
	}
	aead, ok := c.aeads[sealed[0]]
	if !ok || len(sealed) < 1+aead.NonceSize()+aead.Overhead() {
		return nil, ErrMalformed
	}
	nonce := sealed[1 : 1+aead.NonceSize()]
	return aead.Open(nil, nonce, sealed[1+aead.NonceSize():], additionalData)
}

// hasAESHardware reports whether Go's AES implementation is hardware
// accelerated on this architecture.
func hasAESHardware() bool {
	switch runtime.GOARCH {
	case "amd64", "arm64", "s390x", "ppc64le":
		return true
	default:
		return false
	}
}
