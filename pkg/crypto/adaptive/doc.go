// Package adaptive seals stored records with an AEAD cipher.
//
// AES-256-GCM is chosen where the platform has hardware AES support and
// ChaCha20-Poly1305 elsewhere. Every sealed record starts with a one-byte
// algorithm tag followed by the nonce, so a record sealed on one machine
// opens on another that picked a different default, given the same key.
//
// Usage:
//
//	key, err := adaptive.ParseKey(os.Getenv("MAILSYNC_STORAGE__ENCRYPTION_KEY"))
//	c, err := adaptive.New(key)
//	sealed, err := c.Seal(plaintext, aad)
//	plaintext, err := c.Open(sealed, aad)
package adaptive
