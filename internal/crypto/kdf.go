package crypto

import (
	"crypto/rand"
	"crypto/sha256"

	"golang.org/x/crypto/pbkdf2"
)

const (
	kdfIterations = 100_000
	keyLen        = 32 // 256-bit
	saltLen       = 16
)

// DeriveKey derives a 256-bit encryption key from the master key and the
// given per-secret salt using PBKDF2-SHA256. The iteration count is
// deliberately high: deriving a key is a per-secret operation, not a
// per-request hot path. Pure function of (master key, salt).
func (c *Cipher) DeriveKey(salt []byte) []byte {
	return pbkdf2.Key(c.master, salt, kdfIterations, keyLen, sha256.New)
}

// GenerateSalt returns 16 bytes of cryptographically secure random data.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	return salt, nil
}
