package crypto

import (
	"crypto/aes"
	gocipher "crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
)

const ivLen = 16 // 128-bit IV; the 16-byte GCM tag is appended to the ciphertext

// ErrTampered is returned for every decryption failure: authentication tag
// mismatch, malformed IV or ciphertext, or a salt that does not match the one
// used at encryption time. The causes are deliberately indistinguishable so a
// caller learns nothing about why a record is unusable.
var ErrTampered = errors.New("ciphertext tampered or corrupt")

// Cipher performs authenticated encryption of individual secret values under
// keys derived from a process-wide master key. It holds no mutable state and
// is safe for unlimited concurrent use.
type Cipher struct {
	master []byte
}

// New creates a Cipher from the process-wide master key.
func New(masterKey []byte) (*Cipher, error) {
	if len(masterKey) == 0 {
		return nil, errors.New("master key is empty")
	}
	c := &Cipher{master: make([]byte, len(masterKey))}
	copy(c.master, masterKey)
	lockMemory(c.master)
	disableCoreDumps()
	return c, nil
}

// Encrypt encrypts plaintext under a key derived from the given salt, using a
// fresh random 16-byte IV. Returns hex-encoded ciphertext (tag appended) and
// the hex-encoded IV. Two calls with identical inputs produce different
// ciphertext.
func (c *Cipher) Encrypt(plaintext string, salt []byte) (ciphertextHex, ivHex string, err error) {
	key := c.DeriveKey(salt)
	defer zero(key)

	aead, err := newGCM(key)
	if err != nil {
		return "", "", err
	}

	iv := make([]byte, ivLen)
	if _, err := rand.Read(iv); err != nil {
		return "", "", fmt.Errorf("generating IV: %w", err)
	}

	sealed := aead.Seal(nil, iv, []byte(plaintext), nil)
	return hex.EncodeToString(sealed), hex.EncodeToString(iv), nil
}

// Decrypt re-derives the key from the salt, verifies the authentication tag,
// and only then returns the plaintext. Any failure is reported as ErrTampered.
func (c *Cipher) Decrypt(ciphertextHex, ivHex string, salt []byte) (string, error) {
	sealed, err := hex.DecodeString(ciphertextHex)
	if err != nil {
		return "", ErrTampered
	}
	iv, err := hex.DecodeString(ivHex)
	if err != nil || len(iv) != ivLen {
		return "", ErrTampered
	}

	key := c.DeriveKey(salt)
	defer zero(key)

	aead, err := newGCM(key)
	if err != nil {
		return "", ErrTampered
	}

	plaintext, err := aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", ErrTampered
	}
	return string(plaintext), nil
}

func newGCM(key []byte) (gocipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	aead, err := gocipher.NewGCMWithNonceSize(block, ivLen)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return aead, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
