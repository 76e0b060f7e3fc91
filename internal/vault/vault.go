// Package vault owns the lifecycle and access control of encrypted secrets.
// Plaintext exists only inside Reveal and its immediate caller; it is never
// persisted, listed, or logged.
package vault

import (
	"encoding/hex"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/keyrelay/keyrelay/internal/crypto"
	"github.com/keyrelay/keyrelay/internal/registry"
	"github.com/keyrelay/keyrelay/internal/store"
)

var (
	ErrAlreadyExists     = errors.New("secret already exists")
	ErrNotFound          = errors.New("secret not found")
	ErrInvalidName       = errors.New("invalid secret name")
	ErrInvalidBaseURL    = errors.New("invalid base URL")
	ErrInvalidAuthMode   = errors.New("auth mode must be bearer or custom-header")
	ErrMissingHeaderName = errors.New("custom-header auth mode requires a header name")
)

// Vault encrypts, stores, and reveals secrets on behalf of their owners.
// Reveal is a pure read plus decrypt and is safe for unlimited concurrent
// callers; mutations of one (owner, name) record are serialized by a striped
// lock, with the store's uniqueness constraint as the backstop.
type Vault struct {
	db     *store.DB
	cipher *crypto.Cipher
	log    *log.Logger
	keys   keyedMutex
}

// New creates a Vault over the given store and cipher.
func New(db *store.DB, cipher *crypto.Cipher, logger *log.Logger) *Vault {
	return &Vault{db: db, cipher: cipher, log: logger}
}

// Store encrypts and persists a new named secret. The raw name is normalized
// first; a record already existing under (owner, name) fails with
// ErrAlreadyExists and leaves the stored value untouched. The returned
// metadata never includes the plaintext.
func (v *Vault) Store(ownerID, rawName, plaintext string) (*SecretInfo, error) {
	name, err := NormalizeName(rawName)
	if err != nil {
		return nil, err
	}
	return v.create(ownerID, store.KindNamed, name, plaintext, store.Secret{AuthMode: AuthBearer})
}

// Reveal decrypts and returns a named secret's plaintext. A missing record
// returns ErrNotFound; so does a record that fails to decrypt — the anomaly
// is logged server-side, but the caller cannot tell corruption from absence.
func (v *Vault) Reveal(ownerID, rawName string) (string, error) {
	name, err := NormalizeName(rawName)
	if err != nil {
		return "", err
	}
	plaintext, _, err := v.reveal(ownerID, store.KindNamed, name)
	return plaintext, err
}

// List returns the owner's named secrets. The masked value is always the
// fixed redaction marker, never derived from the real value.
func (v *Vault) List(ownerID string) ([]SecretInfo, error) {
	secrets, err := v.db.ListSecrets(ownerID, store.KindNamed)
	if err != nil {
		return nil, err
	}
	infos := make([]SecretInfo, len(secrets))
	for i, s := range secrets {
		infos[i] = SecretInfo{
			ID:        s.ID,
			Name:      s.Name,
			Masked:    crypto.RedactionMarker,
			CreatedAt: s.CreatedAt,
		}
	}
	return infos, nil
}

// Remove deletes the caller's own record. Deleting a nonexistent or foreign
// record returns false, never an error.
func (v *Vault) Remove(ownerID, rawName string) (bool, error) {
	name, err := NormalizeName(rawName)
	if err != nil {
		return false, err
	}
	return v.remove(ownerID, store.KindNamed, name)
}

// Rotate re-encrypts an existing secret under a fresh salt and IV, replacing
// the stored payload atomically. Fails with ErrNotFound when no record
// exists.
func (v *Vault) Rotate(ownerID, rawName, newPlaintext string) (*SecretInfo, error) {
	name, err := NormalizeName(rawName)
	if err != nil {
		return nil, err
	}
	return v.rotate(ownerID, store.KindNamed, name, newPlaintext)
}

// StoreCustom validates and persists a custom secret: a credential carrying
// its own upstream base URL and auth strategy. The name namespace is
// independent of named secrets.
func (v *Vault) StoreCustom(ownerID string, spec CustomSecretSpec) (*CustomSecretInfo, error) {
	name, err := validateCustomName(spec.Name)
	if err != nil {
		return nil, err
	}
	if err := registry.ValidateBaseURL(spec.BaseURL); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBaseURL, err)
	}
	switch spec.AuthMode {
	case AuthBearer:
		spec.HeaderName = ""
	case AuthCustomHeader:
		if spec.HeaderName == "" {
			return nil, ErrMissingHeaderName
		}
	default:
		return nil, ErrInvalidAuthMode
	}

	info, err := v.create(ownerID, store.KindCustom, name, spec.Plaintext, store.Secret{
		BaseURL:    spec.BaseURL,
		AuthMode:   spec.AuthMode,
		HeaderName: spec.HeaderName,
	})
	if err != nil {
		return nil, err
	}
	return &CustomSecretInfo{
		ID:         info.ID,
		Name:       info.Name,
		Masked:     info.Masked,
		BaseURL:    spec.BaseURL,
		AuthMode:   spec.AuthMode,
		HeaderName: spec.HeaderName,
		CreatedAt:  info.CreatedAt,
	}, nil
}

// RevealCustom decrypts a custom secret and returns it with its routing.
func (v *Vault) RevealCustom(ownerID, rawName string) (*RevealedCustom, error) {
	name, err := validateCustomName(rawName)
	if err != nil {
		return nil, err
	}
	plaintext, rec, err := v.reveal(ownerID, store.KindCustom, name)
	if err != nil {
		return nil, err
	}
	return &RevealedCustom{
		Plaintext:  plaintext,
		BaseURL:    rec.BaseURL,
		AuthMode:   rec.AuthMode,
		HeaderName: rec.HeaderName,
	}, nil
}

// ListCustom returns the owner's custom secrets with their routing metadata.
func (v *Vault) ListCustom(ownerID string) ([]CustomSecretInfo, error) {
	secrets, err := v.db.ListSecrets(ownerID, store.KindCustom)
	if err != nil {
		return nil, err
	}
	infos := make([]CustomSecretInfo, len(secrets))
	for i, s := range secrets {
		infos[i] = CustomSecretInfo{
			ID:         s.ID,
			Name:       s.Name,
			Masked:     crypto.RedactionMarker,
			BaseURL:    s.BaseURL,
			AuthMode:   s.AuthMode,
			HeaderName: s.HeaderName,
			CreatedAt:  s.CreatedAt,
		}
	}
	return infos, nil
}

// RemoveCustom deletes a custom secret. Same semantics as Remove.
func (v *Vault) RemoveCustom(ownerID, rawName string) (bool, error) {
	name, err := validateCustomName(rawName)
	if err != nil {
		return false, err
	}
	return v.remove(ownerID, store.KindCustom, name)
}

// PurgeOwner removes every secret belonging to an owner, named and custom.
// Called when the owning account is deleted.
func (v *Vault) PurgeOwner(ownerID string) (int64, error) {
	return v.db.DeleteOwnerSecrets(ownerID)
}

func (v *Vault) create(ownerID, kind, name, plaintext string, template store.Secret) (*SecretInfo, error) {
	unlock := v.keys.lock(ownerID, kind, name)
	defer unlock()

	existing, err := v.db.GetSecret(ownerID, kind, name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrAlreadyExists
	}

	salt, err := crypto.GenerateSalt()
	if err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	ciphertext, iv, err := v.cipher.Encrypt(plaintext, salt)
	if err != nil {
		return nil, fmt.Errorf("encrypt: %w", err)
	}

	now := time.Now()
	rec := template
	rec.ID = uuid.NewString()
	rec.OwnerID = ownerID
	rec.Kind = kind
	rec.Name = name
	rec.Ciphertext = ciphertext
	rec.IV = iv
	rec.Salt = hex.EncodeToString(salt)
	rec.CreatedAt = now
	rec.UpdatedAt = now

	if err := v.db.InsertSecret(rec); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, ErrAlreadyExists
		}
		return nil, err
	}

	return &SecretInfo{ID: rec.ID, Name: name, Masked: crypto.RedactionMarker, CreatedAt: now}, nil
}

func (v *Vault) reveal(ownerID, kind, name string) (string, *store.Secret, error) {
	rec, err := v.db.GetSecret(ownerID, kind, name)
	if err != nil {
		return "", nil, err
	}
	if rec == nil {
		return "", nil, ErrNotFound
	}

	salt, err := decodeSalt(rec.Salt)
	if err != nil {
		v.logDecryptAnomaly(ownerID, kind, name, err)
		return "", nil, ErrNotFound
	}
	plaintext, err := v.cipher.Decrypt(rec.Ciphertext, rec.IV, salt)
	if err != nil {
		// Security-relevant: the record is corrupted or has been tampered
		// with. The record is left in place for manual intervention; the
		// caller sees the same answer as for a missing secret.
		v.logDecryptAnomaly(ownerID, kind, name, err)
		return "", nil, ErrNotFound
	}
	return plaintext, rec, nil
}

func (v *Vault) rotate(ownerID, kind, name, newPlaintext string) (*SecretInfo, error) {
	unlock := v.keys.lock(ownerID, kind, name)
	defer unlock()

	rec, err := v.db.GetSecret(ownerID, kind, name)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrNotFound
	}

	salt, err := crypto.GenerateSalt()
	if err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	ciphertext, iv, err := v.cipher.Encrypt(newPlaintext, salt)
	if err != nil {
		return nil, fmt.Errorf("encrypt: %w", err)
	}

	n, err := v.db.UpdateSecretPayload(ownerID, kind, name, ciphertext, iv, hex.EncodeToString(salt))
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrNotFound
	}

	return &SecretInfo{ID: rec.ID, Name: name, Masked: crypto.RedactionMarker, CreatedAt: rec.CreatedAt}, nil
}

func (v *Vault) remove(ownerID, kind, name string) (bool, error) {
	unlock := v.keys.lock(ownerID, kind, name)
	defer unlock()

	n, err := v.db.DeleteSecret(ownerID, kind, name)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (v *Vault) logDecryptAnomaly(ownerID, kind, name string, err error) {
	if v.log != nil {
		v.log.Warn("secret decryption failed",
			"owner", ownerID, "kind", kind, "name", name, "err", err)
	}
}

func decodeSalt(saltHex string) ([]byte, error) {
	salt, err := hex.DecodeString(saltHex)
	if err != nil || len(salt) == 0 {
		return nil, crypto.ErrTampered
	}
	return salt, nil
}

// keyedMutex serializes mutations per (owner, kind, name) without a global
// lock. Stripes are fixed; hash collisions only cost contention, never
// correctness.
type keyedMutex struct {
	stripes [64]sync.Mutex
}

func (k *keyedMutex) lock(parts ...string) func() {
	h := fnv.New32a()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	m := &k.stripes[h.Sum32()%uint32(len(k.stripes))]
	m.Lock()
	return m.Unlock
}
