package store

import (
	"database/sql"
	"errors"
	"time"

	sqlite3 "modernc.org/sqlite"
)

// Secret kinds. Named secrets match registry endpoints by their fixed name;
// custom secrets carry their own upstream routing.
const (
	KindNamed  = "named"
	KindCustom = "custom"
)

// ErrDuplicate is returned when an insert violates the (owner, kind, name)
// uniqueness constraint.
var ErrDuplicate = errors.New("secret already exists")

// Secret represents a row in the secrets table. The payload columns hold
// hex-encoded ciphertext, IV, and salt — never plaintext.
type Secret struct {
	ID         string
	OwnerID    string
	Kind       string
	Name       string
	Ciphertext string
	IV         string
	Salt       string
	BaseURL    string
	AuthMode   string
	HeaderName string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// sqlite extended result codes for uniqueness violations.
const (
	sqliteConstraintPrimaryKey = 1555
	sqliteConstraintUnique     = 2067
)

func isUniqueViolation(err error) bool {
	var se *sqlite3.Error
	if errors.As(err, &se) {
		return se.Code() == sqliteConstraintUnique || se.Code() == sqliteConstraintPrimaryKey
	}
	return false
}

// InsertSecret inserts a new secret row. A uniqueness violation on
// (owner_id, kind, name) is reported as ErrDuplicate.
func (d *DB) InsertSecret(s Secret) error {
	_, err := d.conn.Exec(
		`INSERT INTO secrets (id, owner_id, kind, name, ciphertext, iv, salt, base_url, auth_mode, header_name, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.OwnerID, s.Kind, s.Name, s.Ciphertext, s.IV, s.Salt,
		s.BaseURL, s.AuthMode, s.HeaderName,
		s.CreatedAt.UTC().Format(time.RFC3339), s.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// GetSecret retrieves one secret with its payload. Returns nil when no row
// matches — missing and foreign records are indistinguishable to callers.
func (d *DB) GetSecret(ownerID, kind, name string) (*Secret, error) {
	var s Secret
	var createdAt, updatedAt string
	err := d.conn.QueryRow(
		`SELECT id, owner_id, kind, name, ciphertext, iv, salt, base_url, auth_mode, header_name, created_at, updated_at
		 FROM secrets WHERE owner_id = ? AND kind = ? AND name = ?`,
		ownerID, kind, name,
	).Scan(&s.ID, &s.OwnerID, &s.Kind, &s.Name, &s.Ciphertext, &s.IV, &s.Salt,
		&s.BaseURL, &s.AuthMode, &s.HeaderName, &createdAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	s.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	s.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &s, nil
}

// ListSecrets returns an owner's secrets of one kind, without the payload
// columns. Plaintext is never reconstructed for listing.
func (d *DB) ListSecrets(ownerID, kind string) ([]Secret, error) {
	rows, err := d.conn.Query(
		`SELECT id, owner_id, kind, name, base_url, auth_mode, header_name, created_at, updated_at
		 FROM secrets WHERE owner_id = ? AND kind = ? ORDER BY name`,
		ownerID, kind,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var secrets []Secret
	for rows.Next() {
		var s Secret
		var createdAt, updatedAt string
		if err := rows.Scan(&s.ID, &s.OwnerID, &s.Kind, &s.Name,
			&s.BaseURL, &s.AuthMode, &s.HeaderName, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		s.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		s.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		secrets = append(secrets, s)
	}
	return secrets, rows.Err()
}

// UpdateSecretPayload replaces the ciphertext, IV, and salt of an existing
// secret in a single statement; the old payload is gone once this returns.
// Returns the number of rows affected.
func (d *DB) UpdateSecretPayload(ownerID, kind, name, ciphertext, iv, salt string) (int64, error) {
	res, err := d.conn.Exec(
		`UPDATE secrets SET ciphertext = ?, iv = ?, salt = ?, updated_at = ?
		 WHERE owner_id = ? AND kind = ? AND name = ?`,
		ciphertext, iv, salt, time.Now().UTC().Format(time.RFC3339),
		ownerID, kind, name,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteSecret removes one secret and reports how many rows were deleted.
func (d *DB) DeleteSecret(ownerID, kind, name string) (int64, error) {
	res, err := d.conn.Exec(
		"DELETE FROM secrets WHERE owner_id = ? AND kind = ? AND name = ?",
		ownerID, kind, name,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteOwnerSecrets removes every secret belonging to an owner. Used when
// the owning account is deleted.
func (d *DB) DeleteOwnerSecrets(ownerID string) (int64, error) {
	res, err := d.conn.Exec("DELETE FROM secrets WHERE owner_id = ?", ownerID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SecretCount returns the total number of stored secrets.
func (d *DB) SecretCount() (int, error) {
	var count int
	err := d.conn.QueryRow("SELECT COUNT(*) FROM secrets").Scan(&count)
	return count, err
}
