package store

import (
	"time"

	"github.com/google/uuid"
)

// UsageRecord is one append-only row per completed proxy call.
type UsageRecord struct {
	ID         string
	OwnerScope string
	Endpoint   string
	Status     int
	DurationMS int64
	CreatedAt  time.Time
}

// InsertUsage appends a usage record. Rows are never updated or deleted by
// the core; retention is an external concern.
func (d *DB) InsertUsage(r UsageRecord) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	_, err := d.conn.Exec(
		`INSERT INTO usage_records (id, owner_scope, endpoint, status, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.OwnerScope, r.Endpoint, r.Status, r.DurationMS,
		r.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// RecentUsage retrieves an owner's usage records, newest first. Timestamps
// have one-second resolution, so the monotonic rowid breaks ties by
// insertion order.
func (d *DB) RecentUsage(ownerScope string, limit int) ([]UsageRecord, error) {
	rows, err := d.conn.Query(
		`SELECT id, owner_scope, endpoint, status, duration_ms, created_at
		 FROM usage_records WHERE owner_scope = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		ownerScope, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []UsageRecord
	for rows.Next() {
		var r UsageRecord
		var createdAt string
		if err := rows.Scan(&r.ID, &r.OwnerScope, &r.Endpoint, &r.Status, &r.DurationMS, &createdAt); err != nil {
			return nil, err
		}
		r.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		records = append(records, r)
	}
	return records, rows.Err()
}

// CountUsage returns the total number of usage records.
func (d *DB) CountUsage() (int, error) {
	var count int
	err := d.conn.QueryRow("SELECT COUNT(*) FROM usage_records").Scan(&count)
	return count, err
}
