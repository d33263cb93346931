package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// Store errors
var (
	ErrNoEnrollment = errors.New("store: no active enrollment")
	ErrChainBroken  = errors.New("store: auth event chain broken")
)

// Schema for the chaoskey record store.
const schema = `
CREATE TABLE IF NOT EXISTS enrollments (
    id                  INTEGER PRIMARY KEY AUTOINCREMENT,
    pack_id             TEXT NOT NULL UNIQUE,
    created_at          INTEGER NOT NULL,
    fingerprint_digest  BLOB NOT NULL,
    confidence          TEXT NOT NULL,
    status              TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS auth_events (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp_ns    INTEGER NOT NULL,
    pack_id         TEXT NOT NULL,
    outcome         TEXT NOT NULL,
    reason          TEXT NOT NULL,
    prev_hash       BLOB NOT NULL,
    record_hash     BLOB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_auth_events_time ON auth_events(timestamp_ns);
CREATE INDEX IF NOT EXISTS idx_enrollments_status ON enrollments(status);
`

// Store is the SQLite record store.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens or creates the database at the given path.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		db.Close()
		return nil, fmt.Errorf("restrict database permissions: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// RecordEnrollment inserts a new active enrollment, marking any prior
// active enrollment superseded in the same transaction.
func (s *Store) RecordEnrollment(e *Enrollment) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`UPDATE enrollments SET status = ? WHERE status = ?`,
		StatusSuperseded, StatusActive,
	); err != nil {
		return 0, fmt.Errorf("supersede active enrollment: %w", err)
	}

	result, err := tx.Exec(`
		INSERT INTO enrollments (pack_id, created_at, fingerprint_digest, confidence, status)
		VALUES (?, ?, ?, ?, ?)`,
		e.PackID, e.CreatedAt, e.FingerprintDigest[:], e.Confidence, StatusActive,
	)
	if err != nil {
		return 0, fmt.Errorf("insert enrollment: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get last insert id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return id, nil
}

// ActiveEnrollment returns the single active enrollment.
func (s *Store) ActiveEnrollment() (*Enrollment, error) {
	row := s.db.QueryRow(`
		SELECT id, pack_id, created_at, fingerprint_digest, confidence, status
		FROM enrollments WHERE status = ?`, StatusActive)

	var e Enrollment
	var digest []byte
	var status string
	err := row.Scan(&e.ID, &e.PackID, &e.CreatedAt, &digest, &e.Confidence, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoEnrollment
	}
	if err != nil {
		return nil, fmt.Errorf("query active enrollment: %w", err)
	}
	copy(e.FingerprintDigest[:], digest)
	e.Status = EnrollmentStatus(status)
	return &e, nil
}

// RevokeEnrollment marks the enrollment with the given pack ID revoked.
func (s *Store) RevokeEnrollment(packID string) error {
	result, err := s.db.Exec(
		`UPDATE enrollments SET status = ? WHERE pack_id = ?`,
		StatusRevoked, packID,
	)
	if err != nil {
		return fmt.Errorf("revoke enrollment: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNoEnrollment
	}
	return nil
}

// eventHash computes a record's chain hash over the previous record's
// hash and this record's fields.
func eventHash(prev [32]byte, timestampNs int64, packID string, outcome Outcome, reason string) [32]byte {
	h := sha256.New()
	h.Write(prev[:])
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(timestampNs))
	h.Write(ts[:])
	h.Write([]byte(packID))
	h.Write([]byte{0})
	h.Write([]byte(outcome))
	h.Write([]byte{0})
	h.Write([]byte(reason))
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// RecordAuthEvent appends an authentication attempt to the hash chain.
func (s *Store) RecordAuthEvent(e *AuthEvent) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var prev [32]byte
	var prevBytes []byte
	err = tx.QueryRow(
		`SELECT record_hash FROM auth_events ORDER BY id DESC LIMIT 1`,
	).Scan(&prevBytes)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("query chain head: %w", err)
	}
	copy(prev[:], prevBytes)

	e.PrevHash = prev
	e.RecordHash = eventHash(prev, e.TimestampNs, e.PackID, e.Outcome, e.Reason)

	result, err := tx.Exec(`
		INSERT INTO auth_events (timestamp_ns, pack_id, outcome, reason, prev_hash, record_hash)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.TimestampNs, e.PackID, string(e.Outcome), e.Reason, e.PrevHash[:], e.RecordHash[:],
	)
	if err != nil {
		return 0, fmt.Errorf("insert auth event: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get last insert id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	e.ID = id
	return id, nil
}

// RecentAuthEvents returns up to limit newest attempts, newest first.
func (s *Store) RecentAuthEvents(limit int) ([]AuthEvent, error) {
	rows, err := s.db.Query(`
		SELECT id, timestamp_ns, pack_id, outcome, reason, prev_hash, record_hash
		FROM auth_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query auth events: %w", err)
	}
	defer rows.Close()

	var events []AuthEvent
	for rows.Next() {
		var e AuthEvent
		var outcome string
		var prev, record []byte
		if err := rows.Scan(&e.ID, &e.TimestampNs, &e.PackID, &outcome, &e.Reason, &prev, &record); err != nil {
			return nil, fmt.Errorf("scan auth event: %w", err)
		}
		e.Outcome = Outcome(outcome)
		copy(e.PrevHash[:], prev)
		copy(e.RecordHash[:], record)
		events = append(events, e)
	}
	return events, rows.Err()
}

// VerifyChain walks the full auth event chain oldest-to-newest and
// recomputes every record hash. Any edit, deletion, or reorder since
// the events were written surfaces as ErrChainBroken.
func (s *Store) VerifyChain() (int, error) {
	rows, err := s.db.Query(`
		SELECT id, timestamp_ns, pack_id, outcome, reason, prev_hash, record_hash
		FROM auth_events ORDER BY id ASC`)
	if err != nil {
		return 0, fmt.Errorf("query auth events: %w", err)
	}
	defer rows.Close()

	var prev [32]byte
	count := 0
	for rows.Next() {
		var e AuthEvent
		var outcome string
		var prevBytes, recordBytes []byte
		if err := rows.Scan(&e.ID, &e.TimestampNs, &e.PackID, &outcome, &e.Reason, &prevBytes, &recordBytes); err != nil {
			return count, fmt.Errorf("scan auth event: %w", err)
		}
		copy(e.PrevHash[:], prevBytes)
		copy(e.RecordHash[:], recordBytes)

		if e.PrevHash != prev {
			return count, fmt.Errorf("%w: record %d links to wrong predecessor", ErrChainBroken, e.ID)
		}
		want := eventHash(prev, e.TimestampNs, e.PackID, Outcome(outcome), e.Reason)
		if e.RecordHash != want {
			return count, fmt.Errorf("%w: record %d hash mismatch", ErrChainBroken, e.ID)
		}
		prev = e.RecordHash
		count++
	}
	return count, rows.Err()
}
