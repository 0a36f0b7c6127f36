// Package storagestate persists, retrieves, and verifies envelope-encrypted
// browser storage-state snapshots (cookies + per-origin local storage) so a
// workflow run can resume an authenticated browser session.
package storagestate

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/visualcore/cryptoenvelope"
	"github.com/hazyhaar/visualcore/idgen"
)

// Status is the verification status of a StorageStateRecord.
type Status string

const (
	StatusPending  Status = "pending"
	StatusVerified Status = "verified"
	StatusRejected Status = "rejected"
)

// Record is a persisted, encrypted storage-state snapshot for one owner.
type Record struct {
	RecordID   string
	OwnerID    string
	Ciphertext []byte
	Nonce      []byte
	WrappedKey []byte
	Kid        string
	Metadata   map[string]any
	Status     Status
	Verified   map[string]bool
	CreatedAt  time.Time
}

// Age reports how long ago the record was created.
func (r Record) Age() time.Duration { return time.Since(r.CreatedAt) }

// Store is the SQLite-backed StorageStateRecord store (C2). It owns
// envelope-encryption via a KeyRing and runs auto-verification on every
// save and replace.
type Store struct {
	db     *sql.DB
	keys   *cryptoenvelope.KeyRing
	kid    string
	idGen  idgen.Generator
	logger *slog.Logger
}

// Config configures a Store.
type Config struct {
	DB     *sql.DB
	Keys   *cryptoenvelope.KeyRing
	Kid    string // active key id used to seal new records
	IDGen  idgen.Generator
	Logger *slog.Logger
}

// New creates a Store. Call Init (or storagestate.Init) once beforehand to
// ensure the schema exists.
func New(cfg Config) *Store {
	if cfg.IDGen == nil {
		cfg.IDGen = idgen.Prefixed("ssr_", idgen.Default)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Store{db: cfg.DB, keys: cfg.Keys, kid: cfg.Kid, idGen: cfg.IDGen, logger: cfg.Logger}
}

// Save encrypts plaintext under the store's active key, writes a new
// record, runs auto-verification against it, and returns the new
// record_id.
func (s *Store) Save(ctx context.Context, ownerID string, plaintext Blob, metadata map[string]any) (string, error) {
	now := time.Now()
	plaintext = plaintext.withoutExpiredCookies(now)
	verified := verifySites(plaintext, now)
	status := statusFor(verified)

	data, err := json.Marshal(plaintext)
	if err != nil {
		return "", fmt.Errorf("storagestate: marshal blob: %w", err)
	}

	pub, err := s.keys.Public(s.kid)
	if err != nil {
		return "", fmt.Errorf("storagestate: resolve public key %q: %w", s.kid, err)
	}

	env, err := cryptoenvelope.Seal(pub, s.kid, data)
	if err != nil {
		return "", fmt.Errorf("storagestate: seal: %w", err)
	}

	recordID := s.idGen()
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("storagestate: marshal metadata: %w", err)
	}
	verifiedJSON, err := json.Marshal(verified)
	if err != nil {
		return "", fmt.Errorf("storagestate: marshal verified map: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO storage_state_records
			(record_id, owner_id, ciphertext, nonce, wrapped_key, kid, metadata, status, verified, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		recordID, ownerID, env.Ciphertext, env.Nonce, env.WrappedKey, env.Kid,
		string(metaJSON), string(status), string(verifiedJSON), now.Unix())
	if err != nil {
		return "", fmt.Errorf("storagestate: insert: %w", err)
	}

	s.logger.Info("storagestate: saved", "record_id", recordID, "owner_id", ownerID, "status", status)
	return recordID, nil
}

// LatestVerified returns the most recent record for ownerID with
// status==verified, any requested sites true in verified, and age within
// ttlHours. Returns nil, nil if no such record exists.
func (s *Store) LatestVerified(ctx context.Context, ownerID string, sites []string, ttlHours int) (*Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT record_id, owner_id, ciphertext, nonce, wrapped_key, kid, metadata, status, verified, created_at
		FROM storage_state_records
		WHERE owner_id = ? AND status = ?
		ORDER BY created_at DESC
		LIMIT 50`, ownerID, string(StatusVerified))
	if err != nil {
		return nil, fmt.Errorf("storagestate: query latest verified: %w", err)
	}
	defer rows.Close()

	ttl := time.Duration(ttlHours) * time.Hour
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		if ttlHours > 0 && rec.Age() > ttl {
			continue
		}
		if !sitesSatisfied(rec.Verified, sites) {
			continue
		}
		return &rec, nil
	}
	return nil, rows.Err()
}

// sitesSatisfied reports whether every requested site is verified=true on
// the record. An empty request is always satisfied.
func sitesSatisfied(verified map[string]bool, sites []string) bool {
	for _, site := range sites {
		if !verified[site] {
			return false
		}
	}
	return true
}

// Replace performs an ownership-checked rewrite of a record's ciphertext,
// nonce, wrapped key and metadata, then re-runs verification against the
// newly decrypted plaintext. Used by the PUT /auth/storage-state/{id}
// endpoint.
func (s *Store) Replace(ctx context.Context, ownerID, recordID string, newCiphertext, newNonce, newWrappedKey []byte, newKid string, newMetadata map[string]any) (*Record, error) {
	existing, err := s.get(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, fmt.Errorf("storagestate: record %q not found", recordID)
	}
	if existing.OwnerID != ownerID {
		return nil, fmt.Errorf("storagestate: record %q not owned by %q", recordID, ownerID)
	}

	priv, err := s.keys.Private(newKid)
	if err != nil {
		return nil, fmt.Errorf("storagestate: resolve key for replace: %w", err)
	}
	plaintextJSON, err := cryptoenvelope.Open(priv, &cryptoenvelope.Envelope{
		Ciphertext: newCiphertext, Nonce: newNonce, WrappedKey: newWrappedKey, Kid: newKid,
	})
	if err != nil {
		return nil, fmt.Errorf("storagestate: decrypt replacement: %w", err)
	}

	var blob Blob
	if err := json.Unmarshal(plaintextJSON, &blob); err != nil {
		return nil, fmt.Errorf("storagestate: parse replacement blob: %w", err)
	}

	now := time.Now()
	verified := verifySites(blob, now)
	status := statusFor(verified)

	metaJSON, err := json.Marshal(newMetadata)
	if err != nil {
		return nil, fmt.Errorf("storagestate: marshal metadata: %w", err)
	}
	verifiedJSON, err := json.Marshal(verified)
	if err != nil {
		return nil, fmt.Errorf("storagestate: marshal verified map: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE storage_state_records
		SET ciphertext = ?, nonce = ?, wrapped_key = ?, kid = ?, metadata = ?, status = ?, verified = ?
		WHERE record_id = ? AND owner_id = ?`,
		newCiphertext, newNonce, newWrappedKey, newKid, string(metaJSON), string(status), string(verifiedJSON),
		recordID, ownerID)
	if err != nil {
		return nil, fmt.Errorf("storagestate: update: %w", err)
	}

	return s.get(ctx, recordID)
}

// LoadPlaintext decrypts record via the KeyRing and parses the result into
// a Blob.
func (s *Store) LoadPlaintext(record *Record) (Blob, error) {
	priv, err := s.keys.Private(record.Kid)
	if err != nil {
		return Blob{}, fmt.Errorf("storagestate: resolve key %q: %w", record.Kid, err)
	}
	plaintext, err := cryptoenvelope.Open(priv, &cryptoenvelope.Envelope{
		Ciphertext: record.Ciphertext, Nonce: record.Nonce, WrappedKey: record.WrappedKey, Kid: record.Kid,
	})
	if err != nil {
		return Blob{}, fmt.Errorf("storagestate: decrypt %s: %w", record.RecordID, err)
	}
	var blob Blob
	if err := json.Unmarshal(plaintext, &blob); err != nil {
		return Blob{}, fmt.Errorf("storagestate: parse blob %s: %w", record.RecordID, err)
	}
	return blob, nil
}

// CountByStatus reports the verification funnel for ownerID: how many
// records are pending, verified, and rejected. Supplemented from
// original_source/backend/storage_state_manager.py, which the distillation
// dropped but the original tracks as per-user verification metrics.
func (s *Store) CountByStatus(ctx context.Context, ownerID string) (pending, verified, rejected int, err error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM storage_state_records WHERE owner_id = ? GROUP BY status`, ownerID)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("storagestate: count by status: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return 0, 0, 0, err
		}
		switch Status(status) {
		case StatusPending:
			pending = count
		case StatusVerified:
			verified = count
		case StatusRejected:
			rejected = count
		}
	}
	return pending, verified, rejected, rows.Err()
}

func (s *Store) get(ctx context.Context, recordID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT record_id, owner_id, ciphertext, nonce, wrapped_key, kid, metadata, status, verified, created_at
		FROM storage_state_records WHERE record_id = ?`, recordID)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storagestate: get %s: %w", recordID, err)
	}
	return &rec, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var rec Record
	var metaJSON, verifiedJSON, status string
	var createdAt int64
	if err := row.Scan(&rec.RecordID, &rec.OwnerID, &rec.Ciphertext, &rec.Nonce, &rec.WrappedKey,
		&rec.Kid, &metaJSON, &status, &verifiedJSON, &createdAt); err != nil {
		return Record{}, err
	}
	rec.Status = Status(status)
	rec.CreatedAt = time.Unix(createdAt, 0)
	if err := json.Unmarshal([]byte(metaJSON), &rec.Metadata); err != nil {
		return Record{}, fmt.Errorf("storagestate: parse metadata: %w", err)
	}
	if err := json.Unmarshal([]byte(verifiedJSON), &rec.Verified); err != nil {
		return Record{}, fmt.Errorf("storagestate: parse verified map: %w", err)
	}
	return rec, nil
}
