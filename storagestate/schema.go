package storagestate

import "database/sql"

// Schema creates the storage_state_records table if absent. Idempotent,
// grounded on shield.Schema's CREATE-IF-NOT-EXISTS convention.
const Schema = `
CREATE TABLE IF NOT EXISTS storage_state_records (
    record_id   TEXT PRIMARY KEY,
    owner_id    TEXT NOT NULL,
    ciphertext  BLOB NOT NULL,
    nonce       BLOB NOT NULL,
    wrapped_key BLOB NOT NULL,
    kid         TEXT NOT NULL,
    metadata    TEXT NOT NULL DEFAULT '{}',
    status      TEXT NOT NULL DEFAULT 'pending',
    verified    TEXT NOT NULL DEFAULT '{}',
    created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ssr_owner_status ON storage_state_records(owner_id, status, created_at DESC);
`

// Init creates the storagestate tables if they don't exist.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
