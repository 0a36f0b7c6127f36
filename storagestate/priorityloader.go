package storagestate

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// LoaderConfig configures the deployment-specific fallback sources a
// PriorityLoader consults after the database, grounded on
// original_source/backend/storage_state_manager.py's file/db/env fallback
// chain. PerUserDir and SharedRootFile are left empty to disable those
// sources entirely.
type LoaderConfig struct {
	// PerUserDir is the base directory holding one subdirectory per owner,
	// e.g. "~/.browseruse/profiles/<owner>/storage_state.json".
	PerUserDir string
	// EnvVar names the environment variable holding a base64-encoded JSON
	// blob, e.g. "STORAGE_STATE_JSON_B64".
	EnvVar string
	// SharedRootFile is a single shared plaintext fallback file, e.g.
	// "./storage_state.json".
	SharedRootFile string
}

// Source names where a PriorityLoader found a blob, for logging.
type Source string

const (
	SourceDatabase  Source = "database"
	SourcePerUser   Source = "per_user_file"
	SourceEnv       Source = "env"
	SourceSharedFile Source = "shared_file"
)

// PriorityLoader implements the 4-source precedence from spec §4.2: database,
// per-user file, environment blob, shared root file. The first hit wins;
// individual source errors are logged as warnings and do not abort the
// search — any retrieval error falls back to trying the next source, and
// exhausting all sources means the workflow proceeds with no storage state
// (spec §4.2 failure policy).
type PriorityLoader struct {
	store  *Store
	cfg    LoaderConfig
	logger *slog.Logger
}

// NewPriorityLoader creates a loader backed by store with the given
// deployment-specific fallback sources.
func NewPriorityLoader(store *Store, cfg LoaderConfig, logger *slog.Logger) *PriorityLoader {
	if logger == nil {
		logger = slog.Default()
	}
	return &PriorityLoader{store: store, cfg: cfg, logger: logger}
}

// Load returns the first available blob for ownerID satisfying sites, and
// the source it came from. Returns ok=false if no source has anything.
func (l *PriorityLoader) Load(ctx context.Context, ownerID string, sites []string, ttlHours int) (blob Blob, source Source, ok bool) {
	if rec, err := l.store.LatestVerified(ctx, ownerID, sites, ttlHours); err != nil {
		l.logger.Warn("storagestate: database source failed", "owner_id", ownerID, "error", err)
	} else if rec != nil {
		b, err := l.store.LoadPlaintext(rec)
		if err != nil {
			l.logger.Warn("storagestate: database source decrypt failed", "owner_id", ownerID, "error", err)
		} else {
			l.logger.Info("storagestate: loaded storage state", "owner_id", ownerID, "source", SourceDatabase)
			return b, SourceDatabase, true
		}
	}

	if l.cfg.PerUserDir != "" {
		path := filepath.Join(l.cfg.PerUserDir, ownerID, "storage_state.json")
		if b, err := readBlobFile(path); err != nil {
			if !os.IsNotExist(err) {
				l.logger.Warn("storagestate: per-user file source failed", "path", path, "error", err)
			}
		} else {
			l.logger.Info("storagestate: loaded storage state", "owner_id", ownerID, "source", SourcePerUser, "path", path)
			return b, SourcePerUser, true
		}
	}

	if l.cfg.EnvVar != "" {
		if raw := os.Getenv(l.cfg.EnvVar); raw != "" {
			if b, err := decodeBlobB64(raw); err != nil {
				l.logger.Warn("storagestate: env source failed", "env_var", l.cfg.EnvVar, "error", err)
			} else {
				l.logger.Info("storagestate: loaded storage state", "owner_id", ownerID, "source", SourceEnv)
				return b, SourceEnv, true
			}
		}
	}

	if l.cfg.SharedRootFile != "" {
		if b, err := readBlobFile(l.cfg.SharedRootFile); err != nil {
			if !os.IsNotExist(err) {
				l.logger.Warn("storagestate: shared file source failed", "path", l.cfg.SharedRootFile, "error", err)
			}
		} else {
			l.logger.Info("storagestate: loaded storage state", "owner_id", ownerID, "source", SourceSharedFile)
			return b, SourceSharedFile, true
		}
	}

	l.logger.Warn("storagestate: no storage state found in any source", "owner_id", ownerID)
	return Blob{}, "", false
}

func readBlobFile(path string) (Blob, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Blob{}, err
	}
	var b Blob
	if err := json.Unmarshal(data, &b); err != nil {
		return Blob{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return b, nil
}

func decodeBlobB64(raw string) (Blob, error) {
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return Blob{}, fmt.Errorf("base64 decode: %w", err)
	}
	var b Blob
	if err := json.Unmarshal(data, &b); err != nil {
		return Blob{}, fmt.Errorf("parse: %w", err)
	}
	return b, nil
}
