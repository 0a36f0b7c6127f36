package storagestate

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"github.com/hazyhaar/visualcore/cryptoenvelope"
	"github.com/hazyhaar/visualcore/dbopen"

	_ "modernc.org/sqlite"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db := dbopen.OpenMemory(t)
	if err := Init(db); err != nil {
		t.Fatalf("init schema: %v", err)
	}

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	ring := cryptoenvelope.NewKeyRing()
	if err := ring.Load("kid-test", pemEncode(priv)); err != nil {
		t.Fatalf("load key: %v", err)
	}

	return New(Config{DB: db, Keys: ring, Kid: "kid-test"})
}

func TestSaveUnverifiedWithNoCookies(t *testing.T) {
	store := newTestStore(t)
	id, err := store.Save(context.Background(), "owner-1", Blob{}, map[string]any{"workflow_id": "wf-1"})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if id == "" {
		t.Fatal("expected non-empty record id")
	}

	rec, err := store.get(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Status != StatusPending {
		t.Errorf("expected pending status, got %s", rec.Status)
	}
}

func TestSaveVerifiesGoogleCookies(t *testing.T) {
	store := newTestStore(t)
	blob := Blob{Cookies: []Cookie{
		{Name: "SID", Value: "a", Domain: ".google.com"},
		{Name: "SIDCC", Value: "b", Domain: ".google.com"},
		{Name: "OSID", Value: "c", Domain: ".google.com"},
	}}

	id, err := store.Save(context.Background(), "owner-1", blob, nil)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	rec, err := store.get(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Status != StatusVerified {
		t.Fatalf("expected verified status, got %s", rec.Status)
	}
	if !rec.Verified["google"] {
		t.Error("expected verified[google] == true")
	}
}

func TestSaveDropsExpiredCookies(t *testing.T) {
	store := newTestStore(t)
	past := time.Now().Add(-time.Hour).Unix()
	blob := Blob{Cookies: []Cookie{
		{Name: "stale", Value: "x", Expires: past},
		{Name: "fresh", Value: "y"},
	}}

	id, err := store.Save(context.Background(), "owner-1", blob, nil)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	rec, err := store.get(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	loaded, err := store.LoadPlaintext(rec)
	if err != nil {
		t.Fatalf("LoadPlaintext: %v", err)
	}
	for _, c := range loaded.Cookies {
		if c.Name == "stale" {
			t.Error("expired cookie should have been dropped before save")
		}
	}
	if len(loaded.Cookies) != 1 || loaded.Cookies[0].Name != "fresh" {
		t.Errorf("expected only fresh cookie to survive, got %v", loaded.Cookies)
	}
}

func TestLatestVerifiedRespectsTTL(t *testing.T) {
	store := newTestStore(t)
	blob := Blob{Cookies: []Cookie{
		{Name: "SID", Value: "a", Domain: ".google.com"},
		{Name: "SIDCC", Value: "b", Domain: ".google.com"},
		{Name: "OSID", Value: "c", Domain: ".google.com"},
	}}
	id, err := store.Save(context.Background(), "owner-1", blob, nil)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	// Backdate created_at beyond a 1-hour TTL.
	old := time.Now().Add(-2 * time.Hour).Unix()
	if _, err := store.db.Exec(`UPDATE storage_state_records SET created_at = ? WHERE record_id = ?`, old, id); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	rec, err := store.LatestVerified(context.Background(), "owner-1", nil, 1)
	if err != nil {
		t.Fatalf("LatestVerified: %v", err)
	}
	if rec != nil {
		t.Error("expected nil record past TTL")
	}

	rec, err = store.LatestVerified(context.Background(), "owner-1", nil, 24)
	if err != nil {
		t.Fatalf("LatestVerified: %v", err)
	}
	if rec == nil {
		t.Error("expected record within a larger TTL")
	}
}

func TestReplaceRejectsWrongOwner(t *testing.T) {
	store := newTestStore(t)
	id, err := store.Save(context.Background(), "owner-1", Blob{}, nil)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	_, err = store.Replace(context.Background(), "owner-2", id, nil, nil, nil, "kid-test", nil)
	if err == nil {
		t.Error("expected ownership error")
	}
}

func TestCountByStatus(t *testing.T) {
	store := newTestStore(t)
	verifiedBlob := Blob{Cookies: []Cookie{
		{Name: "SID", Domain: ".google.com"},
		{Name: "SIDCC", Domain: ".google.com"},
		{Name: "OSID", Domain: ".google.com"},
	}}
	if _, err := store.Save(context.Background(), "owner-1", verifiedBlob, nil); err != nil {
		t.Fatalf("Save verified: %v", err)
	}
	if _, err := store.Save(context.Background(), "owner-1", Blob{}, nil); err != nil {
		t.Fatalf("Save pending: %v", err)
	}

	pending, verified, rejected, err := store.CountByStatus(context.Background(), "owner-1")
	if err != nil {
		t.Fatalf("CountByStatus: %v", err)
	}
	if pending != 1 || verified != 1 || rejected != 0 {
		t.Errorf("got pending=%d verified=%d rejected=%d", pending, verified, rejected)
	}
}
