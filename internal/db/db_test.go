package db

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/marcus/harmony/internal/models"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestPairing(t *testing.T, db *DB) *models.CollectionCorrelation {
	t.Helper()
	cc := &models.CollectionCorrelation{UserID: "u1", LocalCollectionID: "L", RemoteCollectionID: "R"}
	if err := db.CreateCollectionCorrelation(context.Background(), cc); err != nil {
		t.Fatalf("CreateCollectionCorrelation: %v", err)
	}
	return cc
}

func TestOpenCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "harmony.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(path); err != nil {
		t.Errorf("database file not created: %v", err)
	}
	if v := db.GetSchemaVersion(); v != SchemaVersion {
		t.Errorf("schema version = %d, want %d", v, SchemaVersion)
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	db := newTestDB(t)
	n, err := db.RunMigrations()
	if err != nil {
		t.Fatalf("RunMigrations: %v", err)
	}
	if n != 0 {
		t.Errorf("second run applied %d migrations, want 0", n)
	}
}

func TestCollectionCorrelationCRUD(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	cc := newTestPairing(t, db)

	if cc.AffiliationID == "" {
		t.Fatal("AffiliationID not set")
	}

	got, err := db.GetCollectionCorrelation(ctx, cc.AffiliationID)
	if err != nil || got == nil {
		t.Fatalf("GetCollectionCorrelation: %v, %v", got, err)
	}
	if got.LocalCollectionID != "L" || got.RemoteCollectionID != "R" || got.LastHarmonizedAt != nil {
		t.Errorf("unexpected pairing: %+v", got)
	}

	if err := db.SaveLocalResumeToken(ctx, cc.AffiliationID, "lt1"); err != nil {
		t.Fatalf("SaveLocalResumeToken: %v", err)
	}
	if err := db.SaveRemoteResumeToken(ctx, cc.AffiliationID, "rt1"); err != nil {
		t.Fatalf("SaveRemoteResumeToken: %v", err)
	}
	owned, err := db.ListCollectionCorrelationsByLocal(ctx, "u1", "L")
	if err != nil || len(owned) != 1 {
		t.Fatalf("ListCollectionCorrelationsByLocal = %+v, %v", owned, err)
	}
	got = &owned[0]
	if got.LocalResumeToken != "lt1" || got.RemoteResumeToken != "rt1" {
		t.Fatalf("tokens not persisted: %+v", got)
	}
	if got.LastHarmonizedAt == nil {
		t.Error("LastHarmonizedAt not stamped")
	}

	if err := db.ResetResumeTokens(ctx, cc.AffiliationID); err != nil {
		t.Fatalf("ResetResumeTokens: %v", err)
	}
	got, _ = db.GetCollectionCorrelation(ctx, cc.AffiliationID)
	if got.LocalResumeToken != "" || got.RemoteResumeToken != "" {
		t.Errorf("tokens not reset: %+v", got)
	}

	dup := &models.CollectionCorrelation{UserID: "u1", LocalCollectionID: "L", RemoteCollectionID: "R"}
	if err := db.CreateCollectionCorrelation(ctx, dup); err == nil {
		t.Error("expected error for duplicate pairing")
	}

	err = db.SaveLocalResumeToken(ctx, "af_missing", "x")
	if !errors.Is(err, ErrCollectionCorrelationNotFound) {
		t.Errorf("expected ErrCollectionCorrelationNotFound, got %v", err)
	}

	missing, err := db.GetCollectionCorrelation(ctx, "af_missing")
	if err != nil || missing != nil {
		t.Errorf("missing pairing = %v, %v; want nil, nil", missing, err)
	}
}

func TestCorrelationLifecycle(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	cc := newTestPairing(t, db)

	c := &models.Correlation{
		Type: models.TypeEvent, UserID: "u1", AffiliationID: cc.AffiliationID,
		LocalCollectionID: "L", LocalObjectID: "E1", LocalFingerprint: "lf1",
		RemoteCollectionID: "R", RemoteObjectID: "X1", RemoteFingerprint: "rf1",
	}
	if err := db.CreateCorrelation(ctx, c); err != nil {
		t.Fatalf("CreateCorrelation: %v", err)
	}
	if c.ID == 0 {
		t.Fatal("ID not set")
	}

	byLocal, err := db.FindByLocal(ctx, "u1", models.TypeEvent, "E1", "L")
	if err != nil || byLocal == nil {
		t.Fatalf("FindByLocal: %v, %v", byLocal, err)
	}
	if byLocal.RemoteObjectID != "X1" || byLocal.RemoteFingerprint != "rf1" {
		t.Errorf("FindByLocal = %+v", byLocal)
	}

	byRemote, err := db.FindByRemote(ctx, "u1", models.TypeEvent, "X1", "R")
	if err != nil || byRemote == nil || byRemote.ID != c.ID {
		t.Fatalf("FindByRemote: %v, %v", byRemote, err)
	}

	// Other user sees nothing.
	other, err := db.FindByLocal(ctx, "u2", models.TypeEvent, "E1", "L")
	if err != nil || other != nil {
		t.Errorf("other user lookup = %v, %v", other, err)
	}

	c.LocalFingerprint = "lf2"
	c.RemoteFingerprint = "rf2"
	if err := db.UpdateCorrelation(ctx, c); err != nil {
		t.Fatalf("UpdateCorrelation: %v", err)
	}
	byLocal, _ = db.FindByLocal(ctx, "u1", models.TypeEvent, "E1", "L")
	if byLocal.LocalFingerprint != "lf2" || byLocal.RemoteFingerprint != "rf2" {
		t.Errorf("update not persisted: %+v", byLocal)
	}

	if err := db.DeleteCorrelation(ctx, c.ID); err != nil {
		t.Fatalf("DeleteCorrelation: %v", err)
	}
	gone, err := db.FindByRemote(ctx, "u1", models.TypeEvent, "X1", "R")
	if err != nil || gone != nil {
		t.Errorf("after delete = %v, %v", gone, err)
	}
}

func TestCorrelationUniqueness(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	cc := newTestPairing(t, db)

	base := models.Correlation{
		Type: models.TypeEvent, UserID: "u1", AffiliationID: cc.AffiliationID,
		LocalCollectionID: "L", RemoteCollectionID: "R",
	}
	first := base
	first.LocalObjectID, first.RemoteObjectID = "E1", "X1"
	if err := db.CreateCorrelation(ctx, &first); err != nil {
		t.Fatalf("CreateCorrelation: %v", err)
	}

	sameLocal := base
	sameLocal.LocalObjectID, sameLocal.RemoteObjectID = "E1", "X2"
	if err := db.CreateCorrelation(ctx, &sameLocal); !errors.Is(err, ErrDuplicateCorrelation) {
		t.Errorf("same local id: got %v, want ErrDuplicateCorrelation", err)
	}

	sameRemote := base
	sameRemote.LocalObjectID, sameRemote.RemoteObjectID = "E2", "X1"
	if err := db.CreateCorrelation(ctx, &sameRemote); !errors.Is(err, ErrDuplicateCorrelation) {
		t.Errorf("same remote id: got %v, want ErrDuplicateCorrelation", err)
	}

	all, err := db.ListCorrelations(ctx, cc.AffiliationID)
	if err != nil {
		t.Fatalf("ListCorrelations: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("got %d correlations, want 1", len(all))
	}
}

func TestDeleteAffiliationCascades(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	cc := newTestPairing(t, db)
	keep := &models.CollectionCorrelation{UserID: "u1", LocalCollectionID: "L2", RemoteCollectionID: "R2"}
	if err := db.CreateCollectionCorrelation(ctx, keep); err != nil {
		t.Fatalf("CreateCollectionCorrelation: %v", err)
	}

	for i, aff := range []string{cc.AffiliationID, cc.AffiliationID, keep.AffiliationID} {
		local, remote := "L", "R"
		if aff == keep.AffiliationID {
			local, remote = "L2", "R2"
		}
		c := &models.Correlation{
			Type: models.TypeEvent, UserID: "u1", AffiliationID: aff,
			LocalCollectionID: local, LocalObjectID: string(rune('a' + i)),
			RemoteCollectionID: remote, RemoteObjectID: string(rune('A' + i)),
		}
		if err := db.CreateCorrelation(ctx, c); err != nil {
			t.Fatalf("CreateCorrelation: %v", err)
		}
	}
	if err := db.EnqueuePendingDelete(ctx, cc.AffiliationID, "a"); err != nil {
		t.Fatalf("EnqueuePendingDelete: %v", err)
	}

	if err := db.DeleteAffiliation(ctx, "u1", cc.AffiliationID); err != nil {
		t.Fatalf("DeleteAffiliation: %v", err)
	}

	if got, _ := db.GetCollectionCorrelation(ctx, cc.AffiliationID); got != nil {
		t.Error("pairing still present")
	}
	if rows, _ := db.ListCorrelations(ctx, cc.AffiliationID); len(rows) != 0 {
		t.Errorf("%d correlations survived", len(rows))
	}
	if pending, _ := db.PendingDeletes(ctx, cc.AffiliationID); len(pending) != 0 {
		t.Errorf("%d pending deletes survived", len(pending))
	}
	counts, err := db.CountCorrelations(ctx)
	if err != nil {
		t.Fatalf("CountCorrelations: %v", err)
	}
	if counts[keep.AffiliationID] != 1 {
		t.Errorf("unrelated pairing lost rows: %v", counts)
	}
}

func TestPendingDeletes(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	cc := newTestPairing(t, db)

	for _, id := range []string{"E1", "E2", "E1"} {
		if err := db.EnqueuePendingDelete(ctx, cc.AffiliationID, id); err != nil {
			t.Fatalf("EnqueuePendingDelete(%s): %v", id, err)
		}
	}
	pending, err := db.PendingDeletes(ctx, cc.AffiliationID)
	if err != nil {
		t.Fatalf("PendingDeletes: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("got %d pending deletes, want 2", len(pending))
	}

	if err := db.AckPendingDeletes(ctx, cc.AffiliationID, []string{"E1"}); err != nil {
		t.Fatalf("AckPendingDeletes: %v", err)
	}
	pending, _ = db.PendingDeletes(ctx, cc.AffiliationID)
	if len(pending) != 1 || pending[0].LocalObjectID != "E2" {
		t.Errorf("after ack: %+v", pending)
	}
}

func TestHarmonizationLog(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	outcomes := []models.Outcome{models.RemoteCreated, models.LocalUpdated, models.RemoteDeleted}
	for _, o := range outcomes {
		e := models.LogEntry{AffiliationID: "af_1", Direction: models.DirectionLocal, Outcome: o, LocalObjectID: "E1"}
		if err := db.RecordLog(ctx, e); err != nil {
			t.Fatalf("RecordLog: %v", err)
		}
	}

	tail, err := db.LogTail(ctx, 2)
	if err != nil {
		t.Fatalf("LogTail: %v", err)
	}
	if len(tail) != 2 {
		t.Fatalf("got %d entries, want 2", len(tail))
	}
	if tail[0].Outcome != models.LocalUpdated || tail[1].Outcome != models.RemoteDeleted {
		t.Errorf("tail order: %v, %v", tail[0].Outcome, tail[1].Outcome)
	}

	since, err := db.LogSince(ctx, tail[0].ID, 10)
	if err != nil {
		t.Fatalf("LogSince: %v", err)
	}
	if len(since) != 1 || since[0].ID != tail[1].ID {
		t.Errorf("LogSince = %+v", since)
	}
}
