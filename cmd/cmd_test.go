package cmd

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/marcus/harmony/internal/config"
	"github.com/marcus/harmony/internal/db"
	"github.com/marcus/harmony/internal/models"
)

func TestPolicyFlag(t *testing.T) {
	var f policyFlag
	if f.String() != "" {
		t.Errorf("zero value = %q, want empty", f.String())
	}
	if err := f.Set("remote-wins"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if f.policy != models.PolicyRemoteWins {
		t.Errorf("policy = %q", f.policy)
	}
	if err := f.Set("coin_flip"); err == nil {
		t.Error("expected error for unknown policy")
	}
	if f.Type() != "policy" {
		t.Errorf("Type = %q", f.Type())
	}
}

func TestCommandsHavePolicyFlag(t *testing.T) {
	for _, c := range []string{"run", "sync"} {
		cmd, _, err := rootCmd.Find([]string{c})
		if err != nil {
			t.Fatalf("find %s: %v", c, err)
		}
		if cmd.Flags().Lookup("policy") == nil {
			t.Errorf("%s has no --policy flag", c)
		}
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	log := newLogger("warn", "json", &buf)
	log.Info("hidden")
	log.Warn("shown", "err", "boom")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info logged at warn level")
	}
	if !strings.Contains(out, `"msg":"shown"`) || !strings.Contains(out, `"err":"boom"`) {
		t.Errorf("json output = %q", out)
	}

	buf.Reset()
	newLogger("bogus", "bogus", &buf).Debug("x")
	if buf.Len() != 0 {
		t.Error("unknown level should default to info")
	}
}

func newTestApp(t *testing.T) *app {
	t.Helper()
	for _, k := range []string{"HARMONY_USER", "HARMONY_DATABASE", "HARMONY_LOCK_DIR", "HARMONY_POLICY",
		"HARMONY_LEASE_TIMEOUT", "HARMONY_LOCAL_ROOT", "HARMONY_REMOTE_ROOT"} {
		t.Setenv(k, "")
	}
	cfg, err := config.Load(filepath.Join(t.TempDir(), "config.yaml"))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.User = "tester"
	a, err := newApp(cfg, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

const standup = "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//harmony test//EN\r\nBEGIN:VEVENT\r\n" +
	"UID:standup-1\r\nDTSTAMP:20240101T090000Z\r\nSUMMARY:Standup\r\nEND:VEVENT\r\nEND:VCALENDAR\r\n"

func TestPairSyncTrashFlow(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t)

	cc, err := addPairing(ctx, a, "work", "office", true)
	if err != nil {
		t.Fatalf("addPairing: %v", err)
	}
	if _, err := addPairing(ctx, a, "home", "nowhere", false); err == nil {
		t.Error("pairing missing collections should fail")
	}

	localFile := filepath.Join(a.local.Root(), "work", "e1.ics")
	if err := os.WriteFile(localFile, []byte(standup), 0o644); err != nil {
		t.Fatal(err)
	}

	results, err := syncPairings(ctx, a, "", "")
	if err != nil {
		t.Fatalf("first sync: %v", err)
	}
	if len(results) != 1 || results[0].Stats.RemoteCreated != 1 {
		t.Fatalf("first sync = %+v", results)
	}
	remoteIndex, err := a.remote.FetchCollectionUUIDIndex(ctx, "office")
	if err != nil || len(remoteIndex) != 1 || remoteIndex[0].UUID != "standup-1" {
		t.Fatalf("remote index = %+v, %v", remoteIndex, err)
	}

	// The remote feed now reports our own create; nothing to do.
	results, err = syncPairings(ctx, a, "", cc.AffiliationID)
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if results[0].Stats.Changes() != 0 {
		t.Errorf("second sync stats = %+v", results[0].Stats)
	}

	if _, err := trashObject(ctx, a, "work", "unlinked"); err == nil {
		t.Error("trashing an unlinked object should fail")
	}
	if _, err := trashObject(ctx, a, "elsewhere", "e1"); err == nil {
		t.Error("trashing in an unpaired collection should fail")
	}
	if err := os.Remove(localFile); err != nil {
		t.Fatal(err)
	}
	if _, err := trashObject(ctx, a, "work", "e1"); err != nil {
		t.Fatalf("trashObject: %v", err)
	}

	results, err = syncPairings(ctx, a, models.PolicyLocalWins, "")
	if err != nil {
		t.Fatalf("third sync: %v", err)
	}
	if results[0].Stats.RemoteDeleted != 1 {
		t.Errorf("third sync stats = %+v", results[0].Stats)
	}
	if idx, _ := a.remote.FetchCollectionUUIDIndex(ctx, "office"); len(idx) != 0 {
		t.Errorf("remote object survived: %+v", idx)
	}
	if pending, _ := a.db.PendingDeletes(ctx, cc.AffiliationID); len(pending) != 0 {
		t.Errorf("pending deletes not consumed: %+v", pending)
	}

	if _, err := syncPairings(ctx, a, "", "af_missing"); err == nil {
		t.Error("unknown affiliation should fail")
	}
}

func TestPairingTableRows(t *testing.T) {
	rows := pairingTableRows([]models.CollectionCorrelation{
		{AffiliationID: "af_1", UserID: "u", LocalCollectionID: "work", RemoteCollectionID: "office"},
	}, map[string]int{"af_1": 4})
	if len(rows) != 1 || rows[0][4] != "4" || rows[0][5] != "never" {
		t.Errorf("rows = %v", rows)
	}
}

func TestPairRemoveAndResetWaitForLease(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t)
	cc, err := addPairing(ctx, a, "work", "office", true)
	if err != nil {
		t.Fatalf("addPairing: %v", err)
	}
	if _, err := syncPairings(ctx, a, "", ""); err != nil {
		t.Fatalf("sync: %v", err)
	}
	synced, _ := a.db.GetCollectionCorrelation(ctx, cc.AffiliationID)
	if synced.LocalResumeToken == "" {
		t.Fatal("sync saved no local token")
	}

	// A pass in flight holds the pairing's lease.
	release, err := db.NewLeaser(a.cfg.Path(a.cfg.LockDir), time.Second).Acquire(cc.AffiliationID)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := removePairing(ctx, a, cc.AffiliationID); !errors.Is(err, errPairingBusy) {
		t.Errorf("remove err = %v, want errPairingBusy", err)
	}
	if err := resetPairing(ctx, a, cc.AffiliationID); !errors.Is(err, errPairingBusy) {
		t.Errorf("reset err = %v, want errPairingBusy", err)
	}
	if got, _ := a.db.GetCollectionCorrelation(ctx, cc.AffiliationID); got == nil || got.LocalResumeToken != synced.LocalResumeToken {
		t.Fatalf("pairing changed under a held lease: %+v", got)
	}
	if err := release(); err != nil {
		t.Fatalf("release: %v", err)
	}

	if err := resetPairing(ctx, a, cc.AffiliationID); err != nil {
		t.Fatalf("resetPairing: %v", err)
	}
	got, _ := a.db.GetCollectionCorrelation(ctx, cc.AffiliationID)
	if got.LocalResumeToken != "" || got.RemoteResumeToken != "" {
		t.Errorf("tokens not reset: %+v", got)
	}
	snapshot := filepath.Join(a.local.Root(), "work", ".snapshots", synced.LocalResumeToken+".json")
	if _, err := os.Stat(snapshot); !os.IsNotExist(err) {
		t.Errorf("snapshot of the reset token kept: %v", err)
	}

	if _, err := removePairing(ctx, a, cc.AffiliationID); err != nil {
		t.Fatalf("removePairing: %v", err)
	}
	if got, _ := a.db.GetCollectionCorrelation(ctx, cc.AffiliationID); got != nil {
		t.Error("pairing survived remove")
	}
	if _, err := removePairing(ctx, a, cc.AffiliationID); err == nil {
		t.Error("removing an unknown pairing should fail")
	}
}

func TestTrashQueuesEveryOwningPairing(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t)
	first, err := addPairing(ctx, a, "work", "office", true)
	if err != nil {
		t.Fatalf("addPairing: %v", err)
	}
	if err := os.WriteFile(filepath.Join(a.local.Root(), "work", "e1.ics"), []byte(standup), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := syncPairings(ctx, a, "", first.AffiliationID); err != nil {
		t.Fatalf("sync: %v", err)
	}
	second, err := addPairing(ctx, a, "work", "archive", true)
	if err != nil {
		t.Fatalf("second addPairing: %v", err)
	}

	queued, err := trashObject(ctx, a, "work", "e1")
	if err != nil {
		t.Fatalf("trashObject: %v", err)
	}
	if len(queued) != 2 {
		t.Fatalf("queued in %v, want both pairings", queued)
	}
	for _, id := range []string{first.AffiliationID, second.AffiliationID} {
		pending, err := a.db.PendingDeletes(ctx, id)
		if err != nil || len(pending) != 1 || pending[0].LocalObjectID != "e1" {
			t.Errorf("pending deletes of %s = %+v, %v", id, pending, err)
		}
	}
}
