package icsstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/marcus/harmony/internal/models"
)

const (
	snapshotExt = ".json"
	keepExt     = ".keep"

	// snapshotGrace is how long an unretained snapshot survives. Retained
	// snapshots are kept until released.
	snapshotGrace = 24 * time.Hour
)

type diff struct {
	added, modified, deleted []string
	next                     string
}

// changes diffs the collection against the snapshot named by token and
// records a new snapshot. An empty or unknown token diffs against nothing,
// so every object is reported as added.
func (s *Store) changes(ctx context.Context, collectionID, token string) (*diff, error) {
	ids, err := s.objectIDs(collectionID)
	if err != nil {
		return nil, err
	}
	current := make(map[string]string, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		path, err := s.objectPath(collectionID, id)
		if err != nil {
			continue
		}
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", id, err)
		}
		current[id] = fingerprint(data)
	}

	prev, err := s.loadSnapshot(collectionID, token)
	if err != nil {
		return nil, err
	}

	d := &diff{}
	for id, fp := range current {
		old, ok := prev[id]
		switch {
		case !ok:
			d.added = append(d.added, id)
		case old != fp:
			d.modified = append(d.modified, id)
		}
	}
	for id := range prev {
		if _, ok := current[id]; !ok {
			d.deleted = append(d.deleted, id)
		}
	}
	sort.Strings(d.added)
	sort.Strings(d.modified)
	sort.Strings(d.deleted)

	if d.next, err = s.saveSnapshot(collectionID, current); err != nil {
		return nil, err
	}
	return d, nil
}

func (s *Store) snapshotDir(collectionID string) (string, error) {
	dir, err := s.collectionDir(collectionID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, snapshotsDir), nil
}

func (s *Store) loadSnapshot(collectionID, token string) (map[string]string, error) {
	if token == "" || validID(token) != nil {
		return nil, nil
	}
	dir, err := s.snapshotDir(collectionID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, token+snapshotExt))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot %s: %w", token, err)
	}
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse snapshot %s: %w", token, err)
	}
	return m, nil
}

func (s *Store) saveSnapshot(collectionID string, current map[string]string) (string, error) {
	dir, err := s.snapshotDir(collectionID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create snapshot dir: %w", err)
	}
	data, err := json.Marshal(current)
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}

	// Zero padded nanoseconds sort lexically in creation order; the suffix
	// keeps tokens unique across concurrent callers.
	token := fmt.Sprintf("%020d-%s", time.Now().UnixNano(), uuid.NewString()[:8])
	if err := writeFileAtomic(filepath.Join(dir, token+snapshotExt), data); err != nil {
		return "", err
	}
	pruneSnapshots(dir, time.Now().Add(-snapshotGrace))
	return token, nil
}

// pruneSnapshots removes snapshots last written before cutoff that no
// caller has retained.
func pruneSnapshots(dir string, cutoff time.Time) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	kept := make(map[string]bool)
	for _, e := range entries {
		if name := e.Name(); strings.HasSuffix(name, keepExt) {
			kept[strings.TrimSuffix(name, keepExt)] = true
		}
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, snapshotExt) || kept[strings.TrimSuffix(name, snapshotExt)] {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		os.Remove(filepath.Join(dir, name))
	}
}

// RetainToken marks the snapshot behind token as saved by a caller, which
// protects it from pruning until ReleaseToken.
func (s *Store) RetainToken(_ context.Context, collectionID, token string) error {
	if token == "" {
		return nil
	}
	if err := validID(token); err != nil {
		return err
	}
	dir, err := s.snapshotDir(collectionID)
	if err != nil {
		return err
	}
	if _, err := os.Stat(filepath.Join(dir, token+snapshotExt)); err != nil {
		return fmt.Errorf("retain token %s: %w", token, err)
	}
	if err := os.WriteFile(filepath.Join(dir, token+keepExt), nil, 0o644); err != nil {
		return fmt.Errorf("retain token %s: %w", token, err)
	}
	return nil
}

// ReleaseToken drops a retained token and its snapshot. Tokens are issued
// once per FetchChanges call, so a released token has no other holder.
func (s *Store) ReleaseToken(_ context.Context, collectionID, token string) error {
	if token == "" || validID(token) != nil {
		return nil
	}
	dir, err := s.snapshotDir(collectionID)
	if err != nil {
		return err
	}
	for _, ext := range []string{keepExt, snapshotExt} {
		err := os.Remove(filepath.Join(dir, token+ext))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("release token %s: %w", token, err)
		}
	}
	return nil
}

// Local exposes a Store through the local change feed shape.
type Local struct {
	*Store
}

// NewLocal returns the local view of the store rooted at root.
func NewLocal(root string) *Local {
	return &Local{Store: New(root)}
}

// FetchChanges reports object ids added, modified or deleted since token.
func (l *Local) FetchChanges(ctx context.Context, collectionID, token string) (*models.ChangeSet, error) {
	d, err := l.changes(ctx, collectionID, token)
	if err != nil {
		return nil, fmt.Errorf("local changes %s: %w", collectionID, err)
	}
	return &models.ChangeSet{Added: d.added, Modified: d.modified, Deleted: d.deleted, NextToken: d.next}, nil
}

// Remote exposes a Store through the remote change feed shape, which carries
// object snapshots for created and updated entries.
type Remote struct {
	*Store
}

// NewRemote returns the remote view of the store rooted at root.
func NewRemote(root string) *Remote {
	return &Remote{Store: New(root)}
}

// FetchChanges reports objects created, updated or deleted since token.
func (r *Remote) FetchChanges(ctx context.Context, collectionID, token string) (*models.RemoteChangeSet, error) {
	d, err := r.changes(ctx, collectionID, token)
	if err != nil {
		return nil, fmt.Errorf("remote changes %s: %w", collectionID, err)
	}
	cs := &models.RemoteChangeSet{Deleted: d.deleted, NextToken: d.next}
	for _, group := range []struct {
		ids []string
		dst *[]models.EventObject
	}{{d.added, &cs.Created}, {d.modified, &cs.Updated}} {
		for _, id := range group.ids {
			obj, err := r.FetchItem(ctx, collectionID, id)
			if err != nil {
				return nil, err
			}
			if obj != nil {
				*group.dst = append(*group.dst, *obj)
			}
		}
	}
	return cs, nil
}
