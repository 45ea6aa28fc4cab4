package harmonize

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/marcus/harmony/internal/db"
	"github.com/marcus/harmony/internal/models"
)

var errNotFound = errors.New("not found")

// fakeSide is an in-memory store shared by the local and remote fakes.
type fakeSide struct {
	prefix      string
	collections map[string]bool
	items       map[string]models.EventObject
	nextID      int
	version     int

	mutations int
	fetches   int
	failFetch map[string]error
	onFetch   func(id string)

	retained  []string
	released  []string
	retainErr error
}

func newFakeSide(prefix string, collections ...string) *fakeSide {
	f := &fakeSide{
		prefix:      prefix,
		collections: make(map[string]bool),
		items:       make(map[string]models.EventObject),
		failFetch:   make(map[string]error),
	}
	for _, c := range collections {
		f.collections[c] = true
	}
	return f
}

// seed stores obj without counting a mutation.
func (f *fakeSide) seed(collectionID string, obj models.EventObject) models.EventObject {
	return f.put(collectionID, obj)
}

func (f *fakeSide) put(collectionID string, obj models.EventObject) models.EventObject {
	f.version++
	obj.CollectionID = collectionID
	obj.Fingerprint = fmt.Sprintf("%s-fp%d", f.prefix, f.version)
	f.items[obj.ID] = obj
	return obj
}

// touch simulates an out-of-band edit.
func (f *fakeSide) touch(id string, modifiedOn time.Time) models.EventObject {
	obj := f.items[id]
	obj.ModifiedOn = modifiedOn
	return f.put(obj.CollectionID, obj)
}

func (f *fakeSide) FetchCollection(_ context.Context, id string) (*models.Collection, error) {
	if !f.collections[id] {
		return nil, nil
	}
	return &models.Collection{ID: id, Name: id}, nil
}

func (f *fakeSide) FetchItem(_ context.Context, collectionID, objectID string) (*models.EventObject, error) {
	f.fetches++
	if f.onFetch != nil {
		f.onFetch(objectID)
	}
	if err := f.failFetch[objectID]; err != nil {
		return nil, err
	}
	obj, ok := f.items[objectID]
	if !ok || obj.CollectionID != collectionID {
		return nil, nil
	}
	return &obj, nil
}

func (f *fakeSide) CreateItem(_ context.Context, collectionID string, obj models.EventObject) (*models.EventObject, error) {
	f.mutations++
	f.nextID++
	obj.ID = fmt.Sprintf("%sn%d", f.prefix, f.nextID)
	out := f.put(collectionID, obj)
	return &out, nil
}

func (f *fakeSide) UpdateItem(_ context.Context, collectionID, objectID string, obj models.EventObject) (*models.EventObject, error) {
	f.mutations++
	if _, ok := f.items[objectID]; !ok {
		return nil, errNotFound
	}
	obj.ID = objectID
	out := f.put(collectionID, obj)
	return &out, nil
}

func (f *fakeSide) DeleteItem(_ context.Context, _, objectID string) (bool, error) {
	f.mutations++
	_, ok := f.items[objectID]
	delete(f.items, objectID)
	return ok, nil
}

func (f *fakeSide) RetainToken(_ context.Context, _, token string) error {
	if f.retainErr != nil {
		return f.retainErr
	}
	f.retained = append(f.retained, token)
	return nil
}

func (f *fakeSide) ReleaseToken(_ context.Context, _, token string) error {
	f.released = append(f.released, token)
	return nil
}

type fakeLocal struct {
	*fakeSide
	changes    models.ChangeSet
	changesErr error
	gotToken   string
}

func newFakeLocal(collections ...string) *fakeLocal {
	return &fakeLocal{fakeSide: newFakeSide("E", collections...)}
}

func (f *fakeLocal) FetchChanges(_ context.Context, _, token string) (*models.ChangeSet, error) {
	f.gotToken = token
	if f.changesErr != nil {
		return nil, f.changesErr
	}
	cs := f.changes
	return &cs, nil
}

func (f *fakeLocal) FindItemByUUID(_ context.Context, collectionID, uuid string) (*models.EventObject, error) {
	for _, obj := range f.items {
		if obj.CollectionID == collectionID && obj.UUID == uuid {
			return &obj, nil
		}
	}
	return nil, nil
}

type fakeRemote struct {
	*fakeSide
	changes            models.RemoteChangeSet
	changesErr         error
	indexLoads         int
	deletedAttachments []string
	failUUID           error
}

func newFakeRemote(collections ...string) *fakeRemote {
	return &fakeRemote{fakeSide: newFakeSide("X", collections...)}
}

func (f *fakeRemote) FetchChanges(context.Context, string, string) (*models.RemoteChangeSet, error) {
	if f.changesErr != nil {
		return nil, f.changesErr
	}
	cs := f.changes
	return &cs, nil
}

func (f *fakeRemote) FetchCollectionUUIDIndex(_ context.Context, collectionID string) ([]models.UUIDEntry, error) {
	f.indexLoads++
	var out []models.UUIDEntry
	for _, obj := range f.items {
		if obj.CollectionID == collectionID {
			out = append(out, models.UUIDEntry{ObjectID: obj.ID, UUID: obj.UUID})
		}
	}
	return out, nil
}

func (f *fakeRemote) DeleteItemAttachments(_ context.Context, _ string, attachmentIDs []string) error {
	f.mutations++
	f.deletedAttachments = append(f.deletedAttachments, attachmentIDs...)
	return nil
}

func (f *fakeRemote) UpdateItemUUID(_ context.Context, collectionID, objectID, uuid string) (*models.EventObject, error) {
	if f.failUUID != nil {
		return nil, f.failUUID
	}
	f.mutations++
	obj, ok := f.items[objectID]
	if !ok {
		return nil, errNotFound
	}
	obj.UUID = uuid
	out := f.put(collectionID, obj)
	return &out, nil
}

// countingStore records correlation writes made through it.
type countingStore struct {
	CorrelationStore
	writes int
}

func (s *countingStore) CreateCorrelation(ctx context.Context, c *models.Correlation) error {
	s.writes++
	return s.CorrelationStore.CreateCorrelation(ctx, c)
}

func (s *countingStore) UpdateCorrelation(ctx context.Context, c *models.Correlation) error {
	s.writes++
	return s.CorrelationStore.UpdateCorrelation(ctx, c)
}

func (s *countingStore) DeleteCorrelation(ctx context.Context, id int64) error {
	s.writes++
	return s.CorrelationStore.DeleteCorrelation(ctx, id)
}

// newTestStore opens an in-memory store with one pairing L <-> R.
func newTestStore(t *testing.T) (*db.DB, models.CollectionCorrelation) {
	t.Helper()
	store, err := db.OpenWithDriver("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cc := models.CollectionCorrelation{UserID: "u1", LocalCollectionID: "L", RemoteCollectionID: "R"}
	if err := store.CreateCollectionCorrelation(context.Background(), &cc); err != nil {
		t.Fatalf("create pairing: %v", err)
	}
	return store, cc
}

func reloadPairing(t *testing.T, store *db.DB, affiliationID string) *models.CollectionCorrelation {
	t.Helper()
	cc, err := store.GetCollectionCorrelation(context.Background(), affiliationID)
	if err != nil {
		t.Fatalf("reload pairing: %v", err)
	}
	return cc
}

func mustLink(t *testing.T, store *db.DB, cc models.CollectionCorrelation, local, remote models.EventObject) *models.Correlation {
	t.Helper()
	c := &models.Correlation{
		Type: models.TypeEvent, UserID: cc.UserID, AffiliationID: cc.AffiliationID,
		LocalCollectionID: cc.LocalCollectionID, LocalObjectID: local.ID, LocalFingerprint: local.Fingerprint,
		RemoteCollectionID: cc.RemoteCollectionID, RemoteObjectID: remote.ID, RemoteFingerprint: remote.Fingerprint,
	}
	if err := store.CreateCorrelation(context.Background(), c); err != nil {
		t.Fatalf("link %s <-> %s: %v", local.ID, remote.ID, err)
	}
	return c
}

func countRows(t *testing.T, conn *sql.DB, table string) int {
	t.Helper()
	var n int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM ` + table).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}

func day(d int) time.Time {
	return time.Date(2024, 1, d, 9, 0, 0, 0, time.UTC)
}
