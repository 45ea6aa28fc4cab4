// Package icsstore is a calendar store backed by a directory of iCalendar
// files. Each collection is a subdirectory of the root and each object is a
// <id>.ics file inside it. The same layout serves as the local and the
// remote side of a pairing.
package icsstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/marcus/harmony/internal/models"
)

const (
	fileExt        = ".ics"
	attachmentsDir = ".attachments"
	snapshotsDir   = ".snapshots"
)

// ErrInvalidID is returned for collection or object ids that cannot name a
// file inside the store.
var ErrInvalidID = errors.New("invalid id")

// Store is a directory of collections.
type Store struct {
	root string
}

// New returns a Store rooted at root. The directory is created lazily.
func New(root string) *Store {
	return &Store{root: root}
}

// Root returns the store's root directory.
func (s *Store) Root() string {
	return s.root
}

func validID(id string) error {
	if id == "" || id == "." || id == ".." || strings.HasPrefix(id, ".") ||
		strings.ContainsAny(id, `/\`) || strings.ContainsRune(id, 0) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

func (s *Store) collectionDir(collectionID string) (string, error) {
	if err := validID(collectionID); err != nil {
		return "", err
	}
	return filepath.Join(s.root, collectionID), nil
}

func (s *Store) objectPath(collectionID, objectID string) (string, error) {
	dir, err := s.collectionDir(collectionID)
	if err != nil {
		return "", err
	}
	if err := validID(objectID); err != nil {
		return "", err
	}
	return filepath.Join(dir, objectID+fileExt), nil
}

// CreateCollection makes the directory for a collection.
func (s *Store) CreateCollection(collectionID string) error {
	dir, err := s.collectionDir(collectionID)
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0o755)
}

// ListCollections returns every collection under the root.
func (s *Store) ListCollections() ([]models.Collection, error) {
	entries, err := os.ReadDir(s.root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	var out []models.Collection
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			out = append(out, models.Collection{ID: e.Name(), Name: e.Name()})
		}
	}
	return out, nil
}

// FetchCollection returns the collection, or nil if its directory is gone.
func (s *Store) FetchCollection(_ context.Context, collectionID string) (*models.Collection, error) {
	dir, err := s.collectionDir(collectionID)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat collection %s: %w", collectionID, err)
	}
	if !info.IsDir() {
		return nil, nil
	}
	return &models.Collection{ID: collectionID, Name: collectionID}, nil
}

// FetchItem reads one object, or returns nil if it does not exist.
func (s *Store) FetchItem(_ context.Context, collectionID, objectID string) (*models.EventObject, error) {
	path, err := s.objectPath(collectionID, objectID)
	if err != nil {
		return nil, err
	}
	return readObject(collectionID, objectID, path)
}

func readObject(collectionID, objectID, path string) (*models.EventObject, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", objectID, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", objectID, err)
	}
	return decode(collectionID, objectID, data, info.ModTime())
}

// CreateItem writes obj under a new id.
func (s *Store) CreateItem(_ context.Context, collectionID string, obj models.EventObject) (*models.EventObject, error) {
	id := uuid.NewString()
	path, err := s.objectPath(collectionID, id)
	if err != nil {
		return nil, err
	}
	if err := s.writeObject(path, obj); err != nil {
		return nil, fmt.Errorf("create item: %w", err)
	}
	return readObject(collectionID, id, path)
}

// UpdateItem overwrites an existing object with obj's content.
func (s *Store) UpdateItem(_ context.Context, collectionID, objectID string, obj models.EventObject) (*models.EventObject, error) {
	path, err := s.objectPath(collectionID, objectID)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("update %s: %w", objectID, err)
	}
	if err := s.writeObject(path, obj); err != nil {
		return nil, fmt.Errorf("update %s: %w", objectID, err)
	}
	return readObject(collectionID, objectID, path)
}

// DeleteItem removes an object. It reports false if it was already gone.
func (s *Store) DeleteItem(_ context.Context, collectionID, objectID string) (bool, error) {
	path, err := s.objectPath(collectionID, objectID)
	if err != nil {
		return false, err
	}
	err = os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("delete %s: %w", objectID, err)
	}
	return true, nil
}

// FindItemByUUID scans the collection for an object whose UID is uuid.
func (s *Store) FindItemByUUID(ctx context.Context, collectionID, uuid string) (*models.EventObject, error) {
	var found *models.EventObject
	err := s.walk(ctx, collectionID, func(obj *models.EventObject) bool {
		if obj.UUID == uuid {
			found = obj
			return false
		}
		return true
	})
	return found, err
}

// FetchCollectionUUIDIndex lists the uuid of every object in the collection.
func (s *Store) FetchCollectionUUIDIndex(ctx context.Context, collectionID string) ([]models.UUIDEntry, error) {
	var out []models.UUIDEntry
	err := s.walk(ctx, collectionID, func(obj *models.EventObject) bool {
		out = append(out, models.UUIDEntry{ObjectID: obj.ID, UUID: obj.UUID})
		return true
	})
	return out, err
}

// UpdateItemUUID rewrites the UID of an object.
func (s *Store) UpdateItemUUID(_ context.Context, collectionID, objectID, uuid string) (*models.EventObject, error) {
	path, err := s.objectPath(collectionID, objectID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", objectID, err)
	}
	out, err := setUID(data, uuid)
	if err != nil {
		return nil, fmt.Errorf("set uid on %s: %w", objectID, err)
	}
	if err := writeFileAtomic(path, out); err != nil {
		return nil, err
	}
	return readObject(collectionID, objectID, path)
}

// DeleteItemAttachments removes attachment blobs from the collection's
// attachment directory. Ids that do not name a stored blob, such as external
// URLs, are skipped.
func (s *Store) DeleteItemAttachments(_ context.Context, collectionID string, attachmentIDs []string) error {
	dir, err := s.collectionDir(collectionID)
	if err != nil {
		return err
	}
	for _, id := range attachmentIDs {
		if validID(id) != nil {
			continue
		}
		err := os.Remove(filepath.Join(dir, attachmentsDir, id))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("delete attachment %s: %w", id, err)
		}
	}
	return nil
}

// PutAttachment stores an attachment blob for the collection.
func (s *Store) PutAttachment(collectionID, attachmentID string, data []byte) error {
	dir, err := s.collectionDir(collectionID)
	if err != nil {
		return err
	}
	if err := validID(attachmentID); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(dir, attachmentsDir), 0o755); err != nil {
		return fmt.Errorf("create attachment dir: %w", err)
	}
	return writeFileAtomic(filepath.Join(dir, attachmentsDir, attachmentID), data)
}

func (s *Store) writeObject(path string, obj models.EventObject) error {
	data, err := encode(obj)
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data)
}

// walk decodes every object in the collection in id order until fn returns
// false. Files that fail to parse are skipped.
func (s *Store) walk(ctx context.Context, collectionID string, fn func(*models.EventObject) bool) error {
	ids, err := s.objectIDs(collectionID)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		obj, err := s.FetchItem(ctx, collectionID, id)
		if err != nil || obj == nil {
			continue
		}
		if !fn(obj) {
			return nil
		}
	}
	return nil
}

func (s *Store) objectIDs(collectionID string) ([]string, error) {
	dir, err := s.collectionDir(collectionID)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read collection %s: %w", collectionID, err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, fileExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, fileExt))
	}
	sort.Strings(ids)
	return ids, nil
}

// writeFileAtomic replaces path through a temp file and rename.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
