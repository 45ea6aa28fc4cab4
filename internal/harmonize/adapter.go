// Package harmonize reconciles calendar objects between a local and a remote
// store. A pass walks both change feeds of one collection pairing, links
// objects through the correlation store and resolves conflicting edits with
// a prevalence policy.
package harmonize

import (
	"context"

	"github.com/marcus/harmony/internal/models"
)

// LocalAdapter is the local store. Fetch and find methods return nil, nil
// when the object or collection does not exist.
type LocalAdapter interface {
	FetchCollection(ctx context.Context, collectionID string) (*models.Collection, error)
	FetchChanges(ctx context.Context, collectionID, resumeToken string) (*models.ChangeSet, error)
	FetchItem(ctx context.Context, collectionID, objectID string) (*models.EventObject, error)
	FindItemByUUID(ctx context.Context, collectionID, uuid string) (*models.EventObject, error)
	CreateItem(ctx context.Context, collectionID string, obj models.EventObject) (*models.EventObject, error)
	UpdateItem(ctx context.Context, collectionID, objectID string, obj models.EventObject) (*models.EventObject, error)
	DeleteItem(ctx context.Context, collectionID, objectID string) (bool, error)
}

// RemoteAdapter is the remote groupware store. It has no partial update, so
// attachments are replaced by deleting them before a full UpdateItem.
type RemoteAdapter interface {
	FetchCollection(ctx context.Context, collectionID string) (*models.Collection, error)
	FetchChanges(ctx context.Context, collectionID, resumeToken string) (*models.RemoteChangeSet, error)
	FetchItem(ctx context.Context, collectionID, objectID string) (*models.EventObject, error)
	CreateItem(ctx context.Context, collectionID string, obj models.EventObject) (*models.EventObject, error)
	UpdateItem(ctx context.Context, collectionID, objectID string, obj models.EventObject) (*models.EventObject, error)
	DeleteItem(ctx context.Context, collectionID, objectID string) (bool, error)
	FetchCollectionUUIDIndex(ctx context.Context, collectionID string) ([]models.UUIDEntry, error)
	DeleteItemAttachments(ctx context.Context, collectionID string, attachmentIDs []string) error
	UpdateItemUUID(ctx context.Context, collectionID, objectID, uuid string) (*models.EventObject, error)
}

// Checkpointer is implemented by change feeds that keep state for every
// resume token they issue. RetainToken runs before a token is saved and
// ReleaseToken once the token it replaced is no longer saved anywhere, so a
// feed may discard state only for tokens that were never retained or have
// been released.
type Checkpointer interface {
	RetainToken(ctx context.Context, collectionID, token string) error
	ReleaseToken(ctx context.Context, collectionID, token string) error
}

// CorrelationStore persists object links, pairing cursors and the pending
// delete queue. Lookups return nil, nil when no row matches. *db.DB
// implements it.
type CorrelationStore interface {
	FindByLocal(ctx context.Context, userID string, typ models.ObjectType, localObjectID, localCollectionID string) (*models.Correlation, error)
	FindByRemote(ctx context.Context, userID string, typ models.ObjectType, remoteObjectID, remoteCollectionID string) (*models.Correlation, error)
	CreateCorrelation(ctx context.Context, c *models.Correlation) error
	UpdateCorrelation(ctx context.Context, c *models.Correlation) error
	DeleteCorrelation(ctx context.Context, id int64) error
	DeleteAffiliation(ctx context.Context, userID, affiliationID string) error

	GetCollectionCorrelation(ctx context.Context, affiliationID string) (*models.CollectionCorrelation, error)
	SaveLocalResumeToken(ctx context.Context, affiliationID, token string) error
	SaveRemoteResumeToken(ctx context.Context, affiliationID, token string) error

	PendingDeletes(ctx context.Context, affiliationID string) ([]models.PendingDelete, error)
	AckPendingDeletes(ctx context.Context, affiliationID string, localObjectIDs []string) error

	RecordLog(ctx context.Context, e models.LogEntry) error
}

// Leaser grants per-key mutual exclusion across processes.
type Leaser interface {
	Acquire(key string) (release func() error, err error)
}
