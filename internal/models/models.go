package models

import (
	"fmt"
	"strings"
	"time"
)

// ObjectType identifies the kind of object a correlation links.
type ObjectType string

const (
	TypeEvent ObjectType = "event"
)

// TombstoneSuffix marks ids that the local change feed reports for objects
// already moved out of the collection. Such ids never resolve to an object.
const TombstoneSuffix = ":deleted"

// IsTombstoneID reports whether id carries the deletion marker.
func IsTombstoneID(id string) bool {
	return strings.HasSuffix(id, TombstoneSuffix)
}

// Policy decides which side's edit survives a conflict.
type Policy string

const (
	PolicyLocalWins  Policy = "local_wins"
	PolicyRemoteWins Policy = "remote_wins"
	PolicyChronology Policy = "chronology"
)

// ParsePolicy accepts the canonical names plus a few spellings seen in
// hand-written config files ("LocalWins", "remote-wins").
func ParsePolicy(s string) (Policy, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.NewReplacer("-", "_", " ", "_").Replace(norm)
	switch norm {
	case "local_wins", "localwins", "local":
		return PolicyLocalWins, nil
	case "remote_wins", "remotewins", "remote":
		return PolicyRemoteWins, nil
	case "chronology", "newest", "":
		return PolicyChronology, nil
	}
	return "", fmt.Errorf("unknown prevalence policy %q", s)
}

// Collection is a resolvable container of event objects on one side.
type Collection struct {
	ID   string
	Name string
}

// EventObject is an immutable snapshot of one calendar object as returned by
// a store adapter. Fingerprint changes on every mutation and is compared for
// equality only.
type EventObject struct {
	ID           string
	CollectionID string
	UUID         string
	Fingerprint  string
	ModifiedOn   time.Time
	Attachments  []string
	Data         []byte // iCalendar payload
}

// Correlation links a local object to its remote counterpart together with
// the fingerprints seen on both sides when the link was last written.
type Correlation struct {
	ID                 int64
	Type               ObjectType
	UserID             string
	AffiliationID      string
	LocalCollectionID  string
	LocalObjectID      string
	LocalFingerprint   string
	RemoteCollectionID string
	RemoteObjectID     string
	RemoteFingerprint  string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// CollectionCorrelation pairs a local collection with a remote one and holds
// the resume tokens of both change feeds.
type CollectionCorrelation struct {
	AffiliationID      string
	UserID             string
	LocalCollectionID  string
	LocalResumeToken   string
	RemoteCollectionID string
	RemoteResumeToken  string
	LastHarmonizedAt   *time.Time
	CreatedAt          time.Time
}

// ChangeSet is the local change feed result.
type ChangeSet struct {
	Added     []string
	Modified  []string
	Deleted   []string
	NextToken string
}

// RemoteChangeSet is the remote change feed result. Created and Updated carry
// full snapshots; the engine only uses their ids.
type RemoteChangeSet struct {
	Created   []EventObject
	Updated   []EventObject
	Deleted   []string
	NextToken string
}

// ChangedIDs returns the ids of created and updated objects, in feed order.
func (c RemoteChangeSet) ChangedIDs() []string {
	ids := make([]string, 0, len(c.Created)+len(c.Updated))
	for _, o := range c.Created {
		ids = append(ids, o.ID)
	}
	for _, o := range c.Updated {
		ids = append(ids, o.ID)
	}
	return ids
}

// UUIDEntry is one row of a collection's uuid index.
type UUIDEntry struct {
	ObjectID string
	UUID     string
}

// PendingDelete is a local deletion queued by the trash listener.
type PendingDelete struct {
	AffiliationID string
	LocalObjectID string
	QueuedAt      time.Time
}

// Direction tells which side's change feed produced a log entry.
type Direction string

const (
	DirectionLocal  Direction = "local"
	DirectionRemote Direction = "remote"
)

// LogEntry records one non-trivial reconciliation outcome.
type LogEntry struct {
	ID             int64
	AffiliationID  string
	Direction      Direction
	Outcome        Outcome
	LocalObjectID  string
	RemoteObjectID string
	Timestamp      time.Time
}
