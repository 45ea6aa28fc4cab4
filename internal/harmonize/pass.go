package harmonize

import (
	"context"
	"fmt"
)

// Pass holds state that lives for exactly one harmonization pass. It is
// created by Engine.Run and threaded through the reconcile calls.
type Pass struct {
	remoteIndex map[string]map[string]string // collection -> uuid -> object id
}

// NewPass returns an empty pass.
func NewPass() *Pass {
	return &Pass{remoteIndex: make(map[string]map[string]string)}
}

// lookupRemote resolves uuid in the remote collection, loading the
// collection's uuid index on first use.
func (p *Pass) lookupRemote(ctx context.Context, remote RemoteAdapter, collectionID, uuid string) (string, error) {
	idx, ok := p.remoteIndex[collectionID]
	if !ok {
		entries, err := remote.FetchCollectionUUIDIndex(ctx, collectionID)
		if err != nil {
			return "", fmt.Errorf("load uuid index %s: %w", collectionID, err)
		}
		idx = make(map[string]string, len(entries))
		for _, e := range entries {
			if e.UUID == "" {
				continue
			}
			if _, dup := idx[e.UUID]; !dup {
				idx[e.UUID] = e.ObjectID
			}
		}
		p.remoteIndex[collectionID] = idx
	}
	return idx[uuid], nil
}
