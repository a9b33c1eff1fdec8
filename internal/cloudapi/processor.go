package cloudapi

import "sync"

// identityFunc returns the provider-specific "where is this object" key
// used to detect a move: graphlike compares (ParentID, Name), dropboxlike
// compares Path directly.
type identityFunc func(RemoteFile) string

// StateCache remembers each remote entry's last-seen RemoteFile across
// delta polls, keyed by CloudFileID, so the next poll can tell a rename/
// move apart from a content update or a no-op re-delivery. Concrete
// adapters own one StateCache and feed every delta page through Classify.
//
// The comparison runs against an injectable identity key rather than a
// single provider's own addressing scheme, so both graphlike (parent-id
// addressed) and dropboxlike (path addressed) adapters share one
// classification path instead of duplicating move/update/delete detection
// logic.
type StateCache struct {
	mu    sync.Mutex
	prior map[string]RemoteFile
}

// NewStateCache creates an empty StateCache.
func NewStateCache() *StateCache {
	return &StateCache{prior: make(map[string]RemoteFile)}
}

// Seed preloads the cache from an initial enumeration (InitialFiles), so
// the first delta poll after initial sync only reports genuine changes.
func (c *StateCache) Seed(files []RemoteFile) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, f := range files {
		c.prior[f.CloudFileID] = f
	}
}

// Classify compares raw against the cache's last-seen state, emits one
// Change per entry that actually changed, and updates the cache in place.
// identity extracts the provider-specific "location" key used to detect a
// move; the updated check compares content separately so a pure rename doesn't
// get misreported as an update.
func (c *StateCache) Classify(raw []RemoteFile, identity identityFunc) []Change {
	c.mu.Lock()
	defer c.mu.Unlock()

	changes := make([]Change, 0, len(raw))

	for _, entry := range raw {
		prev, known := c.prior[entry.CloudFileID]

		if entry.Trashed {
			if known {
				delete(c.prior, entry.CloudFileID)
				changes = append(changes, Change{Kind: KindDelete, Entry: prev})
			}

			continue
		}

		if !known {
			c.prior[entry.CloudFileID] = entry
			changes = append(changes, Change{Kind: KindNew, Entry: entry})

			continue
		}

		moved := identity(prev) != identity(entry)
		updated := !prev.Hash.Equal(entry.Hash) || prev.Size != entry.Size || prev.ModTime != entry.ModTime

		c.prior[entry.CloudFileID] = entry

		switch {
		case moved && updated:
			dep := Change{Kind: KindUpdated, Entry: entry}
			changes = append(changes, Change{Kind: KindMoved, Entry: entry, Dependent: &dep})
		case moved:
			changes = append(changes, Change{Kind: KindMoved, Entry: entry})
		case updated:
			changes = append(changes, Change{Kind: KindUpdated, Entry: entry})
		}
		// Neither moved nor updated: a no-op re-delivery (ctag bump with no
		// observable change). Nothing to emit.
	}

	return changes
}

// GraphlikeIdentity compares (ParentID, Name) — the location key for
// parent-id-addressed providers.
func GraphlikeIdentity(f RemoteFile) string {
	return f.ParentID + "/" + f.Name
}

// DropboxlikeIdentity compares Path — the location key for path-addressed
// providers.
func DropboxlikeIdentity(f RemoteFile) string {
	return f.Path
}
