package localfs

import "github.com/syncharbor/syncharbor/internal/change"

// RawKind is the shape of filesystem event the native watcher layer
// reports, before normalization: create, modify, destroy, or a rename
// that may or may not carry a known destination.
type RawKind string

const (
	RawCreate  RawKind = "create"
	RawModify  RawKind = "modify"
	RawDestroy RawKind = "destroy"
	RawRename  RawKind = "rename"
)

// RawEvent is one native filesystem notification, already resolved to a
// rel_path relative to the sync root and NFC-normalized.
type RawEvent struct {
	Kind    RawKind
	RelPath string
	// DestRelPath is set only when the native watcher reports both sides of
	// a rename directly (rare in practice — see normalize.go's file_id
	// correlation fallback for the common case where it is not).
	DestRelPath string
	IsDir       bool
}

// NormalizedEvent is the normalization pipeline's output: a classified,
// de-noised local change ready to become a Change via the factory.
type NormalizedEvent struct {
	Type    change.Type
	RelPath string
	// OldRelPath is set for Type == TypeMove.
	OldRelPath string
	IsDir      bool
	Mtime      int64
	Size       int64
	LocalHash  uint64
	HasHash    bool
}
