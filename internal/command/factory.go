package command

import (
	"github.com/syncharbor/syncharbor/internal/change"
)

// ChangeFactory is the sole constructor of Change objects: it builds the
// six chain shapes from a detected raw event, wiring each chain's head
// Command and registering the completion callback that releases the
// Change's dependents once every Command in the chain has finished.
type ChangeFactory struct {
	env        *Env
	onComplete func(dependents []*change.Change)
}

// NewChangeFactory builds a factory bound to env. onComplete is called with
// a Change's released dependents once its pending counter reaches zero;
// the sync manager uses it to re-queue Changes that were waiting on this
// one.
func NewChangeFactory(env *Env, onComplete func(dependents []*change.Change)) *ChangeFactory {
	return &ChangeFactory{env: env, onComplete: onComplete}
}

// NewLocalNew builds the chain for a file the watcher observed as newly
// created locally: LocalUpload materializes it in the index, then fans out
// a CloudUpload to every enrolled cloud.
func (f *ChangeFactory) NewLocalNew(id, globalID, relPath string, isDir bool, mtime int64, size int64, localHash uint64) *change.Change {
	c := change.New(id, change.TypeNew, relPath, mtime, change.LocalCloudID, nil, f.onComplete)

	head := newLocalUpload(c, f.env, globalID, relPath, isDir, change.LocalCloudID)
	head.Mtime = mtime
	head.Size = size
	head.LocalHash = localHash

	c.SetHead(head)

	return c
}

// NewCloudNew builds the chain for a file a cloud's delta feed reported as
// newly created: CloudDownloadNew stages it to a tmp path, then LocalUpload
// renames it into place and fans out to the other clouds.
func (f *ChangeFactory) NewCloudNew(id, globalID, relPath string, isDir bool, mtime int64, srcCloudID, srcCloudFileID string) *change.Change {
	c := change.New(id, change.TypeNew, relPath, mtime, srcCloudID, nil, f.onComplete)

	head := newCloudDownloadNew(c, f.env, globalID, relPath, isDir, srcCloudID, srcCloudFileID)

	c.SetHead(head)

	return c
}

// NewLocalUpdate builds the chain for a local file the watcher observed as
// modified: LocalUpdate applies the new content to the index, then fans
// out CloudUpdate.
func (f *ChangeFactory) NewLocalUpdate(id, globalID, relPath string, isDir bool, mtime, size int64, localHash uint64) *change.Change {
	c := change.New(id, change.TypeUpdate, relPath, mtime, change.LocalCloudID, nil, f.onComplete)

	head := newLocalUpdate(c, f.env, globalID, relPath, isDir, change.LocalCloudID)
	head.Mtime = mtime
	head.Size = size
	head.LocalHash = localHash

	c.SetHead(head)

	return c
}

// NewCloudUpdate builds the chain for a cloud-reported modification:
// CloudDownloadUpdate stages it, then LocalUpdate atomically replaces the
// local file and fans out to the other clouds.
func (f *ChangeFactory) NewCloudUpdate(id, globalID, relPath string, isDir bool, mtime int64, srcCloudID, cloudFileID string) *change.Change {
	c := change.New(id, change.TypeUpdate, relPath, mtime, srcCloudID, nil, f.onComplete)

	head := newCloudDownloadUpdate(c, f.env, globalID, relPath, isDir, srcCloudID, cloudFileID)

	c.SetHead(head)

	return c
}

// NewMove builds the chain for a rename/move observed on either side
// (srcCloudID names whichever endpoint the move was detected on and is
// excluded from the fan-out): LocalMove renames on disk and updates the
// index, then fans out CloudMove to every other linked cloud.
func (f *ChangeFactory) NewMove(id, globalID, oldRelPath, newRelPath string, isDir bool, mtime int64, srcCloudID string) *change.Change {
	c := change.New(id, change.TypeMove, newRelPath, mtime, srcCloudID, nil, f.onComplete)

	head := newLocalMove(c, f.env, globalID, oldRelPath, newRelPath, isDir, srcCloudID)

	c.SetHead(head)

	return c
}

// NewDelete builds the chain for a deletion observed on either side:
// LocalDelete removes the file and cascades its index rows, then fans out
// CloudDelete to every cloud that still held a link.
func (f *ChangeFactory) NewDelete(id, globalID, relPath string, isDir bool, mtime int64, srcCloudID string) *change.Change {
	c := change.New(id, change.TypeDelete, relPath, mtime, srcCloudID, nil, f.onComplete)

	head := newLocalDelete(c, f.env, globalID, relPath, isDir, srcCloudID)

	c.SetHead(head)

	return c
}
