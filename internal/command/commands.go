package command

import (
	"context"
	"log/slog"

	"github.com/syncharbor/syncharbor/internal/change"
	"github.com/syncharbor/syncharbor/internal/expected"
	"github.com/syncharbor/syncharbor/internal/index"
)

const localTmpPrefix = ".-tmp-SyncHarbor-"

// TmpPath builds the sibling staging name a cloud-originated download is
// written to before LocalUpload/LocalUpdate renames it into place.
func TmpPath(relPath string) string {
	dir, name := splitDir(relPath)
	if dir == "" {
		return localTmpPrefix + name
	}
	return dir + "/" + localTmpPrefix + name
}

func splitDir(relPath string) (dir, name string) {
	for i := len(relPath) - 1; i >= 0; i-- {
		if relPath[i] == '/' {
			return relPath[:i], relPath[i+1:]
		}
	}
	return "", relPath
}

// --- LocalUpload ---

// LocalUpload materializes a New file in the index — renaming a staged
// download into place first when FromTmpPath is set — then fans out a
// CloudUpload to every enrolled cloud except the originator.
type LocalUpload struct {
	base
	FromTmpPath string
	Size        int64
	LocalHash   uint64
	Mtime       int64
}

func newLocalUpload(owner *change.Change, env *Env, globalID, relPath string, isDir bool, cloudID string) *LocalUpload {
	owner.IncPending()
	return &LocalUpload{base: base{env: env, owner: owner, globalID: globalID, relPath: relPath, isDir: isDir, cloudID: cloudID}}
}

func (c *LocalUpload) Kind() Kind             { return KindLocal }
func (c *LocalUpload) TargetType() TargetType { return c.targetType() }

func (c *LocalUpload) Dispatch() {
	ctx := context.Background()

	c.env.Dispatcher.Submit(ctx, func(ctx context.Context, store *index.Store) error {
		c.env.Local.Expect(c.relPath, expected.New)

		f := &index.FileRecord{
			GlobalID: c.globalID, RelPath: c.relPath, IsDir: c.isDir,
			Size: c.Size, LocalMtime: c.Mtime, LocalHash: c.LocalHash, LocalHashOK: true,
		}

		err := c.env.Local.MaterializeNew(ctx, f, c.FromTmpPath)
		if err != nil {
			c.env.Logger.Error("local upload failed", slog.String("path", c.relPath), slog.String("error", err.Error()))
			c.finish()
			return err
		}

		c.continueChain(ctx)
		c.finish()

		return nil
	})
}

func (c *LocalUpload) continueChain(ctx context.Context) {
	clouds, err := c.env.EnrolledClouds(ctx)
	if err != nil {
		c.env.Logger.Error("listing enrolled clouds", slog.String("error", err.Error()))
		return
	}

	for _, cloudID := range clouds {
		if cloudID == c.cloudID || cloudID == change.LocalCloudID {
			continue
		}

		cu := newCloudUpload(c.owner, c.env, c.globalID, c.relPath, c.isDir, cloudID, c.Size, c.Mtime)
		cu.Dispatch()
	}
}

// --- LocalUpdate ---

// LocalUpdate applies an updated FileRecord — an atomic delete+rename of a
// staged download when FromTmpPath is set — then fans out CloudUpdate.
type LocalUpdate struct {
	base
	FromTmpPath string
	Size        int64
	LocalHash   uint64
	Mtime       int64
}

func newLocalUpdate(owner *change.Change, env *Env, globalID, relPath string, isDir bool, cloudID string) *LocalUpdate {
	owner.IncPending()
	return &LocalUpdate{base: base{env: env, owner: owner, globalID: globalID, relPath: relPath, isDir: isDir, cloudID: cloudID}}
}

func (c *LocalUpdate) Kind() Kind             { return KindLocal }
func (c *LocalUpdate) TargetType() TargetType { return c.targetType() }

func (c *LocalUpdate) Dispatch() {
	ctx := context.Background()

	c.env.Dispatcher.Submit(ctx, func(ctx context.Context, store *index.Store) error {
		c.env.Local.Expect(c.relPath, expected.Update)

		f := &index.FileRecord{
			GlobalID: c.globalID, RelPath: c.relPath, IsDir: c.isDir,
			Size: c.Size, LocalMtime: c.Mtime, LocalHash: c.LocalHash, LocalHashOK: true,
		}

		err := c.env.Local.MaterializeUpdate(ctx, f, c.FromTmpPath)
		if err != nil {
			c.env.Logger.Error("local update failed", slog.String("path", c.relPath), slog.String("error", err.Error()))
			c.finish()
			return err
		}

		c.continueChain(ctx)
		c.finish()

		return nil
	})
}

func (c *LocalUpdate) continueChain(ctx context.Context) {
	clouds, err := c.env.EnrolledClouds(ctx)
	if err != nil {
		c.env.Logger.Error("listing enrolled clouds", slog.String("error", err.Error()))
		return
	}

	for _, cloudID := range clouds {
		if cloudID == c.cloudID || cloudID == change.LocalCloudID {
			continue
		}

		link, err := c.env.Store.GetFileLink(ctx, c.globalID, cloudID)
		if err != nil {
			continue // no link on this cloud yet; a later reconciliation pass adopts it
		}

		cu := newCloudUpdate(c.owner, c.env, c.globalID, c.relPath, c.isDir, cloudID, link.CloudFileID, c.Size, c.Mtime)
		cu.Dispatch()
	}
}

// --- LocalMove ---

// LocalMove renames on disk and updates the FileRecord's rel_path
// (recursively for directories), then fans out CloudMove.
type LocalMove struct {
	base
	OldRelPath string
}

func newLocalMove(owner *change.Change, env *Env, globalID, oldRelPath, newRelPath string, isDir bool, cloudID string) *LocalMove {
	owner.IncPending()
	return &LocalMove{
		base:       base{env: env, owner: owner, globalID: globalID, relPath: newRelPath, isDir: isDir, cloudID: cloudID},
		OldRelPath: oldRelPath,
	}
}

func (c *LocalMove) Kind() Kind             { return KindLocal }
func (c *LocalMove) TargetType() TargetType { return c.targetType() }

func (c *LocalMove) Dispatch() {
	ctx := context.Background()

	c.env.Dispatcher.Submit(ctx, func(ctx context.Context, store *index.Store) error {
		c.env.Local.Expect(c.OldRelPath, expected.Delete)
		c.env.Local.Expect(c.relPath, expected.Move)

		links, linkErr := store.ListFileLinksForGlobalID(ctx, c.globalID)
		if linkErr != nil {
			c.env.Logger.Error("listing file links before move", slog.String("error", linkErr.Error()))
		}

		_, err := c.env.Local.Move(ctx, c.globalID, c.OldRelPath, c.relPath, c.isDir)
		if err != nil {
			c.env.Logger.Error("local move failed", slog.String("old", c.OldRelPath), slog.String("new", c.relPath), slog.String("error", err.Error()))
			c.finish()
			return err
		}

		for _, link := range links {
			if link.CloudID == c.cloudID {
				continue
			}

			cm := newCloudMove(c.owner, c.env, c.globalID, c.relPath, c.isDir, link.CloudID, link.CloudFileID)
			cm.Dispatch()
		}

		c.finish()

		return nil
	})
}

// --- LocalDelete ---

// LocalDelete removes the file from disk and cascades the FileRecord and
// its FileLinks, then fans out CloudDelete using the links captured before
// the cascade.
type LocalDelete struct {
	base
}

func newLocalDelete(owner *change.Change, env *Env, globalID, relPath string, isDir bool, cloudID string) *LocalDelete {
	owner.IncPending()
	return &LocalDelete{base: base{env: env, owner: owner, globalID: globalID, relPath: relPath, isDir: isDir, cloudID: cloudID}}
}

func (c *LocalDelete) Kind() Kind             { return KindLocal }
func (c *LocalDelete) TargetType() TargetType { return c.targetType() }

func (c *LocalDelete) Dispatch() {
	ctx := context.Background()

	c.env.Dispatcher.Submit(ctx, func(ctx context.Context, store *index.Store) error {
		c.env.Local.Expect(c.relPath, expected.Delete)

		links, linkErr := store.ListFileLinksForGlobalID(ctx, c.globalID)
		if linkErr != nil {
			c.env.Logger.Error("listing file links before delete", slog.String("error", linkErr.Error()))
		}

		err := c.env.Local.Delete(ctx, c.globalID, c.relPath)
		if err != nil {
			c.env.Logger.Error("local delete failed", slog.String("path", c.relPath), slog.String("error", err.Error()))
			c.finish()
			return err
		}

		for _, link := range links {
			if link.CloudID == c.cloudID {
				continue
			}

			cd := newCloudDelete(c.owner, c.env, c.globalID, c.relPath, link.CloudID, link.CloudFileID)
			cd.Dispatch()
		}

		c.finish()

		return nil
	})
}

// --- CloudUpload ---

// CloudUpload uploads a local file to one cloud. It is a chain leaf: it
// carries no further command, only its Change's pending counter.
type CloudUpload struct {
	base
	Size  int64
	Mtime int64
}

func newCloudUpload(owner *change.Change, env *Env, globalID, relPath string, isDir bool, cloudID string, size, mtime int64) *CloudUpload {
	owner.IncPending()
	return &CloudUpload{base: base{env: env, owner: owner, globalID: globalID, relPath: relPath, isDir: isDir, cloudID: cloudID}, Size: size, Mtime: mtime}
}

func (c *CloudUpload) Kind() Kind             { return KindCloud }
func (c *CloudUpload) TargetType() TargetType { return c.targetType() }

func (c *CloudUpload) Dispatch() {
	ctx := context.Background()
	adapter := c.env.Cloud(c.cloudID)

	f := &index.FileRecord{GlobalID: c.globalID, RelPath: c.relPath, IsDir: c.isDir, Size: c.Size, LocalMtime: c.Mtime}

	handle, err := adapter.PrepareUpload(ctx, f, c.relPath, func(result CloudResult, err error) {
		c.env.Dispatcher.Submit(ctx, func(ctx context.Context, store *index.Store) error {
			defer c.finish()

			if err != nil {
				c.env.Logger.Error("cloud upload failed", slog.String("path", c.relPath), slog.String("cloud_id", c.cloudID), slog.String("error", err.Error()))
				return err
			}

			return store.UpsertFileLink(ctx, &index.FileLink{
				GlobalID: c.globalID, CloudID: c.cloudID, CloudFileID: result.CloudFileID,
				CloudHash: result.Hash, CloudMtime: result.ModTime, Synced: true,
			})
		})
	})
	if err != nil {
		c.env.Logger.Error("preparing cloud upload", slog.String("path", c.relPath), slog.String("error", err.Error()))
		c.finish()
		return
	}

	// No CloudFileID exists yet for a brand-new remote object, so the
	// expectation is registered by rel_path and must precede Enqueue:
	// the provider could otherwise surface this upload on a delta poll
	// racing ahead of this command's own completion callback.
	adapter.Expect(c.relPath, expected.New)

	c.env.Mux(c.cloudID).Enqueue(ctx, handle) //nolint:errcheck // enqueue failure only on context cancellation during shutdown
}

// --- CloudUpdate ---

// CloudUpdate pushes an updated local file to one cloud.
type CloudUpdate struct {
	base
	CloudFileID string
	Size        int64
	Mtime       int64
}

func newCloudUpdate(owner *change.Change, env *Env, globalID, relPath string, isDir bool, cloudID, cloudFileID string, size, mtime int64) *CloudUpdate {
	owner.IncPending()
	return &CloudUpdate{
		base:        base{env: env, owner: owner, globalID: globalID, relPath: relPath, isDir: isDir, cloudID: cloudID},
		CloudFileID: cloudFileID, Size: size, Mtime: mtime,
	}
}

func (c *CloudUpdate) Kind() Kind             { return KindCloud }
func (c *CloudUpdate) TargetType() TargetType { return c.targetType() }

func (c *CloudUpdate) Dispatch() {
	ctx := context.Background()
	adapter := c.env.Cloud(c.cloudID)

	f := &index.FileRecord{GlobalID: c.globalID, RelPath: c.relPath, IsDir: c.isDir, Size: c.Size, LocalMtime: c.Mtime}
	link := &index.FileLink{GlobalID: c.globalID, CloudID: c.cloudID, CloudFileID: c.CloudFileID}

	handle, err := adapter.PrepareUpdate(ctx, f, link, c.relPath, func(result CloudResult, err error) {
		c.env.Dispatcher.Submit(ctx, func(ctx context.Context, store *index.Store) error {
			defer c.finish()

			if err != nil {
				c.env.Logger.Error("cloud update failed", slog.String("path", c.relPath), slog.String("cloud_id", c.cloudID), slog.String("error", err.Error()))
				return err
			}

			return store.UpsertFileLink(ctx, &index.FileLink{
				GlobalID: c.globalID, CloudID: c.cloudID, CloudFileID: result.CloudFileID,
				CloudHash: result.Hash, CloudMtime: result.ModTime, Synced: true,
			})
		})
	})
	if err != nil {
		c.env.Logger.Error("preparing cloud update", slog.String("path", c.relPath), slog.String("error", err.Error()))
		c.finish()
		return
	}

	// CloudFileID is already known from the existing link, so the
	// expectation can and must be registered before Enqueue.
	adapter.Expect(c.CloudFileID, expected.Update)

	c.env.Mux(c.cloudID).Enqueue(ctx, handle) //nolint:errcheck
}

// --- CloudMove ---

// CloudMove moves/renames the cloud-side object to match a local move.
type CloudMove struct {
	base
	CloudFileID string
}

func newCloudMove(owner *change.Change, env *Env, globalID, newRelPath string, isDir bool, cloudID, cloudFileID string) *CloudMove {
	owner.IncPending()
	return &CloudMove{base: base{env: env, owner: owner, globalID: globalID, relPath: newRelPath, isDir: isDir, cloudID: cloudID}, CloudFileID: cloudFileID}
}

func (c *CloudMove) Kind() Kind             { return KindCloud }
func (c *CloudMove) TargetType() TargetType { return c.targetType() }

func (c *CloudMove) Dispatch() {
	ctx := context.Background()
	adapter := c.env.Cloud(c.cloudID)

	link := &index.FileLink{GlobalID: c.globalID, CloudID: c.cloudID, CloudFileID: c.CloudFileID}

	handle, err := adapter.PrepareMove(ctx, link, c.relPath, func(result CloudResult, err error) {
		c.env.Dispatcher.Submit(ctx, func(ctx context.Context, store *index.Store) error {
			defer c.finish()

			if err != nil {
				c.env.Logger.Error("cloud move failed", slog.String("path", c.relPath), slog.String("cloud_id", c.cloudID), slog.String("error", err.Error()))
				return err
			}

			existing, getErr := store.GetFileLink(ctx, c.globalID, c.cloudID)
			if getErr == nil {
				existing.CloudMtime = result.ModTime
				return store.UpsertFileLink(ctx, existing)
			}

			return nil
		})
	})
	if err != nil {
		c.env.Logger.Error("preparing cloud move", slog.String("path", c.relPath), slog.String("error", err.Error()))
		c.finish()
		return
	}

	// CloudFileID is already known from the existing link, so the
	// expectation can and must be registered before Enqueue.
	adapter.Expect(c.CloudFileID, expected.Move)

	c.env.Mux(c.cloudID).Enqueue(ctx, handle) //nolint:errcheck
}

// --- CloudDelete ---

// CloudDelete removes the cloud-side object matching a local delete. Its
// FileLink row is already gone (cascaded by LocalDelete), so completion
// only needs to log the outcome.
type CloudDelete struct {
	base
	CloudFileID string
}

func newCloudDelete(owner *change.Change, env *Env, globalID, relPath string, cloudID, cloudFileID string) *CloudDelete {
	owner.IncPending()
	return &CloudDelete{base: base{env: env, owner: owner, globalID: globalID, relPath: relPath, cloudID: cloudID}, CloudFileID: cloudFileID}
}

func (c *CloudDelete) Kind() Kind             { return KindCloud }
func (c *CloudDelete) TargetType() TargetType { return c.targetType() }

func (c *CloudDelete) Dispatch() {
	ctx := context.Background()
	adapter := c.env.Cloud(c.cloudID)

	link := &index.FileLink{GlobalID: c.globalID, CloudID: c.cloudID, CloudFileID: c.CloudFileID}

	handle, err := adapter.PrepareDelete(ctx, link, func(err error) {
		c.env.Dispatcher.Submit(ctx, func(ctx context.Context, store *index.Store) error {
			defer c.finish()

			if err != nil {
				c.env.Logger.Error("cloud delete failed", slog.String("path", c.relPath), slog.String("cloud_id", c.cloudID), slog.String("error", err.Error()))
			}

			return err
		})
	})
	if err != nil {
		c.env.Logger.Error("preparing cloud delete", slog.String("path", c.relPath), slog.String("error", err.Error()))
		c.finish()
		return
	}

	// CloudFileID is already known from the existing link, so the
	// expectation can and must be registered before Enqueue.
	adapter.Expect(c.CloudFileID, expected.Delete)

	c.env.Mux(c.cloudID).Enqueue(ctx, handle) //nolint:errcheck
}

// --- CloudDownloadNew ---

// CloudDownloadNew downloads a cloud-originated new file to a sibling tmp
// path, then dispatches a LocalUpload to rename it into place and fan out
// to the other clouds.
type CloudDownloadNew struct {
	base
	CloudFileID string
}

func newCloudDownloadNew(owner *change.Change, env *Env, globalID, relPath string, isDir bool, cloudID, cloudFileID string) *CloudDownloadNew {
	owner.IncPending()
	return &CloudDownloadNew{base: base{env: env, owner: owner, globalID: globalID, relPath: relPath, isDir: isDir, cloudID: cloudID}, CloudFileID: cloudFileID}
}

func (c *CloudDownloadNew) Kind() Kind             { return KindCloud }
func (c *CloudDownloadNew) TargetType() TargetType { return c.targetType() }

func (c *CloudDownloadNew) Dispatch() {
	ctx := context.Background()
	adapter := c.env.Cloud(c.cloudID)

	tmpPath := TmpPath(c.relPath)
	link := &index.FileLink{GlobalID: c.globalID, CloudID: c.cloudID, CloudFileID: c.CloudFileID}

	handle, err := adapter.PrepareDownload(ctx, link, tmpPath, func(result CloudResult, err error) {
		defer c.finish()

		if err != nil {
			c.env.Logger.Error("cloud download failed", slog.String("path", c.relPath), slog.String("cloud_id", c.cloudID), slog.String("error", err.Error()))
			return
		}

		lu := newLocalUpload(c.owner, c.env, c.globalID, c.relPath, c.isDir, c.cloudID)
		lu.FromTmpPath = tmpPath
		lu.Size = result.Size
		lu.Mtime = result.ModTime
		lu.Dispatch()
	})
	if err != nil {
		c.env.Logger.Error("preparing cloud download", slog.String("path", c.relPath), slog.String("error", err.Error()))
		c.finish()
		return
	}

	c.env.Mux(c.cloudID).Enqueue(ctx, handle) //nolint:errcheck
}

// --- CloudDownloadUpdate ---

// CloudDownloadUpdate downloads a cloud-originated update to a sibling tmp
// path, then dispatches a LocalUpdate to atomically replace the local file
// and fan out to the other clouds.
type CloudDownloadUpdate struct {
	base
	CloudFileID string
}

func newCloudDownloadUpdate(owner *change.Change, env *Env, globalID, relPath string, isDir bool, cloudID, cloudFileID string) *CloudDownloadUpdate {
	owner.IncPending()
	return &CloudDownloadUpdate{base: base{env: env, owner: owner, globalID: globalID, relPath: relPath, isDir: isDir, cloudID: cloudID}, CloudFileID: cloudFileID}
}

func (c *CloudDownloadUpdate) Kind() Kind             { return KindCloud }
func (c *CloudDownloadUpdate) TargetType() TargetType { return c.targetType() }

func (c *CloudDownloadUpdate) Dispatch() {
	ctx := context.Background()
	adapter := c.env.Cloud(c.cloudID)

	tmpPath := TmpPath(c.relPath)
	link := &index.FileLink{GlobalID: c.globalID, CloudID: c.cloudID, CloudFileID: c.CloudFileID}

	handle, err := adapter.PrepareDownload(ctx, link, tmpPath, func(result CloudResult, err error) {
		defer c.finish()

		if err != nil {
			c.env.Logger.Error("cloud download (update) failed", slog.String("path", c.relPath), slog.String("cloud_id", c.cloudID), slog.String("error", err.Error()))
			return
		}

		lu := newLocalUpdate(c.owner, c.env, c.globalID, c.relPath, c.isDir, c.cloudID)
		lu.FromTmpPath = tmpPath
		lu.Size = result.Size
		lu.Mtime = result.ModTime
		lu.Dispatch()
	})
	if err != nil {
		c.env.Logger.Error("preparing cloud download (update)", slog.String("path", c.relPath), slog.String("error", err.Error()))
		c.finish()
		return
	}

	c.env.Mux(c.cloudID).Enqueue(ctx, handle) //nolint:errcheck
}
