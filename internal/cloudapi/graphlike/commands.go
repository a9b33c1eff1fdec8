package graphlike

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"time"

	"github.com/google/uuid"

	"github.com/syncharbor/syncharbor/internal/cloudapi"
	"github.com/syncharbor/syncharbor/internal/command"
	"github.com/syncharbor/syncharbor/internal/httpmux"
	"github.com/syncharbor/syncharbor/internal/index"
)

// toCloudResult adapts a normalized RemoteFile into the CloudResult shape
// a Command's completionCallback expects.
func toCloudResult(rf cloudapi.RemoteFile, parentID string) command.CloudResult {
	if rf.ParentID == "" {
		rf.ParentID = parentID
	}

	return command.CloudResult{
		CloudFileID:   rf.CloudFileID,
		CloudParentID: rf.ParentID,
		Hash:          rf.Hash,
		ModTime:       rf.ModTime,
		Size:          rf.Size,
	}
}

func copyBody(dst io.Writer, resp *http.Response) (int64, error) {
	return io.Copy(dst, resp.Body)
}

// parentIDFor resolves the CloudFileID of relPath's parent directory from
// the adapter's path index, falling back to the drive root when relPath is
// top-level.
func (a *Adapter) parentIDFor(relPath string) (string, bool) {
	dir := path.Dir(relPath)
	if dir == "." {
		dir = ""
	}

	a.mu.Lock()
	id, ok := a.pathIndex[dir]
	a.mu.Unlock()

	return id, ok
}

func (a *Adapter) newHandle(ctx context.Context, method, url string, body []byte) (*httpmux.RequestHandle, error) {
	auth, err := a.rest.AuthHeader(ctx)
	if err != nil {
		return nil, err
	}

	h := &httpmux.RequestHandle{
		ID:     uuid.New().String(),
		Method: method,
		URL:    url,
		Header: http.Header{"Authorization": []string{auth}},
		Body:   body,
	}

	return h, nil
}

// PrepareUpload builds a simple-upload PUT request for a newly created
// local file. Graph-like providers cap simple (single-request) upload at
// 4 MiB; larger files still upload this way since httpmux.RequestHandle
// holds its body as an in-memory byte slice for retry, which rules out a
// streamed resumable session — a known limitation of this transport, not
// of the provider.
func (a *Adapter) PrepareUpload(ctx context.Context, f *index.FileRecord, localPath string, onDone func(command.CloudResult, error)) (*httpmux.RequestHandle, error) {
	body, err := os.ReadFile(localPath)
	if err != nil {
		return nil, fmt.Errorf("graphlike: reading %s for upload: %w", localPath, err)
	}

	parentID, ok := a.parentIDFor(f.RelPath)
	if !ok {
		return nil, fmt.Errorf("graphlike: parent of %s not in path index", f.RelPath)
	}

	name := path.Base(f.RelPath)
	url := a.rest.BaseURL() + a.itemPath(parentID, name) + "/content"

	h, err := a.newHandle(ctx, http.MethodPut, url, body)
	if err != nil {
		return nil, err
	}
	h.Header.Set("Content-Type", "application/octet-stream")

	var mtime time.Time
	if f.LocalMtime != 0 {
		mtime = time.Unix(0, f.LocalMtime)
	}

	h.OnDone = func(ctx context.Context, resp *http.Response, err error) {
		if err != nil {
			onDone(command.CloudResult{}, err)
			return
		}
		defer resp.Body.Close()

		var dir driveItemResponse
		if decErr := json.NewDecoder(resp.Body).Decode(&dir); decErr != nil {
			onDone(command.CloudResult{}, fmt.Errorf("graphlike: decoding upload response: %w", decErr))
			return
		}

		rf := dir.toRemoteFile()

		a.mu.Lock()
		a.pathIndex[f.RelPath] = rf.CloudFileID
		a.mu.Unlock()

		if patched, patchErr := a.patchMtime(ctx, rf.CloudFileID, mtime); patchErr == nil {
			rf = patched
		}

		onDone(toCloudResult(rf, parentID), nil)
	}

	return h, nil
}

// PrepareUpdate builds a simple-upload PUT to replace an existing file's
// content, identical in shape to PrepareUpload but addressed by the
// already-known CloudFileID rather than a fresh (parentID, name) pair.
func (a *Adapter) PrepareUpdate(ctx context.Context, f *index.FileRecord, link *index.FileLink, localPath string, onDone func(command.CloudResult, error)) (*httpmux.RequestHandle, error) {
	body, err := os.ReadFile(localPath)
	if err != nil {
		return nil, fmt.Errorf("graphlike: reading %s for update: %w", localPath, err)
	}

	url := fmt.Sprintf("%s%s/content", a.rest.BaseURL(), a.itemByIDPath(link.CloudFileID))

	h, err := a.newHandle(ctx, http.MethodPut, url, body)
	if err != nil {
		return nil, err
	}
	h.Header.Set("Content-Type", "application/octet-stream")

	var mtime time.Time
	if f.LocalMtime != 0 {
		mtime = time.Unix(0, f.LocalMtime)
	}

	h.OnDone = func(ctx context.Context, resp *http.Response, err error) {
		if err != nil {
			onDone(command.CloudResult{}, err)
			return
		}
		defer resp.Body.Close()

		var dir driveItemResponse
		if decErr := json.NewDecoder(resp.Body).Decode(&dir); decErr != nil {
			onDone(command.CloudResult{}, fmt.Errorf("graphlike: decoding update response: %w", decErr))
			return
		}

		rf := dir.toRemoteFile()
		if patched, patchErr := a.patchMtime(ctx, rf.CloudFileID, mtime); patchErr == nil {
			rf = patched
		}

		onDone(toCloudResult(rf, rf.ParentID), nil)
	}

	return h, nil
}

type moveRequest struct {
	ParentReference *parentRef `json:"parentReference,omitempty"`
	Name            string     `json:"name,omitempty"`
}

// PrepareMove builds a PATCH that reparents and/or renames an item in one
// call — Graph-like providers accept either or both fields in a single
// request.
func (a *Adapter) PrepareMove(ctx context.Context, link *index.FileLink, newRelPath string, onDone func(command.CloudResult, error)) (*httpmux.RequestHandle, error) {
	newParentID, ok := a.parentIDFor(newRelPath)
	if !ok {
		return nil, fmt.Errorf("graphlike: destination parent of %s not in path index", newRelPath)
	}

	reqBody := moveRequest{
		ParentReference: &parentRef{ID: newParentID},
		Name:            path.Base(newRelPath),
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("graphlike: marshaling move request: %w", err)
	}

	url := a.rest.BaseURL() + a.itemByIDPath(link.CloudFileID)

	h, err := a.newHandle(ctx, http.MethodPatch, url, bodyBytes)
	if err != nil {
		return nil, err
	}
	h.Header.Set("Content-Type", "application/json")

	h.OnDone = func(ctx context.Context, resp *http.Response, err error) {
		if err != nil {
			onDone(command.CloudResult{}, err)
			return
		}
		defer resp.Body.Close()

		var dir driveItemResponse
		if decErr := json.NewDecoder(resp.Body).Decode(&dir); decErr != nil {
			onDone(command.CloudResult{}, fmt.Errorf("graphlike: decoding move response: %w", decErr))
			return
		}

		rf := dir.toRemoteFile()

		a.mu.Lock()
		a.pathIndex[newRelPath] = rf.CloudFileID
		a.mu.Unlock()

		onDone(toCloudResult(rf, newParentID), nil)
	}

	return h, nil
}

// PrepareDelete builds a DELETE against the item's own URL. A 204 response
// carries no body. This adapter just reports the terminal HTTP outcome: a
// 404 reaches onDone as an error like any other failure status, and the
// Command chain does not treat it as already-gone.
func (a *Adapter) PrepareDelete(ctx context.Context, link *index.FileLink, onDone func(error)) (*httpmux.RequestHandle, error) {
	url := a.rest.BaseURL() + a.itemByIDPath(link.CloudFileID)

	h, err := a.newHandle(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return nil, err
	}

	h.OnDone = func(ctx context.Context, resp *http.Response, err error) {
		if err == nil && resp != nil {
			resp.Body.Close()
		}
		onDone(err)
	}

	return h, nil
}

// PrepareDownload builds a GET against the item's own metadata URL. Since
// a RequestHandle can only perform one request, and the download itself
// needs a separate pre-authenticated URL obtained from that metadata,
// OnDone performs the second (pre-authenticated, unauthenticated-header) hop
// synchronously once the first response's downloadUrl is known.
func (a *Adapter) PrepareDownload(ctx context.Context, link *index.FileLink, destTmpPath string, onDone func(command.CloudResult, error)) (*httpmux.RequestHandle, error) {
	url := a.rest.BaseURL() + a.itemByIDPath(link.CloudFileID)

	h, err := a.newHandle(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	h.OnDone = func(ctx context.Context, resp *http.Response, err error) {
		if err != nil {
			onDone(command.CloudResult{}, err)
			return
		}
		defer resp.Body.Close()

		var dir driveItemResponse
		if decErr := json.NewDecoder(resp.Body).Decode(&dir); decErr != nil {
			onDone(command.CloudResult{}, fmt.Errorf("graphlike: decoding download metadata: %w", decErr))
			return
		}

		if dir.DownloadURL == "" {
			onDone(command.CloudResult{}, fmt.Errorf("graphlike: item %s has no download URL", link.CloudFileID))
			return
		}

		rf := dir.toRemoteFile()

		if err := a.streamToFile(ctx, dir.DownloadURL, destTmpPath); err != nil {
			onDone(command.CloudResult{}, err)
			return
		}

		onDone(toCloudResult(rf, rf.ParentID), nil)
	}

	return h, nil
}

// streamToFile downloads from a pre-authenticated URL (no Authorization
// header needed or sent) straight into destTmpPath. The URL itself is
// never logged since it embeds a short-lived auth token.
func (a *Adapter) streamToFile(ctx context.Context, downloadURL, destTmpPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, http.NoBody)
	if err != nil {
		return fmt.Errorf("graphlike: creating download request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("graphlike: downloading content: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("graphlike: download returned status %d", resp.StatusCode)
	}

	out, err := os.Create(destTmpPath)
	if err != nil {
		return fmt.Errorf("graphlike: creating tmp download file: %w", err)
	}
	defer out.Close()

	if _, err := copyBody(out, resp); err != nil {
		return fmt.Errorf("graphlike: writing downloaded content: %w", err)
	}

	return nil
}

type fileSystemInfoUpdate struct {
	FileSystemInfo fileSystemInfo `json:"fileSystemInfo"`
}

// patchMtime sets fileSystemInfo.lastModifiedDateTime after a simple
// upload, since the PUT .../content endpoint cannot carry metadata in the
// same request. Runs synchronously (bypassing the multiplexer) via
// RestClient since it's a small follow-up to an already-completed handle.
func (a *Adapter) patchMtime(ctx context.Context, cloudFileID string, mtime time.Time) (cloudapi.RemoteFile, error) {
	if mtime.IsZero() {
		return cloudapi.RemoteFile{}, fmt.Errorf("graphlike: zero mtime")
	}

	body := fileSystemInfoUpdate{FileSystemInfo: fileSystemInfo{LastModifiedDateTime: mtime.UTC().Format(time.RFC3339)}}

	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return cloudapi.RemoteFile{}, err
	}

	resp, err := a.rest.Do(ctx, http.MethodPatch, a.itemByIDPath(cloudFileID), jsonReader(bodyBytes), http.Header{"Content-Type": []string{"application/json"}})
	if err != nil {
		return cloudapi.RemoteFile{}, err
	}
	defer resp.Body.Close()

	var dir driveItemResponse
	if err := json.NewDecoder(resp.Body).Decode(&dir); err != nil {
		return cloudapi.RemoteFile{}, err
	}

	return dir.toRemoteFile(), nil
}
