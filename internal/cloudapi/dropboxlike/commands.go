package dropboxlike

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/syncharbor/syncharbor/internal/cloudapi"
	"github.com/syncharbor/syncharbor/internal/command"
	"github.com/syncharbor/syncharbor/internal/httpmux"
	"github.com/syncharbor/syncharbor/internal/index"
)

func copyResponseBody(dst io.Writer, resp *http.Response) (int64, error) {
	return io.Copy(dst, resp.Body)
}

func toCloudResult(rf cloudapi.RemoteFile) command.CloudResult {
	return command.CloudResult{
		CloudFileID: rf.CloudFileID,
		Hash:        rf.Hash,
		ModTime:     rf.ModTime,
		Size:        rf.Size,
	}
}

func (a *Adapter) newContentHandle(ctx context.Context, method, url string, apiArg any, body []byte) (*httpmux.RequestHandle, error) {
	auth, err := a.content.AuthHeader(ctx)
	if err != nil {
		return nil, err
	}

	argBytes, err := json.Marshal(apiArg)
	if err != nil {
		return nil, fmt.Errorf("dropboxlike: marshaling Dropbox-API-Arg: %w", err)
	}

	h := &httpmux.RequestHandle{
		ID:     uuid.New().String(),
		Method: method,
		URL:    url,
		Header: http.Header{"Authorization": []string{auth}, "Dropbox-API-Arg": []string{string(argBytes)}},
		Body:   body,
	}

	return h, nil
}

type uploadArg struct {
	Path           string `json:"path"`
	Mode           string `json:"mode"`
	Autorename     bool   `json:"autorename"`
	Mute           bool   `json:"mute"`
	ClientModified string `json:"client_modified"`
}

// PrepareUpload builds an upload POST against the content host for a
// newly created local file. Dropbox's single-shot /files/upload endpoint
// caps at 150 MiB; larger files need an upload-session API this adapter
// doesn't implement, for the same in-memory-body reason graphlike's
// PrepareUpload documents.
func (a *Adapter) PrepareUpload(ctx context.Context, f *index.FileRecord, localPath string, onDone func(command.CloudResult, error)) (*httpmux.RequestHandle, error) {
	return a.prepareUploadLike(ctx, f, localPath, "add", onDone)
}

// PrepareUpdate builds an upload POST with mode "overwrite" to replace an
// existing file's content in place.
func (a *Adapter) PrepareUpdate(ctx context.Context, f *index.FileRecord, link *index.FileLink, localPath string, onDone func(command.CloudResult, error)) (*httpmux.RequestHandle, error) {
	return a.prepareUploadLike(ctx, f, localPath, "overwrite", onDone)
}

func (a *Adapter) prepareUploadLike(ctx context.Context, f *index.FileRecord, localPath, mode string, onDone func(command.CloudResult, error)) (*httpmux.RequestHandle, error) {
	body, err := os.ReadFile(localPath)
	if err != nil {
		return nil, fmt.Errorf("dropboxlike: reading %s for upload: %w", localPath, err)
	}

	arg := uploadArg{
		Path:           dropboxPath(f.RelPath),
		Mode:           mode,
		Mute:           true,
		ClientModified: time.Unix(0, f.LocalMtime).UTC().Format(time.RFC3339),
	}

	url := a.content.BaseURL() + "/files/upload"

	h, err := a.newContentHandle(ctx, http.MethodPost, url, arg, body)
	if err != nil {
		return nil, err
	}
	h.Header.Set("Content-Type", "application/octet-stream")

	h.OnDone = func(ctx context.Context, resp *http.Response, err error) {
		if err != nil {
			onDone(command.CloudResult{}, err)
			return
		}
		defer resp.Body.Close()

		var entry metadataEntry
		if decErr := json.NewDecoder(resp.Body).Decode(&entry); decErr != nil {
			onDone(command.CloudResult{}, fmt.Errorf("dropboxlike: decoding upload response: %w", decErr))
			return
		}

		rf := entry.toRemoteFile()

		a.mu.Lock()
		a.idByPath[f.RelPath] = rf.CloudFileID
		a.mu.Unlock()

		onDone(toCloudResult(rf), nil)
	}

	return h, nil
}

type moveV2Request struct {
	FromPath string `json:"from_path"`
	ToPath   string `json:"to_path"`
}

type moveV2Response struct {
	Metadata metadataEntry `json:"metadata"`
}

// PrepareMove builds a POST to /files/move_v2. Dropbox identifies the
// source by its current path, which is looked up in the adapter's own
// path index by link's CloudFileID.
func (a *Adapter) PrepareMove(ctx context.Context, link *index.FileLink, newRelPath string, onDone func(command.CloudResult, error)) (*httpmux.RequestHandle, error) {
	a.mu.Lock()
	var fromPath string
	for p, id := range a.idByPath {
		if id == link.CloudFileID {
			fromPath = p
			break
		}
	}
	a.mu.Unlock()

	if fromPath == "" {
		return nil, fmt.Errorf("dropboxlike: no known path for cloud file %s", link.CloudFileID)
	}

	reqBody, err := json.Marshal(moveV2Request{FromPath: dropboxPath(fromPath), ToPath: dropboxPath(newRelPath)})
	if err != nil {
		return nil, fmt.Errorf("dropboxlike: marshaling move_v2 request: %w", err)
	}

	auth, err := a.rpc.AuthHeader(ctx)
	if err != nil {
		return nil, err
	}

	h := &httpmux.RequestHandle{
		ID:     uuid.New().String(),
		Method: http.MethodPost,
		URL:    a.rpc.BaseURL() + "/files/move_v2",
		Header: http.Header{"Authorization": []string{auth}, "Content-Type": []string{"application/json"}},
		Body:   reqBody,
	}

	h.OnDone = func(ctx context.Context, resp *http.Response, err error) {
		if err != nil {
			onDone(command.CloudResult{}, err)
			return
		}
		defer resp.Body.Close()

		var mr moveV2Response
		if decErr := json.NewDecoder(resp.Body).Decode(&mr); decErr != nil {
			onDone(command.CloudResult{}, fmt.Errorf("dropboxlike: decoding move_v2 response: %w", decErr))
			return
		}

		rf := mr.Metadata.toRemoteFile()

		a.mu.Lock()
		delete(a.idByPath, fromPath)
		a.idByPath[newRelPath] = rf.CloudFileID
		a.mu.Unlock()

		onDone(toCloudResult(rf), nil)
	}

	return h, nil
}

type deleteV2Request struct {
	Path string `json:"path"`
}

// PrepareDelete builds a POST to /files/delete_v2, resolving the live path
// from the adapter's own path index the same way PrepareMove does.
func (a *Adapter) PrepareDelete(ctx context.Context, link *index.FileLink, onDone func(error)) (*httpmux.RequestHandle, error) {
	a.mu.Lock()
	var relPath string
	for p, id := range a.idByPath {
		if id == link.CloudFileID {
			relPath = p
			break
		}
	}
	a.mu.Unlock()

	if relPath == "" {
		return nil, fmt.Errorf("dropboxlike: no known path for cloud file %s", link.CloudFileID)
	}

	reqBody, err := json.Marshal(deleteV2Request{Path: dropboxPath(relPath)})
	if err != nil {
		return nil, fmt.Errorf("dropboxlike: marshaling delete_v2 request: %w", err)
	}

	auth, err := a.rpc.AuthHeader(ctx)
	if err != nil {
		return nil, err
	}

	h := &httpmux.RequestHandle{
		ID:     uuid.New().String(),
		Method: http.MethodPost,
		URL:    a.rpc.BaseURL() + "/files/delete_v2",
		Header: http.Header{"Authorization": []string{auth}, "Content-Type": []string{"application/json"}},
		Body:   reqBody,
	}

	h.OnDone = func(ctx context.Context, resp *http.Response, err error) {
		if err == nil && resp != nil {
			resp.Body.Close()
		}

		if err == nil {
			a.mu.Lock()
			delete(a.idByPath, relPath)
			a.mu.Unlock()
		}

		onDone(err)
	}

	return h, nil
}

type downloadArg struct {
	Path string `json:"path"`
}

// PrepareDownload builds a POST to /files/download. The response carries
// content directly in its body, with metadata JSON in the
// "Dropbox-API-Result" header rather than the body itself — the inverse of
// upload's layout.
func (a *Adapter) PrepareDownload(ctx context.Context, link *index.FileLink, destTmpPath string, onDone func(command.CloudResult, error)) (*httpmux.RequestHandle, error) {
	a.mu.Lock()
	var relPath string
	for p, id := range a.idByPath {
		if id == link.CloudFileID {
			relPath = p
			break
		}
	}
	a.mu.Unlock()

	if relPath == "" {
		return nil, fmt.Errorf("dropboxlike: no known path for cloud file %s", link.CloudFileID)
	}

	url := a.content.BaseURL() + "/files/download"

	h, err := a.newContentHandle(ctx, http.MethodPost, url, downloadArg{Path: dropboxPath(relPath)}, nil)
	if err != nil {
		return nil, err
	}

	h.OnDone = func(ctx context.Context, resp *http.Response, err error) {
		if err != nil {
			onDone(command.CloudResult{}, err)
			return
		}
		defer resp.Body.Close()

		var entry metadataEntry
		if raw := resp.Header.Get("Dropbox-API-Result"); raw != "" {
			_ = json.Unmarshal([]byte(raw), &entry)
		}

		out, createErr := os.Create(destTmpPath)
		if createErr != nil {
			onDone(command.CloudResult{}, fmt.Errorf("dropboxlike: creating tmp download file: %w", createErr))
			return
		}
		defer out.Close()

		if _, copyErr := copyResponseBody(out, resp); copyErr != nil {
			onDone(command.CloudResult{}, fmt.Errorf("dropboxlike: writing downloaded content: %w", copyErr))
			return
		}

		onDone(toCloudResult(entry.toRemoteFile()), nil)
	}

	return h, nil
}
