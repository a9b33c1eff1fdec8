package dropboxlike

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/syncharbor/syncharbor/internal/cloudapi"
)

// EnsureRootExists returns a synthetic RemoteFile for the sync root:
// Dropbox has no metadata endpoint for the root folder itself (it's
// addressed as the empty path), so there's nothing to fetch.
func (a *Adapter) EnsureRootExists(ctx context.Context) (cloudapi.RemoteFile, error) {
	root := cloudapi.RemoteFile{CloudFileID: "root", Path: "", Name: "", IsDir: true}

	a.mu.Lock()
	a.idByPath[""] = root.CloudFileID
	a.mu.Unlock()

	return root, nil
}

// InitialFiles lists every file and folder beneath the root in one
// recursive call (paginated via has_more/cursor), seeding the StateCache
// so the first change-feed poll only reports genuine changes.
func (a *Adapter) InitialFiles(ctx context.Context) ([]cloudapi.RemoteFile, error) {
	reqBody, err := json.Marshal(listFolderRequest{Path: "", Recursive: true})
	if err != nil {
		return nil, fmt.Errorf("dropboxlike: marshaling list_folder request: %w", err)
	}

	var all []cloudapi.RemoteFile

	resp, err := a.rpc.Do(ctx, http.MethodPost, "/files/list_folder", bytes.NewReader(reqBody), jsonHeader())
	if err != nil {
		return nil, fmt.Errorf("dropboxlike: listing folder: %w", err)
	}

	page, err := decodeListFolderResponse(resp)
	if err != nil {
		return nil, err
	}

	all = appendEntries(all, page.Entries)

	for page.HasMore {
		page, err = a.listFolderContinue(ctx, page.Cursor)
		if err != nil {
			return nil, err
		}
		all = appendEntries(all, page.Entries)
	}

	a.mu.Lock()
	for _, rf := range all {
		a.idByPath[strings.TrimPrefix(rf.Path, "/")] = rf.CloudFileID
	}
	a.mu.Unlock()

	a.cache.Seed(all)

	return all, nil
}

func (a *Adapter) listFolderContinue(ctx context.Context, cursor string) (listFolderResponse, error) {
	reqBody, err := json.Marshal(listFolderContinueRequest{Cursor: cursor})
	if err != nil {
		return listFolderResponse{}, fmt.Errorf("dropboxlike: marshaling list_folder/continue request: %w", err)
	}

	resp, err := a.rpc.Do(ctx, http.MethodPost, "/files/list_folder/continue", bytes.NewReader(reqBody), jsonHeader())
	if err != nil {
		return listFolderResponse{}, fmt.Errorf("dropboxlike: continuing folder listing: %w", err)
	}

	return decodeListFolderResponse(resp)
}

func decodeListFolderResponse(resp *http.Response) (listFolderResponse, error) {
	defer resp.Body.Close()

	var page listFolderResponse
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return listFolderResponse{}, fmt.Errorf("dropboxlike: decoding list_folder response: %w", err)
	}

	return page, nil
}

func appendEntries(all []cloudapi.RemoteFile, entries []metadataEntry) []cloudapi.RemoteFile {
	for i := range entries {
		all = append(all, entries[i].toRemoteFile())
	}
	return all
}

func jsonHeader() http.Header {
	return http.Header{"Content-Type": []string{"application/json"}}
}

// CreatePath creates each missing folder in missingSuffix in turn. Unlike
// graphlike, no parent ID lookup is needed — Dropbox addresses folder
// creation by its own full path — but parents still have to be created in
// order since create_folder_v2 does not create missing ancestors itself.
func (a *Adapter) CreatePath(ctx context.Context, fullPath string, missingSuffix []string) ([]cloudapi.RemoteFile, error) {
	segments := strings.Split(fullPath, "/")
	knownDepth := len(segments) - len(missingSuffix)
	if knownDepth < 0 {
		knownDepth = 0
	}

	relPath := strings.Join(segments[:knownDepth], "/")
	created := make([]cloudapi.RemoteFile, 0, len(missingSuffix))

	for _, name := range missingSuffix {
		if relPath == "" {
			relPath = name
		} else {
			relPath = relPath + "/" + name
		}

		rf, err := a.createFolder(ctx, relPath)
		if err != nil {
			return created, fmt.Errorf("dropboxlike: creating folder %q: %w", relPath, err)
		}

		a.mu.Lock()
		a.idByPath[relPath] = rf.CloudFileID
		a.mu.Unlock()

		created = append(created, rf)
	}

	return created, nil
}

type createFolderRequest struct {
	Path string `json:"path"`
}

type createFolderResponse struct {
	Metadata metadataEntry `json:"metadata"`
}

func (a *Adapter) createFolder(ctx context.Context, relPath string) (cloudapi.RemoteFile, error) {
	reqBody, err := json.Marshal(createFolderRequest{Path: dropboxPath(relPath)})
	if err != nil {
		return cloudapi.RemoteFile{}, fmt.Errorf("dropboxlike: marshaling create_folder_v2 request: %w", err)
	}

	resp, err := a.rpc.Do(ctx, http.MethodPost, "/files/create_folder_v2", bytes.NewReader(reqBody), jsonHeader())
	if err != nil {
		return cloudapi.RemoteFile{}, err
	}
	defer resp.Body.Close()

	var cfr createFolderResponse
	if err := json.NewDecoder(resp.Body).Decode(&cfr); err != nil {
		return cloudapi.RemoteFile{}, fmt.Errorf("dropboxlike: decoding create_folder_v2 response: %w", err)
	}

	rf := cfr.Metadata.toRemoteFile()
	rf.IsDir = true

	return rf, nil
}
