package graphlike

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/syncharbor/syncharbor/internal/cloudapi"
)

// EnsureRootExists fetches (never creates — Graph-like drives always have
// a root) the sync root folder and returns its RemoteFile.
func (a *Adapter) EnsureRootExists(ctx context.Context) (cloudapi.RemoteFile, error) {
	resp, err := a.rest.Do(ctx, http.MethodGet, a.rootPath(), nil, nil)
	if err != nil {
		return cloudapi.RemoteFile{}, fmt.Errorf("graphlike: fetching root: %w", err)
	}
	defer resp.Body.Close()

	var dir driveItemResponse
	if err := json.NewDecoder(resp.Body).Decode(&dir); err != nil {
		return cloudapi.RemoteFile{}, fmt.Errorf("graphlike: decoding root item: %w", err)
	}

	root := dir.toRemoteFile()

	a.mu.Lock()
	a.pathIndex = map[string]string{"": root.CloudFileID}
	a.mu.Unlock()

	return root, nil
}

// InitialFiles walks the whole drive tree breadth-first from the root and
// returns every file and folder found, seeding the adapter's StateCache so
// the first subsequent delta poll only reports genuine changes.
func (a *Adapter) InitialFiles(ctx context.Context) ([]cloudapi.RemoteFile, error) {
	a.mu.Lock()
	rootID, ok := a.pathIndex[""]
	a.mu.Unlock()

	if !ok {
		root, err := a.EnsureRootExists(ctx)
		if err != nil {
			return nil, err
		}
		rootID = root.CloudFileID
	}

	var all []cloudapi.RemoteFile

	type queueEntry struct {
		id      string
		relPath string
	}

	queue := []queueEntry{{id: rootID, relPath: ""}}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		children, err := a.listChildren(ctx, cur.id)
		if err != nil {
			return nil, fmt.Errorf("graphlike: listing children of %q: %w", cur.relPath, err)
		}

		for _, ch := range children {
			childRelPath := ch.Name
			if cur.relPath != "" {
				childRelPath = cur.relPath + "/" + ch.Name
			}

			a.mu.Lock()
			a.pathIndex[childRelPath] = ch.CloudFileID
			a.mu.Unlock()

			all = append(all, ch)

			if ch.IsDir {
				queue = append(queue, queueEntry{id: ch.CloudFileID, relPath: childRelPath})
			}
		}
	}

	a.cache.Seed(all)

	return all, nil
}

// listChildren pages through one folder's children via @odata.nextLink.
func (a *Adapter) listChildren(ctx context.Context, parentID string) ([]cloudapi.RemoteFile, error) {
	var out []cloudapi.RemoteFile

	path := a.childrenPath(parentID)

	for path != "" {
		resp, err := a.rest.Do(ctx, http.MethodGet, path, nil, nil)
		if err != nil {
			return nil, err
		}

		var page childrenPage
		decErr := json.NewDecoder(resp.Body).Decode(&page)
		resp.Body.Close()

		if decErr != nil {
			return nil, fmt.Errorf("graphlike: decoding children page: %w", decErr)
		}

		for _, item := range page.Value {
			out = append(out, item.toRemoteFile())
		}

		path = stripBaseURL(page.NextLink, a.rest)
	}

	return out, nil
}

// stripBaseURL trims the client's own base URL prefix from a full
// @odata.nextLink so the result can be re-fed to RestClient.Do, which
// expects a path relative to that base.
func stripBaseURL(link string, rest *cloudapi.RestClient) string {
	if link == "" {
		return ""
	}

	base := rest.BaseURL()
	if strings.HasPrefix(link, base) {
		return strings.TrimPrefix(link, base)
	}

	return link
}

// CreatePath creates each missing folder in missingSuffix in turn, starting
// from the deepest ancestor of fullPath already known to the adapter's
// path index (built by InitialFiles/ProcessChanges). Returns the
// RemoteFile for each newly created folder, in order.
func (a *Adapter) CreatePath(ctx context.Context, fullPath string, missingSuffix []string) ([]cloudapi.RemoteFile, error) {
	segments := strings.Split(fullPath, "/")
	knownDepth := len(segments) - len(missingSuffix)
	if knownDepth < 0 {
		knownDepth = 0
	}

	knownRelPath := strings.Join(segments[:knownDepth], "/")

	a.mu.Lock()
	parentID, ok := a.pathIndex[knownRelPath]
	a.mu.Unlock()

	if !ok {
		return nil, cloudapi.ErrParentUnknown
	}

	created := make([]cloudapi.RemoteFile, 0, len(missingSuffix))
	relPath := knownRelPath

	for _, name := range missingSuffix {
		rf, err := a.createFolder(ctx, parentID, name)
		if err != nil {
			return created, fmt.Errorf("graphlike: creating folder %q: %w", name, err)
		}

		if relPath == "" {
			relPath = name
		} else {
			relPath = relPath + "/" + name
		}

		a.mu.Lock()
		a.pathIndex[relPath] = rf.CloudFileID
		a.mu.Unlock()

		created = append(created, rf)
		parentID = rf.CloudFileID
	}

	return created, nil
}

type createFolderRequest struct {
	Name             string          `json:"name"`
	Folder           struct{}        `json:"folder"`
	ConflictBehavior string          `json:"@microsoft.graph.conflictBehavior"`
}

func (a *Adapter) createFolder(ctx context.Context, parentID, name string) (cloudapi.RemoteFile, error) {
	body := createFolderRequest{Name: name, ConflictBehavior: "fail"}

	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return cloudapi.RemoteFile{}, fmt.Errorf("graphlike: marshaling create-folder request: %w", err)
	}

	path := fmt.Sprintf("/drives/%s/items/%s/children", a.driveID, parentID)

	resp, err := a.rest.Do(ctx, http.MethodPost, path, jsonReader(bodyBytes), nil)
	if err != nil {
		return cloudapi.RemoteFile{}, err
	}
	defer resp.Body.Close()

	var dir driveItemResponse
	if err := json.NewDecoder(resp.Body).Decode(&dir); err != nil {
		return cloudapi.RemoteFile{}, fmt.Errorf("graphlike: decoding create-folder response: %w", err)
	}

	return dir.toRemoteFile(), nil
}
