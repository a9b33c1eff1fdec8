package dropboxlike

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/syncharbor/syncharbor/internal/cloudapi"
)

// GetDeltaToken establishes the change-feed cursor without walking the
// tree again, via /files/list_folder/get_latest_cursor — InitialFiles
// already did the full walk directly.
func (a *Adapter) GetDeltaToken(ctx context.Context) (string, error) {
	reqBody, err := json.Marshal(listFolderRequest{Path: "", Recursive: true})
	if err != nil {
		return "", fmt.Errorf("dropboxlike: marshaling get_latest_cursor request: %w", err)
	}

	resp, err := a.rpc.Do(ctx, http.MethodPost, "/files/list_folder/get_latest_cursor", bytes.NewReader(reqBody), jsonHeader())
	if err != nil {
		return "", fmt.Errorf("dropboxlike: fetching latest cursor: %w", err)
	}
	defer resp.Body.Close()

	var lcr latestCursorResponse
	if err := json.NewDecoder(resp.Body).Decode(&lcr); err != nil {
		return "", fmt.Errorf("dropboxlike: decoding latest cursor response: %w", err)
	}

	a.mu.Lock()
	a.deltaToken = lcr.Cursor
	a.mu.Unlock()

	return lcr.Cursor, nil
}

// GetChanges polls /files/list_folder/continue once from the current
// cursor, paging until has_more is false, and reports whether anything was
// found.
func (a *Adapter) GetChanges(ctx context.Context) (bool, error) {
	a.mu.Lock()
	cursor := a.deltaToken
	a.mu.Unlock()

	if cursor == "" {
		return false, fmt.Errorf("dropboxlike: GetChanges called before GetDeltaToken")
	}

	var buffered []cloudapi.RemoteFile

	for {
		page, err := a.listFolderContinue(ctx, cursor)
		if err != nil {
			return false, err
		}

		buffered = appendEntries(buffered, page.Entries)
		cursor = page.Cursor

		if !page.HasMore {
			break
		}
	}

	a.mu.Lock()
	a.deltaToken = cursor
	a.pendingRaw = append(a.pendingRaw, buffered...)
	a.mu.Unlock()

	found := len(buffered) > 0
	if found {
		a.notifyChange()
	}

	return found, nil
}

// ProcessChanges classifies every raw entry buffered by GetChanges since
// the last call and clears the buffer.
func (a *Adapter) ProcessChanges(ctx context.Context) ([]cloudapi.Change, error) {
	a.mu.Lock()
	raw := a.pendingRaw
	a.pendingRaw = nil
	a.mu.Unlock()

	if len(raw) == 0 {
		return nil, nil
	}

	return a.cache.Classify(raw, cloudapi.DropboxlikeIdentity), nil
}
