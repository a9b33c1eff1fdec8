package graphlike

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/syncharbor/syncharbor/internal/cloudapi"
)

// deltaShowRemoteItemsHeader asks Graph to include remote/shared items'
// real parentReference instead of an opaque shortcut alias, so cross-drive
// reparenting is still detected as a move rather than a phantom delete+new.
const deltaShowRemoteItemsHeader = "deltashowremoteitemsaliasid"

// GetDeltaToken establishes (or re-establishes) the delta cursor by paging
// through the whole delta feed from the beginning and discarding every
// item, since InitialFiles already walked the tree directly. The resulting
// cursor — the provider's deltaLink, stored verbatim — is what GetChanges
// polls from thereafter.
func (a *Adapter) GetDeltaToken(ctx context.Context) (string, error) {
	path := fmt.Sprintf("/drives/%s/root/delta", a.driveID)

	for {
		page, nextPath, deltaLink, err := a.fetchDeltaPage(ctx, path)
		if err != nil {
			return "", err
		}

		_ = page

		if deltaLink != "" {
			a.mu.Lock()
			a.deltaToken = deltaLink
			a.mu.Unlock()

			return deltaLink, nil
		}

		path = nextPath
	}
}

// GetChanges polls the delta feed once from the current cursor, buffering
// every page of raw items until the feed settles at a new deltaLink, and
// reports whether anything was found. ProcessChanges classifies the
// buffered items on the next call.
func (a *Adapter) GetChanges(ctx context.Context) (bool, error) {
	a.mu.Lock()
	path := a.deltaToken
	a.mu.Unlock()

	if path == "" {
		return false, fmt.Errorf("graphlike: GetChanges called before GetDeltaToken")
	}

	var buffered []cloudapi.RemoteFile

	for {
		page, nextPath, deltaLink, err := a.fetchDeltaPage(ctx, path)
		if err != nil {
			return false, err
		}

		buffered = append(buffered, page...)

		if deltaLink != "" {
			a.mu.Lock()
			a.deltaToken = deltaLink
			a.pendingRaw = append(a.pendingRaw, buffered...)
			a.mu.Unlock()

			found := len(buffered) > 0
			if found {
				a.notifyChange()
			}

			return found, nil
		}

		path = nextPath
	}
}

// ProcessChanges classifies every raw item buffered by GetChanges since the
// last call and clears the buffer.
func (a *Adapter) ProcessChanges(ctx context.Context) ([]cloudapi.Change, error) {
	a.mu.Lock()
	raw := a.pendingRaw
	a.pendingRaw = nil
	a.mu.Unlock()

	if len(raw) == 0 {
		return nil, nil
	}

	changes := a.cache.Classify(raw, cloudapi.GraphlikeIdentity)

	return changes, nil
}

// fetchDeltaPage performs one GET against path (either the root delta
// endpoint or a stored @odata.nextLink/@odata.deltaLink) and returns the
// page's items plus whichever of nextLink/deltaLink the response carried.
func (a *Adapter) fetchDeltaPage(ctx context.Context, path string) (items []cloudapi.RemoteFile, nextPath, deltaLink string, err error) {
	headers := http.Header{"Prefer": []string{deltaShowRemoteItemsHeader}}

	resp, err := a.rest.Do(ctx, http.MethodGet, path, nil, headers)
	if err != nil {
		return nil, "", "", err
	}
	defer resp.Body.Close()

	var dp deltaPage
	if decErr := json.NewDecoder(resp.Body).Decode(&dp); decErr != nil {
		return nil, "", "", fmt.Errorf("graphlike: decoding delta page: %w", decErr)
	}

	out := make([]cloudapi.RemoteFile, 0, len(dp.Value))
	for _, item := range dp.Value {
		out = append(out, item.toRemoteFile())
	}

	return out, stripBaseURL(dp.NextLink, a.rest), stripBaseURL(dp.DeltaLink, a.rest), nil
}
