package dropboxlike

import (
	"time"

	"github.com/syncharbor/syncharbor/internal/cloudapi"
	"github.com/syncharbor/syncharbor/internal/index"
)

// metadataEntry mirrors one entry from Dropbox's /files/list_folder,
// /files/list_folder/continue, or /files/get_metadata response. The
// ".tag" discriminator says whether it's a file, folder, or deleted
// placeholder. Unexported — callers normalize via toRemoteFile.
type metadataEntry struct {
	Tag            string `json:".tag"`
	Name           string `json:"name"`
	PathLower      string `json:"path_lower"`
	ID             string `json:"id"`
	Size           int64  `json:"size"`
	ContentHash    string `json:"content_hash"`
	ClientModified string `json:"client_modified"`
	ServerModified string `json:"server_modified"`
}

func (m *metadataEntry) toRemoteFile() cloudapi.RemoteFile {
	rf := cloudapi.RemoteFile{
		CloudFileID: m.ID,
		Path:        m.PathLower,
		Name:        m.Name,
		Size:        m.Size,
		IsDir:       m.Tag == "folder",
		Trashed:     m.Tag == "deleted",
	}

	if m.ContentHash != "" {
		rf.Hash = index.StrHash(m.ContentHash)
	}

	raw := m.ServerModified
	if m.ClientModified != "" {
		raw = m.ClientModified
	}

	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		rf.ModTime = t.UnixNano()
	}

	return rf
}

type listFolderRequest struct {
	Path      string `json:"path"`
	Recursive bool   `json:"recursive"`
}

type listFolderContinueRequest struct {
	Cursor string `json:"cursor"`
}

type listFolderResponse struct {
	Entries []metadataEntry `json:"entries"`
	Cursor  string          `json:"cursor"`
	HasMore bool            `json:"has_more"`
}

type latestCursorResponse struct {
	Cursor string `json:"cursor"`
}
