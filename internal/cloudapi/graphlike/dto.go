package graphlike

import (
	"bytes"
	"io"
	"net/url"
	"time"

	"github.com/syncharbor/syncharbor/internal/cloudapi"
	"github.com/syncharbor/syncharbor/internal/index"
)

// driveItemResponse mirrors the JSON shape Microsoft Graph returns for one
// drive item, whether from a direct GET, a children listing, or a delta
// page. Unexported — callers normalize via toRemoteFile.
type driveItemResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Size int64  `json:"size"`
	ETag string `json:"eTag"`

	ParentReference *parentRef `json:"parentReference"`
	File            *fileFacet `json:"file"`
	Folder          *folderFacet `json:"folder"`
	Deleted         *deletedFacet `json:"deleted"`
	FileSystemInfo  *fileSystemInfo `json:"fileSystemInfo"`

	LastModifiedDateTime string `json:"lastModifiedDateTime"`
	DownloadURL          string `json:"@microsoft.graph.downloadUrl"`
}

type parentRef struct {
	ID   string `json:"id"`
	Path string `json:"path"`
}

type fileFacet struct {
	MimeType string     `json:"mimeType"`
	Hashes   *hashFacet `json:"hashes"`
}

type hashFacet struct {
	QuickXorHash string `json:"quickXorHash"`
	SHA1Hash     string `json:"sha1Hash"`
}

type folderFacet struct {
	ChildCount int `json:"childCount"`
}

type deletedFacet struct {
	State string `json:"state"`
}

type fileSystemInfo struct {
	LastModifiedDateTime string `json:"lastModifiedDateTime"`
}

type deltaPage struct {
	Value      []driveItemResponse `json:"value"`
	NextLink   string              `json:"@odata.nextLink"`
	DeltaLink  string              `json:"@odata.deltaLink"`
}

type childrenPage struct {
	Value    []driveItemResponse `json:"value"`
	NextLink string              `json:"@odata.nextLink"`
}

// toRemoteFile normalizes one driveItemResponse into the provider-agnostic
// cloudapi.RemoteFile shape. Timestamps fall back to the zero value when
// unparseable rather than failing the whole page — a single malformed
// timestamp shouldn't block an entire delta batch.
func (d *driveItemResponse) toRemoteFile() cloudapi.RemoteFile {
	rf := cloudapi.RemoteFile{
		CloudFileID: d.ID,
		Name:        d.Name,
		Size:        d.Size,
		IsDir:       d.Folder != nil,
	}

	if d.ParentReference != nil {
		rf.ParentID = d.ParentReference.ID
	}

	if d.Deleted != nil {
		rf.Trashed = true
	}

	if d.File != nil {
		rf.IsDocument = isOfficeDocument(d.File.MimeType)

		if d.File.Hashes != nil && d.File.Hashes.QuickXorHash != "" {
			rf.Hash = index.StrHash(d.File.Hashes.QuickXorHash)
		} else if d.File.Hashes != nil && d.File.Hashes.SHA1Hash != "" {
			rf.Hash = index.StrHash(d.File.Hashes.SHA1Hash)
		}
	}

	raw := d.LastModifiedDateTime
	if d.FileSystemInfo != nil && d.FileSystemInfo.LastModifiedDateTime != "" {
		raw = d.FileSystemInfo.LastModifiedDateTime
	}

	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		rf.ModTime = t.UnixNano()
	}

	return rf
}

// isOfficeDocument reports whether a Graph mimeType corresponds to an
// Office Online document, which cannot be downloaded as raw bytes.
func isOfficeDocument(mimeType string) bool {
	switch mimeType {
	case "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		"application/vnd.openxmlformats-officedocument.presentationml.presentation":
		return true
	default:
		return false
	}
}

func pathEscape(s string) string {
	return url.PathEscape(s)
}

// jsonReader wraps a marshaled JSON body as a seekable reader, so
// RestClient.Do can rewind it for retry.
func jsonReader(b []byte) io.Reader {
	return bytes.NewReader(b)
}
