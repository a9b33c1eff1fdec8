package dropboxlike

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetadataEntry_ToRemoteFile_File(t *testing.T) {
	raw := `{
		".tag": "file",
		"name": "report.pdf",
		"path_lower": "/docs/report.pdf",
		"id": "id:abc",
		"size": 4096,
		"content_hash": "deadbeef",
		"client_modified": "2026-01-15T10:00:00Z"
	}`

	var m metadataEntry
	require.NoError(t, json.Unmarshal([]byte(raw), &m))

	rf := m.toRemoteFile()
	assert.Equal(t, "id:abc", rf.CloudFileID)
	assert.Equal(t, "/docs/report.pdf", rf.Path)
	assert.False(t, rf.IsDir)
	assert.False(t, rf.Trashed)
	assert.Equal(t, "deadbeef", rf.Hash.Str)
	assert.NotZero(t, rf.ModTime)
}

func TestMetadataEntry_ToRemoteFile_Folder(t *testing.T) {
	raw := `{".tag": "folder", "name": "Docs", "path_lower": "/docs", "id": "id:folder1"}`

	var m metadataEntry
	require.NoError(t, json.Unmarshal([]byte(raw), &m))

	rf := m.toRemoteFile()
	assert.True(t, rf.IsDir)
}

func TestMetadataEntry_ToRemoteFile_Deleted(t *testing.T) {
	raw := `{".tag": "deleted", "name": "gone.txt", "path_lower": "/gone.txt"}`

	var m metadataEntry
	require.NoError(t, json.Unmarshal([]byte(raw), &m))

	rf := m.toRemoteFile()
	assert.True(t, rf.Trashed)
}

func TestDropboxPath(t *testing.T) {
	assert.Equal(t, "", dropboxPath(""))
	assert.Equal(t, "/a/b.txt", dropboxPath("a/b.txt"))
}
