package graphlike

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDriveItemResponse_ToRemoteFile_File(t *testing.T) {
	raw := `{
		"id": "item1",
		"name": "report.docx",
		"size": 2048,
		"parentReference": {"id": "parent1"},
		"file": {"mimeType": "application/vnd.openxmlformats-officedocument.wordprocessingml.document", "hashes": {"quickXorHash": "abc123=="}},
		"fileSystemInfo": {"lastModifiedDateTime": "2026-01-15T10:00:00Z"}
	}`

	var dir driveItemResponse
	require.NoError(t, json.Unmarshal([]byte(raw), &dir))

	rf := dir.toRemoteFile()
	assert.Equal(t, "item1", rf.CloudFileID)
	assert.Equal(t, "parent1", rf.ParentID)
	assert.Equal(t, "report.docx", rf.Name)
	assert.Equal(t, int64(2048), rf.Size)
	assert.False(t, rf.IsDir)
	assert.True(t, rf.IsDocument)
	assert.Equal(t, "abc123==", rf.Hash.Str)
	assert.NotZero(t, rf.ModTime)
}

func TestDriveItemResponse_ToRemoteFile_Folder(t *testing.T) {
	raw := `{"id": "folder1", "name": "Documents", "folder": {"childCount": 3}, "parentReference": {"id": "root"}}`

	var dir driveItemResponse
	require.NoError(t, json.Unmarshal([]byte(raw), &dir))

	rf := dir.toRemoteFile()
	assert.True(t, rf.IsDir)
	assert.False(t, rf.IsDocument)
}

func TestDriveItemResponse_ToRemoteFile_Deleted(t *testing.T) {
	raw := `{"id": "gone1", "deleted": {"state": "deleted"}}`

	var dir driveItemResponse
	require.NoError(t, json.Unmarshal([]byte(raw), &dir))

	rf := dir.toRemoteFile()
	assert.True(t, rf.Trashed)
}

func TestDriveItemResponse_ToRemoteFile_FallsBackToSHA1(t *testing.T) {
	raw := `{"id": "item2", "name": "a.bin", "file": {"hashes": {"sha1Hash": "deadbeef"}}}`

	var dir driveItemResponse
	require.NoError(t, json.Unmarshal([]byte(raw), &dir))

	rf := dir.toRemoteFile()
	assert.Equal(t, "deadbeef", rf.Hash.Str)
}

func TestDriveItemResponse_ToRemoteFile_InvalidTimestamp(t *testing.T) {
	raw := `{"id": "item3", "name": "a.txt", "lastModifiedDateTime": "not-a-time"}`

	var dir driveItemResponse
	require.NoError(t, json.Unmarshal([]byte(raw), &dir))

	rf := dir.toRemoteFile()
	assert.Zero(t, rf.ModTime)
}
