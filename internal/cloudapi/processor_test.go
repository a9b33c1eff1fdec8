package cloudapi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncharbor/syncharbor/internal/index"
)

func TestStateCache_New(t *testing.T) {
	c := NewStateCache()
	changes := c.Classify([]RemoteFile{{CloudFileID: "1", ParentID: "root", Name: "a.txt"}}, GraphlikeIdentity)
	require.Len(t, changes, 1)
	assert.Equal(t, KindNew, changes[0].Kind)
}

func TestStateCache_Updated(t *testing.T) {
	c := NewStateCache()
	c.Seed([]RemoteFile{{CloudFileID: "1", ParentID: "root", Name: "a.txt", Hash: index.StrHash("h1")}})

	changes := c.Classify([]RemoteFile{
		{CloudFileID: "1", ParentID: "root", Name: "a.txt", Hash: index.StrHash("h2")},
	}, GraphlikeIdentity)

	require.Len(t, changes, 1)
	assert.Equal(t, KindUpdated, changes[0].Kind)
}

func TestStateCache_Moved(t *testing.T) {
	c := NewStateCache()
	c.Seed([]RemoteFile{{CloudFileID: "1", ParentID: "root", Name: "a.txt", Hash: index.StrHash("h1")}})

	changes := c.Classify([]RemoteFile{
		{CloudFileID: "1", ParentID: "other", Name: "a.txt", Hash: index.StrHash("h1")},
	}, GraphlikeIdentity)

	require.Len(t, changes, 1)
	assert.Equal(t, KindMoved, changes[0].Kind)
	assert.Nil(t, changes[0].Dependent)
}

func TestStateCache_MovedAndUpdated_EmitsDependent(t *testing.T) {
	c := NewStateCache()
	c.Seed([]RemoteFile{{CloudFileID: "1", ParentID: "root", Name: "a.txt", Hash: index.StrHash("h1")}})

	changes := c.Classify([]RemoteFile{
		{CloudFileID: "1", ParentID: "other", Name: "a.txt", Hash: index.StrHash("h2")},
	}, GraphlikeIdentity)

	require.Len(t, changes, 1)
	assert.Equal(t, KindMoved, changes[0].Kind)
	require.NotNil(t, changes[0].Dependent)
	assert.Equal(t, KindUpdated, changes[0].Dependent.Kind)
}

func TestStateCache_Deleted(t *testing.T) {
	c := NewStateCache()
	c.Seed([]RemoteFile{{CloudFileID: "1", ParentID: "root", Name: "a.txt"}})

	changes := c.Classify([]RemoteFile{
		{CloudFileID: "1", Trashed: true},
	}, GraphlikeIdentity)

	require.Len(t, changes, 1)
	assert.Equal(t, KindDelete, changes[0].Kind)
}

func TestStateCache_DeletedUnknown_Ignored(t *testing.T) {
	c := NewStateCache()
	changes := c.Classify([]RemoteFile{{CloudFileID: "ghost", Trashed: true}}, GraphlikeIdentity)
	assert.Empty(t, changes)
}

func TestStateCache_NoOp_NotReported(t *testing.T) {
	c := NewStateCache()
	c.Seed([]RemoteFile{{CloudFileID: "1", ParentID: "root", Name: "a.txt", Hash: index.StrHash("h1"), Size: 10, ModTime: 5}})

	changes := c.Classify([]RemoteFile{
		{CloudFileID: "1", ParentID: "root", Name: "a.txt", Hash: index.StrHash("h1"), Size: 10, ModTime: 5},
	}, GraphlikeIdentity)

	assert.Empty(t, changes)
}

func TestDropboxlikeIdentity_UsesPath(t *testing.T) {
	c := NewStateCache()
	c.Seed([]RemoteFile{{CloudFileID: "1", Path: "/a/b.txt"}})

	changes := c.Classify([]RemoteFile{{CloudFileID: "1", Path: "/a/renamed.txt"}}, DropboxlikeIdentity)
	require.Len(t, changes, 1)
	assert.Equal(t, KindMoved, changes[0].Kind)
}
