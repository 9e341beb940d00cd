package registry

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kernelops/kdsync/pkg/models"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "projects.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestCreateAndGetProject(t *testing.T) {
	db := openTestDB(t)

	p := &models.Project{
		Name:        "titanic",
		Owner:       "alice",
		KernelSlug:  "alice/titanic",
		Description: "baseline model",
	}
	require.NoError(t, db.CreateProject(p))

	got, err := db.GetProject("titanic")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Owner)
	assert.Equal(t, "alice/titanic", got.KernelSlug)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestDuplicateProjectRejected(t *testing.T) {
	db := openTestDB(t)

	p := &models.Project{Name: "dup", Owner: "a", KernelSlug: "a/dup"}
	require.NoError(t, db.CreateProject(p))
	assert.Error(t, db.CreateProject(p))
}

func TestFindBySlug(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.CreateProject(&models.Project{Name: "p1", Owner: "a", KernelSlug: "a/p1"}))

	got, err := db.FindBySlug("a/p1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "p1", got.Name)

	missing, err := db.FindBySlug("a/unknown")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestListAndCount(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.CreateProject(&models.Project{Name: "p1", KernelSlug: "a/p1"}))
	require.NoError(t, db.CreateProject(&models.Project{Name: "p2", KernelSlug: "a/p2"}))

	list, err := db.ListProjects()
	require.NoError(t, err)
	assert.Len(t, list, 2)

	n, err := db.CountProjects()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestUpdateFolderID(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.CreateProject(&models.Project{Name: "p1", KernelSlug: "a/p1"}))
	require.NoError(t, db.UpdateFolderID("p1", "folder-42"))

	got, err := db.GetProject("p1")
	require.NoError(t, err)
	assert.Equal(t, "folder-42", got.FolderID)
}
