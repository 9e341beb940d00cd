package ledger

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kernelops/kdsync/pkg/models"
)

func tempLedger(t *testing.T) (*Ledger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.json")
	l, err := Open(path)
	require.NoError(t, err)
	return l, path
}

func TestOpenMissingFileGivesEmptyState(t *testing.T) {
	l, _ := tempLedger(t)
	st := l.State()
	assert.Empty(t, st.History)
	assert.Empty(t, st.FolderCache)
}

func TestAppendAndReload(t *testing.T) {
	l, path := tempLedger(t)

	rec := models.SyncRecord{
		ID:         "r1",
		JobID:      "user/kernel-a",
		FolderPath: "Kaggle-CLI/Projects/demo/Outputs",
		Outcome:    models.OutcomeSuccess,
		StartedAt:  time.Now().Add(-time.Minute),
		FinishedAt: time.Now(),
		Files: []models.SyncFile{
			{LocalName: "model.pkl", RemoteID: "f-1", Size: 1234},
		},
	}
	require.NoError(t, l.AppendSyncRecord(rec))
	require.NoError(t, l.PutFolder("Kaggle-CLI/Projects", "folder-123"))

	reloaded, err := Open(path)
	require.NoError(t, err)
	st := reloaded.State()
	require.Len(t, st.History, 1)
	assert.Equal(t, "user/kernel-a", st.History[0].JobID)
	id, ok := reloaded.Folder("Kaggle-CLI/Projects")
	assert.True(t, ok)
	assert.Equal(t, "folder-123", id)
}

func TestCorruptFileRecoversEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	l, err := Open(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCorrupt))
	require.NotNil(t, l)

	// The recovered ledger is usable; the next write replaces the bad file.
	require.NoError(t, l.PutFolder("Kaggle-CLI", "root-1"))
	reloaded, err := Open(path)
	require.NoError(t, err)
	id, ok := reloaded.Folder("Kaggle-CLI")
	assert.True(t, ok)
	assert.Equal(t, "root-1", id)
}

func TestCrashBeforeRenameKeepsPreviousState(t *testing.T) {
	l, path := tempLedger(t)
	require.NoError(t, l.PutFolder("Kaggle-CLI", "root-1"))

	// Simulate a crash after the temp write but before the atomic replace:
	// a stray temp file next to a valid previous state.
	stray := filepath.Join(filepath.Dir(path), ".ledger-999.tmp")
	require.NoError(t, os.WriteFile(stray, []byte(`{"folderCache":{"Kaggle-CLI":"half-written`), 0o644))

	reloaded, err := Open(path)
	require.NoError(t, err)
	id, ok := reloaded.Folder("Kaggle-CLI")
	assert.True(t, ok)
	assert.Equal(t, "root-1", id)
}

func TestForwardReadableIgnoresUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	blob := `{"folderCache":{"A":"1"},"history":[],"futureField":{"x":1}}`
	require.NoError(t, os.WriteFile(path, []byte(blob), 0o644))

	l, err := Open(path)
	require.NoError(t, err)
	id, ok := l.Folder("A")
	assert.True(t, ok)
	assert.Equal(t, "1", id)
}

func TestPutFolderSameMappingSkipsWrite(t *testing.T) {
	l, path := tempLedger(t)
	require.NoError(t, l.PutFolder("A", "1"))

	before, err := os.Stat(path)
	require.NoError(t, err)

	require.NoError(t, l.PutFolder("A", "1"))
	after, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, before.ModTime(), after.ModTime())
}

func TestStats(t *testing.T) {
	l, _ := tempLedger(t)
	now := time.Now()
	require.NoError(t, l.AppendSyncRecord(models.SyncRecord{
		ID: "a", Outcome: models.OutcomeSuccess, FinishedAt: now,
		Files: []models.SyncFile{{LocalName: "x.csv", Size: 10}, {LocalName: "y.csv", Size: 20}},
	}))
	require.NoError(t, l.AppendSyncRecord(models.SyncRecord{ID: "b", Outcome: models.OutcomeFailed, FinishedAt: now}))
	require.NoError(t, l.PutFolder("A", "1"))

	st := l.Stats()
	assert.Equal(t, 2, st.TotalSyncs)
	assert.Equal(t, 1, st.SuccessSyncs)
	assert.Equal(t, 1, st.FailedSyncs)
	assert.Equal(t, 2, st.TotalFiles)
	assert.Equal(t, int64(30), st.TotalSize)
	assert.Equal(t, 1, st.CachedFolders)
}
