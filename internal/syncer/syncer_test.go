package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kernelops/kdsync/internal/transfer"
	"github.com/kernelops/kdsync/pkg/models"
)

type fakeWaiter struct {
	state  models.JobState
	detail string
	err    error
}

func (w *fakeWaiter) Wait(_ context.Context, run *models.JobRun) error {
	if w.err != nil {
		return w.err
	}
	run.State = w.state
	run.ErrorDetail = w.detail
	return nil
}

type fakeResolver struct {
	id    string
	err   error
	calls [][]string
}

func (r *fakeResolver) Resolve(_ context.Context, segments ...string) (string, error) {
	r.calls = append(r.calls, segments)
	return r.id, r.err
}

type fakeTransferer struct {
	results  []models.TransferResult
	err      error
	folderID string
	called   bool
}

func (t *fakeTransferer) Transfer(_ context.Context, _ *models.JobRun, folderID string, _ transfer.Filter) ([]models.TransferResult, error) {
	t.called = true
	t.folderID = folderID
	return t.results, t.err
}

type fakeRecords struct {
	recs []models.SyncRecord
	err  error
}

func (r *fakeRecords) AppendSyncRecord(rec models.SyncRecord) error {
	if r.err != nil {
		return r.err
	}
	r.recs = append(r.recs, rec)
	return nil
}

type fakeProjects struct {
	project *models.Project
	updated map[string]string
}

func (p *fakeProjects) FindBySlug(slug string) (*models.Project, error) {
	if p.project != nil && p.project.KernelSlug == slug {
		return p.project, nil
	}
	return nil, nil
}

func (p *fakeProjects) UpdateFolderID(name, folderID string) error {
	if p.updated == nil {
		p.updated = map[string]string{}
	}
	p.updated[name] = folderID
	return nil
}

func newSyncer(w Waiter, r Resolver, t Transferer, recs RecordStore, p ProjectLookup) *Syncer {
	return New(w, r, t, recs, p, Options{RootFolder: "Kaggle-CLI"})
}

func ok(name string, size int64) models.TransferResult {
	return models.TransferResult{Name: name, Outcome: models.TransferOK, RemoteID: "id-" + name, Size: size}
}

func failedUpload(name string) models.TransferResult {
	return models.TransferResult{Name: name, Outcome: models.TransferUploadFailed, Err: errors.New("quota exceeded")}
}

func TestSyncSuccess(t *testing.T) {
	waiter := &fakeWaiter{state: models.JobComplete}
	resolver := &fakeResolver{id: "folder-1"}
	mover := &fakeTransferer{results: []models.TransferResult{ok("a.csv", 10), ok("b.json", 20)}}
	records := &fakeRecords{}

	s := newSyncer(waiter, resolver, mover, records, nil)
	rec, err := s.Sync(context.Background(), "alice/train-model")
	require.NoError(t, err)

	assert.Equal(t, models.OutcomeSuccess, rec.Outcome)
	assert.Equal(t, "Kaggle-CLI/Projects/train-model/Outputs", rec.FolderPath)
	assert.Len(t, rec.Files, 2)
	assert.Equal(t, "folder-1", mover.folderID)
	assert.NotEmpty(t, rec.ID)

	require.Len(t, records.recs, 1, "exactly one history record per sync")
	assert.Equal(t, rec.ID, records.recs[0].ID)
}

func TestSyncPartial(t *testing.T) {
	waiter := &fakeWaiter{state: models.JobComplete}
	mover := &fakeTransferer{results: []models.TransferResult{
		ok("a.csv", 10),
		failedUpload("b.json"),
		ok("c.txt", 5),
	}}
	records := &fakeRecords{}

	s := newSyncer(waiter, &fakeResolver{id: "f"}, mover, records, nil)
	rec, err := s.Sync(context.Background(), "alice/train-model")
	require.NoError(t, err)

	assert.Equal(t, models.OutcomePartial, rec.Outcome)
	assert.Len(t, rec.Files, 2)
	assert.Contains(t, rec.ErrorDetail, "b.json (UPLOAD_FAILED)")
	assert.NotContains(t, rec.ErrorDetail, "a.csv")
}

func TestSyncAllFilesFailed(t *testing.T) {
	waiter := &fakeWaiter{state: models.JobComplete}
	mover := &fakeTransferer{results: []models.TransferResult{failedUpload("a.csv"), failedUpload("b.json")}}
	records := &fakeRecords{}

	s := newSyncer(waiter, &fakeResolver{id: "f"}, mover, records, nil)
	rec, err := s.Sync(context.Background(), "alice/train-model")
	require.NoError(t, err)

	assert.Equal(t, models.OutcomeFailed, rec.Outcome)
	assert.Empty(t, rec.Files)
}

func TestSyncNoEligibleOutputs(t *testing.T) {
	waiter := &fakeWaiter{state: models.JobComplete}
	records := &fakeRecords{}

	s := newSyncer(waiter, &fakeResolver{id: "f"}, &fakeTransferer{}, records, nil)
	rec, err := s.Sync(context.Background(), "alice/train-model")
	require.NoError(t, err)

	assert.Equal(t, models.OutcomeSuccess, rec.Outcome)
	assert.Empty(t, rec.Files)
}

func TestSyncJobFailedSkipsTransfer(t *testing.T) {
	for _, state := range []models.JobState{models.JobFailed, models.JobTimedOut} {
		t.Run(string(state), func(t *testing.T) {
			waiter := &fakeWaiter{state: state, detail: "boom"}
			resolver := &fakeResolver{id: "f"}
			mover := &fakeTransferer{}
			records := &fakeRecords{}

			s := newSyncer(waiter, resolver, mover, records, nil)
			rec, err := s.Sync(context.Background(), "alice/train-model")
			require.NoError(t, err)

			assert.Equal(t, models.OutcomeFailed, rec.Outcome)
			assert.Contains(t, rec.ErrorDetail, string(state))
			assert.Contains(t, rec.ErrorDetail, "boom")
			assert.Empty(t, resolver.calls)
			assert.False(t, mover.called)
			assert.Len(t, records.recs, 1, "failed run still leaves a record")
		})
	}
}

func TestSyncResolveFailureRecorded(t *testing.T) {
	waiter := &fakeWaiter{state: models.JobComplete}
	resolver := &fakeResolver{err: errors.New("backend unavailable")}
	mover := &fakeTransferer{}
	records := &fakeRecords{}

	s := newSyncer(waiter, resolver, mover, records, nil)
	rec, err := s.Sync(context.Background(), "alice/train-model")
	require.NoError(t, err)

	assert.Equal(t, models.OutcomeFailed, rec.Outcome)
	assert.Contains(t, rec.ErrorDetail, "resolve Kaggle-CLI/Projects/train-model/Outputs")
	assert.False(t, mover.called)
}

func TestSyncUsesRegisteredProjectName(t *testing.T) {
	waiter := &fakeWaiter{state: models.JobComplete}
	resolver := &fakeResolver{id: "folder-9"}
	projects := &fakeProjects{project: &models.Project{
		Name:       "mnist-experiments",
		KernelSlug: "alice/train-model",
		FolderID:   "stale-folder",
	}}
	records := &fakeRecords{}

	s := newSyncer(waiter, resolver, &fakeTransferer{}, records, projects)
	rec, err := s.Sync(context.Background(), "alice/train-model")
	require.NoError(t, err)

	assert.Equal(t, "Kaggle-CLI/Projects/mnist-experiments/Outputs", rec.FolderPath)
	assert.Equal(t, "folder-9", projects.updated["mnist-experiments"])
}

func TestSyncLedgerWriteFailure(t *testing.T) {
	waiter := &fakeWaiter{state: models.JobComplete}
	records := &fakeRecords{err: errors.New("disk full")}

	s := newSyncer(waiter, &fakeResolver{id: "f"}, &fakeTransferer{}, records, nil)
	_, err := s.Sync(context.Background(), "alice/train-model")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

func TestSyncCancellation(t *testing.T) {
	waiter := &fakeWaiter{err: context.Canceled}
	records := &fakeRecords{}

	s := newSyncer(waiter, &fakeResolver{id: "f"}, &fakeTransferer{}, records, nil)
	rec, err := s.Sync(context.Background(), "alice/train-model")
	require.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, models.OutcomeFailed, rec.Outcome)
	assert.Len(t, records.recs, 1, "cancellation still leaves a record")
}

func TestSetup(t *testing.T) {
	resolver := &fakeResolver{id: "f"}
	s := newSyncer(&fakeWaiter{}, resolver, &fakeTransferer{}, &fakeRecords{}, nil)

	paths, err := s.Setup(context.Background(), []string{"Projects", "Datasets"})
	require.NoError(t, err)

	assert.Equal(t, []string{"Kaggle-CLI", "Kaggle-CLI/Projects", "Kaggle-CLI/Datasets"}, paths)
	require.Len(t, resolver.calls, 3)
	assert.Equal(t, []string{"Kaggle-CLI"}, resolver.calls[0])
	assert.Equal(t, []string{"Kaggle-CLI", "Projects"}, resolver.calls[1])
}

func TestSyncRecordIDsUnique(t *testing.T) {
	records := &fakeRecords{}
	s := newSyncer(&fakeWaiter{state: models.JobComplete}, &fakeResolver{id: "f"}, &fakeTransferer{}, records, nil)

	seen := map[string]bool{}
	for i := 0; i < 5; i++ {
		rec, err := s.Sync(context.Background(), fmt.Sprintf("alice/kernel-%d", i))
		require.NoError(t, err)
		require.False(t, seen[rec.ID], "duplicate record id %s", rec.ID)
		seen[rec.ID] = true
		assert.True(t, strings.HasPrefix(rec.FolderPath, "Kaggle-CLI/Projects/"))
	}
}
