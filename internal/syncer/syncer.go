// Package syncer ties the pipeline together: wait for the remote job to
// finish, resolve its destination folder, transfer the filtered outputs, and
// append exactly one history record describing how it went.
package syncer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kernelops/kdsync/internal/transfer"
	"github.com/kernelops/kdsync/pkg/models"
)

// Waiter drives a job run to a terminal state.
type Waiter interface {
	Wait(ctx context.Context, run *models.JobRun) error
}

// Resolver maps a logical folder path to a backend folder id.
type Resolver interface {
	Resolve(ctx context.Context, segments ...string) (string, error)
}

// Transferer moves a completed job's outputs into a folder.
type Transferer interface {
	Transfer(ctx context.Context, run *models.JobRun, folderID string, filter transfer.Filter) ([]models.TransferResult, error)
}

// RecordStore is the ledger surface the syncer needs.
type RecordStore interface {
	AppendSyncRecord(rec models.SyncRecord) error
}

// ProjectLookup maps a kernel slug back to its registered project. A nil
// lookup means no registry is configured.
type ProjectLookup interface {
	FindBySlug(slug string) (*models.Project, error)
	UpdateFolderID(name, folderID string) error
}

// Options fixes the remote hierarchy and the output filter.
type Options struct {
	// RootFolder is the top-level folder on the storage backend.
	RootFolder string
	// Filter selects which outputs are transferred.
	Filter transfer.Filter
}

// Syncer orchestrates one sync operation end to end.
type Syncer struct {
	waiter   Waiter
	resolver Resolver
	transfer Transferer
	records  RecordStore
	projects ProjectLookup
	opts     Options
	now      func() time.Time
}

// New builds a syncer. projects may be nil.
func New(w Waiter, r Resolver, t Transferer, records RecordStore, projects ProjectLookup, opts Options) *Syncer {
	return &Syncer{
		waiter:   w,
		resolver: r,
		transfer: t,
		records:  records,
		projects: projects,
		opts:     opts,
		now:      time.Now,
	}
}

// Sync runs the full pipeline for one job and returns the history record it
// appended. Operational failures (job failed, folder unresolvable, file
// transfers failing) are reported through the record's outcome, not the
// error; the error is reserved for cancellation and for a ledger that cannot
// be written.
func (s *Syncer) Sync(ctx context.Context, jobID string) (models.SyncRecord, error) {
	rec := models.SyncRecord{
		ID:        uuid.NewString(),
		JobID:     jobID,
		StartedAt: s.now(),
	}

	run := &models.JobRun{
		JobID:       jobID,
		SubmittedAt: rec.StartedAt,
		State:       models.JobQueued,
	}
	if err := s.waiter.Wait(ctx, run); err != nil {
		rec.Outcome = models.OutcomeFailed
		rec.ErrorDetail = fmt.Sprintf("canceled while polling: %v", err)
		return s.finish(rec, err)
	}
	if run.State != models.JobComplete {
		rec.Outcome = models.OutcomeFailed
		rec.ErrorDetail = fmt.Sprintf("job ended %s: %s", run.State, run.ErrorDetail)
		return s.finish(rec, nil)
	}

	project, name := s.projectFor(jobID)
	segments := []string{s.opts.RootFolder, "Projects", name, "Outputs"}
	rec.FolderPath = strings.Join(segments, "/")

	folderID, err := s.resolver.Resolve(ctx, segments...)
	if err != nil {
		rec.Outcome = models.OutcomeFailed
		rec.ErrorDetail = fmt.Sprintf("resolve %s: %v", rec.FolderPath, err)
		return s.finish(rec, nil)
	}
	if project != nil && project.FolderID != folderID {
		// Best effort; the ledger's folder cache is the durable mapping.
		_ = s.projects.UpdateFolderID(project.Name, folderID)
	}

	results, err := s.transfer.Transfer(ctx, run, folderID, s.opts.Filter)
	if err != nil {
		rec.Outcome = models.OutcomeFailed
		rec.ErrorDetail = fmt.Sprintf("transfer: %v", err)
		return s.finish(rec, nil)
	}

	s.summarize(&rec, results)
	return s.finish(rec, nil)
}

// projectFor returns the registered project for a kernel slug, if any, and
// the folder name to sync under. Unregistered jobs fall back to the slug's
// kernel part.
func (s *Syncer) projectFor(jobID string) (*models.Project, string) {
	if s.projects != nil {
		if p, err := s.projects.FindBySlug(jobID); err == nil && p != nil {
			return p, p.Name
		}
	}
	name := jobID
	if i := strings.LastIndex(jobID, "/"); i >= 0 {
		name = jobID[i+1:]
	}
	return nil, name
}

// summarize folds per-file results into the record: every file OK is
// SUCCESS, none OK is FAILED, anything in between is PARTIAL. A run with no
// eligible outputs is a SUCCESS with an empty file list.
func (s *Syncer) summarize(rec *models.SyncRecord, results []models.TransferResult) {
	var failed []string
	uploaded := s.now()
	for _, r := range results {
		if r.Outcome == models.TransferOK {
			rec.Files = append(rec.Files, models.SyncFile{
				LocalName: r.Name,
				RemoteID:  r.RemoteID,
				Size:      r.Size,
				Uploaded:  uploaded,
			})
			continue
		}
		failed = append(failed, fmt.Sprintf("%s (%s): %v", r.Name, r.Outcome, r.Err))
	}

	switch {
	case len(failed) == 0:
		rec.Outcome = models.OutcomeSuccess
	case len(rec.Files) == 0:
		rec.Outcome = models.OutcomeFailed
	default:
		rec.Outcome = models.OutcomePartial
	}
	if len(failed) > 0 {
		rec.ErrorDetail = strings.Join(failed, "; ")
	}
}

// finish stamps and appends the record. A ledger write failure outranks any
// earlier error since it means the run left no durable trace.
func (s *Syncer) finish(rec models.SyncRecord, err error) (models.SyncRecord, error) {
	rec.FinishedAt = s.now()
	if appendErr := s.records.AppendSyncRecord(rec); appendErr != nil {
		return rec, fmt.Errorf("record sync of %s: %w", rec.JobID, appendErr)
	}
	return rec, err
}

// Setup pre-creates the root folder and its standard subfolders, returning
// the logical path of each folder it touched. Re-running setup against an
// existing hierarchy reuses every folder.
func (s *Syncer) Setup(ctx context.Context, subfolders []string) ([]string, error) {
	if _, err := s.resolver.Resolve(ctx, s.opts.RootFolder); err != nil {
		return nil, fmt.Errorf("setup %s: %w", s.opts.RootFolder, err)
	}
	paths := []string{s.opts.RootFolder}
	for _, sub := range subfolders {
		if _, err := s.resolver.Resolve(ctx, s.opts.RootFolder, sub); err != nil {
			return paths, fmt.Errorf("setup %s/%s: %w", s.opts.RootFolder, sub, err)
		}
		paths = append(paths, s.opts.RootFolder+"/"+sub)
	}
	return paths, nil
}
