// Package transfer moves the output artifacts of a completed job into a
// resolved remote folder: fetch the artifact list, filter it, download the
// survivors to local staging, then upload each through a resumable chunked
// session.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cheggaaa/pb/v3"

	"github.com/kernelops/kdsync/internal/backend"
	"github.com/kernelops/kdsync/internal/storage"
	"github.com/kernelops/kdsync/pkg/models"
)

// ErrJobNotReady reports a caller contract violation: transfer was invoked
// for a job that has not reached COMPLETE.
var ErrJobNotReady = errors.New("transfer: job has not completed")

// Config tunes the pipeline.
type Config struct {
	StagingDir      string
	ChunkSize       int64
	MaxChunkRetries uint64
	// Quiet disables the progress bar (tests, scripted runs).
	Quiet bool
}

// Manager runs the download-then-upload pipeline.
type Manager struct {
	jobs  backend.Backend
	store storage.Backend
	cfg   Config
}

// New builds a transfer manager.
func New(jobs backend.Backend, store storage.Backend, cfg Config) *Manager {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 8 * 1024 * 1024
	}
	if cfg.MaxChunkRetries == 0 {
		cfg.MaxChunkRetries = 3
	}
	return &Manager{jobs: jobs, store: store, cfg: cfg}
}

// Transfer moves the filtered outputs of run into folderID. Per-file
// failures are collected into the results, never aborting the batch; the
// returned error is reserved for ordering violations and a failure to fetch
// the artifact list itself.
func (m *Manager) Transfer(ctx context.Context, run *models.JobRun, folderID string, filter Filter) ([]models.TransferResult, error) {
	if run.State != models.JobComplete {
		return nil, fmt.Errorf("%w: %s is %s", ErrJobNotReady, run.JobID, run.State)
	}

	names, err := m.jobs.ListOutputs(ctx, run.JobID)
	if err != nil {
		return nil, fmt.Errorf("list outputs for %s: %w", run.JobID, err)
	}
	candidates := filter.Apply(names)
	if len(candidates) == 0 {
		return nil, nil
	}

	var bar *pb.ProgressBar
	if !m.cfg.Quiet {
		bar = pb.StartNew(len(candidates))
		defer bar.Finish()
	}

	results := make([]models.TransferResult, 0, len(candidates))
	for _, name := range candidates {
		res := m.transferOne(ctx, run.JobID, folderID, name)
		results = append(results, res)
		if bar != nil {
			bar.Increment()
		}
	}
	return results, nil
}

// transferOne stages one artifact locally and uploads it.
func (m *Manager) transferOne(ctx context.Context, jobID, folderID, name string) models.TransferResult {
	res := models.TransferResult{Name: name}

	local, size, err := m.download(ctx, jobID, name)
	if err != nil {
		res.Outcome = models.TransferDownloadFailed
		res.Err = err
		return res
	}
	res.Size = size

	id, token, err := m.upload(ctx, folderID, name, local, size)
	if err != nil {
		res.Outcome = models.TransferUploadFailed
		res.SessionToken = token
		res.Err = err
		return res
	}

	res.Outcome = models.TransferOK
	res.RemoteID = id
	return res
}

// download pulls one artifact into the staging directory.
func (m *Manager) download(ctx context.Context, jobID, name string) (string, int64, error) {
	rc, err := m.jobs.FetchOutput(ctx, jobID, name)
	if err != nil {
		return "", 0, fmt.Errorf("download %s: %w", name, err)
	}
	defer rc.Close()

	local := filepath.Join(m.cfg.StagingDir, strings.ReplaceAll(jobID, "/", "__"), filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return "", 0, fmt.Errorf("download %s: %w", name, err)
	}
	f, err := os.Create(local)
	if err != nil {
		return "", 0, fmt.Errorf("download %s: %w", name, err)
	}
	defer f.Close()

	size, err := io.Copy(f, rc)
	if err != nil {
		os.Remove(local)
		return "", 0, fmt.Errorf("download %s: %w", name, err)
	}
	return local, size, nil
}

// upload pushes a staged file through a chunked session. Each chunk is
// retried independently with backoff; after a failed chunk the session
// resumes from the last acknowledged offset rather than byte zero. On final
// failure the session token is returned so the upload can be resumed later.
func (m *Manager) upload(ctx context.Context, folderID, name, local string, size int64) (string, string, error) {
	f, err := os.Open(local)
	if err != nil {
		return "", "", fmt.Errorf("upload %s: %w", name, err)
	}
	defer f.Close()

	sess, err := m.store.NewUpload(ctx, folderID, path.Base(name), size)
	if err != nil {
		return "", "", fmt.Errorf("upload %s: %w", name, err)
	}

	buf := make([]byte, m.cfg.ChunkSize)
	for sess.Offset() < size {
		if _, err := f.Seek(sess.Offset(), io.SeekStart); err != nil {
			return "", sess.Token(), fmt.Errorf("upload %s: %w", name, err)
		}
		n, err := io.ReadFull(f, buf)
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			err = nil
		}
		if err != nil {
			return "", sess.Token(), fmt.Errorf("upload %s: read chunk: %w", name, err)
		}

		if err := m.putChunk(ctx, sess, buf[:n]); err != nil {
			return "", sess.Token(), fmt.Errorf("upload %s at offset %d: %w", name, sess.Offset(), err)
		}
	}

	id, err := sess.Complete(ctx)
	if err != nil {
		return "", sess.Token(), fmt.Errorf("upload %s: complete: %w", name, err)
	}
	return id, "", nil
}

// putChunk retries one chunk with exponential backoff on transient errors.
func (m *Manager) putChunk(ctx context.Context, sess storage.UploadSession, chunk []byte) error {
	op := func() error {
		err := sess.Put(ctx, chunk)
		if err == nil || storage.IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxElapsedTime = 0
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, m.cfg.MaxChunkRetries), ctx))
}
