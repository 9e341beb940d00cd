package backend

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/kernelops/kdsync/pkg/models"
)

// runner abstracts subprocess execution so the adapter is testable without
// the kaggle binary.
type runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return out, nil
}

// KaggleCLI drives jobs through the official kaggle command-line tool.
// ListOutputs downloads the kernel's output set once into a per-job staging
// directory and serves subsequent FetchOutput calls from it, mirroring how
// the CLI exposes outputs (whole-set download, no per-file endpoint).
type KaggleCLI struct {
	run        runner
	stagingDir string

	mu         sync.Mutex
	downloaded map[string]string // jobID -> local dir
}

// NewKaggleCLI returns an adapter staging downloads under stagingDir.
func NewKaggleCLI(stagingDir string) *KaggleCLI {
	return &KaggleCLI{
		run:        execRunner{},
		stagingDir: stagingDir,
		downloaded: map[string]string{},
	}
}

// newKaggleCLIWithRunner is the test seam.
func newKaggleCLIWithRunner(r runner, stagingDir string) *KaggleCLI {
	return &KaggleCLI{run: r, stagingDir: stagingDir, downloaded: map[string]string{}}
}

// Submit pushes the kernel referenced by jobID.
func (k *KaggleCLI) Submit(ctx context.Context, jobID string) error {
	_, err := k.run.Run(ctx, "kaggle", "kernels", "push")
	if err != nil {
		return fmt.Errorf("%w: submit %s: %v", ErrUnavailable, jobID, err)
	}
	return nil
}

// Status queries the kernel state and maps the CLI's status line onto the
// job state machine.
func (k *KaggleCLI) Status(ctx context.Context, jobID string) (models.JobState, error) {
	out, err := k.run.Run(ctx, "kaggle", "kernels", "status", jobID)
	if err != nil {
		return "", fmt.Errorf("%w: status %s: %v", ErrUnavailable, jobID, err)
	}
	return parseKernelStatus(string(out))
}

// parseKernelStatus maps kaggle CLI status output to a JobState. The CLI
// prints a line like `... has status "KernelWorkerStatus.COMPLETE"`.
func parseKernelStatus(out string) (models.JobState, error) {
	s := strings.ToLower(out)
	switch {
	case strings.Contains(s, "complete"):
		return models.JobComplete, nil
	case strings.Contains(s, "error") || strings.Contains(s, "failed") || strings.Contains(s, "cancel"):
		return models.JobFailed, nil
	case strings.Contains(s, "running"):
		return models.JobRunning, nil
	case strings.Contains(s, "queued"):
		return models.JobQueued, nil
	default:
		return "", fmt.Errorf("backend: unrecognized kernel status: %q", strings.TrimSpace(out))
	}
}

// ListOutputs returns the artifact names of a finished kernel, relative to
// the kernel's output root.
func (k *KaggleCLI) ListOutputs(ctx context.Context, jobID string) ([]string, error) {
	dir, err := k.ensureDownloaded(ctx, jobID)
	if err != nil {
		return nil, err
	}

	var names []string
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		names = append(names, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("backend: list outputs %s: %w", jobID, err)
	}
	return names, nil
}

// FetchOutput opens one downloaded artifact.
func (k *KaggleCLI) FetchOutput(ctx context.Context, jobID, name string) (io.ReadCloser, error) {
	dir, err := k.ensureDownloaded(ctx, jobID)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(dir, filepath.FromSlash(name)))
	if err != nil {
		return nil, fmt.Errorf("backend: fetch %s/%s: %w", jobID, name, err)
	}
	return f, nil
}

// ListKernels lists the user's kernels for the CLI `list` command.
func (k *KaggleCLI) ListKernels(ctx context.Context) ([]KernelInfo, error) {
	out, err := k.run.Run(ctx, "kaggle", "kernels", "list", "--mine")
	if err != nil {
		return nil, fmt.Errorf("%w: list kernels: %v", ErrUnavailable, err)
	}
	return parseKernelList(string(out)), nil
}

// parseKernelList reads the CLI's columnar listing, skipping the header.
func parseKernelList(out string) []KernelInfo {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	var kernels []KernelInfo
	for i, line := range lines {
		if i == 0 || strings.TrimSpace(line) == "" || strings.HasPrefix(line, "---") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		kernels = append(kernels, KernelInfo{
			Ref:      fields[0],
			Title:    strings.Join(fields[1:len(fields)-2], " "),
			Language: fields[len(fields)-2],
		})
	}
	return kernels
}

// ensureDownloaded pulls the kernel outputs once per job id.
func (k *KaggleCLI) ensureDownloaded(ctx context.Context, jobID string) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if dir, ok := k.downloaded[jobID]; ok {
		return dir, nil
	}

	dir := filepath.Join(k.stagingDir, sanitizeJobID(jobID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("backend: staging dir: %w", err)
	}
	if _, err := k.run.Run(ctx, "kaggle", "kernels", "output", jobID, "-p", dir); err != nil {
		return "", fmt.Errorf("%w: download outputs %s: %v", ErrUnavailable, jobID, err)
	}
	k.downloaded[jobID] = dir
	return dir, nil
}

// sanitizeJobID turns an owner/slug ref into a filesystem-safe name.
func sanitizeJobID(jobID string) string {
	return strings.ReplaceAll(jobID, "/", "__")
}
