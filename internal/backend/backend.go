// Package backend defines the remote job capability set the sync pipeline
// consumes, and ships a Kaggle CLI adapter. The adapter, not the core, owns
// the invocation mechanism.
package backend

import (
	"context"
	"errors"
	"io"

	"github.com/kernelops/kdsync/pkg/models"
)

// ErrUnavailable reports a transient failure reaching the job backend. The
// poller retries these up to its consecutive-failure bound.
var ErrUnavailable = errors.New("backend: unavailable")

// Backend is the job-side capability set: drive a submitted job and read its
// outputs. Submission payload formatting is out of scope.
type Backend interface {
	Submit(ctx context.Context, jobID string) error
	Status(ctx context.Context, jobID string) (models.JobState, error)
	ListOutputs(ctx context.Context, jobID string) ([]string, error)
	FetchOutput(ctx context.Context, jobID, name string) (io.ReadCloser, error)
}

// KernelInfo is one entry from a kernel listing.
type KernelInfo struct {
	Ref      string
	Title    string
	Language string
}

// Lister is the optional listing capability used by the CLI `list` command.
type Lister interface {
	ListKernels(ctx context.Context) ([]KernelInfo, error)
}
