// Package storage defines the remote file-storage capability the sync
// pipeline runs against, plus the folder resolver that maps logical paths to
// backend folder ids. Adapters live in the drive and miniostore
// subpackages.
package storage

import (
	"context"
	"errors"
)

var (
	// ErrBackendUnavailable reports that the storage API stayed unreachable
	// after the bounded retry policy was exhausted.
	ErrBackendUnavailable = errors.New("storage: backend unavailable")

	// ErrAuthUnavailable reports that no valid access credential could be
	// obtained.
	ErrAuthUnavailable = errors.New("storage: credential unavailable")

	// ErrAmbiguousFolder reports more than one folder with the same name
	// under one parent. The resolver never guesses which one to use.
	ErrAmbiguousFolder = errors.New("storage: ambiguous folder name")

	// ErrNotFound reports that a referenced id does not exist on the
	// backend, typically a stale cached folder id.
	ErrNotFound = errors.New("storage: not found")
)

// Backend is the storage capability set consumed by the resolver and the
// transfer manager.
type Backend interface {
	// RootID returns the id of the fixed hierarchy root.
	RootID() string

	// FindChild returns the id of the folder called name under parentID,
	// or "" when absent. More than one match yields ErrAmbiguousFolder.
	FindChild(ctx context.Context, parentID, name string) (string, error)

	// CreateChild creates a folder called name under parentID.
	CreateChild(ctx context.Context, parentID, name string) (string, error)

	// NewUpload opens a chunked upload session for a file of the given size.
	NewUpload(ctx context.Context, parentID, name string, size int64) (UploadSession, error)

	// ResumeUpload reopens a previously started session from its token.
	ResumeUpload(ctx context.Context, token string) (UploadSession, error)
}

// UploadSession is one resumable upload. Put appends exactly one chunk; a
// failed Put leaves the acknowledged offset unchanged so the same chunk can
// be retried without restarting the file.
type UploadSession interface {
	Token() string
	Offset() int64
	Put(ctx context.Context, chunk []byte) error
	Complete(ctx context.Context) (string, error)
}

// CredentialSource is the external capability that supplies a valid access
// credential. Implementations fail with ErrAuthUnavailable.
type CredentialSource interface {
	Token(ctx context.Context) (string, error)
}

// transientError marks a failure worth retrying (network trouble, HTTP 5xx,
// throttling). Authorization and not-found conditions are never transient.
type transientError struct{ err error }

func (t *transientError) Error() string { return t.err.Error() }
func (t *transientError) Unwrap() error { return t.err }

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err was marked retryable by an adapter.
func IsTransient(err error) bool {
	var t *transientError
	return errors.As(err, &t)
}
