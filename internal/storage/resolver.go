package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// FolderCache is the ledger surface the resolver needs: a durable mapping of
// logical folder paths to backend ids.
type FolderCache interface {
	Folder(path string) (string, bool)
	PutFolder(path, id string) error
	UpdateFolder(path, newID string) error
	DropFolder(path string) error
}

// Resolver idempotently maps a logical path to a backend folder id, creating
// missing segments one at a time. Re-resolving an existing path returns the
// cached id without touching the backend, so a half-created hierarchy from a
// prior failed run resumes where it left off.
type Resolver struct {
	backend    Backend
	cache      FolderCache
	maxRetries uint64
}

// NewResolver builds a resolver with the given bounded-retry budget for
// transient backend failures.
func NewResolver(b Backend, cache FolderCache, maxRetries uint64) *Resolver {
	return &Resolver{backend: b, cache: cache, maxRetries: maxRetries}
}

// Resolve walks segments from the backend root, consulting the cache first
// and otherwise reusing or creating each folder.
func (r *Resolver) Resolve(ctx context.Context, segments ...string) (string, error) {
	if len(segments) == 0 {
		return "", errors.New("storage: empty folder path")
	}

	parentID := r.backend.RootID()
	parentPath := ""
	grandParentID := ""

	for i, seg := range segments {
		path := joinPath(parentPath, seg)

		if id, ok := r.cache.Folder(path); ok {
			grandParentID = parentID
			parentID = id
			parentPath = path
			continue
		}

		id, err := r.findOrCreate(ctx, parentID, seg)
		if errors.Is(err, ErrNotFound) && i > 0 {
			// The cached parent id went stale on the backend. Re-resolve the
			// parent segment, replace its cache entry, and retry once.
			if dropErr := r.cache.DropFolder(parentPath); dropErr != nil {
				return "", dropErr
			}
			parentID, err = r.findOrCreate(ctx, grandParentID, segments[i-1])
			if err != nil {
				return "", fmt.Errorf("re-resolve %s: %w", parentPath, err)
			}
			if cacheErr := r.cache.UpdateFolder(parentPath, parentID); cacheErr != nil {
				return "", cacheErr
			}
			id, err = r.findOrCreate(ctx, parentID, seg)
		}
		if err != nil {
			return "", err
		}

		if err := r.cache.PutFolder(path, id); err != nil {
			return "", err
		}
		grandParentID = parentID
		parentID = id
		parentPath = path
	}

	return parentID, nil
}

// findOrCreate reuses an existing folder or creates it, retrying transient
// backend failures with exponential backoff.
func (r *Resolver) findOrCreate(ctx context.Context, parentID, name string) (string, error) {
	var id string
	op := func() error {
		found, err := r.backend.FindChild(ctx, parentID, name)
		if err != nil {
			return retryable(err)
		}
		if found != "" {
			id = found
			return nil
		}
		created, err := r.backend.CreateChild(ctx, parentID, name)
		if err != nil {
			return retryable(err)
		}
		id = created
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(newBackOff(), r.maxRetries), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		if IsTransient(err) {
			return "", fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		return "", err
	}
	return id, nil
}

func retryable(err error) error {
	if IsTransient(err) {
		return err
	}
	return backoff.Permanent(err)
}

func newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 0
	return bo
}

func joinPath(parent, seg string) string {
	if parent == "" {
		return seg
	}
	return parent + "/" + strings.TrimSpace(seg)
}
