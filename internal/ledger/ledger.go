// Package ledger persists the sync history and the remote folder-id cache.
//
// The on-disk representation is a single JSON file. Every mutation rewrites
// the complete state through a temp file followed by an atomic rename, so a
// crash mid-write leaves either the previous state or the new state on disk,
// never a torn one. The design assumes a single writer per ledger file;
// concurrent invocations against the same file are a caller error.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kernelops/kdsync/pkg/models"
)

// ErrCorrupt reports that the persisted ledger could not be parsed. Load
// still returns a usable empty state so the caller can warn and continue.
var ErrCorrupt = errors.New("ledger: corrupt state file")

// State is the durable ledger content. Unknown JSON fields are ignored on
// load and absent fields default to empty, keeping old files readable.
type State struct {
	FolderCache map[string]string   `json:"folderCache"`
	History     []models.SyncRecord `json:"history"`
}

func emptyState() State {
	return State{FolderCache: map[string]string{}}
}

// Ledger owns one state file.
type Ledger struct {
	path  string
	state State
}

// Open loads the ledger at path, creating an empty one in memory if the file
// does not exist yet. A corrupt file yields an empty state and ErrCorrupt;
// the ledger remains usable and the next mutation overwrites the bad file.
func Open(path string) (*Ledger, error) {
	l := &Ledger{path: path, state: emptyState()}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return l, nil
		}
		return nil, fmt.Errorf("ledger: read %s: %w", path, err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return l, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	if st.FolderCache == nil {
		st.FolderCache = map[string]string{}
	}
	l.state = st
	return l, nil
}

// State returns a copy of the current in-memory state.
func (l *Ledger) State() State {
	cp := State{
		FolderCache: make(map[string]string, len(l.state.FolderCache)),
		History:     append([]models.SyncRecord(nil), l.state.History...),
	}
	for k, v := range l.state.FolderCache {
		cp.FolderCache[k] = v
	}
	return cp
}

// AppendSyncRecord adds one record to the history and persists.
func (l *Ledger) AppendSyncRecord(rec models.SyncRecord) error {
	l.state.History = append(l.state.History, rec)
	if err := l.persist(); err != nil {
		l.state.History = l.state.History[:len(l.state.History)-1]
		return err
	}
	return nil
}

// Folder returns the cached folder id for a logical path, if present.
func (l *Ledger) Folder(path string) (string, bool) {
	id, ok := l.state.FolderCache[path]
	return id, ok
}

// PutFolder caches a folder id for a logical path and persists. Re-inserting
// the same mapping is a no-op that skips the disk write.
func (l *Ledger) PutFolder(path, id string) error {
	if cur, ok := l.state.FolderCache[path]; ok && cur == id {
		return nil
	}
	prev, had := l.state.FolderCache[path]
	l.state.FolderCache[path] = id
	if err := l.persist(); err != nil {
		if had {
			l.state.FolderCache[path] = prev
		} else {
			delete(l.state.FolderCache, path)
		}
		return err
	}
	return nil
}

// UpdateFolder replaces a stale cached id. Semantically identical to
// PutFolder but named for the invalid-id recovery path.
func (l *Ledger) UpdateFolder(path, newID string) error {
	return l.PutFolder(path, newID)
}

// DropFolder removes a cache entry whose backend id turned out invalid.
func (l *Ledger) DropFolder(path string) error {
	prev, ok := l.state.FolderCache[path]
	if !ok {
		return nil
	}
	delete(l.state.FolderCache, path)
	if err := l.persist(); err != nil {
		l.state.FolderCache[path] = prev
		return err
	}
	return nil
}

// Stats summarizes the history for the status command.
func (l *Ledger) Stats() models.Stats {
	st := models.Stats{
		TotalSyncs:    len(l.state.History),
		CachedFolders: len(l.state.FolderCache),
	}
	for _, rec := range l.state.History {
		switch rec.Outcome {
		case models.OutcomeSuccess:
			st.SuccessSyncs++
		case models.OutcomePartial:
			st.PartialSyncs++
		case models.OutcomeFailed:
			st.FailedSyncs++
		}
		for _, f := range rec.Files {
			st.TotalFiles++
			st.TotalSize += f.Size
		}
	}
	if n := len(l.state.History); n > 0 {
		st.LastSync = l.state.History[n-1].FinishedAt.Format("2006-01-02 15:04:05")
	}
	return st
}

// persist writes the full state to a temp file in the ledger's directory,
// fsyncs it, then renames it over the previous file.
func (l *Ledger) persist() error {
	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("ledger: mkdir %s: %w", dir, err)
	}

	data, err := json.MarshalIndent(l.state, "", "  ")
	if err != nil {
		return fmt.Errorf("ledger: marshal: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".ledger-*.tmp")
	if err != nil {
		return fmt.Errorf("ledger: create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("ledger: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("ledger: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("ledger: close temp: %w", err)
	}

	if err := os.Rename(tmpName, l.path); err != nil {
		return fmt.Errorf("ledger: replace %s: %w", l.path, err)
	}
	return nil
}
