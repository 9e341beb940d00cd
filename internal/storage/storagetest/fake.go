// Package storagetest provides an in-memory storage backend with failure
// injection for exercising the resolver and transfer pipeline.
package storagetest

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/kernelops/kdsync/internal/storage"
)

type folder struct {
	id       string
	name     string
	parentID string
}

type file struct {
	id       string
	name     string
	parentID string
	data     []byte
}

// Fake is an in-memory storage.Backend. Zero value is not usable; call New.
type Fake struct {
	mu      sync.Mutex
	nextID  int
	folders map[string]*folder // by id
	files   map[string]*file   // by id
	deleted map[string]bool    // ids invalidated via Invalidate

	// CreateCalls counts CreateChild invocations.
	CreateCalls int
	// FindCalls counts FindChild invocations.
	FindCalls int

	// FailFinds makes the next n FindChild calls fail transiently.
	FailFinds int
	// FailPuts maps "name:chunkIndex" to how many times that chunk Put
	// should fail transiently before succeeding. -1 fails forever.
	FailPuts map[string]int

	sessions map[string]*fakeSession
}

// New returns an empty fake with a root folder id "root".
func New() *Fake {
	return &Fake{
		folders:  map[string]*folder{"root": {id: "root"}},
		files:    map[string]*file{},
		deleted:  map[string]bool{},
		FailPuts: map[string]int{},
		sessions: map[string]*fakeSession{},
	}
}

func (f *Fake) RootID() string { return "root" }

func (f *Fake) genID(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s-%d", prefix, f.nextID)
}

// Invalidate makes a folder id unknown to the backend, simulating external
// deletion of a cached folder.
func (f *Fake) Invalidate(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted[id] = true
}

// AddDuplicate inserts a second folder with an existing name under the same
// parent so FindChild trips the ambiguity check.
func (f *Fake) AddDuplicate(parentID, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.genID("dup")
	f.folders[id] = &folder{id: id, name: name, parentID: parentID}
}

func (f *Fake) FindChild(_ context.Context, parentID, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.FindCalls++
	if f.FailFinds > 0 {
		f.FailFinds--
		return "", storage.Transient(fmt.Errorf("injected find failure"))
	}
	if f.deleted[parentID] {
		return "", fmt.Errorf("%w: folder %s", storage.ErrNotFound, parentID)
	}
	var matches []string
	for _, fo := range f.folders {
		if fo.parentID == parentID && fo.name == name && !f.deleted[fo.id] {
			matches = append(matches, fo.id)
		}
	}
	switch len(matches) {
	case 0:
		return "", nil
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("%w: %q under %s", storage.ErrAmbiguousFolder, name, parentID)
	}
}

func (f *Fake) CreateChild(_ context.Context, parentID, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CreateCalls++
	if f.deleted[parentID] {
		return "", fmt.Errorf("%w: folder %s", storage.ErrNotFound, parentID)
	}
	if _, ok := f.folders[parentID]; !ok {
		return "", fmt.Errorf("%w: folder %s", storage.ErrNotFound, parentID)
	}
	id := f.genID("folder")
	f.folders[id] = &folder{id: id, name: name, parentID: parentID}
	return id, nil
}

func (f *Fake) NewUpload(_ context.Context, parentID, name string, size int64) (storage.UploadSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleted[parentID] {
		return nil, fmt.Errorf("%w: folder %s", storage.ErrNotFound, parentID)
	}
	token := f.genID("session")
	s := &fakeSession{fake: f, token: token, parentID: parentID, name: name, size: size}
	f.sessions[token] = s
	return s, nil
}

func (f *Fake) ResumeUpload(_ context.Context, token string) (storage.UploadSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[token]
	if !ok {
		return nil, fmt.Errorf("%w: session %s", storage.ErrNotFound, token)
	}
	return s, nil
}

// FileContent returns the stored bytes of an uploaded file by remote id.
func (f *Fake) FileContent(id string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fi, ok := f.files[id]
	if !ok {
		return nil, false
	}
	return fi.data, true
}

// FilesUnder lists uploaded file names under a folder id.
func (f *Fake) FilesUnder(parentID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for _, fi := range f.files {
		if fi.parentID == parentID {
			names = append(names, fi.name)
		}
	}
	return names
}

type fakeSession struct {
	fake     *Fake
	token    string
	parentID string
	name     string
	size     int64
	buf      bytes.Buffer
	chunks   int
	done     bool
}

func (s *fakeSession) Token() string { return s.token }

func (s *fakeSession) Offset() int64 {
	s.fake.mu.Lock()
	defer s.fake.mu.Unlock()
	return int64(s.buf.Len())
}

func (s *fakeSession) Put(_ context.Context, chunk []byte) error {
	s.fake.mu.Lock()
	defer s.fake.mu.Unlock()
	key := fmt.Sprintf("%s:%d", s.name, s.chunks)
	if n, ok := s.fake.FailPuts[key]; ok && n != 0 {
		if n > 0 {
			s.fake.FailPuts[key] = n - 1
		}
		return storage.Transient(fmt.Errorf("injected put failure for %s", key))
	}
	s.buf.Write(chunk)
	s.chunks++
	return nil
}

func (s *fakeSession) Complete(_ context.Context) (string, error) {
	s.fake.mu.Lock()
	defer s.fake.mu.Unlock()
	if s.done {
		return "", fmt.Errorf("session %s already completed", s.token)
	}
	if int64(s.buf.Len()) != s.size {
		return "", fmt.Errorf("session %s incomplete: %d of %d bytes", s.token, s.buf.Len(), s.size)
	}
	s.done = true
	id := s.fake.genID("file")
	s.fake.files[id] = &file{id: id, name: s.name, parentID: s.parentID, data: append([]byte(nil), s.buf.Bytes()...)}
	return id, nil
}
