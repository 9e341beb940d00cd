package drive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/kernelops/kdsync/internal/storage"
)

const resumableEndpoint = "https://www.googleapis.com/upload/drive/v3/files?uploadType=resumable"

// uploadSession is one Drive resumable upload. The session token encodes the
// Drive session URI plus the declared total size, so an interrupted upload
// can be reopened from the token alone.
type uploadSession struct {
	store  *Store
	uri    string
	size   int64
	offset int64
	fileID string
}

// NewUpload opens a resumable session for a file of the given size.
func (s *Store) NewUpload(ctx context.Context, parentID, name string, size int64) (storage.UploadSession, error) {
	meta := map[string]interface{}{
		"name":    name,
		"parents": []string{parentID},
	}
	body, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("drive: marshal upload metadata: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, resumableEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	req.Header.Set("X-Upload-Content-Length", strconv.FormatInt(size, 10))

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, storage.Transient(fmt.Errorf("drive: open upload session: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, uploadStatusError("open upload session", resp)
	}
	uri := resp.Header.Get("Location")
	if uri == "" {
		return nil, fmt.Errorf("drive: upload session response missing Location header")
	}
	return &uploadSession{store: s, uri: uri, size: size}, nil
}

// ResumeUpload reopens a session from its token and queries the backend for
// the last acknowledged offset.
func (s *Store) ResumeUpload(ctx context.Context, token string) (storage.UploadSession, error) {
	uri, size, err := parseToken(token)
	if err != nil {
		return nil, err
	}
	sess := &uploadSession{store: s, uri: uri, size: size}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uri, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Range", fmt.Sprintf("bytes */%d", size))

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, storage.Transient(fmt.Errorf("drive: query upload offset: %w", err))
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		// The upload already finished; capture the file id.
		if err := sess.readFileID(resp.Body); err != nil {
			return nil, err
		}
		sess.offset = size
		return sess, nil
	case 308: // Resume Incomplete
		sess.offset = ackedBytes(resp.Header.Get("Range"))
		return sess, nil
	case http.StatusNotFound, http.StatusGone:
		return nil, fmt.Errorf("%w: upload session expired", storage.ErrNotFound)
	default:
		return nil, uploadStatusError("query upload offset", resp)
	}
}

func (u *uploadSession) Token() string {
	return fmt.Sprintf("%s|%d", u.uri, u.size)
}

func parseToken(token string) (string, int64, error) {
	i := strings.LastIndexByte(token, '|')
	if i < 0 {
		return "", 0, fmt.Errorf("drive: malformed session token")
	}
	size, err := strconv.ParseInt(token[i+1:], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("drive: malformed session token: %w", err)
	}
	return token[:i], size, nil
}

func (u *uploadSession) Offset() int64 { return u.offset }

// Put sends one chunk at the current offset. A failed Put leaves the offset
// unchanged; the server discards unacknowledged bytes, so resending the same
// chunk is safe.
func (u *uploadSession) Put(ctx context.Context, chunk []byte) error {
	end := u.offset + int64(len(chunk)) - 1
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u.uri, bytes.NewReader(chunk))
	if err != nil {
		return err
	}
	req.ContentLength = int64(len(chunk))
	req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", u.offset, end, u.size))

	resp, err := u.store.client.Do(req)
	if err != nil {
		return storage.Transient(fmt.Errorf("drive: put chunk at %d: %w", u.offset, err))
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case 308: // chunk acknowledged, more expected
		if acked := ackedBytes(resp.Header.Get("Range")); acked > 0 {
			u.offset = acked
		} else {
			u.offset += int64(len(chunk))
		}
		return nil
	case http.StatusOK, http.StatusCreated: // final chunk
		u.offset = u.size
		return u.readFileID(resp.Body)
	default:
		return uploadStatusError(fmt.Sprintf("put chunk at %d", u.offset), resp)
	}
}

// Complete returns the uploaded file's id. Drive finalizes the upload when
// the last byte arrives, so by the time Complete runs the id is known unless
// the transfer stopped short.
func (u *uploadSession) Complete(ctx context.Context) (string, error) {
	if u.fileID != "" {
		return u.fileID, nil
	}
	if u.size == 0 {
		// Empty file: a zero-length finalizing request.
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, u.uri, nil)
		if err != nil {
			return "", err
		}
		req.Header.Set("Content-Range", "bytes */0")
		resp, err := u.store.client.Do(req)
		if err != nil {
			return "", storage.Transient(fmt.Errorf("drive: finalize empty upload: %w", err))
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
			return "", uploadStatusError("finalize empty upload", resp)
		}
		if err := u.readFileID(resp.Body); err != nil {
			return "", err
		}
		return u.fileID, nil
	}
	return "", fmt.Errorf("drive: upload incomplete: %d of %d bytes acknowledged", u.offset, u.size)
}

func (u *uploadSession) readFileID(body io.Reader) error {
	var f struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(body).Decode(&f); err != nil {
		return fmt.Errorf("drive: decode upload response: %w", err)
	}
	u.fileID = f.ID
	return nil
}

// ackedBytes parses a Range header like "bytes=0-524287" into the number of
// acknowledged bytes (the end index plus one). Returns 0 when absent.
func ackedBytes(rangeHeader string) int64 {
	if rangeHeader == "" {
		return 0
	}
	i := strings.LastIndexByte(rangeHeader, '-')
	if i < 0 {
		return 0
	}
	end, err := strconv.ParseInt(rangeHeader[i+1:], 10, 64)
	if err != nil {
		return 0
	}
	return end + 1
}

// uploadStatusError maps a raw HTTP status onto the storage taxonomy.
func uploadStatusError(op string, resp *http.Response) error {
	err := fmt.Errorf("drive: %s: unexpected status %s", op, resp.Status)
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %v", storage.ErrAuthUnavailable, err)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %v", storage.ErrNotFound, err)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return storage.Transient(err)
	default:
		return err
	}
}
