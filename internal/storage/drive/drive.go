// Package drive adapts Google Drive to the storage.Backend capability set.
// Folder lookup and creation go through the Drive v3 API; uploads use the
// resumable-upload protocol directly so chunk boundaries can be retried and
// resumed independently of the whole file.
package drive

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/kernelops/kdsync/internal/storage"
)

const folderMimeType = "application/vnd.google-apps.folder"

// Store is a Drive-backed storage.Backend rooted at the user's My Drive.
type Store struct {
	svc    *drive.Service
	client *http.Client
	rootID string
}

// New builds a Store from the external credential capability. The
// credential source is consulted lazily on each request; a source that
// cannot produce a token surfaces storage.ErrAuthUnavailable.
func New(ctx context.Context, creds storage.CredentialSource) (*Store, error) {
	ts := &credTokenSource{ctx: ctx, src: creds}
	client := oauth2.NewClient(ctx, oauth2.ReuseTokenSource(nil, ts))
	svc, err := drive.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, fmt.Errorf("drive: new service: %w", err)
	}
	return &Store{svc: svc, client: client, rootID: "root"}, nil
}

// credTokenSource bridges the CredentialSource capability into oauth2.
type credTokenSource struct {
	ctx context.Context
	src storage.CredentialSource
}

func (c *credTokenSource) Token() (*oauth2.Token, error) {
	tok, err := c.src.Token(c.ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrAuthUnavailable, err)
	}
	return &oauth2.Token{AccessToken: tok}, nil
}

func (s *Store) RootID() string { return s.rootID }

// FindChild looks for a folder called name under parentID.
func (s *Store) FindChild(ctx context.Context, parentID, name string) (string, error) {
	q := fmt.Sprintf("name = '%s' and '%s' in parents and mimeType = '%s' and trashed = false",
		escapeQuery(name), parentID, folderMimeType)
	list, err := s.svc.Files.List().Q(q).Fields("files(id, name)").PageSize(2).Context(ctx).Do()
	if err != nil {
		return "", classify(err, fmt.Sprintf("find %q under %s", name, parentID))
	}
	switch len(list.Files) {
	case 0:
		return "", nil
	case 1:
		return list.Files[0].Id, nil
	default:
		return "", fmt.Errorf("%w: %q under %s", storage.ErrAmbiguousFolder, name, parentID)
	}
}

// CreateChild creates a folder called name under parentID.
func (s *Store) CreateChild(ctx context.Context, parentID, name string) (string, error) {
	f := &drive.File{
		Name:     name,
		MimeType: folderMimeType,
		Parents:  []string{parentID},
	}
	created, err := s.svc.Files.Create(f).Fields("id").Context(ctx).Do()
	if err != nil {
		return "", classify(err, fmt.Sprintf("create %q under %s", name, parentID))
	}
	return created.Id, nil
}

// classify maps a Drive API error onto the storage taxonomy: 5xx and
// throttling retry, auth and not-found do not.
func classify(err error, op string) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusUnauthorized || gerr.Code == http.StatusForbidden:
			return fmt.Errorf("%w: drive %s: %v", storage.ErrAuthUnavailable, op, err)
		case gerr.Code == http.StatusNotFound:
			return fmt.Errorf("%w: drive %s: %v", storage.ErrNotFound, op, err)
		case gerr.Code == http.StatusTooManyRequests || gerr.Code >= 500:
			return storage.Transient(fmt.Errorf("drive %s: %w", op, err))
		default:
			return fmt.Errorf("drive %s: %w", op, err)
		}
	}
	// Anything that is not a structured API response is network trouble.
	return storage.Transient(fmt.Errorf("drive %s: %w", op, err))
}

func escapeQuery(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `'`, `\'`)
}
