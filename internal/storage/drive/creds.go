package drive

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/kernelops/kdsync/internal/storage"
)

// FileCredentials reads a previously issued OAuth token from disk. Obtaining
// and refreshing the token is the environment's job (the setup flow writes
// the file); this type only surfaces whether a usable credential exists.
type FileCredentials struct {
	Path string
}

func (f FileCredentials) Token(_ context.Context) (string, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return "", fmt.Errorf("%w: read %s: %v", storage.ErrAuthUnavailable, f.Path, err)
	}
	var tok struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(data, &tok); err != nil {
		return "", fmt.Errorf("%w: parse %s: %v", storage.ErrAuthUnavailable, f.Path, err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("%w: %s holds no access token", storage.ErrAuthUnavailable, f.Path)
	}
	return tok.AccessToken, nil
}
