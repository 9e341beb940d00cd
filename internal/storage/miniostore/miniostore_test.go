package miniostore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kernelops/kdsync/internal/storage"
)

func TestFolderKey(t *testing.T) {
	tests := []struct {
		parent, name, want string
	}{
		{"", "Kaggle-CLI", "Kaggle-CLI/"},
		{"Kaggle-CLI/", "Projects", "Kaggle-CLI/Projects/"},
		{"Kaggle-CLI/Projects/", "demo", "Kaggle-CLI/Projects/demo/"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, folderKey(tt.parent, tt.name))
	}
}

func TestSessionTokenRoundTrip(t *testing.T) {
	sess := &uploadSession{key: "Kaggle-CLI/Projects/demo/out.csv", uploadID: "abc-123", size: 4096}

	key, uploadID, size, err := parseToken(sess.Token())
	require.NoError(t, err)
	assert.Equal(t, sess.key, key)
	assert.Equal(t, sess.uploadID, uploadID)
	assert.Equal(t, sess.size, size)
}

func TestParseTokenMalformed(t *testing.T) {
	for _, token := range []string{"", "key-only", "key|id", "key|id|not-a-number"} {
		_, _, _, err := parseToken(token)
		assert.Error(t, err, "token %q", token)
	}
}

func TestCompleteRequiresAllBytes(t *testing.T) {
	sess := &uploadSession{size: 100, offset: 60}
	_, err := sess.Complete(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "60 of 100")
}

func TestClassify(t *testing.T) {
	mkErr := func(status int, code string) error {
		return minio.ErrorResponse{StatusCode: status, Code: code, Message: code}
	}

	tests := []struct {
		name  string
		err   error
		check func(t *testing.T, got error)
	}{
		{
			name: "throttled is transient",
			err:  mkErr(http.StatusTooManyRequests, "SlowDown"),
			check: func(t *testing.T, got error) {
				assert.True(t, storage.IsTransient(got))
			},
		},
		{
			name: "server error is transient",
			err:  mkErr(http.StatusInternalServerError, "InternalError"),
			check: func(t *testing.T, got error) {
				assert.True(t, storage.IsTransient(got))
			},
		},
		{
			name: "access denied maps to auth",
			err:  mkErr(http.StatusForbidden, "AccessDenied"),
			check: func(t *testing.T, got error) {
				assert.ErrorIs(t, got, storage.ErrAuthUnavailable)
				assert.False(t, storage.IsTransient(got))
			},
		},
		{
			name: "missing upload maps to not found",
			err:  mkErr(http.StatusNotFound, "NoSuchUpload"),
			check: func(t *testing.T, got error) {
				assert.ErrorIs(t, got, storage.ErrNotFound)
			},
		},
		{
			name: "bare network error is transient",
			err:  fmt.Errorf("dial tcp: connection refused"),
			check: func(t *testing.T, got error) {
				assert.True(t, storage.IsTransient(got))
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify(tt.err, "op")
			require.Error(t, got)
			tt.check(t, got)
		})
	}
}

func TestClassifyPreservesOriginal(t *testing.T) {
	orig := minio.ErrorResponse{StatusCode: http.StatusConflict, Code: "BucketNotEmpty"}
	got := classify(orig, "op")
	var resp minio.ErrorResponse
	assert.True(t, errors.As(got, &resp))
	assert.Equal(t, "BucketNotEmpty", resp.Code)
}
