package utils

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"snapmap/apperrors"
	"snapmap/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, handler http.HandlerFunc) *S3BlobStore {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	store, err := NewS3BlobStore(context.Background(), config.S3Config{
		Endpoint:     srv.URL,
		Region:       "us-east-1",
		AccessKey:    "test",
		SecretKey:    "test-secret",
		Bucket:       "photos",
		UsePathStyle: true,
		Timeout:      2 * time.Second,
	})
	require.NoError(t, err)
	return store
}

func TestHeadObjectExisting(t *testing.T) {
	modified := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		assert.Equal(t, "/photos/abc_flower_555", r.URL.Path)
		w.Header().Set("ETag", `"xyz"`)
		w.Header().Set("Content-Length", "42")
		w.Header().Set("Last-Modified", modified.Format(http.TimeFormat))
		w.WriteHeader(http.StatusOK)
	})

	st, err := store.HeadObject(context.Background(), "abc_flower_555")
	require.NoError(t, err)
	assert.True(t, st.Exists)
	require.NotNil(t, st.ETag)
	assert.Equal(t, `"xyz"`, *st.ETag)
	require.NotNil(t, st.Size)
	assert.Equal(t, int64(42), *st.Size)
	require.NotNil(t, st.LastModifiedEpochMilli)
	assert.Equal(t, modified.UnixMilli(), *st.LastModifiedEpochMilli)
}

func TestHeadObjectMissing(t *testing.T) {
	store := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	st, err := store.HeadObject(context.Background(), "nope")
	require.NoError(t, err)
	assert.Equal(t, ObjectStatus{}, st)
}

func TestHeadObjectInfrastructureFailure(t *testing.T) {
	store := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})

	_, err := store.HeadObject(context.Background(), "abc")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStorageUnavailable)
	assert.Equal(t, apperrors.CodeStorageUnavailable, apperrors.CodeOf(err))
}

func TestPresignUpload(t *testing.T) {
	store := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("presigning must not call the endpoint")
	})

	raw, err := store.PresignUpload(context.Background(), "abc_flower_555", 10*time.Minute)
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(u.Path, "/photos/abc_flower_555"))
	assert.Equal(t, "600", u.Query().Get("X-Amz-Expires"))
	assert.NotEmpty(t, u.Query().Get("X-Amz-Signature"))

	raw, err = store.PresignDownload(context.Background(), "abc_flower_555", time.Minute)
	require.NoError(t, err)
	assert.Contains(t, raw, "X-Amz-Expires=60")
}
