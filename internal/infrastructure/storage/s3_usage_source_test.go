package storage

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lexmeter/backend/internal/domain/shared"
	"github.com/lexmeter/backend/internal/infrastructure/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testStorageConfig(endpoint string) *config.StorageConfig {
	return &config.StorageConfig{
		Enabled:           true,
		Endpoint:          endpoint,
		Region:            "us-east-1",
		Bucket:            "uploads",
		AccessKeyID:       "test-key",
		SecretAccessKey:   "test-secret",
		UsePathStyle:      true,
		PresignExpiration: 15 * time.Minute,
	}
}

// fakeS3 answers HEAD and DELETE requests for path-style object URLs
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]string // path -> Content-Length
	status  int
	paths   []string
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paths = append(f.paths, r.Method+" "+r.URL.Path)
	if f.status != 0 {
		w.WriteHeader(f.status)
		return
	}
	if r.Method == http.MethodDelete {
		delete(f.objects, r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
		return
	}
	size, ok := f.objects[r.URL.Path]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Length", size)
	w.WriteHeader(http.StatusOK)
}

func TestNewS3UsageSource_Validation(t *testing.T) {
	t.Run("nil config returns error", func(t *testing.T) {
		_, err := NewS3UsageSource(nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "configuration is required")
	})

	t.Run("missing bucket returns error", func(t *testing.T) {
		cfg := testStorageConfig("http://localhost:9000")
		cfg.Bucket = ""
		_, err := NewS3UsageSource(cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "bucket is required")
	})

	t.Run("missing access key returns error", func(t *testing.T) {
		cfg := testStorageConfig("http://localhost:9000")
		cfg.AccessKeyID = ""
		_, err := NewS3UsageSource(cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "access key is required")
	})

	t.Run("missing secret key returns error", func(t *testing.T) {
		cfg := testStorageConfig("http://localhost:9000")
		cfg.SecretAccessKey = ""
		_, err := NewS3UsageSource(cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "secret key is required")
	})

	t.Run("defaults presign expiration", func(t *testing.T) {
		cfg := testStorageConfig("http://localhost:9000")
		cfg.PresignExpiration = 0
		source, err := NewS3UsageSource(cfg)
		require.NoError(t, err)
		assert.Equal(t, 15*time.Minute, source.presignExpiration)
		assert.Equal(t, "uploads", source.Bucket())
	})

	t.Run("options override config", func(t *testing.T) {
		source, err := NewS3UsageSource(testStorageConfig("http://localhost:9000"),
			WithLogger(zaptest.NewLogger(t)),
			WithPresignExpiration(time.Hour),
		)
		require.NoError(t, err)
		assert.Equal(t, time.Hour, source.presignExpiration)
	})
}

func TestS3UsageSource_PresignUpload(t *testing.T) {
	source, err := NewS3UsageSource(testStorageConfig("http://localhost:9000"))
	require.NoError(t, err)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	source.now = func() time.Time { return fixed }

	t.Run("empty key returns error", func(t *testing.T) {
		upload, err := source.PresignUpload(context.Background(), "", 1024, time.Minute)
		require.Error(t, err)
		assert.Nil(t, upload)
	})

	t.Run("signs a path-style PUT url", func(t *testing.T) {
		upload, err := source.PresignUpload(context.Background(), "user-1/brief.pdf", 1024, 5*time.Minute)
		require.NoError(t, err)
		assert.Equal(t, "user-1/brief.pdf", upload.Key)
		assert.True(t, strings.HasPrefix(upload.URL, "http://localhost:9000/uploads/user-1/brief.pdf"), upload.URL)
		assert.Contains(t, upload.URL, "X-Amz-Signature=")
		assert.Contains(t, upload.URL, "X-Amz-Expires=300")
		assert.Equal(t, fixed.Add(5*time.Minute), upload.ExpiresAt)
	})

	t.Run("uses default expiration", func(t *testing.T) {
		upload, err := source.PresignUpload(context.Background(), "user-1/brief.pdf", 1024, 0)
		require.NoError(t, err)
		assert.Contains(t, upload.URL, "X-Amz-Expires=900")
		assert.Equal(t, fixed.Add(15*time.Minute), upload.ExpiresAt)
	})

	t.Run("signs the declared content length", func(t *testing.T) {
		upload, err := source.PresignUpload(context.Background(), "user-1/brief.pdf", 1024, time.Minute)
		require.NoError(t, err)
		parsed, err := url.Parse(upload.URL)
		require.NoError(t, err)
		assert.Contains(t, parsed.Query().Get("X-Amz-SignedHeaders"), "content-length")
	})

	t.Run("non-positive size returns error", func(t *testing.T) {
		upload, err := source.PresignUpload(context.Background(), "user-1/brief.pdf", 0, time.Minute)
		require.Error(t, err)
		assert.Nil(t, upload)
	})
}

func TestS3UsageSource_ObjectSize(t *testing.T) {
	backend := &fakeS3{objects: map[string]string{
		"/uploads/user-1/brief.pdf": "2048",
	}}
	server := httptest.NewServer(backend)
	defer server.Close()

	source, err := NewS3UsageSource(testStorageConfig(server.URL))
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("returns stored bytes", func(t *testing.T) {
		size, err := source.ObjectSize(ctx, "user-1/brief.pdf")
		require.NoError(t, err)
		assert.Equal(t, int64(2048), size)
		assert.Contains(t, backend.paths, "HEAD /uploads/user-1/brief.pdf")
	})

	t.Run("missing object maps to not found", func(t *testing.T) {
		_, err := source.ObjectSize(ctx, "user-1/missing.pdf")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrObjectNotFound)
		assert.True(t, errors.Is(err, shared.ErrNotFound))
	})

	t.Run("empty key returns error", func(t *testing.T) {
		_, err := source.ObjectSize(ctx, "")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "storage key is required")
	})

	t.Run("access denied propagates", func(t *testing.T) {
		backend.mu.Lock()
		backend.status = http.StatusForbidden
		backend.mu.Unlock()
		defer func() {
			backend.mu.Lock()
			backend.status = 0
			backend.mu.Unlock()
		}()

		_, err := source.ObjectSize(ctx, "user-1/brief.pdf")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to read object size")
		assert.False(t, errors.Is(err, shared.ErrNotFound))
	})
}

func TestS3UsageSource_DeleteObject(t *testing.T) {
	backend := &fakeS3{objects: map[string]string{
		"/uploads/user-1/huge.bin": "10737418240",
	}}
	server := httptest.NewServer(backend)
	defer server.Close()

	source, err := NewS3UsageSource(testStorageConfig(server.URL))
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, source.DeleteObject(ctx, "user-1/huge.bin"))
	assert.Contains(t, backend.paths, "DELETE /uploads/user-1/huge.bin")
	_, err = source.ObjectSize(ctx, "user-1/huge.bin")
	assert.ErrorIs(t, err, ErrObjectNotFound)

	assert.Error(t, source.DeleteObject(ctx, ""))
}

func TestStubUsageSource(t *testing.T) {
	stub := NewStubUsageSource()
	ctx := context.Background()

	upload, err := stub.PresignUpload(ctx, "user-1/a.pdf", 512, time.Minute)
	require.NoError(t, err)
	assert.Contains(t, upload.URL, "http://localhost:9000/uploads/user-1/a.pdf")

	_, err = stub.ObjectSize(ctx, "user-1/a.pdf")
	assert.ErrorIs(t, err, ErrObjectNotFound)

	stub.Put("user-1/a.pdf", 512)
	size, err := stub.ObjectSize(ctx, "user-1/a.pdf")
	require.NoError(t, err)
	assert.Equal(t, int64(512), size)

	_, err = stub.PresignUpload(ctx, "", 512, time.Minute)
	assert.Error(t, err)

	require.NoError(t, stub.DeleteObject(ctx, "user-1/a.pdf"))
	_, err = stub.ObjectSize(ctx, "user-1/a.pdf")
	assert.ErrorIs(t, err, ErrObjectNotFound)
}
