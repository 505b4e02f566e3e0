package storage

import (
	"context"
	"errors"
	"sync"
	"time"
)

var _ UsageSource = (*StubUsageSource)(nil)

// StubUsageSource is an in-process UsageSource for development when no
// object store is configured. Sizes are whatever Put recorded.
type StubUsageSource struct {
	// BaseURL prefixes generated upload URLs
	BaseURL string

	mu    sync.RWMutex
	sizes map[string]int64
}

// NewStubUsageSource creates a new StubUsageSource
func NewStubUsageSource() *StubUsageSource {
	return &StubUsageSource{
		BaseURL: "http://localhost:9000/uploads",
		sizes:   make(map[string]int64),
	}
}

// PresignUpload returns a fake URL that nothing listens on
func (s *StubUsageSource) PresignUpload(_ context.Context, key string, sizeBytes int64, expires time.Duration) (*PresignedUpload, error) {
	if key == "" {
		return nil, errors.New("storage key is required")
	}
	if sizeBytes <= 0 {
		return nil, errors.New("upload size must be positive")
	}
	if expires <= 0 {
		expires = 15 * time.Minute
	}
	expiresAt := time.Now().Add(expires)
	return &PresignedUpload{
		Key:       key,
		URL:       s.BaseURL + "/" + key + "?expires=" + expiresAt.UTC().Format(time.RFC3339),
		ExpiresAt: expiresAt,
	}, nil
}

// Put records an object of the given size
func (s *StubUsageSource) Put(key string, size int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sizes[key] = size
}

// ObjectSize returns the recorded size, or ErrObjectNotFound
func (s *StubUsageSource) ObjectSize(_ context.Context, key string) (int64, error) {
	if key == "" {
		return 0, errors.New("storage key is required")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	size, ok := s.sizes[key]
	if !ok {
		return 0, ErrObjectNotFound
	}
	return size, nil
}

// DeleteObject forgets key
func (s *StubUsageSource) DeleteObject(_ context.Context, key string) error {
	if key == "" {
		return errors.New("storage key is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sizes, key)
	return nil
}
