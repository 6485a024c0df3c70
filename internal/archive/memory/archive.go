// Package memory stores snapshots in-memory for development.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// Archive stores snapshots in-memory and returns pseudo URIs.
type Archive struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewArchive creates a new in-memory archive.
func NewArchive() *Archive {
	return &Archive{data: make(map[string][]byte)}
}

// PutSnapshot persists the content and returns a URI.
func (a *Archive) PutSnapshot(_ context.Context, path string, _ string, data []byte) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.data[path] = append([]byte(nil), data...)
	return fmt.Sprintf("memory://%s", path), nil
}

// Get returns a stored snapshot, reporting whether it exists.
func (a *Archive) Get(path string) ([]byte, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	data, ok := a.data[path]
	return data, ok
}
