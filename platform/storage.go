package platform

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pithecene-io/kilnbox/iox"
)

// ErrBlobNotFound is returned by Storage.Get for missing keys.
var ErrBlobNotFound = errors.New("platform: blob not found")

// BlobInfo describes a stored blob.
type BlobInfo struct {
	Key         string    `json:"key"`
	Size        int64     `json:"size"`
	ContentType string    `json:"contentType,omitempty"`
	ModTime     time.Time `json:"modTime"`
}

// Storage is a flat blob store keyed by slash-separated paths.
type Storage interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	// List returns blobs under prefix sorted by key.
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
}

type memoryBlob struct {
	data        []byte
	contentType string
	modTime     time.Time
}

// MemoryStorage holds blobs in process memory.
type MemoryStorage struct {
	mu    sync.Mutex
	blobs map[string]memoryBlob
}

// NewMemoryStorage creates an empty in-memory blob store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{blobs: make(map[string]memoryBlob)}
}

func (m *MemoryStorage) Put(_ context.Context, key string, data []byte, contentType string) error {
	if key == "" {
		return fmt.Errorf("storage: empty blob key")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := make([]byte, len(data))
	copy(stored, data)
	m.blobs[key] = memoryBlob{data: stored, contentType: contentType, modTime: time.Now()}
	return nil
}

func (m *MemoryStorage) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	blob, ok := m.blobs[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, key)
	}
	out := make([]byte, len(blob.data))
	copy(out, blob.data)
	return out, nil
}

func (m *MemoryStorage) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.blobs, key)
	return nil
}

func (m *MemoryStorage) List(_ context.Context, prefix string) ([]BlobInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	infos := make([]BlobInfo, 0)
	for key, blob := range m.blobs {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		infos = append(infos, BlobInfo{
			Key:         key,
			Size:        int64(len(blob.data)),
			ContentType: blob.contentType,
			ModTime:     blob.modTime,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

var _ Storage = (*MemoryStorage)(nil)

// LocalStorage stores blobs as files under a root directory. Keys map
// to relative paths; traversal outside the root is rejected.
type LocalStorage struct {
	root string
}

// NewLocalStorage creates a file-backed blob store rooted at root.
func NewLocalStorage(root string) (*LocalStorage, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve root %q: %w", root, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create root: %w", err)
	}
	return &LocalStorage{root: abs}, nil
}

// Root returns the store's base directory.
func (l *LocalStorage) Root() string { return l.root }

func (l *LocalStorage) path(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("storage: empty blob key")
	}
	full := filepath.Join(l.root, filepath.FromSlash(key))
	rel, err := filepath.Rel(l.root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("storage: key %q escapes the store root", key)
	}
	return full, nil
}

func (l *LocalStorage) Put(_ context.Context, key string, data []byte, _ string) error {
	path, err := l.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("storage: create blob directory: %w", err)
	}
	if err := iox.WriteFileAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("storage: write blob %s: %w", key, err)
	}
	return nil
}

func (l *LocalStorage) Get(_ context.Context, key string) ([]byte, error) {
	path, err := l.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: read blob %s: %w", key, err)
	}
	return data, nil
}

func (l *LocalStorage) Delete(_ context.Context, key string) error {
	path, err := l.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("storage: delete blob %s: %w", key, err)
	}
	return nil
}

func (l *LocalStorage) List(_ context.Context, prefix string) ([]BlobInfo, error) {
	infos := make([]BlobInfo, 0)
	err := filepath.WalkDir(l.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(l.root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		infos = append(infos, BlobInfo{Key: key, Size: info.Size(), ModTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("storage: list %q: %w", prefix, err)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

var _ Storage = (*LocalStorage)(nil)
