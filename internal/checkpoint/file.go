package checkpoint

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
	"github.com/google/renameio/v2"
)

// FileStore is a Checkpointer backed by one file per key under dir,
// each write made durable with a flock-guarded temp-file-then-rename so
// a concurrent reader never observes a torn write.
type FileStore struct {
	dir string
}

// OpenFileStore creates dir if needed and returns a FileStore rooted
// there.
func OpenFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (f *FileStore) pathFor(key string) string {
	return filepath.Join(f.dir, sanitizeKey(key)+".json")
}

func sanitizeKey(key string) string {
	return strings.ReplaceAll(strings.ReplaceAll(key, "/", "_"), "..", "_")
}

func (f *FileStore) Put(ctx context.Context, key string, blob []byte) error {
	path := f.pathFor(key)
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("lock checkpoint %s: %w", key, err)
	}
	defer lock.Unlock()
	return atomicWrite(path, blob)
}

func (f *FileStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	path := f.pathFor(key)
	lock := flock.New(path + ".lock")
	if err := lock.RLock(); err != nil {
		return nil, false, fmt.Errorf("rlock checkpoint %s: %w", key, err)
	}
	defer lock.Unlock()

	blob, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read checkpoint %s: %w", key, err)
	}
	return blob, true, nil
}

func (f *FileStore) Delete(ctx context.Context, key string) error {
	path := f.pathFor(key)
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("lock checkpoint %s: %w", key, err)
	}
	defer lock.Unlock()

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete checkpoint %s: %w", key, err)
	}
	os.Remove(path + ".lock")
	return nil
}

func (f *FileStore) Keys(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("list checkpoint dir: %w", err)
	}
	var keys []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasSuffix(name, ".json") {
			keys = append(keys, strings.TrimSuffix(name, ".json"))
		}
	}
	return keys, nil
}

func (f *FileStore) Close() error { return nil }

// atomicWrite writes data to path via renameio, so a flock-holding
// reader never observes a torn write even if the process is killed
// mid-write.
func atomicWrite(path string, data []byte) error {
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("atomic write %s: %w", path, err)
	}
	return nil
}

var _ Checkpointer = (*FileStore)(nil)
