// Package tmpfile creates scratch files for rewritten and extracted images
// and tracks them so they are removed on every exit path.
package tmpfile

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

var global = &registry{}

type registry struct {
	mu    sync.Mutex
	paths map[string]struct{}
}

func (r *registry) add(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.paths == nil {
		r.paths = make(map[string]struct{})
	}
	r.paths[path] = struct{}{}
}

func (r *registry) remove(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.paths, path)
}

// Dir overrides the directory scratch files are created in. Empty means
// os.TempDir.
var Dir string

// File is a registered scratch file. Close removes it.
type File struct {
	*os.File
	once sync.Once
}

// Create opens a new scratch file named after prefix.
func Create(prefix string) (*File, error) {
	dir := Dir
	if dir == "" {
		dir = os.TempDir()
	}
	path := filepath.Join(dir, fmt.Sprintf("flashall-%s-%s", prefix, uuid.NewString()))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create scratch file: %w", err)
	}
	global.add(path)
	return &File{File: f}, nil
}

// CreateSized is Create with size bytes reserved up front for images
// whose final length is known.
func CreateSized(prefix string, size int64) (*File, error) {
	f, err := Create(prefix)
	if err != nil {
		return nil, err
	}
	if size > 0 {
		preallocate(f.File, size)
	}
	return f, nil
}

// Close closes and removes the file. Calling it twice is harmless.
func (f *File) Close() error {
	var err error
	f.once.Do(func() {
		path := f.Name()
		err = f.File.Close()
		if rerr := os.Remove(path); rerr != nil && !os.IsNotExist(rerr) && err == nil {
			err = rerr
		}
		global.remove(path)
	})
	return err
}

// Pending returns the number of scratch files not yet removed.
func Pending() int {
	global.mu.Lock()
	defer global.mu.Unlock()
	return len(global.paths)
}

// Cleanup removes every registered scratch file.
func Cleanup() {
	global.mu.Lock()
	paths := make([]string, 0, len(global.paths))
	for p := range global.paths {
		paths = append(paths, p)
	}
	global.paths = nil
	global.mu.Unlock()

	for _, p := range paths {
		_ = os.Remove(p)
	}
}
