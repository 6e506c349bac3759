// Package statefile persists small JSON documents shared between
// concurrent jocker invocations.
//
// Readers never lock: every write publishes a complete document with
// temp file + rename, so a reader sees either the old or the new state.
// Writers serialize their read-modify-write cycle with an exclusive
// flock on a sibling lock file.
package statefile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// File is a JSON document of type T stored at a fixed path.
type File[T any] struct {
	path string
}

// New returns a File stored at path.
func New[T any](path string) *File[T] {
	return &File[T]{path: path}
}

// Path returns the document location.
func (f *File[T]) Path() string {
	return f.path
}

// Load reads the current document. A missing file yields the zero value.
func (f *File[T]) Load() (T, error) {
	var doc T
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return doc, nil
		}
		return doc, fmt.Errorf("read %s: %w", filepath.Base(f.path), err)
	}
	if len(data) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("unmarshal %s: %w", filepath.Base(f.path), err)
	}
	return doc, nil
}

// Update runs fn against the current document while holding the writer
// lock, then publishes the result. Nothing is written if fn fails.
func (f *File[T]) Update(fn func(doc *T) error) error {
	unlock, err := f.lock()
	if err != nil {
		return err
	}
	defer unlock()

	doc, err := f.Load()
	if err != nil {
		return err
	}
	if err := fn(&doc); err != nil {
		return err
	}
	return f.write(&doc)
}

func (f *File[T]) lock() (func(), error) {
	if err := os.MkdirAll(filepath.Dir(f.path), 0755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	lf, err := os.OpenFile(f.path+".lock", os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	for {
		err = unix.Flock(int(lf.Fd()), unix.LOCK_EX)
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		lf.Close()
		return nil, fmt.Errorf("lock %s: %w", filepath.Base(f.path), err)
	}

	return func() {
		unix.Flock(int(lf.Fd()), unix.LOCK_UN)
		lf.Close()
	}, nil
}

// write publishes doc atomically using temp file + rename
func (f *File[T]) write(doc *T) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(f.path), err)
	}

	// Write to temp file first
	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state: %w", err)
	}
	tempPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tempPath)
		return fmt.Errorf("write temp state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tempPath)
		return fmt.Errorf("sync temp state: %w", err)
	}
	if err := tmp.Chmod(0644); err != nil {
		tmp.Close()
		os.Remove(tempPath)
		return fmt.Errorf("chmod temp state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("close temp state: %w", err)
	}

	// Atomic rename
	if err := os.Rename(tempPath, f.path); err != nil {
		os.Remove(tempPath) // cleanup
		return fmt.Errorf("rename state: %w", err)
	}

	return nil
}
