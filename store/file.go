// Package store persists zipline state as a JSON object on disk.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// File is a key/value store backed by one JSON file. Several processes may
// share the file: every read goes to disk and every write re-reads it under
// an exclusive lock on a sibling .lock file before replacing it through a
// temporary sibling and a rename.
type File struct {
	path string

	mu sync.Mutex
}

func NewFile(path string) *File {
	return &File{path: path}
}

func (f *File) Path() string {
	return f.path
}

func (f *File) read() (map[string]json.RawMessage, error) {
	values := make(map[string]json.RawMessage)

	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return values, nil
	}
	if err != nil {
		return nil, err
	}

	if len(data) > 0 {
		if err := json.Unmarshal(data, &values); err != nil {
			return nil, fmt.Errorf("corrupt state file %s: %w", f.path, err)
		}
	}
	return values, nil
}

// Get decodes the value under key into v and reports whether it existed.
func (f *File) Get(key string, v any) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	values, err := f.read()
	if err != nil {
		return false, err
	}

	raw, ok := values[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, v)
}

func (f *File) Set(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}

	return f.modify(func(values map[string]json.RawMessage) (bool, error) {
		values[key] = raw
		return true, nil
	})
}

// Update decodes the stored value under key into v, a pointer, lets fn
// change it and writes v back. The read and the write happen under one
// lock, so writers in other processes cannot interleave. An error from fn
// aborts the write.
func (f *File) Update(key string, v any, fn func(found bool) error) error {
	return f.modify(func(values map[string]json.RawMessage) (bool, error) {
		raw, found := values[key]
		if found {
			if err := json.Unmarshal(raw, v); err != nil {
				return false, fmt.Errorf("corrupt %s in %s: %w", key, f.path, err)
			}
		}

		if err := fn(found); err != nil {
			return false, err
		}

		raw, err := json.Marshal(v)
		if err != nil {
			return false, err
		}
		values[key] = raw
		return true, nil
	})
}

func (f *File) Delete(key string) error {
	return f.modify(func(values map[string]json.RawMessage) (bool, error) {
		if _, ok := values[key]; !ok {
			return false, nil
		}
		delete(values, key)
		return true, nil
	})
}

// modify runs fn on the current contents and writes them back when fn
// reports a change.
func (f *File) modify(fn func(values map[string]json.RawMessage) (bool, error)) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	unlock, err := f.lock()
	if err != nil {
		return err
	}
	defer unlock()

	values, err := f.read()
	if err != nil {
		return err
	}

	changed, err := fn(values)
	if err != nil || !changed {
		return err
	}
	return f.flush(values)
}

func (f *File) lock() (func(), error) {
	if err := os.MkdirAll(filepath.Dir(f.path), 0755); err != nil {
		return nil, err
	}

	lf, err := os.OpenFile(f.path+".lock", os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	if err := lockFile(lf); err != nil {
		lf.Close()
		return nil, fmt.Errorf("lock %s: %w", lf.Name(), err)
	}

	return func() {
		unlockFile(lf)
		lf.Close()
	}, nil
}

func (f *File) flush(values map[string]json.RawMessage) error {
	data, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(f.path)
	tmp, err := os.CreateTemp(dir, ".state-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmp.Name(), f.path)
}
