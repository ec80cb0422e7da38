package core

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

const maxRenameAttempts = 10000

// cleanWireName validates an element name received on the stream and
// returns it cleaned, still slash separated.
func cleanWireName(name string) (string, error) {
	rel := strings.TrimSpace(name)
	if rel == "" {
		return "", fmt.Errorf("%w: empty name", ErrUnsafePath)
	}
	if strings.Contains(rel, "\\") {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}

	clean := path.Clean(rel)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") || strings.HasPrefix(clean, "/") {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}
	if filepath.VolumeName(filepath.FromSlash(clean)) != "" {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}
	return clean, nil
}

// pathMap redirects logical folder prefixes of one session to the
// directories actually created on disk, so a renamed top-level folder
// keeps receiving its children.
type pathMap struct {
	root string
	dirs map[string]string
}

func newPathMap(root string) *pathMap {
	return &pathMap{root: root, dirs: make(map[string]string)}
}

// resolve maps a cleaned logical path through its longest mapped ancestor.
// Unmapped paths land under the save root unchanged.
func (m *pathMap) resolve(clean string) string {
	for prefix := path.Dir(clean); prefix != "." && prefix != "/"; prefix = path.Dir(prefix) {
		target, ok := m.dirs[prefix]
		if !ok {
			continue
		}
		rest := strings.TrimPrefix(clean, prefix+"/")
		return filepath.Join(target, filepath.FromSlash(rest))
	}
	return filepath.Join(m.root, filepath.FromSlash(clean))
}

// Folder creates the directory for a folder element and returns it.
func (m *pathMap) Folder(name string) (string, error) {
	clean, err := cleanWireName(name)
	if err != nil {
		return "", err
	}

	if dir, ok := m.dirs[clean]; ok {
		return dir, nil
	}

	target, err := uniquePath(m.resolve(clean), false)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(target, 0755); err != nil {
		return "", fmt.Errorf("%w: %v", ErrIO, err)
	}

	m.dirs[clean] = target
	return target, nil
}

// CreateFile opens a new file for a file element. An existing file is
// never overwritten: the name gets a " (n)" suffix instead.
func (m *pathMap) CreateFile(name string) (*os.File, string, error) {
	clean, err := cleanWireName(name)
	if err != nil {
		return nil, "", err
	}

	target := m.resolve(clean)
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrIO, err)
	}

	for n := 0; n < maxRenameAttempts; n++ {
		candidate := withCounter(target, n, true)

		f, err := os.OpenFile(candidate, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if err == nil {
			return f, candidate, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, "", fmt.Errorf("%w: %v", ErrIO, err)
		}
	}

	return nil, "", fmt.Errorf("%w: no free name for %s", ErrIO, target)
}

// uniquePath returns target, or target with the smallest " (n)" suffix
// that does not exist yet.
func uniquePath(target string, isFile bool) (string, error) {
	for n := 0; n < maxRenameAttempts; n++ {
		candidate := withCounter(target, n, isFile)

		_, err := os.Lstat(candidate)
		if errors.Is(err, fs.ErrNotExist) {
			return candidate, nil
		}
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrIO, err)
		}
	}

	return "", fmt.Errorf("%w: no free name for %s", ErrIO, target)
}

// withCounter inserts " (n)" before the extension of a file, or at the end
// of a directory name. n == 0 returns target unchanged.
func withCounter(target string, n int, isFile bool) string {
	if n == 0 {
		return target
	}

	dir, base := filepath.Split(target)

	ext := ""
	if isFile {
		ext = filepath.Ext(base)
		if ext == base {
			// dotfile such as .bashrc
			ext = ""
		}
	}

	stem := strings.TrimSuffix(base, ext)
	return filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, n, ext))
}
