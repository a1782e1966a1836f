package commit

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// StateStore owns the on-disk layout of committed state. Only the Manager
// calls it.
type StateStore interface {
	// Load reads the live state file. It returns (nil, nil, nil) when no
	// state has been committed yet.
	Load() (*StateFile, []byte, error)

	// WriteTemp writes data to a fresh temporary file next to the live file
	// and fsyncs it. It returns the temporary path.
	WriteTemp(data []byte) (string, error)

	// PreserveLive records the current live file as the previous
	// generation. When there is no live file the previous generation is
	// cleared, meaning "no state".
	PreserveLive() error

	// Promote atomically renames tmp over the live file and fsyncs the
	// directory.
	Promote(tmp string) error

	// RestorePrevious puts the previous generation back as the live file,
	// or removes the live file if the previous generation is "no state".
	RestorePrevious() error

	// RemoveTemp deletes one temporary file. Missing files are not an error.
	RemoveTemp(tmp string) error

	// RemoveOrphans deletes every leftover temporary file and returns their
	// paths.
	RemoveOrphans() ([]string, error)
}

const (
	stateFileName = "state.json"
	prevFileName  = "state.prev.json"
	tempPattern   = "state-*.tmp"
)

// FileStore keeps the live state file, its previous generation and
// in-flight temporary files in one directory. Keeping them in the same
// directory is what makes rename atomic.
type FileStore struct {
	dir string
}

var _ StateStore = (*FileStore)(nil)

// NewFileStore creates dir if needed and returns a store rooted there.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// LivePath returns the live state file path.
func (s *FileStore) LivePath() string {
	return filepath.Join(s.dir, stateFileName)
}

// PrevPath returns the previous generation path.
func (s *FileStore) PrevPath() string {
	return filepath.Join(s.dir, prevFileName)
}

// Load implements StateStore.
func (s *FileStore) Load() (*StateFile, []byte, error) {
	data, err := os.ReadFile(s.LivePath())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read state file: %w", err)
	}
	f, err := DecodeStateFile(data)
	if err != nil {
		return nil, nil, err
	}
	return f, data, nil
}

// WriteTemp implements StateStore.
func (s *FileStore) WriteTemp(data []byte) (path string, err error) {
	f, err := os.CreateTemp(s.dir, tempPattern)
	if err != nil {
		return "", fmt.Errorf("create temp state file: %w", err)
	}
	path = f.Name()
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(path)
		}
	}()

	w := bufio.NewWriter(f)
	if _, err = w.Write(data); err != nil {
		return "", fmt.Errorf("write temp state file: %w", err)
	}
	if err = w.Flush(); err != nil {
		return "", fmt.Errorf("flush temp state file: %w", err)
	}
	if err = f.Sync(); err != nil {
		return "", fmt.Errorf("sync temp state file: %w", err)
	}
	if err = f.Close(); err != nil {
		return "", fmt.Errorf("close temp state file: %w", err)
	}
	return path, nil
}

// PreserveLive implements StateStore. The previous generation is a hard
// link to the live inode, so the later rename leaves it intact.
func (s *FileStore) PreserveLive() error {
	if err := os.Remove(s.PrevPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove previous generation: %w", err)
	}
	if err := os.Link(s.LivePath(), s.PrevPath()); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s.syncDir()
		}
		return fmt.Errorf("link previous generation: %w", err)
	}
	return s.syncDir()
}

// Promote implements StateStore.
func (s *FileStore) Promote(tmp string) error {
	if err := os.Rename(tmp, s.LivePath()); err != nil {
		return fmt.Errorf("rename state file: %w", err)
	}
	return s.syncDir()
}

// RestorePrevious implements StateStore.
func (s *FileStore) RestorePrevious() error {
	err := os.Rename(s.PrevPath(), s.LivePath())
	if errors.Is(err, os.ErrNotExist) {
		err = os.Remove(s.LivePath())
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove live state file: %w", err)
		}
		return s.syncDir()
	}
	if err != nil {
		return fmt.Errorf("restore previous generation: %w", err)
	}
	return s.syncDir()
}

// RemoveTemp implements StateStore.
func (s *FileStore) RemoveTemp(tmp string) error {
	if tmp == "" {
		return nil
	}
	if err := os.Remove(tmp); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove temp state file: %w", err)
	}
	return nil
}

// RemoveOrphans implements StateStore.
func (s *FileStore) RemoveOrphans() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, tempPattern))
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, m := range matches {
		if !strings.HasSuffix(m, ".tmp") {
			continue
		}
		if err := os.Remove(m); err != nil && !errors.Is(err, os.ErrNotExist) {
			return removed, fmt.Errorf("remove orphan %s: %w", m, err)
		}
		removed = append(removed, m)
	}
	if len(removed) > 0 {
		return removed, s.syncDir()
	}
	return nil, nil
}

func (s *FileStore) syncDir() error {
	d, err := os.Open(s.dir)
	if err != nil {
		return fmt.Errorf("open state dir: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync state dir: %w", err)
	}
	return nil
}
