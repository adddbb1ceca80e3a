package kv

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// fileStoreImpl persists the wrapped store to a file after every write.
type fileStoreImpl struct {
	inner IStore
	path  string
	// serializes writes so snapshots are taken in write order
	mu sync.Mutex
}

// NewFileStore wraps inner and persists it to path. An existing file is
// loaded into inner first; a missing file starts an empty store.
func NewFileStore(path string, inner IStore) (IStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	f, err := os.Open(path)
	switch {
	case err == nil:
		defer f.Close()
		if err := inner.Load(f); err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	return &fileStoreImpl{inner: inner, path: path}, nil
}

// FileFactory returns a Factory creating file backed stores around the stores of inner.
func FileFactory(path string, inner Factory) Factory {
	return func() (IStore, error) {
		s, err := inner()
		if err != nil {
			return nil, err
		}
		return NewFileStore(path, s)
	}
}

// persist writes a snapshot to a temp file next to path and renames it.
func (s *fileStoreImpl) persist() error {
	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := s.inner.Save(tmp); err != nil {
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
	return os.Rename(tmp.Name(), s.path)
}

// --------------------------------------------------------------------------
// Interface Methods (docu see kv.IStore)
// --------------------------------------------------------------------------

func (s *fileStoreImpl) Set(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.inner.Set(key, value); err != nil {
		return err
	}
	return s.persist()
}

func (s *fileStoreImpl) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.inner.Delete(key); err != nil {
		return err
	}
	return s.persist()
}

func (s *fileStoreImpl) Get(key string) ([]byte, bool, error) {
	return s.inner.Get(key)
}

func (s *fileStoreImpl) Has(key string) (bool, error) {
	return s.inner.Has(key)
}

func (s *fileStoreImpl) Keys(prefix string) ([]string, error) {
	return s.inner.Keys(prefix)
}

func (s *fileStoreImpl) Save(w io.Writer) error {
	return s.inner.Save(w)
}

func (s *fileStoreImpl) Load(r io.Reader) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.inner.Load(r); err != nil {
		return err
	}
	return s.persist()
}

func (s *fileStoreImpl) Info() Info {
	info := s.inner.Info()
	info.Path = s.path
	return info
}

func (s *fileStoreImpl) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.Close()
}
