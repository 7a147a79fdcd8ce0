package token

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/dd0wney/cluso-ha/pkg/logging"
	"github.com/dd0wney/cluso-ha/pkg/metrics"
)

// fileIdentity detects external modification of the token file: an edit in
// place changes mtime or size, an atomic replace changes the inode.
type fileIdentity struct {
	info fs.FileInfo
}

func (id fileIdentity) matches(info fs.FileInfo) bool {
	return id.info != nil &&
		os.SameFile(id.info, info) &&
		id.info.ModTime().Equal(info.ModTime()) &&
		id.info.Size() == info.Size()
}

// FileStore keeps a LeaderToken in a local file.
type FileStore struct {
	path    string
	name    string
	logger  logging.Logger
	metrics *metrics.Registry

	mu       sync.Mutex
	cached   LeaderToken
	identity fileIdentity
	loaded   bool

	generation atomic.Uint64
}

// FileStoreConfig configures a FileStore.
type FileStoreConfig struct {
	Name    string // metrics label, default "file"
	Logger  logging.Logger
	Metrics *metrics.Registry
}

// NewFileStore opens the token file at path, creating its parent directory
// and an empty file when missing.
func NewFileStore(path string, config FileStoreConfig) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("token file path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create token directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open token file: %w", err)
	}
	f.Close()

	name := config.Name
	if name == "" {
		name = "file"
	}
	return &FileStore{
		path:    path,
		name:    name,
		logger:  logging.ForComponent(config.Logger, "token").With(logging.Path(path)),
		metrics: config.Metrics,
	}, nil
}

func (s *FileStore) Name() string {
	return s.name
}

// Path returns the token file location.
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Generation() uint64 {
	return s.generation.Load()
}

func (s *FileStore) Load(_ context.Context) (LeaderToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

// loadLocked re-reads the file only when its identity changed since the last
// read or write. s.mu must be held.
func (s *FileStore) loadLocked() (LeaderToken, error) {
	info, err := os.Stat(s.path)
	if err != nil {
		return s.cached, fmt.Errorf("failed to stat token file: %w", err)
	}
	if s.loaded && s.identity.matches(info) {
		return s.cached, nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		s.recordReload(err)
		return s.cached, fmt.Errorf("failed to read token file: %w", err)
	}
	t, err := Unmarshal(data)
	if err != nil {
		s.recordReload(err)
		return s.cached, err
	}

	if s.loaded && t != s.cached {
		s.logger.Info("token changed externally",
			logging.Token("previous", s.cached.Token), logging.Token("token", t.Token),
			logging.Bool("only_host", t.OnlyHost))
	}
	s.recordReload(nil)
	s.cached = t
	s.identity = fileIdentity{info: info}
	s.loaded = true
	return t, nil
}

func (s *FileStore) Update(_ context.Context, t LeaderToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateLocked(t)
}

func (s *FileStore) SetOnlyHost(_ context.Context, onlyHost bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.loadLocked()
	if err != nil {
		return err
	}
	current.OnlyHost = onlyHost
	return s.updateLocked(current)
}

func (s *FileStore) updateLocked(t LeaderToken) error {
	current, err := s.loadLocked()
	if err != nil && !errors.Is(err, ErrCorruptToken) {
		return err
	}
	if err == nil && current == t {
		s.recordWrite("unchanged")
		return nil
	}

	if err := writeFileAtomic(s.path, Marshal(t)); err != nil {
		s.recordWrite("error")
		return err
	}
	info, err := os.Stat(s.path)
	if err != nil {
		s.recordWrite("error")
		return fmt.Errorf("failed to stat token file: %w", err)
	}

	s.cached = t
	s.identity = fileIdentity{info: info}
	s.loaded = true
	s.generation.Add(1)
	s.recordWrite("written")
	s.logger.Debug("token written", logging.Token("token", t.Token), logging.Bool("only_host", t.OnlyHost))
	return nil
}

func (s *FileStore) Refresh(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loaded = false
	_, err := s.loadLocked()
	return err
}

func (s *FileStore) recordWrite(status string) {
	if s.metrics != nil {
		s.metrics.RecordTokenWrite(s.name, status)
	}
}

func (s *FileStore) recordReload(err error) {
	if s.metrics != nil {
		s.metrics.RecordTokenReload(s.name, err)
	}
}

// writeFileAtomic replaces path with data through a synced temp file and a rename.
func writeFileAtomic(path string, data []byte) error {
	dir, base := filepath.Split(path)
	tmp, err := os.CreateTemp(dir, "."+base+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp token file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp token file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp token file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp token file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("failed to chmod temp token file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace token file: %w", err)
	}
	return nil
}

// Ensure FileStore implements Store
var _ Store = (*FileStore)(nil)
