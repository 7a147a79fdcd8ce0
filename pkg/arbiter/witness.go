package arbiter

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/dd0wney/cluso-ha/pkg/logging"
	"github.com/dd0wney/cluso-ha/pkg/token"
)

// MountedStore is a file token store whose path is resolved from the mount
// table on every access. When the shared storage is remounted elsewhere the
// store switches to the token file under the new mount point.
type MountedStore struct {
	locator WitnessLocator
	config  token.FileStoreConfig
	logger  logging.Logger

	mu    sync.Mutex
	path  string
	store *token.FileStore

	generation atomic.Uint64
}

var _ token.Store = (*MountedStore)(nil)

// NewMountedStore resolves the witness path once and opens the token file
// there.
func NewMountedStore(locator WitnessLocator, config token.FileStoreConfig) (*MountedStore, error) {
	if config.Name == "" {
		config.Name = "witness"
	}
	s := &MountedStore{
		locator: locator,
		config:  config,
		logger:  logging.ForComponent(config.Logger, "arbiter"),
	}
	if _, err := s.current(); err != nil {
		return nil, err
	}
	return s, nil
}

// current returns the file store for the path the mount table points at
// now, opening a new one if the path moved.
func (s *MountedStore) current() (*token.FileStore, error) {
	path, err := s.locator.Path()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.store != nil && path == s.path {
		return s.store, nil
	}

	store, err := token.NewFileStore(path, s.config)
	if err != nil {
		return nil, err
	}
	if s.store != nil {
		s.logger.Warn("witness moved", logging.String("previous", s.path), logging.Path(path))
	}
	s.path = path
	s.store = store
	return store, nil
}

func (s *MountedStore) Name() string {
	return s.config.Name
}

// Path returns the token file location last resolved.
func (s *MountedStore) Path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

func (s *MountedStore) Generation() uint64 {
	return s.generation.Load()
}

func (s *MountedStore) Load(ctx context.Context) (token.LeaderToken, error) {
	store, err := s.current()
	if err != nil {
		return token.LeaderToken{}, err
	}
	return store.Load(ctx)
}

func (s *MountedStore) Update(ctx context.Context, t token.LeaderToken) error {
	return s.write(func(store *token.FileStore) error {
		return store.Update(ctx, t)
	})
}

func (s *MountedStore) SetOnlyHost(ctx context.Context, onlyHost bool) error {
	return s.write(func(store *token.FileStore) error {
		return store.SetOnlyHost(ctx, onlyHost)
	})
}

func (s *MountedStore) Refresh(ctx context.Context) error {
	store, err := s.current()
	if err != nil {
		return err
	}
	return store.Refresh(ctx)
}

func (s *MountedStore) write(fn func(*token.FileStore) error) error {
	store, err := s.current()
	if err != nil {
		return err
	}
	before := store.Generation()
	err = fn(store)
	if after := store.Generation(); after > before {
		s.generation.Add(after - before)
	}
	return err
}
