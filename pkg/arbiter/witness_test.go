package arbiter

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/prometheus/procfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-ha/pkg/logging"
	"github.com/dd0wney/cluso-ha/pkg/token"
)

// remountable is a mount table whose shared mount point can be moved.
type remountable struct {
	mu    sync.Mutex
	point string
	gone  bool
}

func (r *remountable) mounts() ([]*procfs.MountInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := []*procfs.MountInfo{{MountPoint: "/", Source: "/dev/sda1"}}
	if !r.gone {
		list = append(list, &procfs.MountInfo{MountPoint: r.point, Source: "nfs01:/export/ha"})
	}
	return list, nil
}

func (r *remountable) move(point string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.point = point
	r.gone = false
}

func (r *remountable) unmount() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gone = true
}

func TestMountedStore_FollowsRemount(t *testing.T) {
	ctx := context.Background()
	first := filepath.Join(t.TempDir(), "a")
	second := filepath.Join(t.TempDir(), "b")
	table := &remountable{point: first}

	s, err := NewMountedStore(WitnessLocator{
		Mount:     "nfs01:/export/ha",
		Subdir:    "arbiter",
		ClusterID: "orders",
		Mounts:    table.mounts,
	}, token.FileStoreConfig{Logger: logging.NewNopLogger()})
	require.NoError(t, err)
	assert.Equal(t, "witness", s.Name())
	assert.Equal(t, filepath.Join(first, "arbiter", "orders.token"), s.Path())

	require.NoError(t, s.Update(ctx, token.LeaderToken{Token: 4}))
	assert.Equal(t, uint64(1), s.Generation())

	// the shared storage comes back under another mount point with a newer token
	secondPath := filepath.Join(second, "arbiter", "orders.token")
	require.NoError(t, os.MkdirAll(filepath.Dir(secondPath), 0o755))
	require.NoError(t, os.WriteFile(secondPath, token.Marshal(token.LeaderToken{Token: 9}), 0o644))
	table.move(second)

	got, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(9), got.Token)
	assert.Equal(t, secondPath, s.Path())

	require.NoError(t, s.SetOnlyHost(ctx, true))
	assert.Equal(t, uint64(2), s.Generation())
	data, err := os.ReadFile(secondPath)
	require.NoError(t, err)
	onDisk, err := token.Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, token.LeaderToken{Token: 9, OnlyHost: true}, onDisk)
}

func TestMountedStore_Unmounted(t *testing.T) {
	ctx := context.Background()
	table := &remountable{point: t.TempDir()}

	s, err := NewMountedStore(WitnessLocator{
		Mount:     "nfs01:/export/ha",
		ClusterID: "orders",
		Mounts:    table.mounts,
	}, token.FileStoreConfig{Name: "shared", Logger: logging.NewNopLogger()})
	require.NoError(t, err)
	assert.Equal(t, "shared", s.Name())

	table.unmount()
	_, err = s.Load(ctx)
	assert.ErrorIs(t, err, ErrMountNotFound)
	assert.ErrorIs(t, s.Update(ctx, token.LeaderToken{Token: 1}), ErrMountNotFound)
	assert.ErrorIs(t, s.Refresh(ctx), ErrMountNotFound)
	assert.Zero(t, s.Generation())
}

func TestNewMountedStore_NoMount(t *testing.T) {
	table := &remountable{gone: true}
	_, err := NewMountedStore(WitnessLocator{
		Mount:     "nfs01:/export/ha",
		ClusterID: "orders",
		Mounts:    table.mounts,
	}, token.FileStoreConfig{})
	assert.ErrorIs(t, err, ErrMountNotFound)
}
