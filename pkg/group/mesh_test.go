package group

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dd0wney/cluso-ha/pkg/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var meshSeq atomic.Int64

func meshURLs(n int) []string {
	id := meshSeq.Add(1)
	urls := make([]string, n)
	for i := range urls {
		urls[i] = fmt.Sprintf("inproc://mesh-test-%d-%d", id, i)
	}
	return urls
}

func newTestMesh(t *testing.T, urls []string, i int, secret string) (*Mesh, *echoReceiver) {
	t.Helper()
	var peers []string
	for j, u := range urls {
		if j != i {
			peers = append(peers, u)
		}
	}
	m, err := NewMesh(MeshConfig{
		ClusterID:        "test",
		Name:             fmt.Sprintf("n%d", i),
		Listen:           urls[i],
		Peers:            peers,
		Secret:           secret,
		RequestTimeout:   time.Second,
		ProbeInterval:    20 * time.Millisecond,
		ProbeTimeout:     200 * time.Millisecond,
		FailureThreshold: 2,
		Workers:          4,
		Logger:           logging.NewNopLogger(),
	})
	require.NoError(t, err)
	r := &echoReceiver{name: fmt.Sprintf("n%d", i)}
	m.SetReceiver(r)
	return m, r
}

func TestMeshConfigValidate(t *testing.T) {
	_, err := NewMesh(MeshConfig{ClusterID: "c", Name: "a", Listen: "localhost:7400"})
	assert.Error(t, err)

	_, err = NewMesh(MeshConfig{ClusterID: "c", Name: "a", Listen: "tcp://0.0.0.0:7400",
		Peers: []string{"tcp://b:7400", "tcp://b:7400"}})
	assert.Error(t, err)

	_, err = NewMesh(MeshConfig{ClusterID: "c", Name: "a", Listen: "tcp://0.0.0.0:7400",
		Peers: []string{"tcp://b:7400"}})
	assert.NoError(t, err)
}

func TestMeshMembershipAndRequest(t *testing.T) {
	urls := meshURLs(2)
	a, _ := newTestMesh(t, urls, 0, "secret")
	b, _ := newTestMesh(t, urls, 1, "secret")

	require.NoError(t, a.Start(context.Background()))
	defer a.Stop()
	require.NoError(t, b.Start(context.Background()))
	defer b.Stop()

	require.Eventually(t, func() bool {
		return a.View().Size() == 2 && b.View().Size() == 2
	}, 2*time.Second, 10*time.Millisecond)

	coordA, _ := a.View().Coordinator()
	coordB, _ := b.View().Coordinator()
	assert.Equal(t, a.Local(), coordA, "a started first")
	assert.Equal(t, coordA, coordB)

	reply, err := a.Request(context.Background(), b.Local(), []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, "n1:hello", string(reply))

	_, err = b.Request(context.Background(), a.Local(), []byte("fail"))
	assert.ErrorIs(t, err, ErrRemote)

	reply, err = a.Request(context.Background(), a.Local(), []byte("self"))
	require.NoError(t, err)
	assert.Equal(t, "n0:self", string(reply))
}

func TestMeshConcurrentRequests(t *testing.T) {
	urls := meshURLs(2)
	a, _ := newTestMesh(t, urls, 0, "")
	b, rb := newTestMesh(t, urls, 1, "")
	rb.block = make(chan struct{})

	require.NoError(t, a.Start(context.Background()))
	defer a.Stop()
	require.NoError(t, b.Start(context.Background()))
	defer b.Stop()

	require.Eventually(t, func() bool { return a.View().Contains(b.Local()) }, 2*time.Second, 10*time.Millisecond)

	// Two requests outstanding on the same peer must not serialize.
	done := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := a.Request(context.Background(), b.Local(), []byte("x"))
			done <- err
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(rb.block)

	for i := 0; i < 2; i++ {
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("request did not complete")
		}
	}
}

func TestMeshPeerLeaves(t *testing.T) {
	urls := meshURLs(2)
	a, ra := newTestMesh(t, urls, 0, "")
	b, _ := newTestMesh(t, urls, 1, "")

	require.NoError(t, a.Start(context.Background()))
	defer a.Stop()
	require.NoError(t, b.Start(context.Background()))

	require.Eventually(t, func() bool { return a.View().Size() == 2 }, 2*time.Second, 10*time.Millisecond)
	gone := b.Local()
	require.NoError(t, b.Stop())

	require.Eventually(t, func() bool { return a.View().Size() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, ra.lastView().Contains(gone))

	_, err := a.Request(context.Background(), gone, []byte("x"))
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestMeshSecretMismatch(t *testing.T) {
	urls := meshURLs(2)
	a, _ := newTestMesh(t, urls, 0, "one")
	b, _ := newTestMesh(t, urls, 1, "two")

	require.NoError(t, a.Start(context.Background()))
	defer a.Stop()
	require.NoError(t, b.Start(context.Background()))
	defer b.Stop()

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, a.View().Size(), "peers with another secret never join")
}
