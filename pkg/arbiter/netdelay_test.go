package arbiter

import (
	"context"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-ha/pkg/logging"
)

func noConnections() ([]Connection, error) {
	return nil, errors.New("unavailable")
}

func TestNetDelayObserver_Limit(t *testing.T) {
	o := NewNetDelayObserver(NetDelayConfig{Threshold: 100 * time.Millisecond, Logger: logging.NewNopLogger()})
	assert.Equal(t, 100*time.Millisecond, o.Limit(true))
	assert.Equal(t, 85*time.Millisecond, o.Limit(false))
	assert.False(t, o.Optional())
}

func TestNetDelayObserver_NoPeers(t *testing.T) {
	o := NewNetDelayObserver(NetDelayConfig{Connections: noConnections, Logger: logging.NewNopLogger()})
	assert.True(t, o.Observable(context.Background(), true, "", nil))
}

func TestNetDelayObserver_EstablishedConnection(t *testing.T) {
	conns := []Connection{
		{RemoteIP: net.ParseIP("10.0.0.2"), RemotePort: 7946, State: tcpEstablished},
		{RemoteIP: net.ParseIP("10.0.0.3"), RemotePort: 7946, State: tcpEstablished, TxQueue: 4096},
	}
	o := NewNetDelayObserver(NetDelayConfig{
		Threshold:   10 * time.Millisecond,
		Connections: func() ([]Connection, error) { return conns, nil },
		Logger:      logging.NewNopLogger(),
	})

	ctx := context.Background()
	assert.True(t, o.Observable(ctx, true, "", []string{"10.0.0.2:7946"}))
	assert.False(t, o.established(conns, "10.0.0.3:7946"))
	assert.False(t, o.established(conns, "10.0.0.2:8000"))
	assert.False(t, o.established(conns, "not-an-address"))
}

func TestNetDelayObserver_DialFallback(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	o := NewNetDelayObserver(NetDelayConfig{
		Threshold:   time.Second,
		Connections: noConnections,
		Logger:      logging.NewNopLogger(),
	})

	ctx := context.Background()
	assert.True(t, o.Observable(ctx, false, "127.0.0.1", []string{ln.Addr().String()}))

	closed, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := closed.Addr().(*net.TCPAddr).Port
	closed.Close()
	assert.False(t, o.Observable(ctx, true, "", []string{net.JoinHostPort("127.0.0.1", strconv.Itoa(port))}))
}

func TestReachObserver(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	o := NewReachObserver([]string{"127.0.0.1:1", ln.Addr().String()}, time.Second, 1)
	assert.True(t, o.Optional())
	assert.True(t, o.Observable(context.Background(), true, "", nil))

	none := NewReachObserver(nil, time.Second, 1)
	assert.False(t, none.Observable(context.Background(), true, "", nil))
}

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestDatabaseObserver(t *testing.T) {
	up := NewDatabaseObserver(pingFunc(func(context.Context) error { return nil }), time.Second, 2)
	down := NewDatabaseObserver(pingFunc(func(context.Context) error { return errors.New("down") }), time.Second, 2)

	assert.True(t, up.Observable(context.Background(), false, "", nil))
	assert.False(t, down.Observable(context.Background(), false, "", nil))
	assert.Equal(t, 2, up.Weight())
}
