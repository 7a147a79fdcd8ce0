package group

import (
	"errors"
	"time"

	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/rep"
	"go.nanomsg.org/mangos/v3/protocol/req"

	// Register all transports
	_ "go.nanomsg.org/mangos/v3/transport/all"
)

// mangosSocket wraps a mangos.Socket to implement our Socket interface.
type mangosSocket struct {
	sock mangos.Socket
}

func (s *mangosSocket) Close() error {
	return s.sock.Close()
}

func (s *mangosSocket) Listen(addr string) error {
	return s.sock.Listen(addr)
}

// Dial connects in the background so an absent peer does not fail startup;
// mangos keeps reconnecting until the socket is closed.
func (s *mangosSocket) Dial(addr string) error {
	return s.sock.DialOptions(addr, map[string]any{
		mangos.OptionDialAsynch: true,
	})
}

func (s *mangosSocket) OpenContext() (SocketContext, error) {
	ctx, err := s.sock.OpenContext()
	if err != nil {
		return nil, err
	}
	return &mangosContext{ctx: ctx}, nil
}

type mangosContext struct {
	ctx mangos.Context
}

func (c *mangosContext) Send(data []byte) error {
	return c.ctx.Send(data)
}

func (c *mangosContext) Recv() ([]byte, error) {
	return c.ctx.Recv()
}

func (c *mangosContext) Close() error {
	return c.ctx.Close()
}

func (c *mangosContext) SetDeadline(d time.Duration) error {
	if err := c.ctx.SetOption(mangos.OptionSendDeadline, d); err != nil {
		return err
	}
	return c.ctx.SetOption(mangos.OptionRecvDeadline, d)
}

// MangosSocketFactory creates mangos req/rep sockets.
type MangosSocketFactory struct{}

// NewMangosSocketFactory creates a new mangos socket factory.
func NewMangosSocketFactory() *MangosSocketFactory {
	return &MangosSocketFactory{}
}

func (f *MangosSocketFactory) NewRequester() (Socket, error) {
	sock, err := req.NewSocket()
	if err != nil {
		return nil, err
	}
	// Commands are not idempotent; never resend a request on our own.
	if err := sock.SetOption(mangos.OptionRetryTime, time.Duration(0)); err != nil {
		sock.Close()
		return nil, err
	}
	// Fail fast while the peer is disconnected instead of queueing until the deadline.
	_ = sock.SetOption(mangos.OptionFailNoPeers, true)
	return &mangosSocket{sock: sock}, nil
}

func (f *MangosSocketFactory) NewReplier() (Socket, error) {
	sock, err := rep.NewSocket()
	if err != nil {
		return nil, err
	}
	return &mangosSocket{sock: sock}, nil
}

// isClosed reports whether err means the socket or context was closed.
func isClosed(err error) bool {
	return errors.Is(err, mangos.ErrClosed)
}

// Ensure MangosSocketFactory implements SocketFactory
var _ SocketFactory = (*MangosSocketFactory)(nil)
