package group

import (
	"io"
	"time"
)

// Socket is a request/reply socket able to run several exchanges at once
// through independent contexts. It abstracts the messaging library so tests
// can substitute their own implementation.
type Socket interface {
	io.Closer
	Listen(addr string) error
	Dial(addr string) error
	OpenContext() (SocketContext, error)
}

// SocketContext carries one exchange at a time. A requester context sends a
// request then receives its reply; a replier context receives a request then
// sends the reply.
type SocketContext interface {
	io.Closer
	Send([]byte) error
	Recv() ([]byte, error)
	SetDeadline(d time.Duration) error
}

// SocketFactory creates sockets for the request/reply pattern.
type SocketFactory interface {
	NewRequester() (Socket, error)
	NewReplier() (Socket, error)
}
