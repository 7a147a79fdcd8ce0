package group

import "context"

// Receiver consumes inbound requests and view changes.
//
// Receive is called concurrently from transport delivery goroutines. ViewChanged
// is called sequentially, in view order. Issuing blocking requests from
// ViewChanged may deadlock against the delivery goroutine.
type Receiver interface {
	Receive(ctx context.Context, from Member, payload []byte) ([]byte, error)
	ViewChanged(view View)
}

// Group is a unicast request/response transport with a totally ordered
// membership view.
type Group interface {
	// Start joins the group. It fails if the transport cannot be brought up.
	Start(ctx context.Context) error
	// Stop leaves the group and releases transport resources.
	Stop() error
	// Local returns this node's identity.
	Local() Member
	// View returns the current membership.
	View() View
	// Request sends payload to one member and waits for its reply.
	Request(ctx context.Context, to Member, payload []byte) ([]byte, error)
	// SetReceiver registers the handler for inbound traffic. Must be called before Start.
	SetReceiver(r Receiver)
}
