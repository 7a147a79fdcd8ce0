package arbiter

import (
	"context"
	"net"
	"time"
)

// ReachObserver is an optional observer that dials fixed targets outside the
// cluster, such as a gateway or DNS server. Any target answering is enough.
type ReachObserver struct {
	targets []string
	timeout time.Duration
	weight  int
	dialer  net.Dialer
}

// NewReachObserver creates a reachability observer for host:port targets.
func NewReachObserver(targets []string, timeout time.Duration, weight int) *ReachObserver {
	if timeout <= 0 {
		timeout = time.Second
	}
	return &ReachObserver{targets: targets, timeout: timeout, weight: weight}
}

func (o *ReachObserver) Name() string   { return "reach" }
func (o *ReachObserver) Weight() int    { return o.weight }
func (o *ReachObserver) Optional() bool { return true }

func (o *ReachObserver) Observable(ctx context.Context, _ bool, _ string, _ []string) bool {
	for _, target := range o.targets {
		dctx, cancel := context.WithTimeout(ctx, o.timeout)
		conn, err := o.dialer.DialContext(dctx, "tcp", target)
		cancel()
		if err == nil {
			_ = conn.Close()
			return true
		}
	}
	return false
}
