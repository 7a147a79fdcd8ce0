package arbiter

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/prometheus/procfs"

	"github.com/dd0wney/cluso-ha/pkg/logging"
)

const (
	// DefaultDelayThreshold bounds the round trip to a peer.
	DefaultDelayThreshold = 200 * time.Millisecond

	// hysteresis tightens the threshold for nodes coming up, so a node does
	// not flap between stepping down and coming back.
	hysteresis = 15 * time.Millisecond

	tcpEstablished = 1
)

// Connection is an entry of the kernel TCP table.
type Connection struct {
	RemoteIP   net.IP
	RemotePort uint64
	State      uint64
	TxQueue    uint64
}

// ConnectionLister lists the TCP connections of this host.
type ConnectionLister func() ([]Connection, error)

// NetDelayConfig configures a NetDelayObserver.
type NetDelayConfig struct {
	Threshold   time.Duration
	MaxTxQueue  uint64
	Weight      int
	Connections ConnectionLister // default reads /proc/net/tcp and tcp6
	Logger      logging.Logger
}

// NetDelayObserver treats a peer as live when this host holds an established
// TCP connection to it with a drained send queue, or when a fresh dial
// completes within the delay threshold. It is mandatory.
type NetDelayObserver struct {
	threshold   time.Duration
	maxTxQueue  uint64
	weight      int
	connections ConnectionLister
	dialer      net.Dialer
	logger      logging.Logger
}

// NewNetDelayObserver creates a network delay observer.
func NewNetDelayObserver(config NetDelayConfig) *NetDelayObserver {
	if config.Threshold <= 0 {
		config.Threshold = DefaultDelayThreshold
	}
	if config.Connections == nil {
		config.Connections = ProcConnections
	}
	return &NetDelayObserver{
		threshold:   config.Threshold,
		maxTxQueue:  config.MaxTxQueue,
		weight:      config.Weight,
		connections: config.Connections,
		logger:      logging.ForComponent(config.Logger, "netdelay"),
	}
}

func (o *NetDelayObserver) Name() string   { return "netdelay" }
func (o *NetDelayObserver) Weight() int    { return o.weight }
func (o *NetDelayObserver) Optional() bool { return false }

// Limit returns the delay limit for the given direction.
func (o *NetDelayObserver) Limit(needDown bool) time.Duration {
	if needDown {
		return o.threshold
	}
	if o.threshold > hysteresis {
		return o.threshold - hysteresis
	}
	return o.threshold
}

// Observable reports true when there are no peers or any peer is live.
func (o *NetDelayObserver) Observable(ctx context.Context, needDown bool, localIP string, peers []string) bool {
	if len(peers) == 0 {
		return true
	}

	conns, err := o.connections()
	if err != nil {
		o.logger.Debug("tcp table unavailable", logging.Error(err))
		conns = nil
	}

	limit := o.Limit(needDown)
	for _, peer := range peers {
		if o.established(conns, peer) {
			return true
		}
		if rtt, ok := o.probe(ctx, localIP, peer, limit); ok {
			o.logger.Debug("peer reachable", logging.String("peer", peer), logging.Latency(rtt))
			return true
		}
	}
	return false
}

func (o *NetDelayObserver) established(conns []Connection, peer string) bool {
	host, portStr, err := net.SplitHostPort(peer)
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return false
	}

	for _, c := range conns {
		if c.State != tcpEstablished || c.RemotePort != port || !c.RemoteIP.Equal(ip) {
			continue
		}
		if c.TxQueue <= o.maxTxQueue {
			return true
		}
	}
	return false
}

func (o *NetDelayObserver) probe(ctx context.Context, localIP, peer string, limit time.Duration) (time.Duration, bool) {
	ctx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	d := o.dialer
	if ip := net.ParseIP(localIP); ip != nil {
		d.LocalAddr = &net.TCPAddr{IP: ip}
	}

	start := time.Now()
	conn, err := d.DialContext(ctx, "tcp", peer)
	if err != nil {
		return 0, false
	}
	rtt := time.Since(start)
	_ = conn.Close()
	return rtt, rtt <= limit
}

// ProcConnections reads the IPv4 and IPv6 TCP tables from /proc.
func ProcConnections() ([]Connection, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, err
	}

	var conns []Connection
	v4, err := fs.NetTCP()
	if err != nil {
		return nil, err
	}
	for _, line := range v4 {
		conns = append(conns, Connection{RemoteIP: line.RemAddr, RemotePort: line.RemPort, State: line.St, TxQueue: line.TxQueue})
	}

	// tcp6 is absent when IPv6 is disabled
	if v6, err := fs.NetTCP6(); err == nil {
		for _, line := range v6 {
			conns = append(conns, Connection{RemoteIP: line.RemAddr, RemotePort: line.RemPort, State: line.St, TxQueue: line.TxQueue})
		}
	}
	return conns, nil
}
