package group

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dd0wney/cluso-ha/pkg/logging"
	"github.com/dd0wney/cluso-ha/pkg/metrics"
	"github.com/dd0wney/cluso-ha/pkg/validation"
)

// MeshConfig configures a Mesh.
type MeshConfig struct {
	ClusterID string
	Name      string
	Listen    string   // bind URL, e.g. tcp://0.0.0.0:7400
	Advertise string   // URL peers dial to reach this node (default: Listen)
	Peers     []string // URLs of the other members
	Secret    string   // frames are signed when set

	RequestTimeout   time.Duration // default 5s
	ProbeInterval    time.Duration // default 1s
	ProbeTimeout     time.Duration // default 1s
	FailureThreshold int           // consecutive failed probes before a peer leaves (default 3)
	Workers          int           // concurrent inbound requests (default 16)

	Sockets SocketFactory // default mangos
	Logger  logging.Logger
	Metrics *metrics.Registry
}

// Validate checks the configuration.
func (c *MeshConfig) Validate() error {
	cv := validation.NewConfigValidator("MeshConfig").
		Required("ClusterID", c.ClusterID).
		Required("Name", c.Name).
		TransportURL("Listen", c.Listen).
		Unique("Peers", c.Peers)
	if c.Advertise != "" {
		cv.TransportURL("Advertise", c.Advertise)
	}
	for _, p := range c.Peers {
		cv.TransportURL("Peers", p)
	}
	return cv.Validate()
}

// peer is one configured remote endpoint. The member behind it is learned
// from probe replies.
type peer struct {
	url      string
	sock     Socket
	member   Member
	alive    bool
	failures int
}

// Mesh is a Group over mangos req/rep sockets. Every node listens on one
// replier socket and dials one requester socket per configured peer.
// Membership is derived from periodic probes: a peer joins the view on its
// first answered probe and leaves after FailureThreshold consecutive misses.
type Mesh struct {
	config  MeshConfig
	local   Member
	codec   *frameCodec
	logger  logging.Logger
	metrics *metrics.Registry

	receiver  Receiver
	peers     []*peer
	resources *ResourceCleanup

	state  lifecycle
	bg     routines
	ctx    context.Context
	cancel context.CancelFunc
	stopCh chan struct{}

	mu     sync.RWMutex // guards peer liveness and view
	view   View
	viewID uint64

	deliverMu sync.Mutex // serializes view delivery
}

// NewMesh creates a mesh transport. Sockets are opened on Start.
func NewMesh(config MeshConfig) (*Mesh, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	config.Advertise = validation.DefaultOr(config.Advertise, config.Listen)
	config.RequestTimeout = validation.DefaultOrDuration(config.RequestTimeout, 5*time.Second)
	config.ProbeInterval = validation.DefaultOrDuration(config.ProbeInterval, time.Second)
	config.ProbeTimeout = validation.DefaultOrDuration(config.ProbeTimeout, time.Second)
	config.FailureThreshold = validation.DefaultOrInt(config.FailureThreshold, 3)
	config.Workers = validation.DefaultOrInt(config.Workers, 16)
	if config.Sockets == nil {
		config.Sockets = NewMangosSocketFactory()
	}

	logger := logging.ForComponent(config.Logger, "group")

	m := &Mesh{
		config:  config,
		local:   NewMember(config.Name, config.Advertise),
		codec:   newFrameCodec(config.ClusterID, config.Secret),
		logger:  logger,
		metrics: config.Metrics,
	}
	for _, url := range config.Peers {
		m.peers = append(m.peers, &peer{url: url})
	}
	return m, nil
}

func (m *Mesh) Local() Member {
	return m.local
}

func (m *Mesh) View() View {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view
}

func (m *Mesh) SetReceiver(r Receiver) {
	m.receiver = r
}

// Start binds the replier, dials every peer and runs one probe round before
// returning, so the first view already contains the reachable peers.
func (m *Mesh) Start(ctx context.Context) error {
	unlock, alreadyRunning := m.state.TryStart()
	if alreadyRunning {
		return ErrAlreadyStarted
	}
	defer unlock()

	if m.receiver == nil {
		return ErrNoReceiver
	}

	cleanup := NewResourceCleanup(m.logger)
	defer cleanup.Cleanup()

	replier, err := m.config.Sockets.NewReplier()
	if err != nil {
		return fmt.Errorf("failed to create replier socket: %w", err)
	}
	cleanup.Add(replier, "replier")
	if err := replier.Listen(m.config.Listen); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", m.config.Listen, err)
	}

	for _, p := range m.peers {
		sock, err := m.config.Sockets.NewRequester()
		if err != nil {
			return fmt.Errorf("failed to create requester socket: %w", err)
		}
		cleanup.Add(sock, "requester "+p.url)
		if err := sock.Dial(p.url); err != nil {
			return fmt.Errorf("failed to dial %s: %w", p.url, err)
		}
		p.sock = sock
	}

	workers := make([]SocketContext, 0, m.config.Workers)
	for i := 0; i < m.config.Workers; i++ {
		sctx, err := replier.OpenContext()
		if err != nil {
			return fmt.Errorf("failed to open replier context: %w", err)
		}
		workers = append(workers, sctx)
	}

	m.resources = cleanup.Detach()
	m.ctx, m.cancel = context.WithCancel(context.WithoutCancel(ctx))
	m.stopCh = make(chan struct{})
	m.state.markStarted()

	for _, sctx := range workers {
		m.bg.Go(func() { m.serve(sctx) })
	}

	m.mu.Lock()
	initial := m.buildViewLocked()
	m.mu.Unlock()
	m.publish(initial)
	m.probeRound()
	m.bg.Go(m.probeLoop)

	m.logger.Info("mesh started",
		logging.String("listen", m.config.Listen),
		logging.Member("local", m.local),
		logging.Int("peers", len(m.peers)),
		logging.Bool("signed", m.codec.signed()))
	return nil
}

// Stop closes every socket and waits for background goroutines.
func (m *Mesh) Stop() error {
	unlock, notRunning := m.state.TryStop()
	if notRunning {
		return nil
	}
	defer unlock()

	m.state.markStopped()
	close(m.stopCh)
	m.cancel()
	err := m.resources.CloseAll()
	m.bg.Wait()

	m.logger.Info("mesh stopped")
	return err
}

// Request sends payload to member to and waits for the reply.
func (m *Mesh) Request(ctx context.Context, to Member, payload []byte) ([]byte, error) {
	if !m.state.IsRunning() {
		return nil, ErrNotStarted
	}
	if to == m.local {
		return m.receiver.Receive(ctx, m.local, payload)
	}

	p := m.peerFor(to)
	if p == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnreachable, to)
	}

	start := time.Now()
	reply, err := m.exchange(ctx, p, frame{Kind: frameCall, From: m.local, Data: payload}, m.config.RequestTimeout)
	if err == nil && reply.Kind == frameError {
		err = fmt.Errorf("%w: %s", ErrRemote, reply.Error)
	}
	if m.metrics != nil {
		m.metrics.RecordTransportRequest(frameCall, err, time.Since(start))
	}
	if err != nil {
		return nil, err
	}
	return reply.Data, nil
}

func (m *Mesh) peerFor(to Member) *peer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.peers {
		if p.alive && p.member == to {
			return p
		}
	}
	return nil
}

// exchange runs one request/reply on a fresh requester context so concurrent
// requests to the same peer never wait on each other.
func (m *Mesh) exchange(ctx context.Context, p *peer, f frame, timeout time.Duration) (frame, error) {
	data, err := m.codec.encode(f)
	if err != nil {
		return frame{}, err
	}

	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < timeout {
			timeout = left
		}
	}
	if timeout <= 0 {
		return frame{}, context.DeadlineExceeded
	}

	sctx, err := p.sock.OpenContext()
	if err != nil {
		return frame{}, fmt.Errorf("%w: %s: %v", ErrUnreachable, p.url, err)
	}
	defer sctx.Close()
	stop := context.AfterFunc(ctx, func() { sctx.Close() })
	defer stop()

	if err := sctx.SetDeadline(timeout); err != nil {
		return frame{}, err
	}
	if err := sctx.Send(data); err != nil {
		if ctx.Err() != nil {
			return frame{}, ctx.Err()
		}
		return frame{}, fmt.Errorf("%w: %s: %v", ErrUnreachable, p.url, err)
	}
	raw, err := sctx.Recv()
	if err != nil {
		if ctx.Err() != nil {
			return frame{}, ctx.Err()
		}
		return frame{}, fmt.Errorf("%w: %s: %v", ErrUnreachable, p.url, err)
	}
	return m.codec.decode(raw)
}

// serve answers inbound frames on one replier context until the socket closes.
func (m *Mesh) serve(sctx SocketContext) {
	for {
		raw, err := sctx.Recv()
		if err != nil {
			if isClosed(err) || !m.state.IsRunning() {
				return
			}
			m.logger.Debug("receive failed", logging.Error(err))
			continue
		}

		reply := m.handle(raw)
		data, err := m.codec.encode(reply)
		if err != nil {
			m.logger.Error("failed to encode reply", logging.Error(err))
			continue
		}
		if err := sctx.Send(data); err != nil && !isClosed(err) {
			m.logger.Debug("reply failed", logging.Error(err))
		}
	}
}

func (m *Mesh) handle(raw []byte) frame {
	f, err := m.codec.decode(raw)
	if err != nil {
		m.logger.Warn("rejected frame", logging.Error(err))
		return frame{Kind: frameError, From: m.local, Error: err.Error()}
	}

	switch f.Kind {
	case frameProbe:
		return frame{Kind: frameReply, From: m.local}
	case frameCall:
		data, err := m.receiver.Receive(m.ctx, f.From, f.Data)
		if err != nil {
			return frame{Kind: frameError, From: m.local, Error: err.Error()}
		}
		return frame{Kind: frameReply, From: m.local, Data: data}
	default:
		return frame{Kind: frameError, From: m.local, Error: fmt.Sprintf("unknown frame kind %q", f.Kind)}
	}
}

func (m *Mesh) probeLoop() {
	ticker := time.NewTicker(m.config.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.probeRound()
		}
	}
}

type probeResult struct {
	peer   *peer
	member Member
	err    error
}

// probeRound probes every peer in parallel and publishes the resulting view.
func (m *Mesh) probeRound() {
	results := make([]probeResult, len(m.peers))
	var wg sync.WaitGroup
	for i, p := range m.peers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			reply, err := m.exchange(m.ctx, p, frame{Kind: frameProbe, From: m.local}, m.config.ProbeTimeout)
			if err == nil && reply.Kind != frameReply {
				err = fmt.Errorf("%w: %s", ErrRemote, reply.Error)
			}
			if err == nil && reply.From.IsZero() {
				err = ErrBadFrame
			}
			if m.metrics != nil {
				m.metrics.RecordTransportRequest(frameProbe, err, time.Since(start))
			}
			results[i] = probeResult{peer: p, member: reply.From, err: err}
		}()
	}
	wg.Wait()

	if !m.state.IsRunning() {
		return
	}
	m.applyProbes(results)
}

func (m *Mesh) applyProbes(results []probeResult) {
	m.deliverMu.Lock()
	defer m.deliverMu.Unlock()

	m.mu.Lock()
	changed := false
	var restarted []*peer
	for _, r := range results {
		p := r.peer
		if r.err != nil {
			p.failures++
			if p.alive && p.failures >= m.config.FailureThreshold {
				p.alive = false
				changed = true
				m.logger.Warn("member unreachable", logging.Member("member", p.member),
					logging.Int("failures", p.failures), logging.Error(r.err))
			}
			continue
		}

		p.failures = 0
		switch {
		case p.alive && p.member != r.member:
			restarted = append(restarted, p)
			m.logger.Info("member restarted", logging.Member("old", p.member), logging.Member("new", r.member))
			p.member = r.member
			changed = true
		case !p.alive:
			p.alive = true
			p.member = r.member
			changed = true
			m.logger.Info("member reachable", logging.Member("member", p.member), logging.String("url", p.url))
		}
	}

	if !changed {
		m.mu.Unlock()
		return
	}

	// A restarted peer leaves the view before its new incarnation joins.
	var interim *View
	if len(restarted) > 0 {
		for _, p := range restarted {
			p.alive = false
		}
		v := m.buildViewLocked()
		interim = &v
		for _, p := range restarted {
			p.alive = true
		}
	}
	next := m.buildViewLocked()
	m.mu.Unlock()

	if interim != nil {
		m.publishLocked(*interim)
	}
	m.publishLocked(next)
}

// buildViewLocked assigns the next view id; m.mu must be held.
func (m *Mesh) buildViewLocked() View {
	members := []Member{m.local}
	for _, p := range m.peers {
		if p.alive {
			members = append(members, p.member)
		}
	}
	m.viewID++
	return NewView(m.viewID, members)
}

func (m *Mesh) publish(v View) {
	m.deliverMu.Lock()
	defer m.deliverMu.Unlock()
	m.publishLocked(v)
}

// publishLocked stores and delivers v; deliverMu must be held.
func (m *Mesh) publishLocked(v View) {
	m.mu.Lock()
	m.view = v
	m.mu.Unlock()

	m.logger.Debug("view changed", logging.Uint64("view", v.ID), logging.Count(v.Size()))
	m.receiver.ViewChanged(v)
}

// IsUnreachable reports whether err means the target did not answer.
func IsUnreachable(err error) bool {
	return errors.Is(err, ErrUnreachable) || errors.Is(err, context.DeadlineExceeded)
}

// Ensure Mesh implements Group
var _ Group = (*Mesh)(nil)
