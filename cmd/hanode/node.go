package main

import (
	"context"
	"errors"
	"fmt"
	"path"
	"runtime"
	"time"

	"github.com/dd0wney/cluso-ha/pkg/arbiter"
	"github.com/dd0wney/cluso-ha/pkg/config"
	"github.com/dd0wney/cluso-ha/pkg/database"
	"github.com/dd0wney/cluso-ha/pkg/dispatch"
	"github.com/dd0wney/cluso-ha/pkg/election"
	"github.com/dd0wney/cluso-ha/pkg/group"
	"github.com/dd0wney/cluso-ha/pkg/health"
	"github.com/dd0wney/cluso-ha/pkg/lock"
	"github.com/dd0wney/cluso-ha/pkg/logging"
	"github.com/dd0wney/cluso-ha/pkg/metrics"
	"github.com/dd0wney/cluso-ha/pkg/server"
	"github.com/dd0wney/cluso-ha/pkg/token"
)

// node owns every component of one cluster member.
type node struct {
	cfg     *config.Config
	logger  logging.Logger
	metrics *metrics.Registry
	started time.Time

	mesh      *group.Mesh
	factory   *dispatch.Factory
	arbiter   *arbiter.Arbiter
	witness   string
	databases *database.Monitor
	probes    map[string]*database.PGProbe
	engine    *election.Engine
	locks     *lock.Distributed

	cancel context.CancelFunc
}

func newNode(ctx context.Context, cfg *config.Config, logger logging.Logger, reg *metrics.Registry) (*node, error) {
	n := &node{
		cfg:     cfg,
		logger:  logger,
		metrics: reg,
		started: time.Now(),
		probes:  make(map[string]*database.PGProbe),
	}

	mesh, err := group.NewMesh(group.MeshConfig{
		ClusterID:        cfg.Cluster.ID,
		Name:             cfg.Cluster.Node,
		Listen:           cfg.Transport.Listen,
		Advertise:        cfg.Transport.AdvertiseURL(),
		Peers:            cfg.Transport.Peers,
		Secret:           cfg.Transport.Secret,
		RequestTimeout:   cfg.Transport.RequestTimeout,
		ProbeInterval:    cfg.Transport.ProbeInterval,
		ProbeTimeout:     cfg.Transport.ProbeTimeout,
		FailureThreshold: cfg.Transport.FailureThreshold,
		Workers:          cfg.Transport.Workers,
		Logger:           logger,
		Metrics:          reg,
	})
	if err != nil {
		return nil, fmt.Errorf("transport: %w", err)
	}
	n.mesh = mesh
	n.factory = dispatch.NewFactory(mesh, dispatch.FactoryConfig{Logger: logger, Metrics: reg})

	if err := n.openDatabases(ctx); err != nil {
		n.closeProbes()
		return nil, err
	}

	if err := n.openArbiter(ctx); err != nil {
		n.closeProbes()
		return nil, err
	}

	n.engine, err = election.New(election.Config{
		Factory:          n.factory,
		Arbiter:          n.arbiter,
		Databases:        n.databases,
		TickInterval:     cfg.Election.TickInterval,
		HeartbeatLostMax: cfg.Election.HeartbeatLostMax,
		MaxElectTime:     cfg.Election.MaxElectTime,
		InitialBackoff:   cfg.Election.InitialBackoff,
		MaxBackoff:       cfg.Election.MaxBackoff,
		CommandTimeout:   cfg.Election.CommandTimeout,
		Logger:           logger,
		Metrics:          reg,
	})
	if err != nil {
		n.closeProbes()
		return nil, fmt.Errorf("election: %w", err)
	}

	n.locks, err = lock.New(lock.Config{
		Factory:        n.factory,
		AttemptTimeout: cfg.Locks.AttemptTimeout,
		RetryInterval:  cfg.Locks.RetryInterval,
		CommandTimeout: cfg.Election.CommandTimeout,
		Logger:         logger,
		Metrics:        reg,
	})
	if err != nil {
		n.closeProbes()
		return nil, fmt.Errorf("locks: %w", err)
	}

	return n, nil
}

// openDatabases creates a probe per replica with a DSN and the replica monitor.
func (n *node) openDatabases(ctx context.Context) error {
	pingers := make(map[string]database.Pinger, len(n.cfg.Database.Replicas))
	for _, r := range n.cfg.Database.Replicas {
		pingers[r.ID] = nil
	}
	for id, dsn := range n.cfg.Database.DSNs() {
		probe, err := database.NewPGProbe(ctx, dsn)
		if err != nil {
			return fmt.Errorf("database %s: %w", id, err)
		}
		n.probes[id] = probe
		pingers[id] = probe
	}

	monitor, err := database.NewMonitor(database.MonitorConfig{
		Local:    n.cfg.Database.Local,
		Replicas: pingers,
		Interval: n.cfg.Database.CheckInterval,
		Timeout:  n.cfg.Database.Timeout,
		Sink: func(active map[string]struct{}) {
			if n.engine != nil {
				n.engine.CheckActiveDatabases(active)
			}
		},
		Logger: n.logger,
	})
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	n.databases = monitor
	return nil
}

// openArbiter opens the local and witness token stores and the observers.
func (n *node) openArbiter(ctx context.Context) error {
	ac := n.cfg.Arbiter

	local, err := token.NewFileStore(ac.LocalPath, token.FileStoreConfig{
		Name:    "local",
		Logger:  n.logger,
		Metrics: n.metrics,
	})
	if err != nil {
		return fmt.Errorf("local token: %w", err)
	}

	witness, err := n.openWitness(ctx)
	if err != nil {
		return fmt.Errorf("witness token: %w", err)
	}

	var observers []arbiter.Observer
	if ac.NetDelay.Enabled {
		observers = append(observers, arbiter.NewNetDelayObserver(arbiter.NetDelayConfig{
			Threshold:  ac.NetDelay.Threshold,
			MaxTxQueue: ac.NetDelay.MaxTxQueue,
			Weight:     ac.NetDelay.Weight,
			Logger:     n.logger,
		}))
	}
	if len(ac.Reach.Targets) > 0 {
		observers = append(observers, arbiter.NewReachObserver(ac.Reach.Targets, ac.Reach.Timeout, ac.Reach.Weight))
	}
	if ac.DatabaseObserver {
		probe, ok := n.probes[n.cfg.Database.Local]
		if !ok {
			return errors.New("database observer needs a DSN for the local database")
		}
		observers = append(observers, arbiter.NewDatabaseObserver(probe, n.cfg.Database.Timeout, 1))
	}

	n.arbiter, err = arbiter.New(arbiter.Config{
		Local:     local,
		Witness:   witness,
		Observers: observers,
		Logger:    n.logger,
		Metrics:   n.metrics,
	})
	return err
}

func (n *node) openWitness(ctx context.Context) (token.Store, error) {
	wc := n.cfg.Arbiter.Witness

	switch wc.Kind {
	case config.WitnessS3:
		client, err := token.NewS3Client(ctx, token.S3ClientConfig{
			Region:          wc.Region,
			Endpoint:        wc.Endpoint,
			AccessKeyID:     wc.AccessKeyID,
			SecretAccessKey: wc.SecretAccessKey,
			UsePathStyle:    wc.UsePathStyle,
		})
		if err != nil {
			return nil, err
		}
		key := path.Join(wc.Prefix, n.cfg.Cluster.ID+".token")
		n.witness = "s3://" + wc.Bucket + "/" + key
		return token.NewS3Store(client, token.S3StoreConfig{
			Bucket:  wc.Bucket,
			Key:     key,
			Logger:  n.logger,
			Metrics: n.metrics,
		})

	default:
		fc := token.FileStoreConfig{
			Name:    "witness",
			Logger:  n.logger,
			Metrics: n.metrics,
		}
		if wc.Path != "" {
			n.witness = wc.Path
			return token.NewFileStore(wc.Path, fc)
		}
		store, err := arbiter.NewMountedStore(arbiter.WitnessLocator{
			Mount:     wc.Mount,
			Subdir:    wc.Subdir,
			ClusterID: n.cfg.Cluster.ID,
		}, fc)
		if err != nil {
			return nil, err
		}
		n.witness = "mount:" + wc.Mount
		return store, nil
	}
}

// start joins the group and starts the background loops. The health engine
// goes first so the lock dispatcher joins an already running group.
func (n *node) start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel

	if err := n.engine.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("election: %w", err)
	}
	if err := n.locks.Start(ctx); err != nil {
		n.engine.Stop()
		cancel()
		return fmt.Errorf("locks: %w", err)
	}

	go n.databases.Run(runCtx)
	go n.systemMetrics(runCtx)

	n.logger.Info("node started",
		logging.Member("member", n.factory.Local()),
		logging.String("witness", n.witness),
		logging.Count(len(n.arbiter.Observers())))
	return nil
}

func (n *node) systemMetrics(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		n.metrics.UpdateSystemMetrics(n.started)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// server builds the HTTP surface and registers the shutdown sequence.
func (n *node) server(configPath string) *server.GracefulServer {
	checker := n.healthChecker()

	srv := server.NewGracefulServer(server.Config{
		Addr:            n.cfg.HTTP.Listen,
		Handler:         newMux(n, checker, n.metrics),
		ShutdownTimeout: n.cfg.HTTP.ShutdownTimeout,
		Logger:          n.logger,
	})

	srv.SetConfigReloadFunc(func() error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if cfg.LogLevel != "" {
			n.logger.SetLevel(logging.ParseLevel(cfg.LogLevel))
		}
		return nil
	})

	srv.OnShutdown("transport", func(context.Context) error {
		return n.factory.Stop()
	})
	srv.OnShutdown("databases", func(context.Context) error {
		if n.cancel != nil {
			n.cancel()
		}
		n.closeProbes()
		return nil
	})
	srv.OnShutdown("election", func(context.Context) error {
		n.engine.Stop()
		return nil
	})
	srv.OnShutdown("locks", func(context.Context) error {
		n.locks.Stop()
		return nil
	})
	return srv
}

func (n *node) healthChecker() *health.HealthChecker {
	hc := health.NewHealthChecker(0)

	transport := health.TransportCheck(len(n.cfg.Transport.Peers)+1, func() health.TransportView {
		view := n.factory.View()
		coord, _ := view.Coordinator()
		return health.TransportView{Members: view.Size(), Coordinator: coord.Name}
	})
	electionCheck := health.ElectionCheck(func() health.ElectionStatus {
		snap := n.engine.Snapshot()
		return health.ElectionStatus{
			State:      snap.State().String(),
			Host:       snap.State() == election.StateHost,
			Observable: snap.Observable,
			Missed:     snap.Missed,
			Token:      snap.Health.LocalToken,
		}
	})
	arbiterCheck := health.ArbiterCheck(n.witness, n.arbiter.CheckWitness)
	memory := health.MemoryCheck(func() (uint64, uint64) {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		return ms.Alloc, ms.Sys
	})

	hc.RegisterCheck("transport", transport)
	hc.RegisterCheck("election", electionCheck)
	hc.RegisterCheck("arbiter", arbiterCheck)
	hc.RegisterCheck("memory", memory)
	if probe, ok := n.probes[n.cfg.Database.Local]; ok {
		hc.RegisterCheck("database", health.DatabaseCheck(probe.Ping))
	}

	hc.RegisterReadinessCheck("election", electionCheck)
	hc.RegisterReadinessCheck("arbiter", arbiterCheck)
	hc.RegisterLivenessCheck("memory", memory)
	return hc
}

func (n *node) closeProbes() {
	for id, p := range n.probes {
		if err := p.Close(); err != nil {
			n.logger.Warn("failed to close database probe", logging.String("database", id), logging.Error(err))
		}
	}
	clear(n.probes)
}

// Status implements statusSource.
func (n *node) Status() Status {
	view := n.factory.View()
	coord, _ := view.Coordinator()
	return Status{
		Cluster:     n.cfg.Cluster.ID,
		Node:        n.cfg.Cluster.Node,
		Local:       n.factory.Local(),
		Witness:     n.witness,
		Uptime:      time.Since(n.started).Seconds(),
		Health:      n.engine.Snapshot(),
		View:        view,
		Coordinator: coord,
		Locks:       n.locks.Stats(),
	}
}

// Elect implements statusSource.
func (n *node) Elect(ctx context.Context) error {
	return n.engine.Elect(ctx)
}
