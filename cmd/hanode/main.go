// Command hanode runs one node of a cluso-ha cluster: group transport,
// cluster health election, distributed locks and the HTTP status surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/dd0wney/cluso-ha/pkg/config"
	"github.com/dd0wney/cluso-ha/pkg/logging"
	"github.com/dd0wney/cluso-ha/pkg/metrics"
)

func main() {
	configPath := flag.String("config", "/etc/cluso-ha/node.yaml", "node configuration file (overridden by $"+config.EnvPath+")")
	checkOnly := flag.Bool("check", false, "validate the configuration and exit")
	flag.Parse()

	path := config.Path(*configPath)
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hanode: %v\n", err)
		os.Exit(2)
	}
	if *checkOnly {
		fmt.Printf("%s: ok\n", path)
		return
	}

	logger := logging.DefaultLogger()
	if cfg.LogLevel != "" {
		logger.SetLevel(logging.ParseLevel(cfg.LogLevel))
	}
	logger = logger.With(
		logging.String("cluster", cfg.Cluster.ID),
		logging.String("node", cfg.Cluster.Node),
	)

	if err := run(context.Background(), path, cfg, logger); err != nil {
		logger.Error("node failed", logging.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, path string, cfg *config.Config, logger logging.Logger) error {
	n, err := newNode(ctx, cfg, logger, metrics.DefaultRegistry())
	if err != nil {
		return err
	}

	srv := n.server(path)
	if err := n.start(ctx); err != nil {
		_ = srv.Shutdown()
		return err
	}
	return srv.Run(ctx)
}
