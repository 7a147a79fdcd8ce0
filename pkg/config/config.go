// Package config loads the YAML configuration of a cluster node.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dd0wney/cluso-ha/pkg/validation"
)

// EnvPath overrides the configuration file path.
const EnvPath = "CLUSO_HA_CONFIG"

// Witness store kinds
const (
	WitnessFile = "file"
	WitnessS3   = "s3"
)

// Config is the configuration of one node.
type Config struct {
	// LogLevel is re-applied on configuration reload.
	LogLevel  string          `yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`
	Cluster   ClusterConfig   `yaml:"cluster"`
	Transport TransportConfig `yaml:"transport"`
	Election  ElectionConfig  `yaml:"election"`
	Arbiter   ArbiterConfig   `yaml:"arbiter"`
	Locks     LocksConfig     `yaml:"locks"`
	HTTP      HTTPConfig      `yaml:"http"`
	Database  DatabaseConfig  `yaml:"database"`
}

// ClusterConfig identifies the cluster and this node.
type ClusterConfig struct {
	ID   string `yaml:"id" validate:"required"`
	Node string `yaml:"node" validate:"required"`
}

// TransportConfig configures the group mesh.
type TransportConfig struct {
	Listen           string        `yaml:"listen" validate:"required,transport_url"`
	Advertise        string        `yaml:"advertise" validate:"omitempty,transport_url"`
	Peers            []string      `yaml:"peers" validate:"dive,transport_url"`
	Secret           string        `yaml:"secret"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	ProbeInterval    time.Duration `yaml:"probe_interval"`
	ProbeTimeout     time.Duration `yaml:"probe_timeout"`
	FailureThreshold int           `yaml:"failure_threshold" validate:"gte=1"`
	Workers          int           `yaml:"workers" validate:"gte=1"`
}

// ElectionConfig configures the cluster health engine.
type ElectionConfig struct {
	TickInterval     time.Duration `yaml:"tick_interval"`
	HeartbeatLostMax int           `yaml:"heartbeat_lost_max" validate:"gte=1"`
	MaxElectTime     time.Duration `yaml:"max_elect_time"`
	InitialBackoff   time.Duration `yaml:"initial_backoff"`
	MaxBackoff       time.Duration `yaml:"max_backoff"`
	CommandTimeout   time.Duration `yaml:"command_timeout"`
}

// ArbiterConfig configures the token stores and observers.
type ArbiterConfig struct {
	LocalPath string         `yaml:"local_path" validate:"required"`
	Witness   WitnessConfig  `yaml:"witness"`
	NetDelay  NetDelayConfig `yaml:"net_delay"`
	Reach     ReachConfig    `yaml:"reach"`
	// DatabaseObserver makes a reachable local database an optional condition
	DatabaseObserver bool `yaml:"database_observer"`
}

// WitnessConfig selects the shared token store.
type WitnessConfig struct {
	Kind string `yaml:"kind" validate:"oneof=file s3"`

	// file: an explicit path, or a mount resolved from the mount table
	Path   string `yaml:"path"`
	Mount  string `yaml:"mount"`
	Subdir string `yaml:"subdir"`

	// s3
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style"`
}

// NetDelayConfig configures the network delay observer.
type NetDelayConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Threshold  time.Duration `yaml:"threshold"`
	MaxTxQueue uint64        `yaml:"max_tx_queue"`
	Weight     int           `yaml:"weight"`
}

// ReachConfig configures the optional reachability observer.
type ReachConfig struct {
	Targets []string      `yaml:"targets" validate:"dive,hostname_port"`
	Timeout time.Duration `yaml:"timeout"`
	Weight  int           `yaml:"weight"`
}

// LocksConfig configures the distributed lock manager.
type LocksConfig struct {
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	RetryInterval  time.Duration `yaml:"retry_interval"`
}

// HTTPConfig configures the status server.
type HTTPConfig struct {
	Listen          string        `yaml:"listen" validate:"required,hostname_port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig describes the database replicas of the cluster.
type DatabaseConfig struct {
	Local         string          `yaml:"local" validate:"required"`
	Replicas      []ReplicaConfig `yaml:"replicas" validate:"dive"`
	CheckInterval time.Duration   `yaml:"check_interval"`
	Timeout       time.Duration   `yaml:"timeout"`
}

// ReplicaConfig is one database replica. Replicas without a DSN are
// always considered active.
type ReplicaConfig struct {
	ID  string `yaml:"id" validate:"required"`
	DSN string `yaml:"dsn"`
}

// Default returns a configuration with every optional value set.
func Default() *Config {
	return &Config{
		Transport: TransportConfig{
			Listen:           "tcp://0.0.0.0:7400",
			RequestTimeout:   5 * time.Second,
			ProbeInterval:    time.Second,
			ProbeTimeout:     time.Second,
			FailureThreshold: 3,
			Workers:          16,
		},
		Election: ElectionConfig{
			TickInterval:     2 * time.Second,
			HeartbeatLostMax: 3,
			MaxElectTime:     5 * time.Minute,
			InitialBackoff:   2 * time.Second,
			MaxBackoff:       30 * time.Second,
			CommandTimeout:   10 * time.Second,
		},
		Arbiter: ArbiterConfig{
			LocalPath: "/var/lib/cluso-ha/local.token",
			Witness: WitnessConfig{
				Kind:   WitnessFile,
				Subdir: "cluso-ha",
			},
			NetDelay: NetDelayConfig{
				Enabled:   true,
				Threshold: 200 * time.Millisecond,
				Weight:    10,
			},
			Reach: ReachConfig{
				Timeout: time.Second,
				Weight:  5,
			},
		},
		Locks: LocksConfig{
			AttemptTimeout: time.Second,
			RetryInterval:  500 * time.Millisecond,
		},
		HTTP: HTTPConfig{
			Listen:          "127.0.0.1:7480",
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			CheckInterval: 5 * time.Second,
			Timeout:       2 * time.Second,
		},
	}
}

// Path returns the configuration path: $CLUSO_HA_CONFIG when set, else fallback.
func Path(fallback string) string {
	if p := os.Getenv(EnvPath); p != "" {
		return p
	}
	return fallback
}

// Load reads the YAML file at path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct tags first, then the rules that span fields.
func (c *Config) Validate() error {
	if err := validation.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	w := c.Arbiter.Witness
	cv := validation.NewConfigValidator("config").
		Unique("transport.peers", c.Transport.Peers).
		RequiredDuration("election.tick_interval", c.Election.TickInterval).
		AtLeast("election.max_backoff", c.Election.MaxBackoff, "election.initial_backoff", c.Election.InitialBackoff).
		AtLeast("election.max_elect_time", c.Election.MaxElectTime, "election.tick_interval", c.Election.TickInterval).
		RequiredDuration("locks.retry_interval", c.Locks.RetryInterval).
		When(w.Kind == WitnessFile, func(cv *validation.ConfigValidator) {
			cv.Custom("arbiter.witness", func() error {
				if w.Path == "" && w.Mount == "" {
					return fmt.Errorf("file witness needs a path or a mount")
				}
				return nil
			})
		}).
		When(w.Kind == WitnessS3, func(cv *validation.ConfigValidator) {
			cv.Required("arbiter.witness.bucket", w.Bucket)
		}).
		When(c.Arbiter.NetDelay.Enabled, func(cv *validation.ConfigValidator) {
			cv.RequiredDuration("arbiter.net_delay.threshold", c.Arbiter.NetDelay.Threshold)
		})

	ids := make([]string, 0, len(c.Database.Replicas))
	for _, r := range c.Database.Replicas {
		ids = append(ids, r.ID)
	}
	cv.Unique("database.replicas", ids)

	return cv.Validate()
}

// AdvertiseURL returns the URL peers dial to reach this node.
func (t TransportConfig) AdvertiseURL() string {
	if t.Advertise != "" {
		return t.Advertise
	}
	return t.Listen
}

// DSNs maps replica ids to DSNs, skipping replicas without one.
func (d DatabaseConfig) DSNs() map[string]string {
	dsns := make(map[string]string, len(d.Replicas))
	for _, r := range d.Replicas {
		if r.DSN != "" {
			dsns[r.ID] = r.DSN
		}
	}
	return dsns
}
