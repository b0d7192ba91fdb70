// Package config loads the harness configuration: the fixed two-node scenario as defaults,
// overridable by a config file and HARNESS_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/SanjoDeundiak/cluster-harness/pkg/lib"
	"github.com/SanjoDeundiak/cluster-harness/pkg/lib/cluster"
)

const EnvPrefix = "HARNESS"

type Config struct {
	Verbose     bool          `mapstructure:"verbose"`
	LogDir      string        `mapstructure:"log_dir"`
	SettleDelay time.Duration `mapstructure:"settle_delay"`
	ResetData   bool          `mapstructure:"reset_data"`

	Node       NodeConfig       `mapstructure:"node"`
	Build      BuildConfig      `mapstructure:"build"`
	Init       MemberConfig     `mapstructure:"init"`
	Join       MemberConfig     `mapstructure:"join"`
	Shutdown   ShutdownConfig   `mapstructure:"shutdown"`
	Aggregator AggregatorConfig `mapstructure:"aggregator"`
	Status     ListenConfig     `mapstructure:"status"`
	Metrics    ListenConfig     `mapstructure:"metrics"`
}

// NodeConfig is shared by both node processes.
type NodeConfig struct {
	Binary string `mapstructure:"binary"`
	// WorkDir is the working directory of node processes.
	WorkDir string `mapstructure:"workdir"`
	// Env holds KEY=VALUE pairs added to the harness environment.
	Env   []string    `mapstructure:"env"`
	Flags FlagsConfig `mapstructure:"flags"`
}

type FlagsConfig struct {
	ID      string `mapstructure:"id"`
	Listen  string `mapstructure:"listen"`
	Peer    string `mapstructure:"peer"`
	DataDir string `mapstructure:"data_dir"`
	Seed    string `mapstructure:"seed"`
	Init    string `mapstructure:"init"`
}

type BuildConfig struct {
	Command []string      `mapstructure:"command"`
	Dir     string        `mapstructure:"dir"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// MemberConfig describes one node of the topology. An empty Log defaults to <log_dir>/<name>.log.
type MemberConfig struct {
	Name    string `mapstructure:"name"`
	Listen  string `mapstructure:"listen"`
	Peer    string `mapstructure:"peer"`
	DataDir string `mapstructure:"data_dir"`
	Log     string `mapstructure:"log"`
}

type ShutdownConfig struct {
	GracePeriod time.Duration `mapstructure:"grace_period"`
	ReapTimeout time.Duration `mapstructure:"reap_timeout"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type AggregatorConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// ListenConfig is an optional listener; an empty Listen disables it.
type ListenConfig struct {
	Listen string `mapstructure:"listen"`
}

// New returns a viper instance with the scenario defaults and environment overrides set up.
// Callers may bind command-line flags to it before Load.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func SetDefaults(v *viper.Viper) {
	topo := cluster.DefaultTopology("")
	flags := lib.DefaultNodeFlags()

	v.SetDefault("verbose", false)
	v.SetDefault("log_dir", ".")
	v.SetDefault("settle_delay", cluster.DefaultSettleDelay)
	v.SetDefault("reset_data", false)

	v.SetDefault("node.binary", "./target/debug/node")
	v.SetDefault("node.workdir", "")
	v.SetDefault("node.env", []string{"NODE_LOG=debug", "NODE_BACKTRACE=1"})
	v.SetDefault("node.flags.id", flags.ID)
	v.SetDefault("node.flags.listen", flags.Listen)
	v.SetDefault("node.flags.peer", flags.Peer)
	v.SetDefault("node.flags.data_dir", flags.DataDir)
	v.SetDefault("node.flags.seed", flags.Seed)
	v.SetDefault("node.flags.init", flags.Init)

	v.SetDefault("build.command", []string{})
	v.SetDefault("build.dir", "")
	v.SetDefault("build.timeout", 30*time.Second)

	for key, spec := range map[string]lib.NodeSpec{"init": topo.Init, "join": topo.Join} {
		v.SetDefault(key+".name", spec.Name)
		v.SetDefault(key+".listen", spec.ListenAddr)
		v.SetDefault(key+".peer", spec.PeerAddr)
		v.SetDefault(key+".data_dir", "")
		v.SetDefault(key+".log", "")
	}

	v.SetDefault("shutdown.grace_period", 3*time.Second)
	v.SetDefault("shutdown.reap_timeout", 2*time.Second)
	v.SetDefault("shutdown.timeout", 15*time.Second)
	v.SetDefault("aggregator.poll_interval", 250*time.Millisecond)
	v.SetDefault("status.listen", "")
	v.SetDefault("metrics.listen", "")
}

// Load reads file (if not empty) into v, then decodes and validates the result.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) Validate() error {
	var errs []error
	if cfg.Node.Binary == "" {
		errs = append(errs, errors.New("node.binary is required"))
	}
	if cfg.SettleDelay < 0 {
		errs = append(errs, fmt.Errorf("settle_delay must not be negative, got %s", cfg.SettleDelay))
	}
	for key, d := range map[string]time.Duration{
		"shutdown.grace_period":    cfg.Shutdown.GracePeriod,
		"shutdown.reap_timeout":    cfg.Shutdown.ReapTimeout,
		"shutdown.timeout":         cfg.Shutdown.Timeout,
		"aggregator.poll_interval": cfg.Aggregator.PollInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", key, d))
		}
	}
	if _, err := cfg.Environment(); err != nil {
		errs = append(errs, err)
	}
	for key, addr := range map[string]string{"status.listen": cfg.Status.Listen, "metrics.listen": cfg.Metrics.Listen} {
		if addr == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(addr); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}
	if err := cfg.Topology().Validate(); err != nil {
		errs = append(errs, err)
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", lib.ErrInvalidSpec, err)
	}
	return nil
}

// Topology renders both members as node specs, seeding the join node from the init node.
func (cfg *Config) Topology() cluster.Topology {
	topo := cluster.Topology{
		Init: cfg.Init.spec(lib.RoleInit, cfg.LogDir),
		Join: cfg.Join.spec(lib.RoleJoin, cfg.LogDir),
	}
	return topo.Seeded()
}

func (m MemberConfig) spec(role lib.Role, logDir string) lib.NodeSpec {
	logPath := m.Log
	if logPath == "" && m.Name != "" {
		logPath = filepath.Join(logDir, m.Name+".log")
	}
	return lib.NodeSpec{
		Name:       m.Name,
		Role:       role,
		ListenAddr: m.Listen,
		PeerAddr:   m.Peer,
		LogPath:    logPath,
		DataDir:    m.DataDir,
	}
}

func (cfg *Config) NodeFlags() lib.NodeFlags {
	f := cfg.Node.Flags
	return lib.NodeFlags{
		ID:      f.ID,
		Listen:  f.Listen,
		Peer:    f.Peer,
		DataDir: f.DataDir,
		Seed:    f.Seed,
		Init:    f.Init,
	}
}

// Environment parses Node.Env into a map.
func (cfg *Config) Environment() (map[string]string, error) {
	env := make(map[string]string, len(cfg.Node.Env))
	for _, kv := range cfg.Node.Env {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("node.env entry %q is not KEY=VALUE", kv)
		}
		env[key] = value
	}
	return env, nil
}
