package replicant

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
)

// EnvLogLevel overrides the log level of the configuration file.
const EnvLogLevel = "REPLICANT_LOG_LEVEL"

// FileConfig is the TOML form of a node configuration.
type FileConfig struct {
	Role     string `toml:"role"`
	ID       string `toml:"id"`
	DataDir  string `toml:"data_dir"`
	LogLevel string `toml:"log_level"`

	TickInterval   time.Duration `toml:"tick_interval"`
	PingInterval   time.Duration `toml:"ping_interval"`
	ConflictPolicy string        `toml:"conflict_policy"`
	MetricsAddr    string        `toml:"metrics_addr"`

	Transport TransportFileConfig `toml:"transport"`
	Maintain  MaintainFileConfig  `toml:"maintain"`
	Gossip    GossipFileConfig    `toml:"gossip"`
	Spawn     SpawnFileConfig     `toml:"spawn"`
}

type TransportFileConfig struct {
	Mode     string `toml:"mode"`
	BindAddr string `toml:"bind_addr"`
	BindPort int    `toml:"bind_port"`
	// Hosts written in the SANs of a generated certificate.
	Hosts []string `toml:"hosts"`
	// PinnedCert is the PEM certificate of the server we dial.
	PinnedCert string `toml:"pinned_cert"`
}

type MaintainFileConfig struct {
	Target   int           `toml:"target"`
	Interval time.Duration `toml:"interval"`
	Peers    []string      `toml:"peers"`
}

type GossipFileConfig struct {
	Enabled  bool     `toml:"enabled"`
	BindAddr string   `toml:"bind_addr"`
	BindPort int      `toml:"bind_port"`
	Seeds    []string `toml:"seeds"`
	Roles    []string `toml:"roles"`
}

type SpawnFileConfig struct {
	Enabled      *bool  `toml:"enabled"`
	MaxPerClient int    `toml:"max_per_client"`
	Auto         bool   `toml:"auto"`
	ShipClass    string `toml:"ship_class"`
}

// LoadConfig reads, defaults and validates path.
func LoadConfig(path string) (FileConfig, error) {
	var cfg FileConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return FileConfig{}, fmt.Errorf("%w: %s: %w", ErrInvalidCfg, path, err)
	}
	cfg.ApplyDefaults()
	if lvl, ok := os.LookupEnv(EnvLogLevel); ok && strings.TrimSpace(lvl) != "" {
		cfg.LogLevel = lvl
	}
	if err := cfg.Validate(); err != nil {
		return FileConfig{}, err
	}
	return cfg, nil
}

// ApplyDefaults fills what was left empty, the transport mode following
// the role.
func (cfg *FileConfig) ApplyDefaults() {
	if cfg.DataDir == "" {
		cfg.DataDir = "data"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Transport.Mode == "" {
		cfg.Transport.Mode = defaultMode(Role(cfg.Role)).String()
	}
	if cfg.Spawn.MaxPerClient == 0 {
		cfg.Spawn.MaxPerClient = 1
	}
}

func (cfg FileConfig) Validate() error {
	if _, err := Role(cfg.Role).Classify(); err != nil {
		return fmt.Errorf("%w: role: %w", ErrInvalidCfg, err)
	}
	if cfg.ID != "" {
		if _, err := uuid.Parse(cfg.ID); err != nil {
			return fmt.Errorf("%w: id: %w", ErrInvalidCfg, err)
		}
	}
	if _, err := ParseLevel(cfg.LogLevel); err != nil {
		return err
	}
	if _, err := ParseConflictPolicy(cfg.ConflictPolicy); err != nil {
		return err
	}
	mode, err := ParseMode(cfg.Transport.Mode)
	if err != nil {
		return err
	}
	if mode&ModeClient != 0 && cfg.Transport.PinnedCert == "" {
		return fmt.Errorf("%w: transport.pinned_cert is required to dial", ErrInvalidCfg)
	}
	if cfg.Transport.BindPort < 0 || cfg.Transport.BindPort > 65535 {
		return fmt.Errorf("%w: transport.bind_port %d", ErrInvalidAddr, cfg.Transport.BindPort)
	}
	if cfg.Maintain.Target < 0 {
		return fmt.Errorf("%w: maintain.target must not be negative", ErrInvalidCfg)
	}
	if cfg.Maintain.Target > 0 && len(cfg.Maintain.Peers) == 0 && !cfg.Gossip.Enabled {
		return fmt.Errorf("%w: maintain.target needs maintain.peers or gossip", ErrInvalidCfg)
	}
	for i, role := range cfg.Gossip.Roles {
		if _, err := Role(role).Classify(); err != nil {
			return fmt.Errorf("%w: gossip.roles[%d]: %w", ErrInvalidCfg, i, err)
		}
	}
	if cfg.Spawn.MaxPerClient < 1 {
		return fmt.Errorf("%w: spawn.max_per_client must be positive", ErrInvalidCfg)
	}
	return nil
}

// Identity of the node, a fresh id is drawn when none is configured.
func (cfg FileConfig) Identity() Identity {
	if id, err := uuid.Parse(cfg.ID); err == nil {
		return Identity{ID: id, Noun: cfg.Role}
	}
	return NewIdentity(cfg.Role)
}

// Options translates the file into node options. discovery is only used
// when a connection target is configured, it defaults to the static
// peer list. Credentials are loaded or generated for accepting nodes.
func (cfg FileConfig) Options(handler slog.Handler, discovery Discovery) ([]Option, error) {
	mode, err := ParseMode(cfg.Transport.Mode)
	if err != nil {
		return nil, err
	}
	policy, err := ParseConflictPolicy(cfg.ConflictPolicy)
	if err != nil {
		return nil, err
	}

	trCfg := TransportConfig{
		Mode:     mode,
		BindAddr: cfg.Transport.BindAddr,
		BindPort: cfg.Transport.BindPort,
	}
	if mode&ModeServer != 0 {
		creds, err := LoadOrCreateCredentials(cfg.DataDir, cfg.Transport.Hosts)
		if err != nil {
			return nil, err
		}
		trCfg.ServerTLS = creds.ServerTLSConfig()
	}
	if mode&ModeClient != 0 {
		certPEM, err := os.ReadFile(cfg.Transport.PinnedCert)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCredentials, err)
		}
		trCfg.ClientTLS, err = PinnedClientTLSConfig(certPEM)
		if err != nil {
			return nil, err
		}
	}

	opts := []Option{
		WithTransport(trCfg),
		WithLog(handler),
		WithConflictPolicy(policy),
	}
	if cfg.TickInterval > 0 {
		opts = append(opts, WithTickInterval(cfg.TickInterval))
	}
	if cfg.PingInterval > 0 {
		opts = append(opts, WithPingInterval(cfg.PingInterval))
	}
	if cfg.Maintain.Target > 0 {
		if discovery == nil {
			discovery = StaticDiscovery(cfg.Maintain.Peers)
		}
		opts = append(opts, WithMaintain(cfg.Maintain.Target, cfg.Maintain.Interval, discovery))
	}
	if cfg.Spawn.Enabled != nil {
		opts = append(opts, WithShipSpawning(*cfg.Spawn.Enabled, cfg.Spawn.MaxPerClient))
	}
	if cfg.Spawn.Auto {
		opts = append(opts, WithAutoSpawn(Ship{Class: cfg.Spawn.ShipClass, Hull: 1}, IdentityTransform))
	}
	return opts, nil
}

// GossipConfig of the discovery, when enabled. quicAddr is the address
// the transport of the node named identity is reachable at.
func (cfg FileConfig) GossipConfig(identity Identity, quicAddr string, handler slog.Handler) GossipConfig {
	roles := make([]Role, 0, len(cfg.Gossip.Roles))
	for _, role := range cfg.Gossip.Roles {
		roles = append(roles, Role(role))
	}
	return GossipConfig{
		NodeName:   identity.Noun + "-" + identity.ID.String(),
		BindAddr:   cfg.Gossip.BindAddr,
		BindPort:   cfg.Gossip.BindPort,
		Role:       identity.Role(),
		QuicAddr:   quicAddr,
		Roles:      roles,
		LogHandler: handler,
	}
}

// ParseMode is the inverse of [Mode.String].
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "client":
		return ModeClient, nil
	case "server":
		return ModeServer, nil
	case "both":
		return ModeBoth, nil
	default:
		return 0, fmt.Errorf("%w: unknown transport mode %q", ErrInvalidCfg, s)
	}
}

// ParseLevel accepts the usual level names, case insensitive.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("%w: unknown log level %q", ErrInvalidCfg, s)
	}
}

// WatchConfig reloads path whenever it changes and applies its log level
// to level, until done is closed. Other settings need a restart.
func WatchConfig(path string, level *slog.LevelVar, logger *slog.Logger, done <-chan struct{}) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("%w: watch: %w", ErrInvalidCfg, err)
	}
	// editors replace files, so the directory is watched.
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return fmt.Errorf("%w: watch: %w", ErrInvalidCfg, err)
	}
	target := filepath.Clean(path)

	go func() {
		defer w.Close()
		for {
			select {
			case <-done:
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := LoadConfig(path)
				if err != nil {
					logger.Warn("ignoring invalid configuration", LabelError.L(err))
					continue
				}
				lvl, _ := ParseLevel(cfg.LogLevel)
				if lvl != level.Level() {
					level.Set(lvl)
					logger.Info("log level changed", "level", lvl.String())
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				if !errors.Is(err, fsnotify.ErrEventOverflow) {
					logger.Warn("configuration watch failed", LabelError.L(err))
				}
			}
		}
	}()
	return nil
}
