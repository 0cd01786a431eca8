package replicant

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const simConfig = `
role = "simulation"
id = "0b6a4a06-4c52-4a8e-9a34-6d5a1e2f3c4d"
tick_interval = "20ms"
conflict_policy = "overwrite"

[transport]
bind_addr = "127.0.0.1"
bind_port = 0
hosts = ["127.0.0.1"]

[spawn]
max_per_client = 2
`

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "replicant.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadConfig(writeConfig(t, dir, simConfig))
	require.NoError(t, err)

	require.Equal(t, "simulation", cfg.Role)
	require.Equal(t, 20*time.Millisecond, cfg.TickInterval)
	require.Equal(t, "data", cfg.DataDir)
	require.Equal(t, "info", cfg.LogLevel)
	require.Equal(t, "server", cfg.Transport.Mode, "the mode follows the role")
	require.Equal(t, 2, cfg.Spawn.MaxPerClient)

	identity := cfg.Identity()
	require.Equal(t, RoleSimulation, identity.Role())
	require.Equal(t, "0b6a4a06-4c52-4a8e-9a34-6d5a1e2f3c4d", identity.ID.String())

	t.Run("environment overrides the level", func(t *testing.T) {
		t.Setenv(EnvLogLevel, "debug")
		cfg, err := LoadConfig(writeConfig(t, dir, simConfig))
		require.NoError(t, err)
		require.Equal(t, "debug", cfg.LogLevel)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadConfig(filepath.Join(dir, "nope.toml"))
		require.ErrorIs(t, err, ErrInvalidCfg)
	})
}

func TestFileConfig_Validate(t *testing.T) {
	valid := func() FileConfig {
		cfg := FileConfig{Role: "simulation"}
		cfg.ApplyDefaults()
		return cfg
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*FileConfig)
	}{
		{"unknown role", func(c *FileConfig) { c.Role = "admin" }},
		{"malformed id", func(c *FileConfig) { c.ID = "sim-1" }},
		{"unknown level", func(c *FileConfig) { c.LogLevel = "loud" }},
		{"unknown policy", func(c *FileConfig) { c.ConflictPolicy = "merge" }},
		{"unknown mode", func(c *FileConfig) { c.Transport.Mode = "p2p" }},
		{"dialing without pinned cert", func(c *FileConfig) { c.Transport.Mode = "both" }},
		{"port out of range", func(c *FileConfig) { c.Transport.BindPort = 70000 }},
		{"target without candidates", func(c *FileConfig) { c.Maintain.Target = 1 }},
		{"unknown gossip role", func(c *FileConfig) { c.Gossip.Roles = []string{"admin"} }},
		{"no ship per client", func(c *FileConfig) { c.Spawn.MaxPerClient = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
		})
	}
}

func TestFileConfig_ApplyDefaults(t *testing.T) {
	for role, mode := range map[Role]Mode{
		RoleAI:          ModeClient,
		RoleClient:      ModeClient,
		RoleSimulation:  ModeServer,
		RoleReplication: ModeBoth,
	} {
		cfg := FileConfig{Role: string(role)}
		cfg.ApplyDefaults()
		parsed, err := ParseMode(cfg.Transport.Mode)
		require.NoError(t, err)
		require.Equal(t, mode, parsed, role)
		require.Equal(t, 1, cfg.Spawn.MaxPerClient)
	}

	cfg := FileConfig{Role: "replication", Transport: TransportFileConfig{Mode: "server"}}
	cfg.ApplyDefaults()
	require.Equal(t, "server", cfg.Transport.Mode, "an explicit mode is kept")

	_, err := ParseMode("p2p")
	require.ErrorIs(t, err, ErrInvalidCfg)
}

func TestFileConfig_Options(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadConfig(writeConfig(t, dir, simConfig))
	require.NoError(t, err)
	cfg.DataDir = filepath.Join(dir, "sim")

	opts, err := cfg.Options(testLogHandler("config"), nil)
	require.NoError(t, err)
	sim, err := NewNode(cfg.Identity(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sim.Shutdown() })
	require.Equal(t, ModeServer, sim.Transport().Mode())
	require.FileExists(t, filepath.Join(cfg.DataDir, CertFileName))

	client := FileConfig{
		Role: "client",
		Transport: TransportFileConfig{
			BindAddr:   "127.0.0.1",
			PinnedCert: filepath.Join(cfg.DataDir, CertFileName),
		},
		Maintain: MaintainFileConfig{
			Target: 1,
			Peers:  []string{sim.Transport().LocalAddr().String()},
		},
		Spawn: SpawnFileConfig{Auto: true, ShipClass: "scout"},
	}
	client.ApplyDefaults()
	require.NoError(t, client.Validate())

	opts, err = client.Options(testLogHandler("config"), nil)
	require.NoError(t, err)
	node, err := NewNode(client.Identity(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = node.Shutdown() })

	nodes := []*testNode{{Node: sim}, {Node: node}}
	converge(t, func() bool {
		_, ok := node.OwnedShip()
		return ok
	}, nodes...)

	t.Run("unreadable pinned certificate", func(t *testing.T) {
		client.Transport.PinnedCert = filepath.Join(dir, "missing.pem")
		_, err := client.Options(testLogHandler("config"), nil)
		require.ErrorIs(t, err, ErrCredentials)
	})
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"":        slog.LevelInfo,
		"DEBUG":   slog.LevelDebug,
		"warning": slog.LevelWarn,
		" error ": slog.LevelError,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}

func TestWatchConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, simConfig)

	var level slog.LevelVar
	done := make(chan struct{})
	t.Cleanup(func() { close(done) })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	require.NoError(t, WatchConfig(path, &level, logger, done))

	writeConfig(t, dir, "log_level = \"error\"\n"+simConfig)
	require.Eventually(t, func() bool {
		return level.Level() == slog.LevelError
	}, 5*time.Second, 20*time.Millisecond)

	// an invalid file keeps the last level.
	writeConfig(t, dir, "role = \"admin\"\n")
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, slog.LevelError, level.Level())
}
