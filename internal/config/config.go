// Package config loads and validates the citadel TOML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that unmarshals from TOML strings like "60s" or "2m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the root citadel configuration document.
type Config struct {
	General    General                `toml:"general"`
	Worker     PoolConfig             `toml:"worker"`
	Gatekeeper PoolConfig             `toml:"gatekeeper"`
	Beads      BeadsConfig            `toml:"beads"`
	Bridge     BridgeConfig           `toml:"bridge"`
	Agents     map[string]AgentConfig `toml:"agents"`
}

// General controls the conductor's tick cadence and process-level bookkeeping.
type General struct {
	TickInterval Duration `toml:"tick_interval"`
	StallTimeout Duration `toml:"stall_timeout"`
	GracePeriod  Duration `toml:"grace_period"`
	StateDB      string   `toml:"state_db"`
	LockFile     string   `toml:"lock_file"`
	LogLevel     string   `toml:"log_level"`
}

// PoolConfig sizes and paces one role's hook pool (worker or gatekeeper).
type PoolConfig struct {
	MinWorkers        int      `toml:"min_workers"`
	MaxWorkers        int      `toml:"max_workers"`
	LoadFactor        float64  `toml:"load_factor"`
	Timeout           Duration `toml:"timeout"`
	MaxRetries        int      `toml:"max_retries"`
	PollInterval      Duration `toml:"poll_interval"`
	HeartbeatInterval Duration `toml:"heartbeat_interval"`
}

// BeadsConfig points at the bd-backed issue store and its execution mode.
type BeadsConfig struct {
	Path         string `toml:"path"`
	Binary       string `toml:"binary"`
	AutoSync     bool   `toml:"auto_sync"`
	Sandbox      bool   `toml:"sandbox"`
	SandboxImage string `toml:"sandbox_image"`
}

// BridgeConfig bounds the in-memory log/event surface exposed to operators.
type BridgeConfig struct {
	MaxLogs int `toml:"max_logs"`
}

// AgentConfig describes one role's model binding and tool/resource grants.
type AgentConfig struct {
	Provider     string              `toml:"provider"`
	Model        string              `toml:"model"`
	MCPTools     []string            `toml:"mcp_tools"`
	MCPResources map[string][]string `toml:"mcp_resources"`
}

// Clone returns a deep copy of cfg so callers can safely mutate the result.
func (cfg *Config) Clone() *Config {
	if cfg == nil {
		return nil
	}

	cloned := *cfg
	cloned.Agents = cloneAgents(cfg.Agents)
	return &cloned
}

func cloneAgents(in map[string]AgentConfig) map[string]AgentConfig {
	if in == nil {
		return nil
	}
	out := make(map[string]AgentConfig, len(in))
	for role, agent := range in {
		out[role] = AgentConfig{
			Provider:     agent.Provider,
			Model:        agent.Model,
			MCPTools:     cloneStringSlice(agent.MCPTools),
			MCPResources: cloneStringSliceMap(agent.MCPResources),
		}
	}
	return out
}

func cloneStringSlice(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneStringSliceMap(in map[string][]string) map[string][]string {
	if in == nil {
		return nil
	}
	out := make(map[string][]string, len(in))
	for key, values := range in {
		out[key] = cloneStringSlice(values)
	}
	return out
}

// Load reads and validates a citadel TOML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	applyDefaults(&cfg)
	normalizePaths(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Reload reads and validates a citadel TOML configuration file.
//
// This mirrors Load but is intentionally named to reflect runtime refresh paths.
func Reload(path string) (*Config, error) {
	return Load(path)
}

// LoadManager reads config from path and returns an RWMutex-backed thread-safe manager.
func LoadManager(path string) (ConfigManager, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path is required")
	}

	cfg, err := Reload(path)
	if err != nil {
		return nil, err
	}
	return NewRWMutexManager(cfg), nil
}

func applyDefaults(cfg *Config) {
	if cfg.General.TickInterval.Duration == 0 {
		cfg.General.TickInterval = Duration{5 * time.Second}
	}
	if cfg.General.StallTimeout.Duration == 0 {
		cfg.General.StallTimeout = Duration{120 * time.Second}
	}
	if cfg.General.GracePeriod.Duration == 0 {
		cfg.General.GracePeriod = Duration{5 * time.Second}
	}
	if cfg.General.StateDB == "" {
		cfg.General.StateDB = "~/.citadel/state.db"
	}
	if cfg.General.LockFile == "" {
		cfg.General.LockFile = "~/.citadel/citadel.lock"
	}
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = "info"
	}

	applyPoolDefaults(&cfg.Worker, 1, 8)
	applyPoolDefaults(&cfg.Gatekeeper, 1, 4)

	if cfg.Beads.Binary == "" {
		cfg.Beads.Binary = "bd"
	}
	if cfg.Beads.Path == "" {
		cfg.Beads.Path = "."
	}
	if cfg.Beads.Sandbox && cfg.Beads.SandboxImage == "" {
		cfg.Beads.SandboxImage = "citadel-sandbox:latest"
	}

	if cfg.Bridge.MaxLogs == 0 {
		cfg.Bridge.MaxLogs = 500
	}
}

func applyPoolDefaults(p *PoolConfig, minDefault, maxDefault int) {
	if p.MinWorkers == 0 {
		p.MinWorkers = minDefault
	}
	if p.MaxWorkers == 0 {
		p.MaxWorkers = maxDefault
	}
	if p.LoadFactor == 0 {
		p.LoadFactor = 1.0
	}
	if p.Timeout.Duration == 0 {
		p.Timeout = Duration{10 * time.Minute}
	}
	if p.MaxRetries == 0 {
		p.MaxRetries = 3
	}
	if p.PollInterval.Duration == 0 {
		p.PollInterval = Duration{1 * time.Second}
	}
	if p.HeartbeatInterval.Duration == 0 {
		p.HeartbeatInterval = Duration{10 * time.Second}
	}
}

func normalizePaths(cfg *Config) {
	if cfg == nil {
		return
	}

	cfg.General.StateDB = ExpandHome(strings.TrimSpace(cfg.General.StateDB))
	cfg.General.LockFile = ExpandHome(strings.TrimSpace(cfg.General.LockFile))
	cfg.Beads.Path = ExpandHome(strings.TrimSpace(cfg.Beads.Path))
}

func validate(cfg *Config) error {
	if err := validatePool("worker", cfg.Worker); err != nil {
		return err
	}
	if err := validatePool("gatekeeper", cfg.Gatekeeper); err != nil {
		return err
	}
	if cfg.Beads.Sandbox && cfg.Beads.SandboxImage == "" {
		return fmt.Errorf("beads.sandbox_image is required when beads.sandbox is enabled")
	}
	for role, agent := range cfg.Agents {
		if strings.TrimSpace(agent.Model) == "" {
			return fmt.Errorf("agents.%s.model is required", role)
		}
	}
	return nil
}

func validatePool(name string, p PoolConfig) error {
	if p.MinWorkers < 0 {
		return fmt.Errorf("%s.min_workers must be >= 0", name)
	}
	if p.MaxWorkers < p.MinWorkers {
		return fmt.Errorf("%s.max_workers (%d) must be >= min_workers (%d)", name, p.MaxWorkers, p.MinWorkers)
	}
	if p.LoadFactor <= 0 {
		return fmt.Errorf("%s.load_factor must be > 0", name)
	}
	return nil
}

// ExpandHome expands a leading ~ to the current user's home directory.
func ExpandHome(path string) string {
	if len(path) == 0 {
		return path
	}
	if path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
