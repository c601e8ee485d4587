// Package runtimeconfig loads the top-level runtime configuration file that
// wires every component together: the bytecode module path, task schedule
// overrides, I/O driver parameters, historian settings, and data-root
// layout. Structured the way the teacher's internal/attractor/engine
// RunConfigFile is: one nested yaml-tagged struct decoded via gopkg.in/yaml.v3.
package runtimeconfig

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/ironloop/ironcycle/internal/errkind"
	"github.com/ironloop/ironcycle/internal/historian"
	"github.com/ironloop/ironcycle/internal/iodriver/wsdriver"
)

// AlertRuleFile mirrors historian.AlertRuleConfig with yaml tags, since the
// historian package itself stays wire-format agnostic.
type AlertRuleFile struct {
	Name            string   `yaml:"name"`
	VariablePath    string   `yaml:"variable_path"`
	Above           *float64 `yaml:"above,omitempty"`
	Below           *float64 `yaml:"below,omitempty"`
	DebounceSamples uint32   `yaml:"debounce_samples"`
	Hook            string   `yaml:"hook,omitempty"`
}

// HistorianFile is the [historian] section of the runtime config.
type HistorianFile struct {
	Enabled           bool            `yaml:"enabled"`
	SampleIntervalMS  int64           `yaml:"sample_interval_ms"`
	Mode              string          `yaml:"mode"` // "all" | "allowlist"
	Include           []string        `yaml:"include,omitempty"`
	HistoryPath       string          `yaml:"history_path"`
	MaxEntries        int             `yaml:"max_entries"`
	PrometheusEnabled bool            `yaml:"prometheus_enabled"`
	PrometheusPath    string          `yaml:"prometheus_path"`
	Alerts            []AlertRuleFile `yaml:"alerts,omitempty"`
}

// ToHistorianConfig converts the decoded file section to historian.Config,
// falling back to historian.DefaultConfig's values for an unset sample
// interval, history path, max entries and Prometheus path. Enabled and
// PrometheusEnabled are taken from the file as-is, so they are false when
// their keys are absent; Mode is allowlist only when the file says
// "allowlist", and all otherwise.
func (f HistorianFile) ToHistorianConfig() historian.Config {
	d := historian.DefaultConfig()
	cfg := historian.Config{
		Enabled:           f.Enabled,
		SampleIntervalMS:  f.SampleIntervalMS,
		Mode:              historian.ModeAll,
		Include:           f.Include,
		HistoryPath:       f.HistoryPath,
		MaxEntries:        f.MaxEntries,
		PrometheusEnabled: f.PrometheusEnabled,
		PrometheusPath:    f.PrometheusPath,
	}
	if f.Mode == string(historian.ModeAllowlist) {
		cfg.Mode = historian.ModeAllowlist
	}
	if cfg.SampleIntervalMS == 0 {
		cfg.SampleIntervalMS = d.SampleIntervalMS
	}
	if cfg.HistoryPath == "" {
		cfg.HistoryPath = d.HistoryPath
	}
	if cfg.MaxEntries == 0 {
		cfg.MaxEntries = d.MaxEntries
	}
	if cfg.PrometheusPath == "" {
		cfg.PrometheusPath = d.PrometheusPath
	}
	for _, a := range f.Alerts {
		cfg.Alerts = append(cfg.Alerts, historian.AlertRuleConfig{
			Name: a.Name, VariablePath: a.VariablePath, Above: a.Above, Below: a.Below,
			DebounceSamples: a.DebounceSamples, Hook: a.Hook,
		})
	}
	return cfg
}

// WebSocketDriverFile is one entry of the io_drivers_websocket list.
type WebSocketDriverFile struct {
	URL                 string `yaml:"url"`
	AllowInsecureRemote bool   `yaml:"allow_insecure_remote"`
	Username            string `yaml:"username,omitempty"`
	Password            string `yaml:"password,omitempty"`
	ReconnectMinMS      int    `yaml:"reconnect_min_ms"`
	ReconnectMaxMS      int    `yaml:"reconnect_max_ms"`
}

func (f WebSocketDriverFile) ToDriverConfig() wsdriver.Config {
	return wsdriver.Config{
		URL: f.URL, AllowInsecureRemote: f.AllowInsecureRemote,
		Username: f.Username, Password: f.Password,
		ReconnectMinMS: f.ReconnectMinMS, ReconnectMaxMS: f.ReconnectMaxMS,
	}
}

// TaskFile is one configured cyclic task's schedule override and retain
// policy. Non-zero PeriodMS, Priority and WatchdogMS replace the values of
// the module's schedule row for the task; zero keeps the module's value.
type TaskFile struct {
	Name           string `yaml:"name"`
	PeriodMS       int    `yaml:"period_ms"`
	Priority       int    `yaml:"priority"`
	WatchdogMS     int    `yaml:"watchdog_ms"`
	RetainMode     string `yaml:"retain_mode"` // "on_interval" | "on_shutdown"
	RetainInterval int    `yaml:"retain_interval_ms"`
	FaultPolicy    string `yaml:"fault_policy"` // "halt" | "continue_logged" | "restart"
	RestartMode    string `yaml:"restart_mode"` // "warm" | "cold"
}

// Config is the full runtime configuration file.
type Config struct {
	DataRoot    string                `yaml:"data_root"`
	ModulePath  string                `yaml:"module_path"`
	RetainPath  string                `yaml:"retain_path"`
	Tasks       []TaskFile            `yaml:"tasks"`
	Historian   HistorianFile         `yaml:"historian"`
	WebSockets  []WebSocketDriverFile `yaml:"io_drivers_websocket,omitempty"`
	RegistryDir string                `yaml:"registry_dir,omitempty"`
	PairingFile string                `yaml:"pairing_file,omitempty"`
	ListenAddr  string                `yaml:"listen_addr"`
}

// Load reads and decodes path as YAML.
func Load(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errkind.New(errkind.InvalidConfig, "runtimeconfig.Load", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errkind.New(errkind.InvalidConfig, "runtimeconfig.Load", err)
	}
	if cfg.DataRoot == "" {
		cfg.DataRoot = "."
	}
	return cfg, nil
}

// ResolveDataPath joins a config-relative path under DataRoot unless it is
// already absolute.
func (c Config) ResolveDataPath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.DataRoot, p)
}
