package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
)

const (
	DefaultViewerHost    = "127.0.0.1"
	DefaultViewerPort    = 18888
	DefaultRetryInterval = 5 * time.Second

	viewerHostFlagName    = "viewer-host"
	viewerPortFlagName    = "viewer-port"
	registersFlagName     = "pc-registers"
	retryIntervalFlagName = "retry-interval-ms"
	autoEnableFlagName    = "auto-enable"
)

// DefaultRegisters is the ordered list of candidate program-counter register
// names tried during detection. First successful read wins.
var DefaultRegisters = []string{"rip", "eip", "pc"}

// Config describes the viewer endpoint and sync behavior.
// A Config value is immutable once built; runtime reconfiguration replaces
// the whole value.
type Config struct {
	// ViewerHost is the host where the Ghidra goto server listens.
	ViewerHost string `json:"viewerHost"`

	// ViewerPort is the goto server port.
	ViewerPort int `json:"viewerPort"`

	// Registers is the ordered list of candidate program-counter register names.
	Registers []string `json:"registers"`

	// RetryInterval is the fixed interval between forwarding retries.
	RetryInterval time.Duration `json:"-"`

	// RetryIntervalMs carries RetryInterval across the JSON boundary
	// with millisecond granularity.
	RetryIntervalMs int64 `json:"retryIntervalMs"`

	// AutoEnable controls whether synchronization starts enabled for new sessions.
	AutoEnable bool `json:"autoEnable"`
}

func Default() Config {
	return Config{
		ViewerHost:      DefaultViewerHost,
		ViewerPort:      DefaultViewerPort,
		Registers:       append([]string(nil), DefaultRegisters...),
		RetryInterval:   DefaultRetryInterval,
		RetryIntervalMs: DefaultRetryInterval.Milliseconds(),
		AutoEnable:      true,
	}
}

// Endpoint returns the host:port of the goto server.
func (c Config) Endpoint() string {
	return fmt.Sprintf("%s:%d", c.ViewerHost, c.ViewerPort)
}

// GotoURL returns the full URL of the goto server navigation endpoint.
func (c Config) GotoURL() string {
	return fmt.Sprintf("http://%s/goto", c.Endpoint())
}

func (c Config) Validate() error {
	if c.ViewerHost == "" {
		return fmt.Errorf("viewer host must not be empty")
	}
	if c.ViewerPort <= 0 || c.ViewerPort > 65535 {
		return fmt.Errorf("viewer port %d is out of range", c.ViewerPort)
	}
	if len(c.Registers) == 0 {
		return fmt.Errorf("at least one candidate register name is required")
	}
	if c.RetryInterval <= 0 {
		return fmt.Errorf("retry interval must be positive")
	}
	return nil
}

// normalize reconciles the two views of the retry interval after a JSON
// decode or a flag merge. The millisecond field is authoritative when set.
func (c *Config) normalize() {
	if c.RetryIntervalMs > 0 {
		c.RetryInterval = time.Duration(c.RetryIntervalMs) * time.Millisecond
	} else {
		c.RetryIntervalMs = c.RetryInterval.Milliseconds()
	}
}

// Parse builds a Config from raw JSON, applying defaults for absent fields.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("could not parse configuration: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Flags holds the pflag-bound configuration values before merging.
type Flags struct {
	ViewerHost      string
	ViewerPort      int
	Registers       []string
	RetryIntervalMs int64
	AutoEnable      bool

	fs *pflag.FlagSet
}

// AddFlags registers the configuration flags on the given flag set.
func (f *Flags) AddFlags(fs *pflag.FlagSet) {
	def := Default()
	fs.StringVar(&f.ViewerHost, viewerHostFlagName, def.ViewerHost, "Host where the Ghidra goto server listens.")
	fs.IntVar(&f.ViewerPort, viewerPortFlagName, def.ViewerPort, "Port of the Ghidra goto server.")
	fs.StringSliceVar(&f.Registers, registersFlagName, def.Registers, "Ordered candidate program counter register names.")
	fs.Int64Var(&f.RetryIntervalMs, retryIntervalFlagName, def.RetryIntervalMs, "Interval between forwarding retries, in milliseconds.")
	fs.BoolVar(&f.AutoEnable, autoEnableFlagName, def.AutoEnable, "Start with address synchronization enabled.")
	f.fs = fs
}

// Resolve merges defaults, an optional JSON configuration file, and
// explicitly set flags (in increasing priority) into a final Config.
func (f *Flags) Resolve(configFile string) (Config, error) {
	cfg := Default()

	if configFile != "" {
		data, readErr := os.ReadFile(configFile)
		if readErr != nil {
			return Config{}, fmt.Errorf("could not read configuration file '%s': %w", configFile, readErr)
		}
		parsed, parseErr := Parse(data)
		if parseErr != nil {
			return Config{}, fmt.Errorf("configuration file '%s' is invalid: %w", configFile, parseErr)
		}
		cfg = parsed
	}

	if f.fs != nil {
		if f.fs.Changed(viewerHostFlagName) {
			cfg.ViewerHost = f.ViewerHost
		}
		if f.fs.Changed(viewerPortFlagName) {
			cfg.ViewerPort = f.ViewerPort
		}
		if f.fs.Changed(registersFlagName) {
			cfg.Registers = append([]string(nil), f.Registers...)
		}
		if f.fs.Changed(retryIntervalFlagName) {
			cfg.RetryIntervalMs = f.RetryIntervalMs
		}
		if f.fs.Changed(autoEnableFlagName) {
			cfg.AutoEnable = f.AutoEnable
		}
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
