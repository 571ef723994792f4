package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jwoglom/wundergate/pkg/frame"

	"github.com/mcuadros/go-defaults"
	"gopkg.in/yaml.v3"
)

// Environment variables consulted when a value is not given explicitly.
const (
	EnvConfig = "WUNDERGATE_CONFIG"
	EnvLink   = "WUNDERGATE_LINK"
	EnvStore  = "WUNDERGATE_STORE"
)

var (
	ErrInvalidLink = errors.New("invalid link configuration")
	ErrInvalid     = errors.New("invalid configuration")
)

// LinkKind selects the link driver.
type LinkKind string

const (
	LinkLoopback LinkKind = "loopback"
	LinkSerial   LinkKind = "serial"
	LinkPTY      LinkKind = "pty"
	LinkProcess  LinkKind = "process"
)

// LinkConfig configures the link to the host.
type LinkConfig struct {
	Kind LinkKind `yaml:"kind" default:"loopback"`

	// Serial port
	Device string `yaml:"device"`
	Baud   uint   `yaml:"baud" default:"115200"`

	// Peer emulator spawned for the process link
	Command []string `yaml:"command"`

	// Master clock of the loopback link
	Interval time.Duration `yaml:"interval" default:"10ms"`
}

// APIConfig configures the monitor API.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen" default:":8080"`
}

// BluetoothConfig configures the BLE central.
type BluetoothConfig struct {
	Enabled    bool `yaml:"enabled"`
	QueueDepth int  `yaml:"queueDepth" default:"32"`

	// Longest a discovery started by the host may scan before it is reported complete
	DiscoveryTimeout time.Duration `yaml:"discoveryTimeout" default:"30s"`
}

// Config holds the gateway configuration
type Config struct {
	Clients      int             `yaml:"clients" default:"6"`
	PollInterval time.Duration   `yaml:"pollInterval" default:"1ms"`
	Revision     string          `yaml:"revision" default:"1.0.0"`
	StorePath    string          `yaml:"store"`
	SaveInterval time.Duration   `yaml:"saveInterval" default:"5s"`
	TraceSize    uint32          `yaml:"traceSize" default:"1024"`
	LogLevel     string          `yaml:"logLevel" default:"debug"`
	Link         LinkConfig      `yaml:"link"`
	API          APIConfig       `yaml:"api"`
	Bluetooth    BluetoothConfig `yaml:"bluetooth"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads the YAML file at path, falling back to WUNDERGATE_CONFIG when path is empty,
// and fills unset fields with defaults. Without any file the defaults are returned.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfig)
	}

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if v := os.Getenv(EnvLink); v != "" && cfg.Link.Kind == "" {
		cfg.Link.Kind = LinkKind(v)
	}
	if v := os.Getenv(EnvStore); v != "" && cfg.StorePath == "" {
		cfg.StorePath = v
	}

	defaults.SetDefaults(cfg)
	return cfg, nil
}

// Validate checks that the configuration can be used to start the gateway.
func (c *Config) Validate() error {
	if _, err := frame.NewAddressing(c.Clients); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("%w: poll interval must be positive", ErrInvalid)
	}
	if len(c.Revision) > frame.PayloadSize {
		return fmt.Errorf("%w: revision %q longer than %d bytes", ErrInvalid, c.Revision, frame.PayloadSize)
	}
	if c.TraceSize == 0 {
		return fmt.Errorf("%w: trace size must be positive", ErrInvalid)
	}
	if c.Bluetooth.DiscoveryTimeout <= 0 {
		return fmt.Errorf("%w: discovery timeout must be positive", ErrInvalid)
	}
	return c.Link.Validate()
}

// Validate checks the link settings for the selected kind.
func (l *LinkConfig) Validate() error {
	switch l.Kind {
	case LinkLoopback:
		if l.Interval <= 0 {
			return fmt.Errorf("%w: loopback interval must be positive", ErrInvalidLink)
		}
	case LinkSerial:
		if l.Device == "" {
			return fmt.Errorf("%w: serial link needs a device", ErrInvalidLink)
		}
		if l.Baud == 0 {
			return fmt.Errorf("%w: serial link needs a baud rate", ErrInvalidLink)
		}
	case LinkPTY:
	case LinkProcess:
		if len(l.Command) == 0 {
			return fmt.Errorf("%w: process link needs a command", ErrInvalidLink)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q (must be loopback, serial, pty or process)", ErrInvalidLink, l.Kind)
	}
	return nil
}
