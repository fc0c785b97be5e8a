package capture

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/video-system/go-depth-capture/pkg/freenect2"
	"github.com/video-system/go-depth-capture/pkg/freenect2/simdriver"
)

// Config holds all capture configuration
type Config struct {
	Driver string    `yaml:"driver"` // sim, native
	Log    LogConfig `yaml:"log"`

	// Single-device mode
	Device DeviceConfig `yaml:"device"`

	// Multi-device mode
	Devices []DeviceConfig `yaml:"devices"`

	// Shared configuration
	Listener     ListenerConfig     `yaml:"listener"`
	Registration RegistrationConfig `yaml:"registration"`
	Outputs      []string           `yaml:"outputs"`
	Store        StoreConfig        `yaml:"store"`
	Stream       StreamConfig       `yaml:"stream"`
	API          APIConfig          `yaml:"api"`
	Sim          SimConfig          `yaml:"sim"`
	Session      SessionConfig      `yaml:"session"`
}

// IsMultiDevice returns true if multiple devices are configured
func (c *Config) IsMultiDevice() bool {
	return len(c.Devices) > 0
}

// LogConfig configures slog output
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// DeviceConfig selects and configures one device
type DeviceConfig struct {
	ID              string   `yaml:"id"`
	Serial          string   `yaml:"serial"` // Takes precedence over Index
	Index           int      `yaml:"index"`
	Pipeline        string   `yaml:"pipeline"` // cpu, opencl, opengl
	Channels        []string `yaml:"channels"` // color, ir, depth
	MinDepth        float32  `yaml:"min_depth"`
	MaxDepth        float32  `yaml:"max_depth"`
	BilateralFilter *bool    `yaml:"bilateral_filter"`
	EdgeAwareFilter *bool    `yaml:"edge_aware_filter"`
}

// Selector returns the value passed to Manager.OpenDevice.
func (d DeviceConfig) Selector() any {
	if d.Serial != "" {
		return d.Serial
	}
	return d.Index
}

// FrameTypes returns the subscribed channel mask.
func (d DeviceConfig) FrameTypes() (freenect2.FrameType, error) {
	return freenect2.ParseFrameTypes(d.Channels)
}

// DeviceSettings returns the depth processing settings.
func (d DeviceConfig) DeviceSettings() freenect2.DeviceConfig {
	cfg := freenect2.DefaultDeviceConfig()
	if d.MinDepth > 0 {
		cfg.MinDepth = d.MinDepth
	}
	if d.MaxDepth > 0 {
		cfg.MaxDepth = d.MaxDepth
	}
	if d.BilateralFilter != nil {
		cfg.EnableBilateralFilter = *d.BilateralFilter
	}
	if d.EdgeAwareFilter != nil {
		cfg.EnableEdgeAwareFilter = *d.EdgeAwareFilter
	}
	return cfg
}

// ListenerConfig configures frame waits
type ListenerConfig struct {
	WaitTimeout time.Duration `yaml:"wait_timeout"`
}

// RegistrationConfig configures depth to color registration
type RegistrationConfig struct {
	Enabled  bool `yaml:"enabled"`
	Filter   bool `yaml:"filter"`
	BigDepth bool `yaml:"big_depth"`
}

// StoreConfig configures the framestore output
type StoreConfig struct {
	Path     string        `yaml:"path"`
	MaxAge   time.Duration `yaml:"max_age"`
	MaxCount int           `yaml:"max_count"`
	Every    int           `yaml:"every"`
	Level    string        `yaml:"level"` // fastest, default, better, best
}

// StreamConfig configures the depthstream output
type StreamConfig struct {
	Addr           string  `yaml:"addr"`
	DepthThreshold float32 `yaml:"depth_threshold"` // millimeters
}

// APIConfig configures the control API
type APIConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// SimConfig configures the simulated driver
type SimConfig struct {
	Devices  []simdriver.DeviceInfo `yaml:"devices"`
	Interval time.Duration          `yaml:"interval"`
	PoolSize int                    `yaml:"pool_size"`
}

// SessionConfig holds runtime session info
type SessionConfig struct {
	ID string `yaml:"id"`
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML configuration and applies defaults
func ParseConfig(data []byte) (*Config, error) {
	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	cfg := Config{
		Registration: RegistrationConfig{Enabled: true, Filter: true},
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.Driver == "" {
		cfg.Driver = "sim"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	if cfg.Listener.WaitTimeout == 0 {
		cfg.Listener.WaitTimeout = 2 * time.Second
	}
	if cfg.Outputs == nil {
		cfg.Outputs = []string{"framestore"}
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "./captures"
	}
	if cfg.Store.MaxAge == 0 {
		cfg.Store.MaxAge = 10 * time.Minute
	}
	if cfg.Store.MaxCount == 0 {
		cfg.Store.MaxCount = 300
	}
	if cfg.Store.Every == 0 {
		cfg.Store.Every = 15
	}
	if cfg.Store.Level == "" {
		cfg.Store.Level = "fastest"
	}
	if cfg.Stream.Addr == "" {
		cfg.Stream.Addr = "224.76.78.75:20810"
	}
	if cfg.Stream.DepthThreshold == 0 {
		cfg.Stream.DepthThreshold = 1500
	}
	if cfg.API.Port == 0 {
		cfg.API.Port = 8080
	}
	if cfg.Sim.Interval == 0 {
		cfg.Sim.Interval = 33 * time.Millisecond
	}
	if len(cfg.Sim.Devices) == 0 {
		cfg.Sim.Devices = []simdriver.DeviceInfo{{Serial: "SIM0001", Firmware: "4.0.3911.0"}}
	}

	// Set defaults for single-device mode
	applyDeviceDefaults(&cfg.Device)
	if cfg.Device.ID == "" {
		cfg.Device.ID = "default"
	}

	// Set defaults for multi-device mode
	for i := range cfg.Devices {
		dev := &cfg.Devices[i]
		applyDeviceDefaults(dev)
		if dev.ID == "" {
			dev.ID = fmt.Sprintf("device%d", i)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDeviceDefaults(d *DeviceConfig) {
	if d.Pipeline == "" {
		d.Pipeline = "cpu"
	}
	if len(d.Channels) == 0 {
		d.Channels = []string{"color", "ir", "depth"}
	}
}

// Validate checks values that would only fail once a device is opened.
func (c *Config) Validate() error {
	switch c.Driver {
	case "sim", "native":
	default:
		return fmt.Errorf("unknown driver %q", c.Driver)
	}

	devices := c.Devices
	if !c.IsMultiDevice() {
		devices = []DeviceConfig{c.Device}
	}
	seen := make(map[string]bool)
	for _, d := range devices {
		if seen[d.ID] {
			return fmt.Errorf("duplicate device id %q", d.ID)
		}
		seen[d.ID] = true
		if _, err := freenect2.ParsePipelineKind(d.Pipeline); err != nil {
			return fmt.Errorf("device %s: %w", d.ID, err)
		}
		if _, err := d.FrameTypes(); err != nil {
			return fmt.Errorf("device %s: %w", d.ID, err)
		}
	}
	for _, name := range c.Outputs {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("empty output name")
		}
	}
	return nil
}
