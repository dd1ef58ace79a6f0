// Package config loads the host configuration for wasmdrive from YAML.
package config

import (
	"bytes"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/wippyai/wasm-drive/bridge"
	"github.com/wippyai/wasm-drive/diag"
	"github.com/wippyai/wasm-drive/drive/gateway"
	"github.com/wippyai/wasm-drive/engine"
	"github.com/wippyai/wasm-drive/errors"
)

// Drive kinds.
const (
	DriveNone    = "none"
	DriveDir     = "dir"
	DriveMemory  = "memory"
	DriveGateway = "gateway"
)

// Config is the full host configuration.
type Config struct {
	Log      LogConfig             `yaml:"log"`
	Imports  ImportsConfig         `yaml:"imports"`
	Drive    DriveConfig           `yaml:"drive"`
	Engine   engine.Config         `yaml:"engine"`
	Asyncify engine.AsyncifyConfig `yaml:"asyncify"`
}

// LogConfig configures the host logger and the diagnostic flag.
type LogConfig struct {
	// Level is a zap level name: debug, info, warn, error.
	Level string `yaml:"level"`

	// Format is console or json.
	Format string `yaml:"format"`

	// DebugEnv names the environment variable gating guest and bridge
	// diagnostics.
	DebugEnv string `yaml:"debug_env"`
}

// ImportsConfig overrides the guest import names.
type ImportsConfig struct {
	Module string `yaml:"module"`
	Open   string `yaml:"open"`
	Read   string `yaml:"read"`
	Log    string `yaml:"log"`
}

// DriveConfig selects and configures the storage provider.
type DriveConfig struct {
	Kind string `yaml:"kind"`

	// Root is the directory served by the dir kind.
	Root string `yaml:"root"`

	// Files seeds the memory kind, keyed by path.
	Files map[string]string `yaml:"files"`

	// MaxOpen caps open descriptors. 0 means no limit.
	MaxOpen int `yaml:"max_open"`

	// CacheHandle resolves the provider once and reuses it until the host
	// invalidates it.
	CacheHandle bool `yaml:"cache_handle"`

	Gateway GatewayConfig `yaml:"gateway"`
}

// GatewayConfig configures the gateway kind.
type GatewayConfig struct {
	URL               string   `yaml:"url"`
	Admissible        []string `yaml:"admissible"`
	MaxBlockHeight    uint64   `yaml:"max_block_height"`
	MaxObjectSize     int64    `yaml:"max_object_size"`
	RetryMax          int      `yaml:"retry_max"`
	RetryWaitMin      Duration `yaml:"retry_wait_min"`
	RetryWaitMax      Duration `yaml:"retry_wait_max"`
	Timeout           Duration `yaml:"timeout"`
	RequestsPerSecond float64  `yaml:"requests_per_second"`
	Burst             int      `yaml:"burst"`
}

// Duration is a time.Duration written as a Go duration string ("30s").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	imp := bridge.DefaultImports()
	return &Config{
		Log: LogConfig{
			Level:    "info",
			Format:   "console",
			DebugEnv: diag.DefaultFlagName,
		},
		Imports: ImportsConfig{
			Module: imp.Module,
			Open:   imp.Open,
			Read:   imp.Read,
			Log:    imp.Log,
		},
		Drive: DriveConfig{
			Kind: DriveDir,
			Root: ".",
			Gateway: GatewayConfig{
				URL:          gateway.DefaultURL,
				RetryMax:     3,
				RetryWaitMin: Duration(500 * time.Millisecond),
				RetryWaitMax: Duration(5 * time.Second),
				Timeout:      Duration(30 * time.Second),
			},
		},
		Asyncify: engine.AsyncifyConfig{
			DataAddr:  engine.DefaultAsyncifyDataAddr,
			StackSize: engine.DefaultAsyncifyStackSize,
		},
	}
}

// Load reads and validates the file at path, layered over Default.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Config("failed to read configuration file", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes YAML from r over Default and validates the result. Unknown
// keys are rejected.
func Parse(r io.Reader) (*Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !stderrors.Is(err, io.EOF) {
		return nil, errors.Config("failed to parse configuration", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values no component can run with.
func (c *Config) Validate() error {
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return errors.Config(fmt.Sprintf("log.level %q", c.Log.Level), err)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return errors.Config(fmt.Sprintf("log.format %q: want console or json", c.Log.Format), nil)
	}

	if c.Imports.Module == "" || c.Imports.Open == "" || c.Imports.Read == "" || c.Imports.Log == "" {
		return errors.Config("imports: module, open, read and log names are required", nil)
	}

	if c.Drive.MaxOpen < 0 {
		return errors.Config("drive.max_open must not be negative", nil)
	}
	switch c.Drive.Kind {
	case DriveNone, DriveMemory:
	case DriveDir:
		if c.Drive.Root == "" {
			return errors.Config("drive.root is required for the dir drive", nil)
		}
	case DriveGateway:
		g := c.Drive.Gateway
		if g.URL == "" {
			return errors.Config("drive.gateway.url is required for the gateway drive", nil)
		}
		if g.RetryMax < 0 || g.Burst < 0 || g.RequestsPerSecond < 0 || g.MaxObjectSize < 0 {
			return errors.Config("drive.gateway: limits must not be negative", nil)
		}
		if g.RetryWaitMax < g.RetryWaitMin {
			return errors.Config("drive.gateway.retry_wait_max is below retry_wait_min", nil)
		}
	default:
		return errors.Config(fmt.Sprintf("drive.kind %q: want none, dir, memory or gateway", c.Drive.Kind), nil)
	}
	return nil
}

// BridgeImports returns the configured guest import names.
func (c *Config) BridgeImports() bridge.Imports {
	return bridge.Imports{
		Module: c.Imports.Module,
		Open:   c.Imports.Open,
		Read:   c.Imports.Read,
		Log:    c.Imports.Log,
	}
}

// DebugFlag returns the flag gating diagnostics.
func (c *Config) DebugFlag() diag.Flag {
	return diag.EnvFlag{Name: c.Log.DebugEnv}
}

// Options converts the gateway section.
func (g GatewayConfig) Options(maxOpen int) gateway.Config {
	return gateway.Config{
		URL:               g.URL,
		Admissible:        g.Admissible,
		MaxBlockHeight:    g.MaxBlockHeight,
		MaxObjectSize:     g.MaxObjectSize,
		MaxOpen:           maxOpen,
		RetryMax:          g.RetryMax,
		RetryWaitMin:      time.Duration(g.RetryWaitMin),
		RetryWaitMax:      time.Duration(g.RetryWaitMax),
		Timeout:           time.Duration(g.Timeout),
		RequestsPerSecond: g.RequestsPerSecond,
		Burst:             g.Burst,
	}
}

// NewLogger builds the host logger described by the log section.
func (l LogConfig) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(l.Level)
	if err != nil {
		return nil, errors.Config(fmt.Sprintf("log.level %q", l.Level), err)
	}

	var zc zap.Config
	if l.Format == "json" {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{"stderr"}
	return zc.Build()
}

// Marshal renders c as YAML.
func (c *Config) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
