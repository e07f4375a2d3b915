// Package config defines the structures to configure a labkernel and the ways to read, diff and
// watch them.
package config

import (
	"fmt"
	"sort"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.labforge.io/labkernel/logging"
	"go.labforge.io/labkernel/module"
)

// Defaults applied when the global section leaves a value unset.
const (
	DefaultHost          = "127.0.0.1"
	DefaultPort          = 12345
	DefaultIdleTimeout   = 5 * time.Minute
	DefaultUnlockTimeout = 5 * time.Second
)

// Config describes the set of modules a kernel runs and how it is reached. Declarations are keyed
// by kind then name.
type Config struct {
	Global       Global                        `json:"global" yaml:"global"`
	Hardware     map[string]module.Declaration `json:"hardware,omitempty" yaml:"hardware,omitempty"`
	Logic        map[string]module.Declaration `json:"logic,omitempty" yaml:"logic,omitempty"`
	Presentation map[string]module.Declaration `json:"presentation,omitempty" yaml:"presentation,omitempty"`

	// ConfigFilePath is the path the config was read from, if any.
	ConfigFilePath string `json:"-" yaml:"-"`
}

// Global holds the kernel-wide settings.
type Global struct {
	Host string `json:"host,omitempty" yaml:"host,omitempty"`
	Port int    `json:"port,omitempty" yaml:"port,omitempty"`

	// Startup lists the modules to load and activate at startup, along with their dependencies.
	// Empty means every module that resolves.
	Startup []string `json:"startup,omitempty" yaml:"startup,omitempty"`

	IdleTimeout   string `json:"idle_timeout,omitempty" yaml:"idle_timeout,omitempty"`
	UnlockTimeout string `json:"unlock_timeout,omitempty" yaml:"unlock_timeout,omitempty"`

	LogLevel string                        `json:"log_level,omitempty" yaml:"log_level,omitempty"`
	Log      []logging.LoggerPatternConfig `json:"log,omitempty" yaml:"log,omitempty"`

	// LogFile additionally writes the log to this file, rotated every LogFileMaxSizeMB.
	LogFile          string `json:"log_file,omitempty" yaml:"log_file,omitempty"`
	LogFileMaxSizeMB int    `json:"log_file_max_size_mb,omitempty" yaml:"log_file_max_size_mb,omitempty"`
}

// DefaultLogFileMaxSizeMB is the rotation size used when LogFileMaxSizeMB is unset.
const DefaultLogFileMaxSizeMB = 64

// Address returns host:port with defaults applied.
func (g Global) Address() string {
	host, port := g.Host, g.Port
	if host == "" {
		host = DefaultHost
	}
	if port == 0 {
		port = DefaultPort
	}
	return fmt.Sprintf("%s:%d", host, port)
}

// IdleTimeoutDuration parses IdleTimeout, defaulting when unset.
func (g Global) IdleTimeoutDuration() (time.Duration, error) {
	return parseDuration("idle_timeout", g.IdleTimeout, DefaultIdleTimeout)
}

// UnlockTimeoutDuration parses UnlockTimeout, defaulting when unset.
func (g Global) UnlockTimeoutDuration() (time.Duration, error) {
	return parseDuration("unlock_timeout", g.UnlockTimeout, DefaultUnlockTimeout)
}

func parseDuration(field, value string, def time.Duration) (time.Duration, error) {
	if value == "" {
		return def, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid %s", field)
	}
	if d <= 0 {
		return 0, errors.Errorf("invalid %s: must be positive", field)
	}
	return d, nil
}

// Validate checks the global section. Module level problems are left to the resolver, which
// reports them per module instead of rejecting the whole config.
func (g Global) Validate() error {
	var errs error
	if g.Port < 0 || g.Port > 65535 {
		errs = multierr.Append(errs, errors.Errorf("invalid port %d", g.Port))
	}
	if _, err := g.IdleTimeoutDuration(); err != nil {
		errs = multierr.Append(errs, err)
	}
	if _, err := g.UnlockTimeoutDuration(); err != nil {
		errs = multierr.Append(errs, err)
	}
	if g.LogLevel != "" {
		if _, err := logging.LevelFromString(g.LogLevel); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	if g.LogFileMaxSizeMB < 0 {
		errs = multierr.Append(errs, errors.Errorf("invalid log_file_max_size_mb %d", g.LogFileMaxSizeMB))
	}
	if err := logging.ValidatePatternConfig(g.Log); err != nil {
		errs = multierr.Append(errs, err)
	}
	return errs
}

func (c *Config) sections() []*map[string]module.Declaration {
	return []*map[string]module.Declaration{&c.Hardware, &c.Logic, &c.Presentation}
}

// Normalize copies each declaration's map key and section into its Name and Kind.
func (c *Config) Normalize() {
	for idx, section := range c.sections() {
		kind := module.Kinds[idx]
		for name, decl := range *section {
			decl.Name = name
			decl.Kind = kind
			(*section)[name] = decl
		}
	}
}

// Declarations returns every declaration ordered by kind, then name. A name declared under two
// kinds appears twice.
func (c *Config) Declarations() []module.Declaration {
	var out []module.Declaration
	for idx, section := range c.sections() {
		kind := module.Kinds[idx]
		names := make([]string, 0, len(*section))
		for name := range *section {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			decl := (*section)[name]
			decl.Name = name
			decl.Kind = kind
			out = append(out, decl)
		}
	}
	return out
}

// Lookup returns the first declaration with the given name, searching hardware, logic, then
// presentation.
func (c *Config) Lookup(name string) (module.Declaration, bool) {
	for _, decl := range c.Declarations() {
		if decl.Name == name {
			return decl, true
		}
	}
	return module.Declaration{}, false
}

// Add puts a declaration into the section matching its kind.
func (c *Config) Add(decl module.Declaration) error {
	if err := decl.Kind.Validate(); err != nil {
		return err
	}
	for idx, section := range c.sections() {
		if module.Kinds[idx] != decl.Kind {
			continue
		}
		if *section == nil {
			*section = map[string]module.Declaration{}
		}
		(*section)[decl.Name] = decl
	}
	return nil
}

// Copy returns a deep enough copy for the kernel to keep: section maps are copied, declarations
// are values.
func (c *Config) Copy() *Config {
	out := &Config{Global: c.Global, ConfigFilePath: c.ConfigFilePath}
	out.Global.Startup = append([]string(nil), c.Global.Startup...)
	out.Global.Log = append([]logging.LoggerPatternConfig(nil), c.Global.Log...)
	for _, decl := range c.Declarations() {
		//nolint:errcheck
		out.Add(decl)
	}
	return out
}
