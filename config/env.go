package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Overrides are process-level settings that take precedence over the global section.
type Overrides struct {
	Host        string        `env:"LABKERNEL_HOST"`
	Port        int           `env:"LABKERNEL_PORT"`
	LogLevel    string        `env:"LABKERNEL_LOG_LEVEL"`
	LogFile     string        `env:"LABKERNEL_LOG_FILE"`
	IdleTimeout time.Duration `env:"LABKERNEL_IDLE_TIMEOUT"`
}

// ParseOverrides reads Overrides from the process environment.
func ParseOverrides() (Overrides, error) {
	var o Overrides
	if err := env.Parse(&o); err != nil {
		return Overrides{}, err
	}
	return o, nil
}

// ParseOverridesFrom reads Overrides from the given variables instead of the process environment.
func ParseOverridesFrom(vars map[string]string) (Overrides, error) {
	var o Overrides
	if err := env.ParseWithOptions(&o, env.Options{Environment: vars}); err != nil {
		return Overrides{}, err
	}
	return o, nil
}

// Apply writes every set override into the global section.
func (o Overrides) Apply(g *Global) {
	if o.Host != "" {
		g.Host = o.Host
	}
	if o.Port != 0 {
		g.Port = o.Port
	}
	if o.LogLevel != "" {
		g.LogLevel = o.LogLevel
	}
	if o.LogFile != "" {
		g.LogFile = o.LogFile
	}
	if o.IdleTimeout > 0 {
		g.IdleTimeout = o.IdleTimeout.String()
	}
}

// ApplyEnvironment applies the process environment overrides to cfg.
func ApplyEnvironment(cfg *Config) error {
	o, err := ParseOverrides()
	if err != nil {
		return err
	}
	o.Apply(&cfg.Global)
	return nil
}
