// Package config carries the controller's configuration: knobs for the
// registry sweeper and the worker spawn path. Loading the file from disk or
// wiring it into a larger replica's CLI happens elsewhere; only the struct
// and its (de)serialization live here.
package config

import (
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the knobs a replica operator can tune for the sandboxed
// execution controller.
type Config struct {
	// SandboxBinary is the path to the worker binary fork/exec'd per spawn.
	SandboxBinary string `yaml:"sandboxBinary"`
	// SandboxArgs are appended to argv on every spawn.
	SandboxArgs []string `yaml:"sandboxArgs,omitempty"`

	// IdleTimeout is how long an unused worker stays warm. Zero means a
	// registry slot is demoted to Evicted immediately, so the worker dies as
	// soon as the acquiring call and any handles release it.
	IdleTimeout time.Duration `yaml:"idleTimeout"`

	// SweepInterval is how often the sweeper wakes.
	SweepInterval time.Duration `yaml:"sweepInterval"`
}

const defaultSweepInterval = 10 * time.Second

// InitDefaults fills in zero-valued fields.
func (c *Config) InitDefaults() {
	if c.SweepInterval == 0 {
		c.SweepInterval = defaultSweepInterval
	}
	// IdleTimeout intentionally has no nonzero default: out of the box a
	// worker is reclaimed as soon as nothing holds it.
}

// Parse decodes a Config from YAML bytes and applies defaults.
func Parse(data []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	c.InitDefaults()
	return &c, nil
}

// Marshal serializes c back to YAML, mainly useful for tests and for writing
// out an effective-config snapshot.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
