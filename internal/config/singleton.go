package config

import "sync/atomic"

var current atomic.Pointer[Config]

// Initialize loads path and installs it as the process-wide config,
// returning any load/validation error.
func Initialize(path string) error {
	cfg, err := Load(path)
	if err != nil {
		return err
	}
	current.Store(cfg)
	return nil
}

// Get returns the active config. Panics if Initialize has not run, since
// every caller in this program expects a config to already be installed.
func Get() *Config {
	cfg := current.Load()
	if cfg == nil {
		panic("config: Get called before Initialize")
	}
	return cfg
}

// Set installs cfg as the active config. Used by the hot-reload watcher to
// atomically swap in a newly validated config.
func Set(cfg *Config) {
	current.Store(cfg)
}
