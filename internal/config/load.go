package config

import (
	"fmt"
	"os"

	"github.com/fsnotify/fsnotify"
	"github.com/pelletier/go-toml/v2"
)

// applyEnvOverrides applies the environment variables that take precedence
// over the config file: bind address, upstream URL, log dir, context
// limit, theme, embeddings API key, OTel connection string.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ASPYX_BIND_ADDR"); v != "" {
		cfg.BindAddr = v
	}
	if v := os.Getenv("ASPYX_API_URL"); v != "" {
		cfg.APIURL = v
	}
	if v := os.Getenv("ASPYX_LOG_DIR"); v != "" {
		cfg.LogDir = v
	}
	if v := os.Getenv("ASPYX_CONTEXT_LIMIT"); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			cfg.ContextLimit = n
		}
	}
	if v := os.Getenv("ASPYX_THEME"); v != "" {
		cfg.Theme = v
	}
	if v := os.Getenv("ASPYX_EMBEDDINGS_API_KEY"); v != "" {
		cfg.Embeddings.APIKey = v
	}
	if v := os.Getenv("ASPYX_OTEL_CONNECTION_STRING"); v != "" {
		cfg.Otel.ConnectionString = v
	}
}

// Load reads the TOML config file at path, overlays it onto the defaults,
// applies environment overrides, and validates the result. A malformed
// config file is a Configuration-kind error: callers must print it and exit
// non-zero rather than silently falling back to defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(cfg)
			return cfg, Validate(cfg)
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Watcher wraps fsnotify to hot-reload the config file, swapping the
// process-wide singleton atomically on every successful reload. A reload
// that fails validation is logged and the prior config is kept in place —
// the proxy never runs with a half-applied config.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	onLoad  func(*Config)
	onError func(error)
}

// NewWatcher starts watching path for writes. onLoad is invoked with each
// successfully validated reload; onError with any failure (including a
// failed reload, which does not change the active config).
func NewWatcher(path string, onLoad func(*Config), onError func(error)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}

	w := &Watcher{path: path, watcher: fw, onLoad: onLoad, onError: onError}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				if w.onError != nil {
					w.onError(err)
				}
				continue
			}
			if w.onLoad != nil {
				w.onLoad(cfg)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if w.onError != nil {
				w.onError(err)
			}
		}
	}
}

func (w *Watcher) Close() error {
	return w.watcher.Close()
}
