package web

import (
	"time"

	"github.com/rkjdid/util"

	"github.com/solar3s/chargelimit/reconcile"
)

var DefaultConfig = Config{
	Web:          DefaultServerConfig,
	Watcher:      reconcile.DefaultWatcherConfig,
	Helper:       DefaultHelperConfig,
	ApplyOnStart: true,
	LogLevel:     "info",
}

// Config is the on-disk config.toml.
type Config struct {
	Web     ServerConfig
	Watcher reconcile.WatcherConfig
	Helper  HelperConfig

	ApplyOnStart bool
	LogLevel     string
	PrefsPath    string // defaults to <root>/prefs.toml
	LogDir       string // session logs, defaults to <root>/logs
}

type HelperConfig struct {
	Path    string        // defaults to smc-write next to the executable
	Timeout util.Duration // 0 waits on the prompt forever
}

var DefaultHelperConfig = HelperConfig{
	Timeout: util.Duration(5 * time.Minute),
}

// RuntimeConfig is the subset of Config editable through /config.
type RuntimeConfig struct {
	RefreshInterval util.Duration `json:"refreshInterval"`
	Verbose         bool          `json:"verbose"`
}

func (c *Config) Runtime() RuntimeConfig {
	return RuntimeConfig{
		RefreshInterval: c.Watcher.RefreshInterval,
		Verbose:         c.Web.Verbose,
	}
}

func (c *Config) SetRuntime(rc RuntimeConfig) {
	c.Watcher.RefreshInterval = rc.RefreshInterval
	c.Web.Verbose = rc.Verbose
}
