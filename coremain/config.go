package coremain

import (
	"github.com/strandapp/strand/mlog"
	"github.com/strandapp/strand/pkg/connpool"
)

type Config struct {
	Log mlog.LogConfig `yaml:"log"`

	// Env selects which per-environment store settings are used,
	// e.g. "product", "test" or "dev". Default is "product".
	Env string `yaml:"env"`

	API    APIConfig    `yaml:"api"`
	MPM    MPMConfig    `yaml:"mpm"`
	Server ServerConfig `yaml:"server"`
	Stores StoresConfig `yaml:"stores"`
	Cache  CacheConfig  `yaml:"cache"`
}

type APIConfig struct {
	// HTTP is the optional "host:port" addr of the metrics/pprof api.
	HTTP string `yaml:"http"`
}

// MPMConfig sizes the multi-processing module: the worker pool and,
// with it, the per-kind connection pool capacity.
type MPMConfig struct {
	// MaxThreadsPerServer is the worker pool size. If zero,
	// MaxServers is used instead.
	MaxThreadsPerServer int `yaml:"max_threads_per_server"`

	// MaxServers is the fallback pool size. Default is 128.
	MaxServers int `yaml:"max_servers"`
}

// MaxWorkers resolves the configured concurrency.
func (c *MPMConfig) MaxWorkers() int {
	if c.MaxThreadsPerServer > 0 {
		return c.MaxThreadsPerServer
	}
	if c.MaxServers > 0 {
		return c.MaxServers
	}
	return 128
}

type ServerConfig struct {
	// Addr is the "host:port" listening addr. Required.
	Addr string `yaml:"addr"`

	// AutoReload enables the periodic artifact staleness check. When a
	// newer Artifact is found the process exits with code 127 so a
	// supervisor can restart it with fresh code.
	AutoReload bool   `yaml:"auto_reload"`
	Artifact   string `yaml:"artifact"`

	// StrictStart makes a preload failure fatal instead of a degraded
	// start.
	StrictStart bool `yaml:"strict_start"`

	// ShutdownWait is the bounded wait for busy workers on stop, in
	// seconds. Default is 10.
	ShutdownWait uint `yaml:"shutdown_wait"`
}

// StoresConfig holds the per-kind, per-environment connection settings.
type StoresConfig struct {
	Redis map[string]connpool.Settings `yaml:"redis"`
	MySQL map[string]connpool.Settings `yaml:"mysql"`
}

// KindSettings makes StoresConfig a connpool.SettingsProvider. A kind
// with no settings for the environment is unavailable.
func (c *StoresConfig) KindSettings(kind connpool.Kind, env string) (connpool.Settings, bool) {
	var m map[string]connpool.Settings
	switch kind {
	case connpool.KindRedis:
		m = c.Redis
	case connpool.KindMySQL:
		m = c.MySQL
	default:
		return connpool.Settings{}, false
	}
	s, ok := m[env]
	return s, ok
}

type CacheConfig struct {
	File  string `yaml:"file"`
	Table string `yaml:"table"`

	// ThresholdSize is the cache file size budget in bytes. Zero
	// disables the GC shrink passes.
	ThresholdSize int64 `yaml:"threshold_size"`

	// GCInterval is the background GC period in seconds. Zero disables
	// the background GC.
	GCInterval uint `yaml:"gc_interval"`
}
