package connpool

import (
	"context"
)

// Kind identifies a category of backing store. Each kind has its own
// connector, settings and pool capacity.
type Kind string

const (
	KindRedis Kind = "redis"
	KindMySQL Kind = "mysql"
)

// Settings is the per-kind connection configuration resolved from a
// SettingsProvider. Every field is optional and applied independently
// by the connector.
type Settings struct {
	Database string `yaml:"database"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Options  string `yaml:"options"`
}

// SettingsProvider resolves the Settings of a store kind for an
// environment. ok is false if the kind is not configured, which marks
// the kind unavailable for the lifetime of the pool.
type SettingsProvider interface {
	KindSettings(kind Kind, env string) (s Settings, ok bool)
}

// Conn is one open connection to a backing store.
// A Conn is only ever touched by the goroutine currently holding its
// handle, implementations do not need to be concurrent safe.
type Conn interface {
	// IsOpen reports whether the connection is usable. It must be cheap
	// and must not perform I/O.
	IsOpen() bool

	// Ping checks the liveness of the connection against the store.
	Ping(ctx context.Context) error

	Close() error
}

// Connector opens connections of a single kind.
type Connector interface {
	Kind() Kind
	Open(ctx context.Context, name string, s Settings) (Conn, error)
}

// Handle represents one acquired pool slot. It is invalidated by
// Pool.Release and must not be used afterwards.
type Handle struct {
	kind Kind
	name string
	conn Conn
}

func (h *Handle) Kind() Kind { return h.kind }

func (h *Handle) Name() string { return h.name }

// Conn returns the underlying connection, nil if the handle was released.
func (h *Handle) Conn() Conn { return h.conn }

// IsValid reports whether the handle still owns a connection.
func (h *Handle) IsValid() bool {
	return h != nil && h.conn != nil
}
