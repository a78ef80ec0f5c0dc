package engine

import (
	"errors"
	"time"

	"github.com/iansokolskyi/celery-flow/event"
	"github.com/iansokolskyi/celery-flow/graph"
	"github.com/iansokolskyi/celery-flow/retry"
	"github.com/iansokolskyi/celery-flow/store"
)

// Default configuration values.
const (
	// DefaultPersistBuffer is the default capacity of the internal
	// persistence queue decoupling graph mutation from repository I/O.
	DefaultPersistBuffer = 256

	// DefaultReconnectDelay is the default pause before re-opening a
	// failed transport stream.
	DefaultReconnectDelay = 2 * time.Second

	// DefaultShutdownTimeout is the default bound on draining the
	// persistence queue during Stop.
	DefaultShutdownTimeout = 30 * time.Second
)

// Logger defines the logging interface for the engine.
// Implementations should be safe for concurrent use.
type Logger interface {
	// Debug logs a debug message with optional key-value pairs.
	Debug(msg string, keysAndValues ...any)

	// Info logs an informational message with optional key-value pairs.
	Info(msg string, keysAndValues ...any)

	// Warn logs a warning message with optional key-value pairs.
	Warn(msg string, keysAndValues ...any)

	// Error logs an error message with optional key-value pairs.
	Error(msg string, keysAndValues ...any)
}

// Config configures the Engine.
type Config struct {
	// Transport delivers lifecycle events to the engine.
	// Required.
	Transport event.Transport

	// Repository persists task snapshots beyond process memory.
	// Required; use store/memory for a non-durable deployment.
	Repository store.Repository

	// Logger is the logging interface. If nil, a no-op logger is used.
	Logger Logger

	// Transitions overrides the lifecycle transition table.
	// Nil selects event.DefaultTransitions().
	Transitions event.Transitions

	// MaxNodes is the graph retention ceiling. Zero selects
	// graph.DefaultMaxNodes; negative disables eviction.
	MaxNodes int

	// PersistBuffer bounds the internal persistence queue. When the queue
	// is full the oldest pending snapshot is dropped and a data-loss
	// signal is raised through Health. Zero selects DefaultPersistBuffer.
	PersistBuffer int

	// PersistPolicy governs retries of failed repository writes.
	// Nil selects retry.Default().
	PersistPolicy *retry.Policy

	// ReconnectDelay is the pause before re-opening a failed transport
	// stream. Zero selects DefaultReconnectDelay.
	ReconnectDelay time.Duration

	// ShutdownTimeout bounds queue draining during Stop when the caller's
	// context has no earlier deadline. Zero selects
	// DefaultShutdownTimeout.
	ShutdownTimeout time.Duration
}

// Validate checks that the configuration is valid.
// Returns an error if any required fields are missing.
func (c *Config) Validate() error {
	if c.Transport == nil {
		return errors.New("engine: Transport is required")
	}
	if c.Repository == nil {
		return errors.New("engine: Repository is required")
	}
	return nil
}

// withDefaults returns a copy of the config with default values applied.
func (c *Config) withDefaults() Config {
	cfg := *c

	if cfg.Logger == nil {
		cfg.Logger = noopLogger{}
	}
	if cfg.Transitions == nil {
		cfg.Transitions = event.DefaultTransitions()
	}
	if cfg.MaxNodes == 0 {
		cfg.MaxNodes = graph.DefaultMaxNodes
	}
	if cfg.PersistBuffer <= 0 {
		cfg.PersistBuffer = DefaultPersistBuffer
	}
	if cfg.PersistPolicy == nil {
		cfg.PersistPolicy = retry.Default()
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}

	return cfg
}

// noopLogger is a Logger that discards all log messages.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}
