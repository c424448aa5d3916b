package contracts

// Logger adalah generic interface untuk logging.
// Implementasi bisa zap, zerolog, logrus, slog, dll.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)

	// With creates a child logger with additional fields
	With(keysAndValues ...any) Logger

	// Named creates a sub-logger with a name prefix
	Named(name string) Logger

	// Sync flushes any buffered log entries
	Sync() error
}

// NopLogger discards everything. Useful for tests and as a default
// so components never have to nil-check their logger.
type NopLogger struct{}

func (NopLogger) Debug(string, ...any)    {}
func (NopLogger) Info(string, ...any)     {}
func (NopLogger) Warn(string, ...any)     {}
func (NopLogger) Error(string, ...any)    {}
func (n NopLogger) With(...any) Logger    { return n }
func (n NopLogger) Named(string) Logger   { return n }
func (NopLogger) Sync() error             { return nil }

var _ Logger = NopLogger{}
