package logger

// Logger is the structured logging interface used across guard. keyvals
// alternate between keys and values.
type Logger interface {
	Error(msg string, keyvals ...any)
	Info(msg string, keyvals ...any)
	Debug(msg string, keyvals ...any)
}

var (
	_ Logger = (*NullLogger)(nil)
	_ Logger = (*PhusluLogger)(nil)
	_ Logger = (*SLogLogger)(nil)
	_ Logger = (*MemoryLogger)(nil)
)
