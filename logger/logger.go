package logger

// Logger is the structured logging surface the engine components write
// to. Keyvals are alternating key/value pairs; a trailing key without a
// value is dropped.
type Logger interface {
	Error(msg string, keyvals ...any)
	Info(msg string, keyvals ...any)
	Debug(msg string, keyvals ...any)
}
