package log

type Level uint8

const (
	PanicLevel Level = iota
	FatalLevel
	ErrorLevel
	WarnLevel
	InfoLevel
	DebugLevel
	TraceLevel
)

// Field is a key/value pair attached to log entries by WithFields
type Field struct {
	Name string
	Val  interface{}
}

// Logger is the logging abstraction every component of the engine accepts.
type Logger interface {
	Log(level Level, v ...interface{})
	Logf(level Level, template string, args ...interface{})
	SetLevel(level Level)
	WithFields(fields []Field) Logger
}
