package log

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
)

//DefaultLogger writes leveled entries to out, used by components if no other logger is specified
func DefaultLogger(out io.Writer) Logger {
	if out == nil {
		out = os.Stdout
	}
	return &defaultLogger{
		internalLogger: log.New(out, "[conductor] info ", log.Ldate|log.Ltime|log.Lmicroseconds),
		level:          InfoLevel,
	}
}

type defaultLogger struct {
	internalLogger *log.Logger
	level          Level
	fields         []Field
}

func (l defaultLogger) Log(level Level, v ...interface{}) {
	if level == FatalLevel {
		l.internalLogger.Fatal(v...)
		return
	}

	if level == PanicLevel {
		l.internalLogger.Panic(v...)
		return
	}

	if level <= l.level {
		entry := fmt.Sprintf("%s %s[%s]", levelNames[level], l.renderFields(), fmt.Sprint(v...))

		if err := l.internalLogger.Output(3, entry); err != nil {
			l.internalLogger.Printf("err logging an entry: %s. %s\n", err, v)
		}
	}
}

func (l defaultLogger) Logf(level Level, template string, args ...interface{}) {
	l.Log(level, fmt.Sprintf(template, args...))
}

func (l *defaultLogger) SetLevel(level Level) {
	l.level = level
}

func (l defaultLogger) WithFields(fields []Field) Logger {
	allFields := make([]Field, 0, len(l.fields)+len(fields))
	allFields = append(allFields, l.fields...)
	allFields = append(allFields, fields...)

	return &defaultLogger{
		internalLogger: l.internalLogger,
		level:          l.level,
		fields:         allFields,
	}
}

func (l defaultLogger) renderFields() string {
	if len(l.fields) == 0 {
		return ""
	}

	rendered := make([]string, len(l.fields))
	for i, f := range l.fields {
		rendered[i] = fmt.Sprintf("%s=%v", f.Name, f.Val)
	}

	return fmt.Sprintf("[%s] ", strings.Join(rendered, " "))
}

var levelNames = map[Level]string{
	PanicLevel: "panic",
	FatalLevel: "fatal",
	ErrorLevel: "error",
	WarnLevel:  "warn",
	InfoLevel:  "info",
	DebugLevel: "debug",
	TraceLevel: "trace",
}
