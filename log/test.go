package log

import (
	"fmt"
	"sync"
)

// NewTestLogger records entries instead of printing, used in tests to assert
// on what was logged. Safe for concurrent use.
func NewTestLogger() *TestLogger {
	return &TestLogger{entriesStore: &entriesStore{}}
}

type entriesStore struct {
	mutex   sync.Mutex
	entries []Entry
}

func (s *entriesStore) append(e Entry) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.entries = append(s.entries, e)
}

type TestLogger struct {
	level        Level
	fields       []Field
	entriesStore *entriesStore
}

type Entry struct {
	Msg   string
	Level Level
}

func (n *TestLogger) Log(level Level, v ...interface{}) {
	n.entriesStore.append(Entry{Msg: fmt.Sprint(v...), Level: level})
}

func (n *TestLogger) Logf(level Level, template string, args ...interface{}) {
	n.entriesStore.append(Entry{Msg: fmt.Sprintf(template, args...), Level: level})
}

func (n *TestLogger) SetLevel(level Level) {
	n.level = level
}

func (n *TestLogger) WithFields(fields []Field) Logger {
	merged := make([]Field, 0, len(n.fields)+len(fields))
	merged = append(merged, n.fields...)
	merged = append(merged, fields...)

	return &TestLogger{
		entriesStore: n.entriesStore,
		level:        n.level,
		fields:       merged,
	}
}

func (n *TestLogger) Entries() []Entry {
	n.entriesStore.mutex.Lock()
	defer n.entriesStore.mutex.Unlock()
	return append([]Entry(nil), n.entriesStore.entries...)
}

func (n *TestLogger) Messages() []string {
	entries := n.Entries()

	r := make([]string, len(entries))
	for i := range entries {
		r[i] = entries[i].Msg
	}

	return r
}

func (n *TestLogger) LastMessage() string {
	entries := n.Entries()

	if len(entries) > 0 {
		return entries[len(entries)-1].Msg
	}

	return ""
}

func (n *TestLogger) Clear() {
	n.entriesStore.mutex.Lock()
	defer n.entriesStore.mutex.Unlock()

	n.entriesStore.entries = make([]Entry, 0)
	n.level = InfoLevel
	n.fields = nil
}
