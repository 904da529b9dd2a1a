package logger

import (
	"fmt"
	"strings"
	"sync"
)

// Entry is one line captured by MemoryLogger
type Entry struct {
	Level  string
	Msg    string
	Fields map[string]any
}

// MemoryLogger keeps entries in memory for assertions in tests.
type MemoryLogger struct {
	mu      sync.Mutex
	entries []Entry
}

func NewMemoryLogger() *MemoryLogger { return &MemoryLogger{} }

func (m *MemoryLogger) Debug(msg string, keyvals ...any) { m.add("debug", msg, keyvals) }
func (m *MemoryLogger) Info(msg string, keyvals ...any)  { m.add("info", msg, keyvals) }
func (m *MemoryLogger) Error(msg string, keyvals ...any) { m.add("error", msg, keyvals) }

func (m *MemoryLogger) add(level, msg string, keyvals []any) {
	fields := make(map[string]any, len(keyvals)/2)
	for i := 0; i < len(keyvals)-1; i += 2 {
		fields[fmt.Sprint(keyvals[i])] = keyvals[i+1]
	}
	m.mu.Lock()
	m.entries = append(m.entries, Entry{Level: level, Msg: msg, Fields: fields})
	m.mu.Unlock()
}

// Entries returns a copy of everything logged so far.
func (m *MemoryLogger) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries...)
}

// Contains reports whether an entry at level has a message containing substr.
func (m *MemoryLogger) Contains(level, substr string) bool {
	for _, e := range m.Entries() {
		if e.Level == level && strings.Contains(e.Msg, substr) {
			return true
		}
	}
	return false
}
