package logger

import (
	"fmt"
	"sync"
	"time"
)

// Levels attached to captured entries. They mirror the prefixes Infof,
// Errorf, and Debugf emit, so the TUI can style mesh chatter by severity
// instead of drowning handshake debug noise in one color.
const (
	LevelInfo  = "INFO"
	LevelError = "ERROR"
	LevelDebug = "DEBUG"
)

// LogEntry is one captured line, attributed to the node that emitted it.
// Level is empty for lines logged without a severity prefix.
type LogEntry struct {
	Timestamp time.Time
	NodeID    string
	Level     string
	Message   string
}

// LogBuffer is a thread-safe ring of log entries shared by every node in
// the process. The interactive TUI renders its tail and filters it per
// node when one is selected.
type LogBuffer struct {
	entries []LogEntry
	maxSize int
	mu      sync.RWMutex
}

// NewLogBuffer creates a buffer keeping at most maxSize entries.
func NewLogBuffer(maxSize int) *LogBuffer {
	return &LogBuffer{
		entries: make([]LogEntry, 0, maxSize),
		maxSize: maxSize,
	}
}

// Add appends an entry, evicting the oldest past capacity.
func (lb *LogBuffer) Add(nodeID, level, message string) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	lb.entries = append(lb.entries, LogEntry{
		Timestamp: time.Now(),
		NodeID:    nodeID,
		Level:     level,
		Message:   message,
	})

	if len(lb.entries) > lb.maxSize {
		lb.entries = lb.entries[len(lb.entries)-lb.maxSize:]
	}
}

// Len returns the number of buffered entries.
func (lb *LogBuffer) Len() int {
	lb.mu.RLock()
	defer lb.mu.RUnlock()
	return len(lb.entries)
}

// Tail returns the most recent count entries, oldest first. A count of
// zero or less returns everything buffered.
func (lb *LogBuffer) Tail(count int) []LogEntry {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	if count <= 0 || count > len(lb.entries) {
		count = len(lb.entries)
	}
	result := make([]LogEntry, count)
	copy(result, lb.entries[len(lb.entries)-count:])
	return result
}

// TailFor returns the most recent count entries emitted by nodeID, oldest
// first. A count of zero or less returns all of the node's entries.
func (lb *LogBuffer) TailFor(nodeID string, count int) []LogEntry {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	var result []LogEntry
	for _, e := range lb.entries {
		if e.NodeID == nodeID {
			result = append(result, e)
		}
	}
	if count > 0 && len(result) > count {
		result = result[len(result)-count:]
	}
	return result
}

// FormatLogEntry formats an entry for display.
func FormatLogEntry(entry LogEntry) string {
	if entry.Level == "" {
		return fmt.Sprintf("[%s] %s: %s",
			entry.Timestamp.Format("15:04:05"), entry.NodeID, entry.Message)
	}
	return fmt.Sprintf("[%s] %-5s %s: %s",
		entry.Timestamp.Format("15:04:05"), entry.Level, entry.NodeID, entry.Message)
}
