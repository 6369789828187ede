package app

import (
	"fmt"
	"log"
	"sync"
)

// sessionLog keeps the tail of the agent's call lifecycle for the shutdown
// summary. Once the window is full the oldest line falls off.
type sessionLog struct {
	mu    sync.Mutex
	max   int
	start int
	lines []string
}

func newSessionLog(max int) *sessionLog {
	return &sessionLog{max: max}
}

// Note records one formatted lifecycle line.
func (l *sessionLog) Note(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.lines) < l.max {
		l.lines = append(l.lines, line)
		return
	}
	l.lines[l.start] = line
	l.start = (l.start + 1) % l.max
}

// Tail returns the recorded lines, oldest first.
func (l *sessionLog) Tail() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.lines))
	for i := range l.lines {
		out[i] = l.lines[(l.start+i)%len(l.lines)]
	}
	return out
}

// Dump writes the summary through the standard logger. Quiet sessions
// print nothing.
func (l *sessionLog) Dump() {
	lines := l.Tail()
	if len(lines) == 0 {
		return
	}
	log.Printf("session summary (%d event(s)):", len(lines))
	for _, line := range lines {
		log.Printf("  %s", line)
	}
}
