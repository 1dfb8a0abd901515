// Package eventlog formats the contractual server event log: one line per
// event, "event=<tag> | id=<n>|*", followed by whichever key=value fields
// apply to that event.
//
// The original source's log_server_event is broken — mismatched printf
// format specifiers, stray string arguments passed where floats were
// expected. This package implements the *intended* semantics the spec
// calls for instead of reproducing the bug.
package eventlog

import (
	"fmt"
	"log"
	"strings"
)

// Field is one key=value pair appended to an event line when applicable.
type Field struct {
	Key   string
	Value string
}

// F builds a Field from a float64, formatted to two decimal places —
// matching the source's own "%.2f" convention for multipliers, stakes and
// profits.
func F(key string, value float64) Field {
	return Field{Key: key, Value: fmt.Sprintf("%.2f", value)}
}

// N builds a Field from an integer count.
func N(key string, value int) Field {
	return Field{Key: key, Value: fmt.Sprintf("%d", value)}
}

// Logger writes event lines to the standard logger. Its methods are safe
// for concurrent use — they only ever format and call log.Println, which
// is itself safe for concurrent use.
type Logger struct{}

// New returns a Logger writing through the standard library's log package.
func New() *Logger { return &Logger{} }

// Event logs one line. playerID of nil means a broadcast ("*"); otherwise
// it renders the player's id.
func (l *Logger) Event(tag string, playerID *int64, fields ...Field) {
	var b strings.Builder
	b.WriteString("event=")
	b.WriteString(tag)
	b.WriteString(" | id=")
	if playerID == nil {
		b.WriteString("*")
	} else {
		fmt.Fprintf(&b, "%d", *playerID)
	}
	for _, f := range fields {
		b.WriteString(" | ")
		b.WriteString(f.Key)
		b.WriteString("=")
		b.WriteString(f.Value)
	}
	log.Println(b.String())
}

// Broadcast is shorthand for Event with a server-attributed ("*") id.
func (l *Logger) Broadcast(tag string, fields ...Field) {
	l.Event(tag, nil, fields...)
}

// Player is shorthand for Event attributed to a specific player id.
func (l *Logger) Player(tag string, playerID int64, fields ...Field) {
	l.Event(tag, &playerID, fields...)
}
