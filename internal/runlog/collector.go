// Package runlog captures the log lines of one background run so they can be
// mailed to operators when the run ends.
package runlog

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Entry is one captured log line.
type Entry struct {
	Level   slog.Level
	Message string
	// Attrs holds the record's own attributes rendered as key=value.
	Attrs []string
	Time  time.Time
}

// LevelName returns the lowercase level label used in notifications.
func (e Entry) LevelName() string {
	return strings.ToLower(e.Level.String())
}

// Text returns the message followed by its attributes.
func (e Entry) Text() string {
	if len(e.Attrs) == 0 {
		return e.Message
	}
	return e.Message + " " + strings.Join(e.Attrs, " ")
}

type buffer struct {
	mu      sync.Mutex
	entries []Entry
}

// Collector is an slog.Handler that records Info and above and forwards every
// record to a base handler. Handlers derived through WithAttrs or WithGroup
// share the same buffer.
type Collector struct {
	base   slog.Handler
	buf    *buffer
	groups []string
}

// NewCollector wraps base. Each run gets its own Collector.
func NewCollector(base slog.Handler) *Collector {
	return &Collector{base: base, buf: &buffer{}}
}

// Enabled always accepts Info and above so the run record is complete even
// when the process log level is higher.
func (c *Collector) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= slog.LevelInfo || c.base.Enabled(ctx, level)
}

func (c *Collector) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelInfo {
		e := Entry{Level: r.Level, Message: r.Message, Time: r.Time}
		prefix := strings.Join(c.groups, ".")
		r.Attrs(func(a slog.Attr) bool {
			e.Attrs = appendAttr(e.Attrs, prefix, a)
			return true
		})
		c.buf.mu.Lock()
		c.buf.entries = append(c.buf.entries, e)
		c.buf.mu.Unlock()
	}
	if c.base.Enabled(ctx, r.Level) {
		return c.base.Handle(ctx, r)
	}
	return nil
}

func (c *Collector) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Collector{base: c.base.WithAttrs(attrs), buf: c.buf, groups: c.groups}
}

func (c *Collector) WithGroup(name string) slog.Handler {
	if name == "" {
		return c
	}
	groups := append(append([]string(nil), c.groups...), name)
	return &Collector{base: c.base.WithGroup(name), buf: c.buf, groups: groups}
}

// Entries returns a snapshot of the captured lines.
func (c *Collector) Entries() []Entry {
	c.buf.mu.Lock()
	defer c.buf.mu.Unlock()
	return append([]Entry(nil), c.buf.entries...)
}

// Drain returns the captured lines and clears the buffer.
func (c *Collector) Drain() []Entry {
	c.buf.mu.Lock()
	defer c.buf.mu.Unlock()
	out := c.buf.entries
	c.buf.entries = nil
	return out
}

// HasLevel reports whether any entry is exactly at level.
func HasLevel(entries []Entry, level slog.Level) bool {
	for _, e := range entries {
		if e.Level == level {
			return true
		}
	}
	return false
}

func appendAttr(dst []string, prefix string, a slog.Attr) []string {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return dst
	}
	key := a.Key
	if prefix != "" {
		key = prefix + "." + key
	}
	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			dst = appendAttr(dst, key, ga)
		}
		return dst
	}
	return append(dst, fmt.Sprintf("%s=%v", key, a.Value.Any()))
}
