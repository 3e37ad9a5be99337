package logging

import (
	"context"
	"strings"
	"sync"
)

// Entry is one record kept by a Capture logger.
type Entry struct {
	Level  string
	Msg    string
	Fields map[string]any
}

// Capture is a Logger that keeps every record in memory. Tests use it to
// assert on logged events.
type Capture struct {
	mu      sync.Mutex
	entries *[]Entry
	fields  []Field
}

// NewCapture returns an empty Capture logger.
func NewCapture() *Capture {
	return &Capture{entries: new([]Entry)}
}

func (c *Capture) With(fields ...Field) Logger {
	merged := make([]Field, 0, len(c.fields)+len(fields))
	merged = append(merged, c.fields...)
	merged = append(merged, fields...)
	return &captureChild{root: c, fields: merged}
}

func (c *Capture) Debug(_ context.Context, msg string, fields ...Field) {
	c.add("debug", msg, c.fields, fields)
}
func (c *Capture) Info(_ context.Context, msg string, fields ...Field) {
	c.add("info", msg, c.fields, fields)
}
func (c *Capture) Warn(_ context.Context, msg string, fields ...Field) {
	c.add("warn", msg, c.fields, fields)
}
func (c *Capture) Error(_ context.Context, msg string, fields ...Field) {
	c.add("error", msg, c.fields, fields)
}

func (c *Capture) add(level, msg string, base, fields []Field) {
	e := Entry{Level: level, Msg: msg, Fields: make(map[string]any, len(base)+len(fields))}
	for _, f := range base {
		e.Fields[f.Key] = f.Value
	}
	for _, f := range fields {
		e.Fields[f.Key] = f.Value
	}
	c.mu.Lock()
	*c.entries = append(*c.entries, e)
	c.mu.Unlock()
}

// Entries returns a copy of everything logged so far.
func (c *Capture) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, len(*c.entries))
	copy(out, *c.entries)
	return out
}

// Matching returns the entries whose message starts with prefix.
func (c *Capture) Matching(prefix string) []Entry {
	var out []Entry
	for _, e := range c.Entries() {
		if strings.HasPrefix(e.Msg, prefix) {
			out = append(out, e)
		}
	}
	return out
}

type captureChild struct {
	root   *Capture
	fields []Field
}

func (c *captureChild) With(fields ...Field) Logger {
	merged := make([]Field, 0, len(c.fields)+len(fields))
	merged = append(merged, c.fields...)
	merged = append(merged, fields...)
	return &captureChild{root: c.root, fields: merged}
}

func (c *captureChild) Debug(_ context.Context, msg string, fields ...Field) {
	c.root.add("debug", msg, c.fields, fields)
}
func (c *captureChild) Info(_ context.Context, msg string, fields ...Field) {
	c.root.add("info", msg, c.fields, fields)
}
func (c *captureChild) Warn(_ context.Context, msg string, fields ...Field) {
	c.root.add("warn", msg, c.fields, fields)
}
func (c *captureChild) Error(_ context.Context, msg string, fields ...Field) {
	c.root.add("error", msg, c.fields, fields)
}
