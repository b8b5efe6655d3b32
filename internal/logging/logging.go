// Package logging builds the slog loggers used by the command line and the
// API server.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Mode controls the handler style used when constructing a logger.
type Mode int

const (
	// ModeText renders one human-readable line per record.
	ModeText Mode = iota
	// ModeJSON renders log records as JSON.
	ModeJSON
)

func (m Mode) String() string {
	if m == ModeJSON {
		return "json"
	}
	return "text"
}

// ParseMode accepts "text" and "json".
func ParseMode(value string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "text", "cli":
		return ModeText, nil
	case "json":
		return ModeJSON, nil
	default:
		return ModeText, fmt.Errorf("unknown log format %q", value)
	}
}

// ParseLevel accepts debug, info, warn(ing) and err(or).
func ParseLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", value)
	}
}

// New constructs a logger targeting w using the requested mode.
// If level is nil, slog.LevelInfo is used.
func New(mode Mode, w io.Writer, level slog.Leveler) *slog.Logger {
	if w == nil {
		panic("logging: writer must not be nil")
	}
	if level == nil {
		level = slog.LevelInfo
	}
	if mode == ModeJSON {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(&textHandler{out: &lockedWriter{w: w}, level: level})
}

// Ensure returns the provided logger or the process default if nil.
func Ensure(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return slog.Default()
}

// Switchable forwards records to a handler that can be replaced after the
// logger was handed out, so flags parsed late still reach every component.
type Switchable struct {
	mu      sync.RWMutex
	handler slog.Handler
}

// NewSwitchable returns a logger and the switch controlling its handler.
func NewSwitchable(initial *slog.Logger) (*slog.Logger, *Switchable) {
	s := &Switchable{handler: Ensure(initial).Handler()}
	return slog.New(&switchHandler{root: s}), s
}

// Set replaces the target of every logger derived from the switch.
func (s *Switchable) Set(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = Ensure(logger).Handler()
}

func (s *Switchable) current() slog.Handler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handler
}

// switchHandler replays its attrs and groups onto the current target on
// every call.
type switchHandler struct {
	root *Switchable
	ops  []func(slog.Handler) slog.Handler
}

func (h *switchHandler) target() slog.Handler {
	handler := h.root.current()
	for _, op := range h.ops {
		handler = op(handler)
	}
	return handler
}

func (h *switchHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.root.current().Enabled(ctx, level)
}

func (h *switchHandler) Handle(ctx context.Context, record slog.Record) error {
	return h.target().Handle(ctx, record)
}

func (h *switchHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h.with(func(next slog.Handler) slog.Handler { return next.WithAttrs(attrs) })
}

func (h *switchHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return h.with(func(next slog.Handler) slog.Handler { return next.WithGroup(name) })
}

func (h *switchHandler) with(op func(slog.Handler) slog.Handler) slog.Handler {
	ops := make([]func(slog.Handler) slog.Handler, len(h.ops), len(h.ops)+1)
	copy(ops, h.ops)
	return &switchHandler{root: h.root, ops: append(ops, op)}
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) write(s string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := io.WriteString(l.w, s)
	return err
}

// textHandler prints "LEVEL time | message key=value ...".
type textHandler struct {
	out    *lockedWriter
	level  slog.Leveler
	prefix string
	groups []string
}

func (h *textHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *textHandler) Handle(_ context.Context, record slog.Record) error {
	var b strings.Builder
	timestamp := record.Time
	if timestamp.IsZero() {
		timestamp = time.Now()
	}
	b.WriteString(strings.ToUpper(record.Level.String()))
	b.WriteByte(' ')
	b.WriteString(timestamp.UTC().Format(time.RFC3339))
	b.WriteString(" | ")
	b.WriteString(record.Message)
	b.WriteString(h.prefix)
	record.Attrs(func(attr slog.Attr) bool {
		appendAttr(&b, h.groups, attr)
		return true
	})
	b.WriteByte('\n')
	return h.out.write(b.String())
}

func (h *textHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	var b strings.Builder
	b.WriteString(h.prefix)
	for _, attr := range attrs {
		appendAttr(&b, h.groups, attr)
	}
	return &textHandler{out: h.out, level: h.level, prefix: b.String(), groups: h.groups}
}

func (h *textHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	groups := append(append([]string(nil), h.groups...), name)
	return &textHandler{out: h.out, level: h.level, prefix: h.prefix, groups: groups}
}

func appendAttr(b *strings.Builder, groups []string, attr slog.Attr) {
	value := attr.Value.Resolve()
	if value.Kind() == slog.KindGroup {
		nested := groups
		if attr.Key != "" {
			nested = append(append([]string(nil), groups...), attr.Key)
		}
		for _, inner := range value.Group() {
			appendAttr(b, nested, inner)
		}
		return
	}
	if attr.Equal(slog.Attr{}) {
		return
	}

	key := attr.Key
	if len(groups) > 0 {
		key = strings.Join(groups, ".") + "." + key
	}
	b.WriteByte(' ')
	b.WriteString(key)
	b.WriteByte('=')
	b.WriteString(quoteIfNeeded(formatValue(value)))
}

func formatValue(value slog.Value) string {
	switch value.Kind() {
	case slog.KindString:
		return value.String()
	case slog.KindInt64:
		return strconv.FormatInt(value.Int64(), 10)
	case slog.KindUint64:
		return strconv.FormatUint(value.Uint64(), 10)
	case slog.KindFloat64:
		return strconv.FormatFloat(value.Float64(), 'f', -1, 64)
	case slog.KindBool:
		return strconv.FormatBool(value.Bool())
	case slog.KindDuration:
		return value.Duration().String()
	case slog.KindTime:
		return value.Time().UTC().Format(time.RFC3339)
	case slog.KindAny:
		if err, ok := value.Any().(error); ok && err != nil {
			return err.Error()
		}
		return fmt.Sprint(value.Any())
	default:
		return value.String()
	}
}

func quoteIfNeeded(s string) string {
	if s == "" || strings.ContainsAny(s, " \t\n\"=") {
		return strconv.Quote(s)
	}
	return s
}
