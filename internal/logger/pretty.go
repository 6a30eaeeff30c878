package logger

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

const (
	ansiReset  = "\033[0m"
	ansiBold   = "\033[1m"
	ansiRed    = "\033[31m"
	ansiYellow = "\033[33m"
	ansiBlue   = "\033[34m"
	ansiCyan   = "\033[36m"
	ansiGray   = "\033[90m"
)

// prettyHandler renders records as
//
//	15:04:05.000 info  message key=value group.key=value
//
// with the timestamp dimmed, the level badge colored, and attr keys in cyan.
type prettyHandler struct {
	w     io.Writer
	mu    *sync.Mutex
	level slog.Leveler
	attrs []slog.Attr
	group string
}

// NewPrettyHandler builds the terminal handler Pretty uses. Derived handlers
// from WithAttrs/WithGroup share the writer lock.
func NewPrettyHandler(w io.Writer, level slog.Leveler) slog.Handler {
	return &prettyHandler{w: w, mu: &sync.Mutex{}, level: level}
}

func (h *prettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	min := slog.LevelInfo
	if h.level != nil {
		min = h.level.Level()
	}
	return level >= min
}

func (h *prettyHandler) Handle(_ context.Context, r slog.Record) error {
	buf := make([]byte, 0, 256)

	if !r.Time.IsZero() {
		buf = append(buf, ansiGray...)
		buf = r.Time.AppendFormat(buf, "15:04:05.000")
		buf = append(buf, ansiReset...)
		buf = append(buf, ' ')
	}

	buf = append(buf, levelBadge(r.Level)...)
	buf = append(buf, ' ')
	buf = append(buf, r.Message...)

	for _, a := range h.attrs {
		buf = h.appendAttr(buf, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		buf = h.appendAttr(buf, a)
		return true
	})
	buf = append(buf, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(buf)
	return err
}

func (h *prettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	child := *h
	child.attrs = append(h.attrs[:len(h.attrs):len(h.attrs)], attrs...)
	return &child
}

func (h *prettyHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	child := *h
	if h.group != "" {
		child.group = h.group + "." + name
	} else {
		child.group = name
	}
	return &child
}

func (h *prettyHandler) appendAttr(buf []byte, a slog.Attr) []byte {
	if a.Equal(slog.Attr{}) {
		return buf
	}
	key := a.Key
	if h.group != "" {
		key = h.group + "." + key
	}

	if a.Value.Kind() == slog.KindGroup {
		prefix := key
		if a.Key == "" {
			prefix = h.group
		}
		for _, ga := range a.Value.Group() {
			if prefix != "" {
				ga.Key = prefix + "." + ga.Key
			}
			buf = h.appendAttrFlat(buf, ga)
		}
		return buf
	}
	return h.appendAttrFlat(buf, slog.Attr{Key: key, Value: a.Value})
}

func (h *prettyHandler) appendAttrFlat(buf []byte, a slog.Attr) []byte {
	buf = append(buf, ' ')
	buf = append(buf, ansiCyan...)
	buf = append(buf, a.Key...)
	buf = append(buf, '=')
	buf = append(buf, ansiReset...)

	switch a.Value.Kind() {
	case slog.KindString:
		s := a.Value.String()
		if needsQuoting(s) {
			buf = strconv.AppendQuote(buf, s)
		} else {
			buf = append(buf, s...)
		}
	case slog.KindTime:
		buf = a.Value.Time().AppendFormat(buf, time.RFC3339)
	case slog.KindDuration:
		buf = append(buf, a.Value.Duration().String()...)
	default:
		buf = append(buf, fmt.Sprint(a.Value.Any())...)
	}
	return buf
}

func levelBadge(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return ansiRed + ansiBold + "err  " + ansiReset
	case level >= slog.LevelWarn:
		return ansiYellow + "warn " + ansiReset
	case level >= slog.LevelInfo:
		return ansiBlue + "info " + ansiReset
	default:
		return ansiGray + "dbg  " + ansiReset
	}
}

func needsQuoting(s string) bool {
	return s == "" || strings.ContainsAny(s, " \t\n\"=")
}
