package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
)

// CustomHandler renders records as
// "[time] [level] [file:line] message | k=v k=v".
type CustomHandler struct {
	w         io.Writer
	level     slog.Leveler
	addSource bool
	mu        *sync.Mutex
	// preformatted attrs from WithAttrs, already group-prefixed
	attrs  []string
	prefix string
}

func NewCustomHandler(w io.Writer, level slog.Leveler, addSource bool) *CustomHandler {
	return &CustomHandler{
		w:         w,
		level:     level,
		addSource: addSource,
		mu:        &sync.Mutex{},
	}
}

func (h *CustomHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *CustomHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(r.Time.Format("2006-01-02 15:04:05"))
	b.WriteString("] [")
	b.WriteString(strings.ToLower(r.Level.String()))
	b.WriteString("] ")

	if h.addSource && r.PC != 0 {
		fs := runtime.CallersFrames([]uintptr{r.PC})
		f, _ := fs.Next()
		fmt.Fprintf(&b, "[%s:%d] ", filepath.Base(f.File), f.Line)
	}
	b.WriteString(r.Message)

	attrs := append([]string(nil), h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		attrs = appendAttr(attrs, h.prefix, a)
		return true
	})
	if len(attrs) > 0 {
		b.WriteString(" | ")
		b.WriteString(strings.Join(attrs, " "))
	}
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

func appendAttr(dst []string, prefix string, a slog.Attr) []string {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return dst
	}
	if a.Value.Kind() == slog.KindGroup {
		groupPrefix := prefix
		if a.Key != "" {
			groupPrefix = prefix + a.Key + "."
		}
		for _, ga := range a.Value.Group() {
			dst = appendAttr(dst, groupPrefix, ga)
		}
		return dst
	}
	return append(dst, fmt.Sprintf("%s%s=%v", prefix, a.Key, a.Value.Any()))
}

func (h *CustomHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	cp := *h
	cp.attrs = append([]string(nil), h.attrs...)
	for _, a := range attrs {
		cp.attrs = appendAttr(cp.attrs, h.prefix, a)
	}
	return &cp
}

func (h *CustomHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	cp := *h
	cp.prefix = h.prefix + name + "."
	return &cp
}
