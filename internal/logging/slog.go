// Package logging provides a colorized, human-readable slog.Handler for
// terminal output, used by every component instead of the default text
// handler.
package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/fatih/color"
)

// PrettyHandlerOptions wraps slog.HandlerOptions for the pretty handler.
type PrettyHandlerOptions struct {
	SlogOpts slog.HandlerOptions
}

// PrettyHandler renders log records as a single colorized line:
// time level message key=value... [source]
type PrettyHandler struct {
	opts  slog.HandlerOptions
	w     io.Writer
	mu    *sync.Mutex
	attrs []slog.Attr
}

var levelColors = map[slog.Level]*color.Color{
	slog.LevelDebug: color.New(color.FgMagenta),
	slog.LevelInfo:  color.New(color.FgCyan),
	slog.LevelWarn:  color.New(color.FgYellow),
	slog.LevelError: color.New(color.FgRed, color.Bold),
}

var (
	timeColor   = color.New(color.FgHiBlack)
	fieldColor  = color.New(color.FgGreen)
	sourceColor = color.New(color.FgHiBlack, color.Italic)
)

// NewPrettyHandler returns a slog.Handler that writes colorized,
// human-readable lines to w.
func NewPrettyHandler(w io.Writer, opts PrettyHandlerOptions) *PrettyHandler {
	return &PrettyHandler{
		opts: opts.SlogOpts,
		w:    w,
		mu:   &sync.Mutex{},
	}
}

func (h *PrettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	min := h.opts.Level
	if min == nil {
		return level >= slog.LevelInfo
	}
	return level >= min.Level()
}

func (h *PrettyHandler) Handle(_ context.Context, r slog.Record) error {
	level := levelColors[r.Level]
	if level == nil {
		level = color.New(color.FgWhite)
	}

	var b strings.Builder
	b.WriteString(timeColor.Sprint(r.Time.Format("15:04:05.000")))
	b.WriteByte(' ')
	b.WriteString(level.Sprintf("%-5s", r.Level.String()))
	b.WriteByte(' ')
	b.WriteString(r.Message)

	fields := make(map[string]any, r.NumAttrs()+len(h.attrs))
	for _, a := range h.attrs {
		fields[a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		fields[a.Key] = a.Value.Any()
		return true
	})

	for k, v := range fields {
		js, err := json.Marshal(v)
		if err != nil {
			js = []byte(fmt.Sprintf("%v", v))
		}
		b.WriteByte(' ')
		b.WriteString(fieldColor.Sprintf("%s=", k))
		b.Write(js)
	}

	if h.opts.AddSource && r.PC != 0 {
		frame, _ := runtime.CallersFrames([]uintptr{r.PC}).Next()
		if frame.File != "" {
			b.WriteByte(' ')
			b.WriteString(sourceColor.Sprintf("(%s:%d)", shortSource(frame.File), frame.Line))
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := fmt.Fprintln(h.w, b.String())
	return err
}

func (h *PrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &PrettyHandler{
		opts:  h.opts,
		w:     h.w,
		mu:    h.mu,
		attrs: append(append([]slog.Attr{}, h.attrs...), attrs...),
	}
}

func (h *PrettyHandler) WithGroup(_ string) slog.Handler {
	return h
}

// shortSource trims a full file path down to package/file.go for
// compact source attribution in log lines.
func shortSource(file string) string {
	dir, f := filepath.Split(file)
	parent := filepath.Base(strings.TrimSuffix(dir, string(filepath.Separator)))
	return filepath.Join(parent, f)
}
