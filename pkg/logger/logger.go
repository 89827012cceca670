package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
)

// Format represents logger output format.
type Format string

const (
	// FormatJSON outputs structured logs for production log aggregation systems.
	FormatJSON Format = "json"
	// FormatText outputs human-readable logs for development debugging.
	FormatText Format = "text"
)

// ContextExtractor extracts a slog attribute from context.
type ContextExtractor func(ctx context.Context) (slog.Attr, bool)

// Option configures logger creation.
type Option func(*config)

func WithLevel(l slog.Level) Option {
	return func(c *config) { c.level = l }
}

// WithFormat sets output format.
// Panics for invalid formats to enforce fail-fast initialization.
func WithFormat(f Format) Option {
	return func(c *config) {
		switch f {
		case FormatJSON, FormatText:
			c.format = f
		default:
			panic(fmt.Errorf("invalid log format %q: must be %q or %q", f, FormatJSON, FormatText))
		}
	}
}

// WithOutput sets custom output destination, ignoring nil writers.
func WithOutput(w io.Writer) Option {
	return func(c *config) {
		if w != nil {
			c.output = w
		}
	}
}

// WithService adds a static service attribute to every log record.
func WithService(name string) Option {
	return func(c *config) {
		if name != "" {
			c.attrs = append(c.attrs, slog.String("service", name))
		}
	}
}

// WithAttr adds static attributes to every log record.
func WithAttr(attrs ...slog.Attr) Option {
	return func(c *config) {
		c.attrs = append(c.attrs, attrs...)
	}
}

// WithContextExtractors registers functions that inject dynamic attributes from context.
// Nil extractors are filtered out.
func WithContextExtractors(extractors ...ContextExtractor) Option {
	return func(c *config) {
		for _, ex := range extractors {
			if ex != nil {
				c.extractors = append(c.extractors, ex)
			}
		}
	}
}

type config struct {
	level      slog.Level
	format     Format
	output     io.Writer
	attrs      []slog.Attr
	extractors []ContextExtractor
}

// New creates a configured slog.Logger with context attribute injection.
// Defaults are production-safe: JSON format at INFO level on stdout.
func New(opts ...Option) *slog.Logger {
	cfg := &config{
		level:  slog.LevelInfo,
		format: FormatJSON,
		output: os.Stdout,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	handlerOpts := &slog.HandlerOptions{Level: cfg.level}

	var handler slog.Handler
	if cfg.format == FormatText {
		handler = slog.NewTextHandler(cfg.output, handlerOpts)
	} else {
		handler = slog.NewJSONHandler(cfg.output, handlerOpts)
	}

	if len(cfg.attrs) > 0 {
		handler = handler.WithAttrs(cfg.attrs)
	}

	return slog.New(newContextHandler(handler, cfg.extractors...))
}

// contextHandler wraps a slog.Handler and injects attributes from context.
// Extraction happens per log call so request-scoped values stay fresh.
type contextHandler struct {
	next       slog.Handler
	extractors []ContextExtractor
}

func newContextHandler(next slog.Handler, extractors ...ContextExtractor) slog.Handler {
	return &contextHandler{next: next, extractors: extractors}
}

func (h *contextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *contextHandler) Handle(ctx context.Context, rec slog.Record) error {
	for _, ex := range h.extractors {
		if attr, ok := ex(ctx); ok {
			rec.AddAttrs(attr)
		}
	}
	return h.next.Handle(ctx, rec)
}

func (h *contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &contextHandler{next: h.next.WithAttrs(attrs), extractors: h.extractors}
}

func (h *contextHandler) WithGroup(name string) slog.Handler {
	return &contextHandler{next: h.next.WithGroup(name), extractors: h.extractors}
}
