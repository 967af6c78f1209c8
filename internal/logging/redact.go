package logging

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
)

const mask = "***"

var sensitiveKeys = map[string]bool{
	"authorization":       true,
	"proxy-authorization": true,
	"cookie":              true,
	"password":            true,
	"api_key":             true,
	"bearer_token":        true,
}

var credentialValue = regexp.MustCompile(`(?i)^(basic|bearer)\s+\S+`)

// RedactHandler masks credentials before records reach the wrapped handler.
type RedactHandler struct {
	handler slog.Handler
}

func Redact(h slog.Handler) *RedactHandler {
	return &RedactHandler{handler: h}
}

func (h *RedactHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

func (h *RedactHandler) Handle(ctx context.Context, r slog.Record) error {
	out := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	r.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(redactAttr(a))
		return true
	})
	return h.handler.Handle(ctx, out)
}

func (h *RedactHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	redacted := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		redacted[i] = redactAttr(a)
	}
	return &RedactHandler{handler: h.handler.WithAttrs(redacted)}
}

func (h *RedactHandler) WithGroup(name string) slog.Handler {
	return &RedactHandler{handler: h.handler.WithGroup(name)}
}

func redactAttr(a slog.Attr) slog.Attr {
	a.Value = a.Value.Resolve()
	if a.Value.Kind() == slog.KindGroup {
		group := a.Value.Group()
		attrs := make([]slog.Attr, len(group))
		for i, g := range group {
			attrs[i] = redactAttr(g)
		}
		return slog.Attr{Key: a.Key, Value: slog.GroupValue(attrs...)}
	}
	if sensitiveKeys[strings.ToLower(a.Key)] {
		return slog.String(a.Key, mask)
	}
	if a.Value.Kind() == slog.KindString && credentialValue.MatchString(a.Value.String()) {
		return slog.String(a.Key, mask)
	}
	return a
}
