package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// LogConfig mirrors the logging section of the config file.
type LogConfig struct {
	Level  string // debug, info, warn or error
	Format string // json (default) or text
	Output io.Writer
	// AddSource adds file:line to each record.
	AddSource bool
	// RedactPatterns extend DefaultRedactPatterns.
	RedactPatterns []string
}

// ContextKey names a correlation value that contextHandler copies into
// every record logged with the context.
type ContextKey string

const (
	// RequestIDKey tags everything logged for one /createvc request.
	RequestIDKey ContextKey = "request_id"

	// GuildIDKey is the context key for the owning guild.
	GuildIDKey ContextKey = "guild_id"

	// ResourceIDKey is the context key for the ephemeral channel being worked on.
	ResourceIDKey ContextKey = "resource_id"
)

var contextKeys = []ContextKey{RequestIDKey, GuildIDKey, ResourceIDKey}

// DefaultRedactPatterns mask credentials that may end up in log values.
var DefaultRedactPatterns = []string{
	// Discord bot tokens: base64 user id, timestamp, hmac
	`[MN][A-Za-z\d_-]{23,25}\.[A-Za-z\d_-]{6}\.[A-Za-z\d_-]{27,38}`,
	`(?i)(bot|bearer)\s+[A-Za-z0-9_\-\.]{20,}`,
	`(?i)(secret|password|passwd|pwd|token)[\s:=]+["\']?([^\s"']{8,})["\']?`,
	// Connection strings with credentials
	`(?i)(postgres(ql)?://[^:\s]+:)[^@\s]+@`,
}

var sensitiveKeys = map[string]bool{
	"password":      true,
	"secret":        true,
	"token":         true,
	"bot_token":     true,
	"authorization": true,
	"dsn":           true,
}

// NewLogger creates a structured logger. Records are written as JSON unless
// Format is "text". Unknown levels fall back to info.
func NewLogger(config LogConfig) *slog.Logger {
	if config.Output == nil {
		config.Output = os.Stderr
	}

	redacts := make([]*regexp.Regexp, 0, len(DefaultRedactPatterns)+len(config.RedactPatterns))
	for _, pattern := range append(append([]string{}, DefaultRedactPatterns...), config.RedactPatterns...) {
		if re, err := regexp.Compile(pattern); err == nil {
			redacts = append(redacts, re)
		}
	}

	opts := &slog.HandlerOptions{
		Level:     LogLevelFromString(config.Level),
		AddSource: config.AddSource,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			return redactAttr(redacts, a)
		},
	}

	var handler slog.Handler
	if strings.EqualFold(config.Format, "text") {
		handler = slog.NewTextHandler(config.Output, opts)
	} else {
		handler = slog.NewJSONHandler(config.Output, opts)
	}
	return slog.New(&contextHandler{Handler: handler})
}

func redactAttr(redacts []*regexp.Regexp, a slog.Attr) slog.Attr {
	if sensitiveKeys[strings.ToLower(a.Key)] {
		return slog.String(a.Key, "[REDACTED]")
	}
	switch a.Value.Kind() {
	case slog.KindString:
		return slog.String(a.Key, redactString(redacts, a.Value.String()))
	case slog.KindAny:
		if err, ok := a.Value.Any().(error); ok {
			return slog.String(a.Key, redactString(redacts, err.Error()))
		}
	}
	return a
}

func redactString(redacts []*regexp.Regexp, s string) string {
	for _, re := range redacts {
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}

// contextHandler adds correlation fields carried in the context.
type contextHandler struct {
	slog.Handler
}

func (h *contextHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, key := range contextKeys {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			r.AddAttrs(slog.String(string(key), v))
		}
	}
	return h.Handler.Handle(ctx, r)
}

func (h *contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &contextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *contextHandler) WithGroup(name string) slog.Handler {
	return &contextHandler{Handler: h.Handler.WithGroup(name)}
}

// AddRequestID tags ctx with a creation request id.
func AddRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// AddGuildID adds the owning guild to the context.
func AddGuildID(ctx context.Context, guildID string) context.Context {
	return context.WithValue(ctx, GuildIDKey, guildID)
}

// AddResourceID adds an ephemeral channel id to the context.
func AddResourceID(ctx context.Context, resourceID string) context.Context {
	return context.WithValue(ctx, ResourceIDKey, resourceID)
}

// LogLevelFromString parses a config level name. Unknown names mean info.
func LogLevelFromString(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
