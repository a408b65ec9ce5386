package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nerrad567/walpool/internal/infrastructure/config"
)

const (
	serviceName = "walpool"

	// maxStatementLen bounds traced SQL; migration bodies can be long.
	maxStatementLen = 512
)

// Logger is the slog.Logger every walpool component writes through.
// Children made with With or Component share the parent's handler.
type Logger struct {
	*slog.Logger
}

// New builds the process logger from the logging section.
//
// Parameters:
//   - cfg: level (debug, info, warn, error; unknown values mean info),
//     format (json or text) and output (stdout or stderr)
//   - version: recorded on every entry next to service=walpool
//
// Returns:
//   - *Logger: ready for use
func New(cfg config.LoggingConfig, version string) *Logger {
	return NewWithWriter(cfg, version, destination(cfg.Output))
}

// NewWithWriter is New with an explicit destination; cfg.Output is ignored.
func NewWithWriter(cfg config.LoggingConfig, version string, w io.Writer) *Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var h slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	return &Logger{Logger: slog.New(h).With("service", serviceName, "version", version)}
}

func destination(output string) io.Writer {
	if strings.EqualFold(output, "stderr") {
		return os.Stderr
	}
	return os.Stdout
}

// parseLevel accepts slog's level names in any case, plus "warning".
func parseLevel(name string) slog.Level {
	if strings.EqualFold(name, "warning") {
		return slog.LevelWarn
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// With returns a child logger carrying args on every entry.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// Component returns a child logger tagged with component=name.
func (l *Logger) Component(name string) *Logger {
	return l.With("component", name)
}

// SQLTrace returns a hook for database.Config.StatementTrace. Each
// statement is logged at debug level under component=sql, folded onto one
// line and cut to 512 bytes.
func (l *Logger) SQLTrace() func(sql string) {
	trace := l.Component("sql")
	return func(sql string) {
		trace.Debug("sql", "statement", foldStatement(sql))
	}
}

func foldStatement(sql string) string {
	s := strings.Join(strings.Fields(sql), " ")
	if len(s) > maxStatementLen {
		s = s[:maxStatementLen] + "..."
	}
	return s
}
