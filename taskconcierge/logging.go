package taskconcierge

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm/logger"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

const loggerNameKey = "logger"

var defaultLogWriter io.Writer = os.Stdout

var discordGoLogLevels = map[int]slog.Level{
	discordgo.LogDebug:         slog.LevelDebug,
	discordgo.LogError:         slog.LevelError,
	discordgo.LogWarning:       slog.LevelWarn,
	discordgo.LogInformational: slog.LevelInfo,
}

// newLogHandler returns a tint handler writing to defaultLogWriter. A nil
// level logs at info.
func newLogHandler(level *slog.LevelVar) slog.Handler {
	var leveler slog.Leveler = slog.LevelInfo
	if level != nil {
		leveler = level
	}
	return tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     leveler,
			AddSource: true,
		},
	)
}

// newComponentLogger returns a tint-backed logger for the named component,
// filtered by the given level.
func newComponentLogger(name string, level *slog.LevelVar) *slog.Logger {
	return slog.New(newLogHandler(level)).With(loggerNameKey, name)
}

// discordgoLoggerFunc returns a function suitable for discordgo.Logger,
// which forwards discordgo's printf-style logs to the given handler.
func discordgoLoggerFunc(ctx context.Context, handler slog.Handler) func(
	msgL int,
	caller int,
	format string,
	args ...any,
) {
	log := slog.New(handler)
	return func(
		msgL int,
		_ int,
		format string,
		args ...any,
	) {
		level, ok := discordGoLogLevels[msgL]
		if !ok {
			level = slog.LevelInfo
		}
		log.LogAttrs(
			ctx,
			level,
			strings.ReplaceAll(fmt.Sprintf(format, args...), "\n", ""),
		)
	}
}

// gormStructuredLogger implements gorm's logger.Interface on top of slog
type gormStructuredLogger struct {
	logger        *slog.Logger
	handler       slog.Handler
	SlowThreshold time.Duration
}

func newGORMLogger(
	handler slog.Handler,
	slowThreshold time.Duration,
) *gormStructuredLogger {
	return &gormStructuredLogger{
		logger:        slog.New(handler).With(loggerNameKey, "gorm"),
		handler:       handler,
		SlowThreshold: slowThreshold,
	}
}

func (g gormStructuredLogger) LogMode(_ logger.LogLevel) logger.Interface {
	return gormStructuredLogger{
		logger:        slog.New(g.handler).With(loggerNameKey, "gorm"),
		handler:       g.handler,
		SlowThreshold: g.SlowThreshold,
	}
}

func (g gormStructuredLogger) Info(ctx context.Context, s string, i ...any) {
	g.logger.InfoContext(ctx, fmt.Sprintf(s, i...))
}

func (g gormStructuredLogger) Warn(ctx context.Context, s string, i ...any) {
	g.logger.WarnContext(ctx, fmt.Sprintf(s, i...))
}

func (g gormStructuredLogger) Error(ctx context.Context, s string, i ...any) {
	g.logger.ErrorContext(ctx, fmt.Sprintf(s, i...))
}

func (g gormStructuredLogger) Trace(
	ctx context.Context,
	begin time.Time,
	fc func() (sql string, rowsAffected int64),
	err error,
) {
	elapsed := time.Since(begin)
	s, rowsAffected := fc()
	var rows any = rowsAffected
	if rowsAffected == -1 {
		rows = "-"
	}

	switch {
	case err != nil && !strings.Contains(err.Error(), "record not found"):
		g.logger.ErrorContext(
			ctx,
			"sql error",
			"elapsed", elapsed,
			"rows", rows,
			"sql", s,
			tint.Err(err),
		)
	case g.SlowThreshold != 0 && elapsed > g.SlowThreshold:
		g.logger.WarnContext(
			ctx,
			"slow sql",
			"elapsed", elapsed,
			"threshold", g.SlowThreshold,
			"rows", rows,
			"sql", s,
		)
	default:
		g.logger.DebugContext(
			ctx,
			"sql completed",
			"elapsed", elapsed,
			"rows", rows,
			"sql", s,
		)
	}
}

// WithLogger returns a new context with the given logger added.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	if logger == nil {
		logger = slog.Default()
	}
	return context.WithValue(ctx, loggerContextKey, logger)
}

// ContextLogger returns a logger from the given context if one
// is present, and a boolean indicating whether a logger was found.
func ContextLogger(ctx context.Context) (*slog.Logger, bool) {
	logger, ok := ctx.Value(loggerContextKey).(*slog.Logger)
	return logger, ok
}

// contextLoggerOr returns the context logger, falling back to the given
// logger (or slog.Default) and attaching it to the returned context.
func contextLoggerOr(
	ctx context.Context,
	fallback *slog.Logger,
) (context.Context, *slog.Logger) {
	logger, ok := ContextLogger(ctx)
	if logger != nil && ok {
		return ctx, logger
	}
	if fallback == nil {
		fallback = slog.Default()
	}
	return WithLogger(ctx, fallback), fallback
}
