package telemetry

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is a thin zerolog wrapper with run-vocabulary field helpers, so
// engine and executor code tags entries with run/play/host/task uniformly.
type Logger struct {
	zlog zerolog.Logger
	cfg  LoggingConfig
}

// NewLogger builds a logger from the configuration. Output is stderr unless
// the configuration names stdout or a file path.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	var w io.Writer
	switch cfg.Output {
	case "", "stderr":
		w = os.Stderr
	case "stdout":
		w = os.Stdout
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("opening log output: %w", err)
		}
		w = f
	}

	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	ctx := zerolog.New(w).Level(level).With().Timestamp()
	if cfg.EnableCaller {
		ctx = ctx.Caller()
	}
	return &Logger{zlog: ctx.Logger(), cfg: cfg}, nil
}

// NewComponentLogger returns a child logger tagged with a component name.
func (l *Logger) NewComponentLogger(component string) *Logger {
	return l.str("component", component)
}

// WithRunID tags entries with the run identifier.
func (l *Logger) WithRunID(runID string) *Logger { return l.str("run_id", runID) }

// WithPlay tags entries with the play name.
func (l *Logger) WithPlay(play string) *Logger { return l.str("play", play) }

// WithHost tags entries with the target host.
func (l *Logger) WithHost(host string) *Logger { return l.str("host", host) }

// WithTask tags entries with the task name.
func (l *Logger) WithTask(task string) *Logger { return l.str("task", task) }

// WithError attaches an error to every entry of the returned logger.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{zlog: l.zlog.With().Err(err).Logger(), cfg: l.cfg}
}

func (l *Logger) str(key, value string) *Logger {
	return &Logger{zlog: l.zlog.With().Str(key, value).Logger(), cfg: l.cfg}
}

func (l *Logger) Debug(msg string) { l.zlog.Debug().Msg(msg) }

func (l *Logger) Debugf(format string, args ...interface{}) {
	l.zlog.Debug().Msgf(format, args...)
}

func (l *Logger) Info(msg string) { l.zlog.Info().Msg(msg) }

func (l *Logger) Infof(format string, args ...interface{}) {
	l.zlog.Info().Msgf(format, args...)
}

func (l *Logger) Warn(msg string) { l.zlog.Warn().Msg(msg) }

func (l *Logger) Warnf(format string, args ...interface{}) {
	l.zlog.Warn().Msgf(format, args...)
}

func (l *Logger) Error(msg string) { l.zlog.Error().Msg(msg) }

func (l *Logger) Errorf(format string, args ...interface{}) {
	l.zlog.Error().Msgf(format, args...)
}
