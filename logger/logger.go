// Package logger
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Logger interface {
	Init(path string)
	InitMultiWriter(path string)
	SetVerbose(verbose bool)

	Trace(msg string)
	Debug(msg string)
	Info(msg string)
	Warn(msg string)
	Error(msg string)
	Fatal(msg string)
	Panic(msg string)

	WithStr(key, value string) Logger
	WithBool(key string, value bool) Logger
	WithInt(key string, value int) Logger
	WithInt64(key string, value int64) Logger
	WithAny(key string, value any) Logger
	WithErr(err error) Logger
}

type logger struct {
	base    zerolog.Logger
	path    string
	console io.Writer
}

func New() Logger {
	return &logger{
		path:    "./logs/zipline.log",
		base:    zerolog.Nop(),
		console: os.Stderr,
	}
}

// Nop discards everything. Used by tests and when embedding the engine.
func Nop() Logger {
	return &logger{base: zerolog.Nop()}
}

// NewWithWriter logs JSON lines to w at trace level.
func NewWithWriter(w io.Writer) Logger {
	return &logger{
		base: zerolog.New(w).Level(zerolog.TraceLevel).With().Timestamp().Logger(),
	}
}

func (l *logger) fileWriter(path string) io.Writer {
	if path != "" {
		l.path = path
	}

	return &lumberjack.Logger{
		Filename:   l.path,
		MaxSize:    5,
		MaxBackups: 5,
		MaxAge:     30,
		Compress:   true,
	}
}

func (l *logger) Init(path string) {
	l.base = zerolog.New(l.fileWriter(path)).
		Level(zerolog.InfoLevel).
		With().
		Timestamp().
		Logger()
}

// InitMultiWriter logs to the rotated file and, human-readable, to stderr.
func (l *logger) InitMultiWriter(path string) {
	console := zerolog.ConsoleWriter{Out: l.console, TimeFormat: "15:04:05"}
	multi := zerolog.MultiLevelWriter(l.fileWriter(path), console)

	l.base = zerolog.New(multi).
		Level(zerolog.InfoLevel).
		With().
		Timestamp().
		Logger()
}

func (l *logger) SetVerbose(verbose bool) {
	if verbose {
		l.base = l.base.Level(zerolog.TraceLevel)
		return
	}
	l.base = l.base.Level(zerolog.InfoLevel)
}

func (l *logger) Trace(msg string) {
	l.base.Trace().Msg(msg)
}

func (l *logger) Debug(msg string) {
	l.base.Debug().Msg(msg)
}

func (l *logger) Info(msg string) {
	l.base.Info().Msg(msg)
}

func (l *logger) Warn(msg string) {
	l.base.Warn().Msg(msg)
}

func (l *logger) Error(msg string) {
	l.base.Error().Msg(msg)
}

func (l *logger) Fatal(msg string) {
	l.base.Fatal().Msg(msg)
}

func (l *logger) Panic(msg string) {
	l.base.Panic().Msg(msg)
}

func (l *logger) WithStr(key, value string) Logger {
	return l.with(l.base.With().Str(key, value))
}

func (l *logger) WithBool(key string, value bool) Logger {
	return l.with(l.base.With().Bool(key, value))
}

func (l *logger) WithInt(key string, value int) Logger {
	return l.with(l.base.With().Int(key, value))
}

func (l *logger) WithInt64(key string, value int64) Logger {
	return l.with(l.base.With().Int64(key, value))
}

func (l *logger) WithAny(key string, value any) Logger {
	return l.with(l.base.With().Interface(key, value))
}

func (l *logger) WithErr(err error) Logger {
	return l.with(l.base.With().Err(err))
}

func (l *logger) with(ctx zerolog.Context) Logger {
	return &logger{
		base:    ctx.Logger(),
		path:    l.path,
		console: l.console,
	}
}

func LogPath(dir string) (string, error) {
	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(homeDir, ".zipline", "logs")
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create log directory: %w", err)
	}

	return filepath.Join(dir, "zipline.log"), nil
}
