package logger

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger 结构化日志接口，键值对成对传入
type Logger interface {
	Debug(msg string, kv ...any)
	Info(msg string, kv ...any)
	Warn(msg string, kv ...any)
	Error(msg string, kv ...any)
	With(kv ...any) Logger
}

// Options 日志初始化选项
type Options struct {
	Level   string   // debug/info/warn/error
	Writers []string // console/file
	File    string   // file writer 输出路径
}

type zeroLogger struct {
	l zerolog.Logger
}

// New 创建 zerolog 实现
func New(opts Options) Logger {
	var writers []io.Writer
	for _, w := range opts.Writers {
		switch w {
		case "console":
			writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr})
		case "file":
			file := opts.File
			if file == "" {
				file = "reqsploit.log"
			}
			writers = append(writers, &lumberjack.Logger{
				Filename:   file,
				MaxSize:    50, // MB
				MaxBackups: 5,
				MaxAge:     14, // days
			})
		}
	}
	if len(writers) == 0 {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr})
	}

	l := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(parseLevel(opts.Level)).
		With().Timestamp().Logger()
	return &zeroLogger{l: l}
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func (z *zeroLogger) Debug(msg string, kv ...any) { emit(z.l.Debug(), msg, kv) }
func (z *zeroLogger) Info(msg string, kv ...any)  { emit(z.l.Info(), msg, kv) }
func (z *zeroLogger) Warn(msg string, kv ...any)  { emit(z.l.Warn(), msg, kv) }
func (z *zeroLogger) Error(msg string, kv ...any) { emit(z.l.Error(), msg, kv) }

func (z *zeroLogger) With(kv ...any) Logger {
	ctx := z.l.With()
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		ctx = ctx.Interface(key, kv[i+1])
	}
	return &zeroLogger{l: ctx.Logger()}
}

func emit(ev *zerolog.Event, msg string, kv []any) {
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		ev = ev.Interface(key, kv[i+1])
	}
	ev.Msg(msg)
}

type nopLogger struct{}

// NewNop 创建空日志实现
func NewNop() Logger { return nopLogger{} }

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
func (n nopLogger) With(...any) Logger { return n }
