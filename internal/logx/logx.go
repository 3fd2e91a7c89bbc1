// Package logx is the station's logging front. It keeps the small
// Infof/Warnf/Errorf surface the rest of the code is written against and
// backs it with zap's console encoder.
package logx

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Logger struct {
	s *zap.SugaredLogger
}

// New builds a logger tagged with the station id. Extra paths (e.g. the
// station log file) are written in addition to stderr; an unwritable path
// falls back to stderr only rather than failing startup.
func New(id string, paths ...string) *Logger {
	l, err := build(id, false, paths)
	if err != nil {
		l, _ = build(id, false, nil)
	}
	return l
}

// NewDebug is New with debug-level output enabled.
func NewDebug(id string, paths ...string) *Logger {
	l, err := build(id, true, paths)
	if err != nil {
		l, _ = build(id, true, nil)
	}
	return l
}

func build(id string, debug bool, paths []string) (*Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.DisableStacktrace = true
	cfg.OutputPaths = []string{"stderr"}
	for _, p := range paths {
		if p != "" {
			cfg.OutputPaths = append(cfg.OutputPaths, p)
		}
	}
	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
	z, err := cfg.Build(zap.WithCaller(false))
	if err != nil {
		return nil, err
	}
	return &Logger{s: z.Named(id).Sugar()}, nil
}

// Nop returns a logger that discards everything. Handy in tests.
func Nop() *Logger {
	return &Logger{s: zap.NewNop().Sugar()}
}

func (l *Logger) Debugf(f string, a ...any) { l.s.Debugf(f, a...) }
func (l *Logger) Infof(f string, a ...any)  { l.s.Infof(f, a...) }
func (l *Logger) Warnf(f string, a ...any)  { l.s.Warnf(f, a...) }
func (l *Logger) Errorf(f string, a ...any) { l.s.Errorf(f, a...) }

// Sync flushes buffered output. Called on shutdown.
func (l *Logger) Sync() { _ = l.s.Sync() }
