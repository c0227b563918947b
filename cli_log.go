package main

import (
	"os"

	ipfslog "github.com/ipfs/go-log/v2"
	"go.uber.org/zap"

	"github.com/layer-3/tollgate/pkg/log"
)

// newCLILogger returns a log.Logger backed by ipfs/go-log for the
// maintenance run-modes (reconcile, export-transactions). Those run as
// one-shot commands where the self-contained go-log setup is enough; the
// server proper logs through log.NewZapLogger.
func newCLILogger(name string) log.Logger {
	return &cliLogger{
		lg:   ipfslog.Logger(name).SugaredLogger.Desugar().WithOptions(zap.AddCallerSkip(1)).Sugar(),
		name: name,
	}
}

type cliLogger struct {
	lg   *zap.SugaredLogger
	name string
	kv   []any
}

func (l *cliLogger) Debug(msg string, keysAndValues ...any) {
	l.lg.Debugw(msg, keysAndValues...)
}

func (l *cliLogger) Info(msg string, keysAndValues ...any) {
	l.lg.Infow(msg, keysAndValues...)
}

func (l *cliLogger) Warn(msg string, keysAndValues ...any) {
	l.lg.Warnw(msg, keysAndValues...)
}

func (l *cliLogger) Error(msg string, keysAndValues ...any) {
	l.lg.Errorw(msg, keysAndValues...)
}

func (l *cliLogger) Fatal(msg string, keysAndValues ...any) {
	l.lg.Fatalw(msg, keysAndValues...)
}

func (l *cliLogger) WithKV(key string, value any) log.Logger {
	kv := make([]any, 0, len(l.kv)+2)
	kv = append(kv, l.kv...)
	kv = append(kv, key, value)

	return &cliLogger{
		lg:   l.lg.With(key, value),
		name: l.name,
		kv:   kv,
	}
}

func (l *cliLogger) GetAllKV() []any {
	return l.kv
}

func (l *cliLogger) WithName(name string) log.Logger {
	return &cliLogger{
		lg:   ipfslog.Logger(name).SugaredLogger.Desugar().WithOptions(zap.AddCallerSkip(1)).Sugar().With(l.kv...),
		name: name,
		kv:   l.kv,
	}
}

func (l *cliLogger) Name() string {
	return l.name
}

func (l *cliLogger) AddCallerSkip(skip int) log.Logger {
	return &cliLogger{
		lg:   l.lg.Desugar().WithOptions(zap.AddCallerSkip(skip)).Sugar(),
		name: l.name,
		kv:   l.kv,
	}
}

func init() {
	logLevel := os.Getenv("TOLLGATE_LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}
	zapLevel, err := ipfslog.Parse(logLevel)
	if err != nil {
		zapLevel = ipfslog.LevelInfo
	}

	ipfslog.SetupLogging(ipfslog.Config{
		Level:  zapLevel,
		Stderr: true,
	})
}
