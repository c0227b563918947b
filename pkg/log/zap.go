package log

import (
	"os"
	"path/filepath"
	"time"

	zaplogfmt "github.com/jsternberg/zap-logfmt"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var _ Logger = &ZapLogger{}

// Config selects the encoder, minimum level, and destination for ZapLogger.
// Fields are populated from the environment (see cleanenv tags).
type Config struct {
	Format string `env:"LOG_FORMAT" env-default:"console"` // console, logfmt or json
	Level  Level  `env:"LOG_LEVEL" env-default:"info"`     // debug, info, warn, error, fatal
	Output string `env:"LOG_OUTPUT" env-default:"stderr"`  // stderr, stdout or a file path
}

// ZapLogger implements Logger on top of Uber's zap. Records carry an
// RFC 3339 UTC timestamp and the resolved caller; persistent key/value
// pairs added via WithKV are tracked so SpanLogger can replay them.
type ZapLogger struct {
	lg *zap.SugaredLogger
	kv []any
}

// NewZapLogger builds a ZapLogger from conf. Extra write syncers, when
// given, receive every record alongside the configured destination; tests
// use this to capture output.
func NewZapLogger(conf Config, extraWriters ...zapcore.WriteSyncer) Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = func(ts time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(ts.UTC().Format(time.RFC3339))
	}

	var encoder zapcore.Encoder
	switch conf.Format {
	case "logfmt":
		encoder = zaplogfmt.NewEncoder(encCfg)
	case "json":
		encoder = zapcore.NewJSONEncoder(encCfg)
	default:
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	ws := openOutput(conf.Output)
	if len(extraWriters) > 0 {
		ws = zapcore.NewMultiWriteSyncer(append(extraWriters, ws)...)
	}

	core := zapcore.NewCore(encoder, ws, zapLevel(conf.Level))
	// Skip two frames: the leveled method and the internal log helper.
	sugared := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(2)).Sugar()

	return &ZapLogger{lg: sugared}
}

func openOutput(output string) zapcore.WriteSyncer {
	switch output {
	case "", "stderr":
		return zapcore.Lock(os.Stderr)
	case "stdout":
		return zapcore.Lock(os.Stdout)
	}

	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return zapcore.Lock(os.Stderr)
	}
	file, err := os.OpenFile(output, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o666)
	if err != nil {
		return zapcore.Lock(os.Stderr)
	}
	return zapcore.AddSync(file)
}

func (l *ZapLogger) Debug(msg string, keysAndValues ...any) {
	l.log(LevelDebug, msg, keysAndValues...)
}

func (l *ZapLogger) Info(msg string, keysAndValues ...any) {
	l.log(LevelInfo, msg, keysAndValues...)
}

func (l *ZapLogger) Warn(msg string, keysAndValues ...any) {
	l.log(LevelWarn, msg, keysAndValues...)
}

func (l *ZapLogger) Error(msg string, keysAndValues ...any) {
	l.log(LevelError, msg, keysAndValues...)
}

func (l *ZapLogger) Fatal(msg string, keysAndValues ...any) {
	l.log(LevelFatal, msg, keysAndValues...)
}

func (l *ZapLogger) log(level Level, msg string, keysAndValues ...any) {
	l.lg.Logw(zapLevel(level), msg, keysAndValues...)
}

// WithKV returns a child logger carrying the extra pair. The accumulated
// pair slice is copied so siblings never share backing arrays.
func (l *ZapLogger) WithKV(key string, value any) Logger {
	kv := make([]any, 0, len(l.kv)+2)
	kv = append(kv, l.kv...)
	kv = append(kv, key, value)

	return &ZapLogger{
		lg: l.lg.With(key, value),
		kv: kv,
	}
}

// GetAllKV returns every pair attached via WithKV, in insertion order.
func (l *ZapLogger) GetAllKV() []any {
	return l.kv
}

// WithName returns a child logger named under the current one; zap joins
// segments with dots.
func (l *ZapLogger) WithName(name string) Logger {
	return &ZapLogger{
		lg: l.lg.Named(name),
		kv: l.kv,
	}
}

// Name returns the dotted component name.
func (l *ZapLogger) Name() string {
	return l.lg.Desugar().Name()
}

// AddCallerSkip returns a logger skipping additional caller frames.
func (l *ZapLogger) AddCallerSkip(skip int) Logger {
	return &ZapLogger{
		lg: l.lg.WithOptions(zap.AddCallerSkip(skip)),
		kv: l.kv,
	}
}

func zapLevel(level Level) zapcore.Level {
	switch level {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelInfo:
		return zapcore.InfoLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	case LevelFatal:
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}
