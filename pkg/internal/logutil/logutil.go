package logutil

import (
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var jsonMode atomic.Bool

func init() {
	if os.Getenv("FILESYNC_LOG_JSON") == "1" || os.Getenv("FILESYNC_LOG_FORMAT") == "json" {
		jsonMode.Store(true)
	}
}

func prefix(l *log.Logger, p string) *log.Logger {
	if l == nil {
		l = log.Default()
	}
	return log.New(l.Writer(), p, l.Flags())
}

// SetJSON switches every helper in this package to structured JSON lines.
func SetJSON(enabled bool) { jsonMode.Store(enabled) }

// JSON reports whether structured output is active.
func JSON() bool { return jsonMode.Load() }

func Infof(l *log.Logger, f string, args ...any)  { logf(l, zapcore.InfoLevel, f, args...) }
func Warnf(l *log.Logger, f string, args ...any)  { logf(l, zapcore.WarnLevel, f, args...) }
func Errorf(l *log.Logger, f string, args ...any) { logf(l, zapcore.ErrorLevel, f, args...) }

func logf(l *log.Logger, level zapcore.Level, f string, args ...any) {
	if l == nil {
		l = log.Default()
	}
	if jsonMode.Load() {
		z := jsonLogger(l)
		if ce := z.Check(level, fmt.Sprintf(f, args...)); ce != nil {
			ce.Write()
		}
		return
	}
	switch level {
	case zapcore.InfoLevel:
		prefix(l, "INFO ").Printf(f, args...)
	case zapcore.WarnLevel:
		prefix(l, "WARN ").Printf(f, args...)
	default:
		prefix(l, "ERROR ").Printf(f, args...)
	}
}

type loggerKey struct {
	l      *log.Logger
	prefix string
}

// jsonLoggers caches one zap logger per *log.Logger and prefix.
var jsonLoggers sync.Map

// writerSink resolves l.Writer() on every write so SetOutput is honored.
type writerSink struct{ l *log.Logger }

func (w writerSink) Write(p []byte) (int, error) { return w.l.Writer().Write(p) }

// jsonLogger writes to the same sink as l so callers keep control of output.
func jsonLogger(l *log.Logger) *zap.Logger {
	key := loggerKey{l: l, prefix: l.Prefix()}
	if z, ok := jsonLoggers.Load(key); ok {
		return z.(*zap.Logger)
	}
	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "ts"
	enc.MessageKey = "msg"
	enc.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(enc), zapcore.AddSync(writerSink{l}), zapcore.DebugLevel)
	z := zap.New(core)
	if key.prefix != "" {
		z = z.With(zap.String("component", trimPrefix(key.prefix)))
	}
	actual, _ := jsonLoggers.LoadOrStore(key, z)
	return actual.(*zap.Logger)
}

func trimPrefix(p string) string {
	for len(p) > 0 && (p[len(p)-1] == ' ' || p[len(p)-1] == ':') {
		p = p[:len(p)-1]
	}
	if len(p) > 1 && p[0] == '[' && p[len(p)-1] == ']' {
		p = p[1 : len(p)-1]
	}
	return p
}
