package logger

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const timestampFormat = "2006-01-02T15:04:05.000Z07:00"

// rotating is the open log file, closed by Sync.
var (
	rotating   io.Closer
	rotatingMu sync.Mutex
)

// Logger wraps logrus.Entry to provide structured logging with context support.
type Logger struct {
	*logrus.Entry
}

// Config holds logger configuration.
type Config struct {
	Level       string    // debug, info, warn, error
	Format      string    // json, text
	Output      io.Writer // output destination
	ServiceName string    // service name for log tagging
}

// DefaultConfig returns the stdout JSON configuration.
func DefaultConfig() *Config {
	return &Config{
		Level:       "info",
		Format:      "json",
		Output:      os.Stdout,
		ServiceName: "vectorinfinity",
	}
}

// New creates a Logger from cfg.
// Parameters:
//   - cfg: logger configuration; nil uses DefaultConfig.
// Returns:
//   - *Logger: initialized logger instance.
func New(cfg *Config) *Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Output == nil {
		c := *cfg
		c.Output = os.Stdout
		cfg = &c
	}
	return newLogger(cfg)
}

// NewFromEnv creates a Logger from environment settings. Outside the local
// environment the log is also written to a rotating file unless LogFile is
// empty; LogFileOnly drops stdout in that case.
func NewFromEnv(env *EnvConfig) *Logger {
	if env == nil {
		env = LoadFromEnv()
	}
	cfg := &Config{
		Level:       env.Level,
		Format:      env.Format,
		ServiceName: env.ServiceName,
		Output:      env.Output,
	}
	if cfg.Output == nil {
		cfg.Output = envOutput(env)
	}
	return newLogger(cfg)
}

func envOutput(env *EnvConfig) io.Writer {
	useFile := env.Environment != "local" && env.LogFile != ""
	if !useFile {
		return os.Stdout
	}

	file := &lumberjack.Logger{
		Filename:   env.LogFile,
		MaxSize:    env.MaxSize,
		MaxBackups: env.MaxBackups,
		MaxAge:     env.MaxAge,
		Compress:   env.Compress,
	}
	rotatingMu.Lock()
	rotating = file
	rotatingMu.Unlock()

	if env.LogFileOnly {
		return file
	}
	return io.MultiWriter(os.Stdout, file)
}

func newLogger(cfg *Config) *Logger {
	log := logrus.New()
	log.SetOutput(cfg.Output)
	log.SetReportCaller(true)
	log.AddHook(secretHook{})

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	if strings.EqualFold(cfg.Format, "text") {
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:    true,
			TimestampFormat:  timestampFormat,
			CallerPrettyfier: shortCaller,
		})
	} else {
		log.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: timestampFormat,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
			CallerPrettyfier: shortCaller,
		})
	}

	return &Logger{Entry: log.WithField("service", cfg.ServiceName)}
}

// Sync closes the rotating log file, if one was opened. Call before exit.
func Sync() error {
	rotatingMu.Lock()
	defer rotatingMu.Unlock()
	if rotating == nil {
		return nil
	}
	err := rotating.Close()
	rotating = nil
	return err
}

// WithFields returns a new Logger with additional fields.
func (l *Logger) WithFields(fields Fields) *Logger {
	return &Logger{Entry: l.Entry.WithFields(logrus.Fields(fields))}
}

// WithField returns a new Logger with a single additional field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{Entry: l.Entry.WithField(key, value)}
}

// WithError returns a new Logger with an error field.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{Entry: l.Entry.WithError(err)}
}

// shortCaller renders the caller as pkg.Func and file.go:line
func shortCaller(frame *runtime.Frame) (string, string) {
	fn := frame.Function
	if i := strings.LastIndex(fn, "/"); i >= 0 {
		fn = fn[i+1:]
	}
	return fn, filepath.Base(frame.File) + ":" + strconv.Itoa(frame.Line)
}

// redacted replaces the value of any field whose key names a credential.
const redacted = "[redacted]"

var secretKeys = []string{"token", "secret", "password", "api_key", "oauth_code", "authorization"}

// IsSecretKey reports whether a field or config key holds a credential.
func IsSecretKey(key string) bool {
	k := strings.ToLower(key)
	for _, s := range secretKeys {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}

// secretHook masks credential fields before any formatter sees them.
type secretHook struct{}

func (secretHook) Levels() []logrus.Level { return logrus.AllLevels }

func (secretHook) Fire(e *logrus.Entry) error {
	for k, v := range e.Data {
		if s, ok := v.(string); ok && s != "" && IsSecretKey(k) {
			e.Data[k] = redacted
		}
	}
	return nil
}

// Debug logs a message at Debug level.
func Debug(format string, args ...interface{}) {
	GetDefault().Debugf(format, args...)
}

// Info logs a message at Info level.
func Info(format string, args ...interface{}) {
	GetDefault().Infof(format, args...)
}

// Warn logs a message at Warn level.
func Warn(format string, args ...interface{}) {
	GetDefault().Warnf(format, args...)
}

// Error logs a message at Error level.
func Error(format string, args ...interface{}) {
	GetDefault().Errorf(format, args...)
}

// CtxDebug logs at Debug level with the fields carried by ctx.
func CtxDebug(ctx context.Context, format string, args ...interface{}) {
	FromContext(ctx).Debugf(format, args...)
}

// CtxInfo logs at Info level with the fields carried by ctx.
func CtxInfo(ctx context.Context, format string, args ...interface{}) {
	FromContext(ctx).Infof(format, args...)
}

// CtxWarn logs at Warn level with the fields carried by ctx.
func CtxWarn(ctx context.Context, format string, args ...interface{}) {
	FromContext(ctx).Warnf(format, args...)
}

// CtxError logs at Error level with the fields carried by ctx.
func CtxError(ctx context.Context, format string, args ...interface{}) {
	FromContext(ctx).Errorf(format, args...)
}
