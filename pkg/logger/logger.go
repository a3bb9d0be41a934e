package logger

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	// Logger is the process-wide logger. It is usable before Init.
	Logger = logrus.New()

	logMu sync.Mutex
	// fileWriter is the rotating sink, nil when logging to stdout only.
	fileWriter *lumberjack.Logger
)

// Config controls level and file rotation.
type Config struct {
	Level      string // debug, info, warn, error
	OutputFile string // optional; empty means stdout only
	MaxSize    int    // MB per file before rotation
	MaxBackups int
	MaxAge     int // days
	Compress   bool
}

func newFormatter() logrus.Formatter {
	return &logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "06-01-02 15:04:05",
	}
}

// Init configures the global logger. Calling it again replaces the previous
// sinks and closes the old rotating file.
func Init(config Config) error {
	logMu.Lock()
	defer logMu.Unlock()

	l := logrus.New()
	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)
	l.SetFormatter(newFormatter())

	writers := []io.Writer{os.Stdout}
	var fw *lumberjack.Logger
	if config.OutputFile != "" {
		if err := os.MkdirAll(filepath.Dir(config.OutputFile), 0o755); err != nil {
			return err
		}
		fw = &lumberjack.Logger{
			Filename:   config.OutputFile,
			MaxSize:    config.MaxSize,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAge,
			Compress:   config.Compress,
		}
		writers = append(writers, fw)
	}
	out := io.MultiWriter(writers...)
	l.SetOutput(out)

	// keep the std logrus logger in sync for libraries that log through it
	logrus.SetOutput(out)
	logrus.SetLevel(level)
	logrus.SetFormatter(newFormatter())

	if fileWriter != nil {
		_ = fileWriter.Close()
	}
	fileWriter = fw
	Logger = l
	return nil
}

// InitDefault logs at info level to stdout and logs/manager.log.
func InitDefault() error {
	return Init(Config{
		Level:      "info",
		OutputFile: "logs/manager.log",
		MaxSize:    50,
		MaxBackups: 3,
		MaxAge:     7,
		Compress:   true,
	})
}

// Close flushes and closes the rotating file, if any.
func Close() error {
	logMu.Lock()
	defer logMu.Unlock()
	if fileWriter == nil {
		return nil
	}
	err := fileWriter.Close()
	fileWriter = nil
	return err
}

func current() *logrus.Logger {
	logMu.Lock()
	defer logMu.Unlock()
	return Logger
}

func Debugf(format string, args ...interface{}) { current().Debugf(format, args...) }

func Info(args ...interface{}) { current().Info(args...) }

func Infof(format string, args ...interface{}) { current().Infof(format, args...) }

func Warn(args ...interface{}) { current().Warn(args...) }

func Warnf(format string, args ...interface{}) { current().Warnf(format, args...) }

func Error(args ...interface{}) { current().Error(args...) }

func Errorf(format string, args ...interface{}) { current().Errorf(format, args...) }

// WithField returns an entry carrying one field.
func WithField(key string, value interface{}) *logrus.Entry {
	return current().WithField(key, value)
}

func WithFields(fields logrus.Fields) *logrus.Entry {
	return current().WithFields(fields)
}

// Component returns an entry tagged with the component name.
func Component(name string) *logrus.Entry {
	return WithField("component", name)
}
