package utils

import (
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Logger struct {
	*logrus.Logger
}

func NewLogger(config *Config) (*Logger, error) {
	logger := logrus.New()

	level, err := logrus.ParseLevel(config.LogLevel)
	if err != nil {
		return nil, err
	}
	logger.SetLevel(level)

	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	if config.LogFilePath == "" {
		logger.SetOutput(os.Stdout)
		return &Logger{Logger: logger}, nil
	}

	logDir := filepath.Dir(config.LogFilePath)
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, err
	}

	fileLogger := &lumberjack.Logger{
		Filename:   config.LogFilePath,
		MaxSize:    100, // MB
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}

	multiWriter := io.MultiWriter(os.Stdout, fileLogger)
	logger.SetOutput(multiWriter)

	return &Logger{Logger: logger}, nil
}

// NewNopLogger discards everything. Used by tests and by the CLI in quiet mode.
func NewNopLogger() *Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return &Logger{Logger: logger}
}

func (l *Logger) WithTaskKey(taskKey string) *logrus.Entry {
	return l.WithField("task_key", taskKey)
}

func (l *Logger) WithTraceID(traceID string) *logrus.Entry {
	return l.WithField("trace_id", traceID)
}

func (l *Logger) WithComponent(component string) *logrus.Entry {
	return l.WithField("component", component)
}
