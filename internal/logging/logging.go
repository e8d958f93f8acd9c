// Package logging holds the process logger.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	mu  sync.Mutex
	log *logrus.Logger
)

// Init configures the logger. Unknown levels fall back to info. With
// neither console nor file output the logger discards everything.
func Init(level, logFile string, console bool) error {
	l := logrus.New()

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)

	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})

	var writers []io.Writer
	if console {
		writers = append(writers, os.Stderr)
	}
	if logFile != "" {
		if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
			return err
		}
		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		writers = append(writers, file)
	}
	if len(writers) > 0 {
		l.SetOutput(io.MultiWriter(writers...))
	} else {
		l.SetOutput(io.Discard)
	}

	mu.Lock()
	log = l
	mu.Unlock()
	return nil
}

// Get returns the logger, creating a warn-level stderr logger on first use.
func Get() *logrus.Logger {
	mu.Lock()
	defer mu.Unlock()
	if log == nil {
		log = logrus.New()
		log.SetLevel(logrus.WarnLevel)
	}
	return log
}

// For returns an entry tagged with the emitting component.
func For(component string) *logrus.Entry {
	return Get().WithField("component", component)
}

// Debugf logs at debug level.
func Debugf(format string, args ...any) {
	Get().Debugf(format, args...)
}

// Infof logs at info level.
func Infof(format string, args ...any) {
	Get().Infof(format, args...)
}

// Warnf logs at warn level.
func Warnf(format string, args ...any) {
	Get().Warnf(format, args...)
}
