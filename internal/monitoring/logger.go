// Package monitoring holds the process-wide logging and counter plumbing.
package monitoring

import (
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
)

// Levels maps the --log.level flag values to logrus levels.
var Levels = map[string]logrus.Level{
	"trace":    logrus.TraceLevel,
	"debug":    logrus.DebugLevel,
	"info":     logrus.InfoLevel,
	"warn":     logrus.WarnLevel,
	"error":    logrus.ErrorLevel,
	"critical": logrus.FatalLevel,
	"off":      logrus.PanicLevel,
}

// Logf is the package-level printf-style logger used by code that only needs a
// format function (migrations, the serial cabinet link). It defaults to the
// "core" module logger but may be replaced by SetLogger.
var Logf func(format string, v ...interface{}) = Logger("core").Infof

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Logger returns a logrus entry tagged with the given module name.
func Logger(module string) *logrus.Entry {
	return logrus.WithField("module", module)
}

// Setup configures the global logrus formatter and level.
func Setup(level string) error {
	lvl, ok := Levels[level]
	if !ok {
		names := make([]string, 0, len(Levels))
		for name := range Levels {
			names = append(names, name)
		}
		sort.Strings(names)
		return fmt.Errorf("log.level must be one of %v, got %q", names, level)
	}
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})
	logrus.SetLevel(lvl)
	return nil
}
