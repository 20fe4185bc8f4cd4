package logger

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Setup configures the standard logrus logger. JSON output is used in
// production unless a format is given explicitly.
func Setup(level, format, env string) {
	logrus.SetOutput(os.Stdout)
	logrus.SetFormatter(formatter(format, env))

	lvl, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logrus.SetLevel(lvl)
}

func formatter(format, env string) logrus.Formatter {
	switch strings.ToLower(format) {
	case "json":
		return &logrus.JSONFormatter{}
	case "text":
		return &logrus.TextFormatter{FullTimestamp: true}
	}

	if env == "production" {
		return &logrus.JSONFormatter{}
	}
	return &logrus.TextFormatter{FullTimestamp: true}
}

// Discard silences logrus output, for tests
func Discard() {
	logrus.SetOutput(io.Discard)
}
