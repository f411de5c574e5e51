package logging

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

const (
	FormatText = "text"
	FormatJSON = "json"
)

var _logger = logrus.StandardLogger().WithField("module", "Issuance")

// Log returns the logger of the issuance flow. Entries carry a module
// field so they can be told apart from the CLI output.
func Log() *logrus.Entry {
	return _logger
}

// Module returns a logger for a named sub-module.
func Module(name string) *logrus.Entry {
	return logrus.StandardLogger().WithField("module", name)
}

// Configure sets the level and the output format of the standard logger.
func Configure(level, format string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	logrus.SetLevel(lvl)

	switch strings.ToLower(format) {
	case "", FormatText:
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case FormatJSON:
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("unknown log format '%s'", format)
	}
	return nil
}
