/*
logging.go - Logger construction

PURPOSE:
  Builds the process logger from the configured level and format. Every
  component takes a logrus.FieldLogger and tags its entries with a
  "component" field, so one logger serves the whole process.

FORMATS:
  text  human readable, for terminals (default)
  json  one object per line, for log shipping

SEE ALSO:
  - config/config.go: log.level and log.format keys
*/
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Format names accepted by New.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// New builds a logger writing to stderr.
func New(level, format string) (*logrus.Logger, error) {
	return NewWithOutput(os.Stderr, level, format)
}

// NewWithOutput builds a logger writing to w.
func NewWithOutput(w io.Writer, level, format string) (*logrus.Logger, error) {
	log := logrus.New()
	log.SetOutput(w)

	if level == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	log.SetLevel(lvl)

	switch strings.ToLower(format) {
	case "", FormatText:
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case FormatJSON:
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("log format %q: want %s or %s", format, FormatText, FormatJSON)
	}
	return log, nil
}
