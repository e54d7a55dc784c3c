package observability

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// NewLogger builds the process logger. format is "json" or "text"; when file is
// set, output is appended to it instead of stdout.
func NewLogger(level, format, file string) (*logrus.Logger, error) {
	logger := logrus.New()

	switch format {
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		logger.WithError(err).Error("Invalid log level, using INFO")
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)

	var out io.Writer = os.Stdout
	if file != "" {
		f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		out = f
	}
	logger.SetOutput(out)

	return logger, nil
}
