package spacemap

import (
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// newLogger creates a logger writing text lines to stderr at the given level.
func newLogger(level string) (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, errors.Errorf("failed to parse log level %q: %v", level, err)
	}

	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(lvl)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})

	return logger, nil
}
