package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

var Log *logrus.Logger

func InitLogger(debug bool) {
	Log = New(os.Stdout, debug)
}

// New builds a logger: human readable text in debug mode, JSON otherwise.
func New(out io.Writer, debug bool) *logrus.Logger {
	logger := logrus.New()
	logger.Out = out

	if debug {
		logger.SetLevel(logrus.DebugLevel)
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	} else {
		logger.SetLevel(logrus.InfoLevel)
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logger
}
