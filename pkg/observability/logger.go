package observability

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// NewLogger builds the process logger. Level is one of debug, info, warn,
// error; unknown values fall back to info. JSON output is used when json
// is true, text otherwise.
func NewLogger(level string, json bool, output io.Writer) *logrus.Logger {
	log := logrus.New()

	if output == nil {
		output = os.Stdout
	}
	log.SetOutput(output)

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)

	if json {
		log.SetFormatter(&logrus.JSONFormatter{})
	}

	return log
}
