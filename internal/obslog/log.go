// Package obslog provides the single structured logging entry point used
// throughout the orchestrator: one logrus instance, configured once, shared
// by every package instead of each package constructing its own.
package obslog

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Log is the package-wide logger. Every component logs through this instance
// so log level and formatter changes apply uniformly.
var Log = logrus.New()

func init() {
	Log.SetOutput(os.Stderr)
	Log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	if lvl, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil {
		Log.SetLevel(lvl)
	} else {
		Log.SetLevel(logrus.InfoLevel)
	}
	if os.Getenv("LOG_FORMAT") == "json" {
		Log.SetFormatter(&logrus.JSONFormatter{})
	}
}
