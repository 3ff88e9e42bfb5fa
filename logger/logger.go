// Package logger configures the process-wide logrus logger.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Setup applies level ("debug", "info", ...) and format ("text" or "json").  verbose
// forces debug.  LOG_LEVEL overrides level when set.
func Setup(verbose bool, level string, format string, out io.Writer) error {
	if env, present := os.LookupEnv("LOG_LEVEL"); present && len(env) != 0 {
		level = env
	}
	if verbose {
		level = "debug"
	}
	if len(level) == 0 {
		level = "info"
	}
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return err
	}
	log.SetLevel(lvl)

	switch strings.ToLower(format) {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	default:
		return fmt.Errorf("unknown log format %q", format)
	}
	if out != nil {
		log.SetOutput(out)
	}
	return nil
}
