package logging

import (
	"os"
	"strings"

	"github.com/hashicorp/go-hclog"

	"fixline/internal/config"
)

// New builds the process logger. Config takes priority, then the
// FIXLINE_LOG_LEVEL environment variable.
func New(cfg *config.Config, name string) hclog.Logger {
	level := ""
	jsonFormat := false
	if cfg != nil {
		level = cfg.Log.Level
		jsonFormat = cfg.Log.JSON
	}
	if level == "" {
		level = os.Getenv("FIXLINE_LOG_LEVEL")
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:       name,
		Output:     os.Stderr,
		Level:      parseLevel(level),
		JSONFormat: jsonFormat,
	})
}

func parseLevel(s string) hclog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRACE":
		return hclog.Trace
	case "DEBUG":
		return hclog.Debug
	case "INFO":
		return hclog.Info
	case "WARN":
		return hclog.Warn
	case "ERROR":
		return hclog.Error
	default:
		return hclog.Info
	}
}
