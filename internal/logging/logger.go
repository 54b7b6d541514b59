package logging

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/hashicorp/go-hclog"
)

const defaultName = "materialize-bridge"

var (
	mu         sync.RWMutex
	rootLogger hclog.Logger
)

// Options controls how the root logger is built.
type Options struct {
	Level  string
	JSON   bool
	Output io.Writer
}

// Setup builds the root logger and installs it as the package default.
func Setup(opts Options) hclog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	logger := hclog.New(&hclog.LoggerOptions{
		Name:            defaultName,
		Level:           ParseLevel(opts.Level),
		Output:          out,
		JSONFormat:      opts.JSON,
		IncludeLocation: false,
	})
	SetLogger(logger)
	return logger
}

// ParseLevel maps a textual level to an hclog level, defaulting to Info.
func ParseLevel(level string) hclog.Level {
	l := hclog.LevelFromString(strings.TrimSpace(level))
	if l == hclog.NoLevel {
		return hclog.Info
	}
	return l
}

// SetLogger replaces the package default logger
func SetLogger(logger hclog.Logger) {
	mu.Lock()
	defer mu.Unlock()
	rootLogger = logger
}

// GetLogger returns the package default logger
func GetLogger() hclog.Logger {
	mu.RLock()
	l := rootLogger
	mu.RUnlock()
	if l != nil {
		return l
	}

	mu.Lock()
	defer mu.Unlock()
	if rootLogger == nil {
		rootLogger = hclog.New(&hclog.LoggerOptions{
			Name:  defaultName,
			Level: hclog.Info,
		})
	}
	return rootLogger
}

// Named returns a sub-logger of the default logger.
func Named(name string) hclog.Logger {
	return GetLogger().Named(name)
}
