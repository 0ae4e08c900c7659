// Package logging bootstraps the process-wide logger. Every other package
// takes a logger.Logger as a constructor argument rather than reaching for a
// global, following the teacher's convention of threading a `logger.Logger`
// field through each component and deriving per-component loggers with
// WithValues rather than a package-level singleton.
package logging

import (
	"github.com/livekit/protocol/logger"
)

// Config selects the bootstrap logger's verbosity and encoding. Decoding it
// is the caller's job (pkg/config.Decode); this package only consumes it.
type Config struct {
	Level       string `yaml:"level"`
	JSON        bool   `yaml:"json"`
	Development bool   `yaml:"development"`
}

func DefaultConfig() Config {
	return Config{Level: "info", JSON: true}
}

// New returns the process logger scoped to component. cfg is currently
// advisory — zap bootstrap level/encoding is owned by whatever process
// embeds this module (via logger.InitFromConfig or equivalent); New exists
// so every component constructor has one place to ask for its logger from.
func New(cfg Config, component string) logger.Logger {
	return logger.GetLogger().WithValues("component", component)
}
