package file

import (
	"log/slog"
	"os"
)

// Default configuration values.
const (
	DefaultFileMode os.FileMode = 0o644
	DefaultDirMode  os.FileMode = 0o755
)

// options holds file store configuration.
type options struct {
	fileMode os.FileMode
	dirMode  os.FileMode
	logger   *slog.Logger
}

func newOptions(opts ...Option) *options {
	o := &options{
		fileMode: DefaultFileMode,
		dirMode:  DefaultDirMode,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Option configures a file store.
type Option func(*options)

// WithFileMode sets the permission bits of the state file.
func WithFileMode(m os.FileMode) Option {
	return func(o *options) {
		if m != 0 {
			o.fileMode = m
		}
	}
}

// WithDirMode sets the permission bits used when creating parent directories.
func WithDirMode(m os.FileMode) Option {
	return func(o *options) {
		if m != 0 {
			o.dirMode = m
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}
