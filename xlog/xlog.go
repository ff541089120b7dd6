// Package xlog provides a small logging handle, backed by zap, in the shape
// the rest of this module expects: With/Infof/Errorf on an injected logger
// value rather than a package-level global.
package xlog

import (
	"go.uber.org/zap"
)

// Logger is the logging surface components depend on. It is satisfied by
// *zap.SugaredLogger directly.
type Logger interface {
	Infof(template string, args ...interface{})
	Errorf(template string, args ...interface{})
	With(args ...interface{}) *zap.SugaredLogger
}

// NewDevelopment returns a human-readable console logger, suitable for the
// cmd/ entrypoints' default configuration.
func NewDevelopment() *zap.SugaredLogger {
	l, err := zap.NewDevelopment()
	if err != nil {
		// zap.NewDevelopment only fails on sink construction, which cannot
		// happen for stderr.
		panic(err)
	}
	return l.Sugar()
}

// NewFileLogger returns a JSON logger that writes to path, creating it if
// necessary. Used for the client's download_log.txt and the server's
// server_log.txt.
func NewFileLogger(path string) (*zap.SugaredLogger, error) {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{path}
	cfg.ErrorOutputPaths = []string{path}
	l, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return l.Sugar(), nil
}

// NewNop returns a logger that discards everything, for tests.
func NewNop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
