package core

import (
	"context"

	glog "github.com/goliatone/go-logger/glog"
)

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger

type MetricsRecorder interface {
	IncCounter(ctx context.Context, name string, value int64, tags map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string)
}

// SecretProvider seals secret material before it reaches persistence.
type SecretProvider interface {
	Encrypt(ctx context.Context, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}

// ResolveLogger returns the named logger of provider when available, then
// logger, then a no-op logger.
func ResolveLogger(name string, provider LoggerProvider, logger Logger) Logger {
	provider, resolved := glog.Resolve(name, provider, logger)
	resolved = glog.Ensure(resolved)
	if provider != nil {
		if named := provider.GetLogger(name); named != nil {
			resolved = glog.Ensure(named)
		}
	}
	return resolved
}
