// Package zap adapts a *zap.Logger to kvcache.Logger.
package zap

import (
	"go.uber.org/zap"

	"github.com/unkn0wn-root/kvcache"
)

var _ kvcache.Logger = Logger{}

type Logger struct{ L *zap.Logger }

// New names the logger "kvcache".
func New(l *zap.Logger) Logger { return Logger{L: l.Named("kvcache")} }

func (z Logger) Debug(msg string, f kvcache.Fields) { z.L.Debug(msg, zf(f)...) }
func (z Logger) Info(msg string, f kvcache.Fields)  { z.L.Info(msg, zf(f)...) }
func (z Logger) Warn(msg string, f kvcache.Fields)  { z.L.Warn(msg, zf(f)...) }
func (z Logger) Error(msg string, f kvcache.Fields) { z.L.Error(msg, zf(f)...) }

func zf(f kvcache.Fields) []zap.Field {
	keys := f.SortedKeys()
	if len(keys) == 0 {
		return nil
	}
	out := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		if err, ok := f[k].(error); ok {
			out = append(out, zap.NamedError(k, err))
			continue
		}
		out = append(out, zap.Any(k, f[k]))
	}
	return out
}
