// Package zap adapts a *zap.Logger to syncache.Logger.
package zap

import (
	"sort"

	"github.com/unkn0wn-root/syncache"
	"go.uber.org/zap"
)

var _ syncache.Logger = Logger{}

type Logger struct{ L *zap.Logger }

func New(l *zap.Logger) Logger { return Logger{L: l} }

func (z Logger) Debug(msg string, f syncache.Fields) { z.L.Debug(msg, fields(f)...) }
func (z Logger) Info(msg string, f syncache.Fields)  { z.L.Info(msg, fields(f)...) }
func (z Logger) Warn(msg string, f syncache.Fields)  { z.L.Warn(msg, fields(f)...) }
func (z Logger) Error(msg string, f syncache.Fields) { z.L.Error(msg, fields(f)...) }

// fields are sorted by key so output is stable.
func fields(f syncache.Fields) []zap.Field {
	if len(f) == 0 {
		return nil
	}
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]zap.Field, 0, len(f))
	for _, k := range keys {
		if err, ok := f[k].(error); ok {
			out = append(out, zap.NamedError(k, err))
			continue
		}
		out = append(out, zap.Any(k, f[k]))
	}
	return out
}
