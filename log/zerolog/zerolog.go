// Package zerolog adapts a zerolog.Logger to syncache.Logger.
package zerolog

import (
	"github.com/rs/zerolog"
	"github.com/unkn0wn-root/syncache"
)

var _ syncache.Logger = Logger{}

type Logger struct{ L zerolog.Logger }

func New(l zerolog.Logger) Logger { return Logger{L: l} }

func (z Logger) Debug(msg string, f syncache.Fields) { send(z.L.Debug(), msg, f) }
func (z Logger) Info(msg string, f syncache.Fields)  { send(z.L.Info(), msg, f) }
func (z Logger) Warn(msg string, f syncache.Fields)  { send(z.L.Warn(), msg, f) }
func (z Logger) Error(msg string, f syncache.Fields) { send(z.L.Error(), msg, f) }

// e is nil when the level is disabled; zerolog's methods tolerate that.
func send(e *zerolog.Event, msg string, f syncache.Fields) {
	for k, v := range f {
		if err, ok := v.(error); ok {
			e = e.AnErr(k, err)
			continue
		}
		e = e.Interface(k, v)
	}
	e.Msg(msg)
}
