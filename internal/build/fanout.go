// Package build carries the daemon's logging infrastructure: version info,
// record fan-out across log destinations, and rotating file logs.
package build

import (
	"context"
	"errors"
	"log/slog"

	"github.com/btcsuite/btclog"
	btclogv2 "github.com/btcsuite/btclog/v2"
)

// LogFanout duplicates log records across a set of btclog destinations,
// typically the stderr console plus a rotating file. Each destination keeps
// its own level: a record is considered enabled when ANY destination wants
// it, disabled destinations are skipped per record, and write failures are
// joined rather than short-circuiting, so a full disk on the file
// destination never silences the console.
type LogFanout struct {
	level btclog.Level
	outs  []btclogv2.Handler
}

// NewLogFanout builds a fanout over the given destinations, levelled at
// Info until SetLevel says otherwise.
func NewLogFanout(outs ...btclogv2.Handler) *LogFanout {
	f := &LogFanout{outs: outs}
	f.SetLevel(btclog.LevelInfo)

	return f
}

// Enabled reports whether at least one destination handles records at the
// given level.
//
// NOTE: this is part of the slog.Handler interface.
func (f *LogFanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, out := range f.outs {
		if out.Enabled(ctx, level) {
			return true
		}
	}

	return false
}

// Handle delivers the record to every destination that wants it, joining
// any write errors.
//
// NOTE: this is part of the slog.Handler interface.
func (f *LogFanout) Handle(ctx context.Context, record slog.Record) error {
	var errs []error
	for _, out := range f.outs {
		if !out.Enabled(ctx, record.Level) {
			continue
		}

		if err := out.Handle(ctx, record); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// WithAttrs returns a fanout of the destinations with the attributes
// attached.
//
// NOTE: this is part of the slog.Handler interface.
func (f *LogFanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	return f.derive(func(out btclogv2.Handler) slog.Handler {
		return out.WithAttrs(attrs)
	})
}

// WithGroup returns a fanout of the destinations with the group appended.
//
// NOTE: this is part of the slog.Handler interface.
func (f *LogFanout) WithGroup(name string) slog.Handler {
	return f.derive(func(out btclogv2.Handler) slog.Handler {
		return out.WithGroup(name)
	})
}

// derive maps every destination through fn into a plain slog fanout. The
// result loses the btclog-specific surface, which is all WithAttrs and
// WithGroup are contracted to return.
func (f *LogFanout) derive(
	fn func(btclogv2.Handler) slog.Handler) slog.Handler {

	derived := slogFanout{outs: make([]slog.Handler, len(f.outs))}
	for i, out := range f.outs {
		derived.outs[i] = fn(out)
	}

	return &derived
}

// SubSystem returns a fanout whose destinations all carry the sub-system
// tag.
//
// NOTE: this is part of the btclog.Handler interface.
func (f *LogFanout) SubSystem(tag string) btclogv2.Handler {
	return f.deriveFanout(func(out btclogv2.Handler) btclogv2.Handler {
		return out.SubSystem(tag)
	})
}

// WithPrefix returns a fanout whose destinations all prefix each message
// with the given string.
//
// NOTE: this is part of the btclog.Handler interface.
func (f *LogFanout) WithPrefix(prefix string) btclogv2.Handler {
	return f.deriveFanout(func(out btclogv2.Handler) btclogv2.Handler {
		return out.WithPrefix(prefix)
	})
}

// deriveFanout maps every destination through fn into a new LogFanout
// carrying the same level.
func (f *LogFanout) deriveFanout(
	fn func(btclogv2.Handler) btclogv2.Handler) *LogFanout {

	derived := &LogFanout{
		level: f.level,
		outs:  make([]btclogv2.Handler, len(f.outs)),
	}
	for i, out := range f.outs {
		derived.outs[i] = fn(out)
	}

	return derived
}

// SetLevel changes the level on every destination at once. Individual
// destinations can still be re-levelled independently afterwards by whoever
// holds them.
//
// NOTE: this is part of the btclog.Handler interface.
func (f *LogFanout) SetLevel(level btclog.Level) {
	f.level = level
	for _, out := range f.outs {
		out.SetLevel(level)
	}
}

// Level returns the level last applied to the whole fanout.
//
// NOTE: this is part of the btclog.Handler interface.
func (f *LogFanout) Level() btclog.Level {
	return f.level
}

// Compile-time check that LogFanout is a full btclog handler.
var _ btclogv2.Handler = (*LogFanout)(nil)

// slogFanout is the plain-slog shadow of LogFanout, produced by WithAttrs
// and WithGroup. It applies the same any-enabled / skip-disabled /
// join-errors dispatch.
type slogFanout struct {
	outs []slog.Handler
}

// Enabled reports whether any destination handles the level.
//
// NOTE: this is part of the slog.Handler interface.
func (s *slogFanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, out := range s.outs {
		if out.Enabled(ctx, level) {
			return true
		}
	}

	return false
}

// Handle delivers the record to every willing destination.
//
// NOTE: this is part of the slog.Handler interface.
func (s *slogFanout) Handle(ctx context.Context, record slog.Record) error {
	var errs []error
	for _, out := range s.outs {
		if !out.Enabled(ctx, record.Level) {
			continue
		}

		if err := out.Handle(ctx, record); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// WithAttrs returns a fanout with the attributes attached everywhere.
//
// NOTE: this is part of the slog.Handler interface.
func (s *slogFanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	derived := slogFanout{outs: make([]slog.Handler, len(s.outs))}
	for i, out := range s.outs {
		derived.outs[i] = out.WithAttrs(attrs)
	}

	return &derived
}

// WithGroup returns a fanout with the group appended everywhere.
//
// NOTE: this is part of the slog.Handler interface.
func (s *slogFanout) WithGroup(name string) slog.Handler {
	derived := slogFanout{outs: make([]slog.Handler, len(s.outs))}
	for i, out := range s.outs {
		derived.outs[i] = out.WithGroup(name)
	}

	return &derived
}
