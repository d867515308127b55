package bridge

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap/zapcore"
)

// logCore forwards log entries to frontends as log events. Combine it with
// the console core through zapcore.NewTee.
type logCore struct {
	zapcore.LevelEnabler
	b      *Bridge
	fields []zapcore.Field
}

// NewLogCore returns a core that broadcasts entries at or above level.
func NewLogCore(b *Bridge, level zapcore.LevelEnabler) zapcore.Core {
	return &logCore{LevelEnabler: level, b: b}
}

func (c *logCore) With(fields []zapcore.Field) zapcore.Core {
	clone := *c
	clone.fields = append(append([]zapcore.Field(nil), c.fields...), fields...)
	return &clone
}

func (c *logCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *logCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range c.fields {
		f.AddTo(enc)
	}
	for _, f := range fields {
		f.AddTo(enc)
	}

	msg := ent.Message
	if ent.LoggerName != "" {
		msg = ent.LoggerName + ": " + msg
	}
	if len(enc.Fields) > 0 {
		keys := make([]string, 0, len(enc.Fields))
		for k := range enc.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var sb strings.Builder
		sb.WriteString(msg)
		for _, k := range keys {
			fmt.Fprintf(&sb, " %s=%v", k, enc.Fields[k])
		}
		msg = sb.String()
	}

	c.b.Broadcast(Log{
		Level:     ent.Level.String(),
		Message:   msg,
		Timestamp: Millis(ent.Time),
	})
	return nil
}

func (c *logCore) Sync() error { return nil }
