// Package logging implements Casket's newline-delimited JSON log line
// format on top of logrus: one JSON object per line with level, ts, msg
// and, for request-scoped loggers, trace_id/span_id.
package logging

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
)

// reservedKeys are never overridable by caller-supplied fields. Order
// matters: it is the order they are rendered in the output line.
var reservedKeys = []string{"level", "ts", "msg", "trace_id", "span_id", "error"}

func isReserved(key string) bool {
	for _, k := range reservedKeys {
		if k == key {
			return true
		}
	}
	return false
}

// Logger wraps a logrus.Logger configured with Casket's line format.
type Logger struct {
	entry *logrus.Entry
}

// New returns a root Logger writing newline-delimited JSON to w.
func New(w io.Writer) *Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&lineFormatter{})
	return &Logger{entry: logrus.NewEntry(l)}
}

// With returns a derived Logger that attaches the given fields as
// top-level keys on every future line, without mutating the receiver.
// Keys colliding with a reserved key are dropped: user fields never
// override the reserved keys.
func (l *Logger) With(fields map[string]interface{}) *Logger {
	clean := logrus.Fields{}
	for k, v := range fields {
		if isReserved(k) {
			continue
		}
		clean[k] = v
	}
	return &Logger{entry: l.entry.WithFields(clean)}
}

// WithTrace binds trace_id and span_id as default fields, as required
// for every log line emitted during request handling.
func (l *Logger) WithTrace(traceID, spanID string) *Logger {
	return &Logger{entry: l.entry.WithFields(logrus.Fields{
		"trace_id": traceID,
		"span_id":  spanID,
	})}
}

func (l *Logger) Info(msg string)  { l.entry.Info(msg) }
func (l *Logger) Warn(msg string)  { l.entry.Warn(msg) }
func (l *Logger) Error(msg string) { l.entry.Error(msg) }

// InfoErr logs at info level with the given error rendered under the
// reserved "error" key: parse failures, timeouts, and admission
// rejections that are not themselves bugs.
func (l *Logger) InfoErr(msg, errMsg string) {
	l.entry.WithField("error", errMsg).Info(msg)
}

func (l *Logger) WarnErr(msg, errMsg string) {
	l.entry.WithField("error", errMsg).Warn(msg)
}

func (l *Logger) ErrorErr(msg, errMsg string) {
	l.entry.WithField("error", errMsg).Error(msg)
}

// lineFormatter renders logrus entries as newline-delimited JSON:
// reserved keys first in a fixed order, then any remaining
// (already-filtered) user fields sorted by name for deterministic
// output, microsecond UTC timestamps with a trailing Z.
type lineFormatter struct{}

func (f *lineFormatter) Format(e *logrus.Entry) ([]byte, error) {
	buf := make([]byte, 0, 256)
	buf = append(buf, '{')

	first := true
	writeKV := func(key string, val interface{}) {
		if !first {
			buf = append(buf, ',')
		}
		first = false
		buf = appendJSONString(buf, key)
		buf = append(buf, ':')
		buf = appendJSONValue(buf, val)
	}

	writeKV("level", levelName(e.Level))
	writeKV("ts", e.Time.UTC().Format("2006-01-02T15:04:05.000000Z"))
	writeKV("msg", e.Message)

	// Reserved fields (besides level/ts/msg) are emitted next, in fixed
	// order, if present.
	for _, key := range []string{"trace_id", "span_id", "error"} {
		if v, ok := e.Data[key]; ok {
			writeKV(key, v)
		}
	}

	// Remaining user fields, sorted for determinism. Reserved keys were
	// already stripped by Logger.With/WithTrace, but guard again here in
	// case a caller reaches logrus directly through the entry.
	rest := make([]string, 0, len(e.Data))
	for k := range e.Data {
		if isReserved(k) {
			continue
		}
		rest = append(rest, k)
	}
	sort.Strings(rest)
	for _, k := range rest {
		writeKV(k, e.Data[k])
	}

	buf = append(buf, '}', '\n')
	return buf, nil
}

func levelName(lvl logrus.Level) string {
	switch lvl {
	case logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel:
		return "error"
	case logrus.WarnLevel:
		return "warn"
	default:
		return "info"
	}
}

func appendJSONString(buf []byte, s string) []byte {
	buf = append(buf, '"')
	for _, r := range s {
		switch r {
		case '"':
			buf = append(buf, '\\', '"')
		case '\\':
			buf = append(buf, '\\', '\\')
		case '\n':
			buf = append(buf, '\\', 'n')
		case '\r':
			buf = append(buf, '\\', 'r')
		case '\t':
			buf = append(buf, '\\', 't')
		default:
			if r < 0x20 {
				buf = append(buf, []byte(fmt.Sprintf("\\u%04x", r))...)
			} else {
				buf = append(buf, string(r)...)
			}
		}
	}
	return append(buf, '"')
}

func appendJSONValue(buf []byte, v interface{}) []byte {
	switch val := v.(type) {
	case string:
		return appendJSONString(buf, val)
	case bool:
		if val {
			return append(buf, "true"...)
		}
		return append(buf, "false"...)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return append(buf, []byte(fmt.Sprintf("%d", val))...)
	case float32, float64:
		return append(buf, []byte(fmt.Sprintf("%g", val))...)
	case time.Duration:
		return appendJSONString(buf, val.String())
	case fmt.Stringer:
		return appendJSONString(buf, val.String())
	case error:
		return appendJSONString(buf, val.Error())
	default:
		return appendJSONString(buf, fmt.Sprintf("%v", val))
	}
}
