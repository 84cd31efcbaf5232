// Package temporal connects the pipeline to a Temporal worker.
package temporal

import (
	"fmt"
	"reflect"

	"go.temporal.io/sdk/log"
	"go.uber.org/zap"
)

// ZapAdapter adapts zap logger to Temporal's logger interface
type ZapAdapter struct {
	logger *zap.Logger
}

func NewZapAdapter(logger *zap.Logger) log.Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapAdapter{logger: logger.WithOptions(zap.AddCallerSkip(1))}
}

func (z *ZapAdapter) Debug(msg string, keyvals ...interface{}) { z.logger.Debug(msg, fields(keyvals)...) }
func (z *ZapAdapter) Info(msg string, keyvals ...interface{})  { z.logger.Info(msg, fields(keyvals)...) }
func (z *ZapAdapter) Warn(msg string, keyvals ...interface{})  { z.logger.Warn(msg, fields(keyvals)...) }
func (z *ZapAdapter) Error(msg string, keyvals ...interface{}) { z.logger.Error(msg, fields(keyvals)...) }

// With returns a new logger with additional fields.
func (z *ZapAdapter) With(keyvals ...interface{}) log.Logger {
	return &ZapAdapter{logger: z.logger.With(fields(keyvals)...)}
}

// fields pairs up keyvals; a trailing key without value and non-string keys are dropped.
func fields(keyvals []interface{}) []zap.Field {
	out := make([]zap.Field, 0, len(keyvals)/2)
	for i := 0; i+1 < len(keyvals); i += 2 {
		key, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		out = append(out, field(key, keyvals[i+1]))
	}
	return out
}

// field never panics: values zap cannot encode are logged by kind.
func field(key string, val interface{}) (f zap.Field) {
	defer func() {
		if r := recover(); r != nil {
			f = zap.String(key, fmt.Sprintf("<unserializable: %v>", r))
		}
	}()
	if val == nil {
		return zap.String(key, "<nil>")
	}
	switch k := reflect.ValueOf(val).Kind(); k {
	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return zap.String(key, "<"+k.String()+">")
	}
	return zap.Any(key, val)
}
