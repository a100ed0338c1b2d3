package log

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/tradelab/paramopt/pkg/requestid"
	"go.uber.org/zap"
)

// StructuredLogger produces operation tracers that share a component name.
type StructuredLogger struct {
	name string
}

func NewDebugLogger(name string) *StructuredLogger {
	return &StructuredLogger{name: name}
}

func (l *StructuredLogger) WithContext(ctx context.Context) *OperationBuilder {
	return &OperationBuilder{
		name:   l.name,
		fields: contextFields(ctx),
	}
}

type OperationBuilder struct {
	name      string
	operation string
	fields    []any
}

func (b *OperationBuilder) Operation(op string) *OperationBuilder {
	b.operation = op
	return b
}

func (b *OperationBuilder) WithParam(key string, value any) *OperationBuilder {
	b.fields = append(b.fields, key, value)
	return b
}

func (b *OperationBuilder) WithString(key, value string) *OperationBuilder {
	return b.WithParam(key, value)
}

func (b *OperationBuilder) WithInt(key string, value int) *OperationBuilder {
	return b.WithParam(key, value)
}

func (b *OperationBuilder) WithBool(key string, value bool) *OperationBuilder {
	return b.WithParam(key, value)
}

func (b *OperationBuilder) WithUUID(key string, value uuid.UUID) *OperationBuilder {
	return b.WithParam(key, value.String())
}

func (b *OperationBuilder) Build() *OperationTracer {
	fields := append([]any{"operation", b.operation}, b.fields...)
	t := &OperationTracer{
		logger: zap.S().Named(b.name).With(fields...),
		start:  time.Now(),
	}
	t.logger.Debugw("operation started")
	return t
}

// OperationTracer logs the steps and the outcome of a single operation.
type OperationTracer struct {
	logger *zap.SugaredLogger
	start  time.Time
}

func (t *OperationTracer) Step(name string) *Entry {
	return &Entry{tracer: t, level: stepLevel, msg: "operation step", fields: []any{"step", name}}
}

func (t *OperationTracer) Error(err error) *Entry {
	return &Entry{tracer: t, level: errorLevel, msg: "operation failed", fields: []any{"error", err}}
}

func (t *OperationTracer) Success() *Entry {
	return &Entry{tracer: t, level: successLevel, msg: "operation succeeded"}
}

type entryLevel int

const (
	stepLevel entryLevel = iota
	successLevel
	errorLevel
)

type Entry struct {
	tracer *OperationTracer
	level  entryLevel
	msg    string
	fields []any
}

func (e *Entry) WithParam(key string, value any) *Entry {
	e.fields = append(e.fields, key, value)
	return e
}

func (e *Entry) WithString(key, value string) *Entry {
	return e.WithParam(key, value)
}

func (e *Entry) WithInt(key string, value int) *Entry {
	return e.WithParam(key, value)
}

func (e *Entry) WithBool(key string, value bool) *Entry {
	return e.WithParam(key, value)
}

func (e *Entry) WithUUID(key string, value uuid.UUID) *Entry {
	return e.WithParam(key, value.String())
}

func (e *Entry) Log() {
	fields := append(e.fields, "duration", time.Since(e.tracer.start))
	switch e.level {
	case errorLevel:
		e.tracer.logger.Errorw(e.msg, fields...)
	case successLevel:
		e.tracer.logger.Infow(e.msg, fields...)
	default:
		e.tracer.logger.Debugw(e.msg, fields...)
	}
}

func contextFields(ctx context.Context) []any {
	if ctx == nil {
		return nil
	}
	if id := requestid.FromContext(ctx); id != "" {
		return []any{"request_id", id}
	}
	return nil
}
