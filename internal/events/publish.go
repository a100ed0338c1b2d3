package events

import (
	"bytes"
	"context"
	"encoding/json"
	"io"

	"github.com/tradelab/paramopt/internal/store/model"
	"go.uber.org/zap"
)

// Emitter accepts encoded events. EventProducer satisfies it.
type Emitter interface {
	Write(ctx context.Context, kind string, body io.Reader) error
}

// Publish encodes payload and hands it to e. Failures are logged and never
// returned, events are informational. A nil emitter is a no-op.
func Publish(ctx context.Context, e Emitter, kind string, payload any) {
	if e == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		zap.S().Named("events").Errorw("failed to encode event", "error", err, "event_kind", kind)
		return
	}
	if err := e.Write(ctx, kind, bytes.NewReader(data)); err != nil {
		zap.S().Named("events").Errorw("failed to write event", "error", err, "event_kind", kind)
	}
}

// PublishJob announces the current status of job.
func PublishJob(ctx context.Context, e Emitter, job *model.Job) {
	if job == nil {
		return
	}
	Publish(ctx, e, JobKind(job.Status), NewJobEvent(job))
}
