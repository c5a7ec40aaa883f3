package extraction

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"

	"github.com/jhillyerd/enmime"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/filesift/internal/domain/triage"
)

// analyseEmail resubmits every attachment of an RFC 822 message as a child
// task. A message without attachments is simply not this worker's business.
func (w *Worker) analyseEmail(ctx context.Context, task *triage.Task, report *triage.Report) error {
	span := trace.SpanFromContext(ctx)

	data, err := w.readBlob(ctx, task)
	if err != nil {
		span.RecordError(err)
		return err
	}

	name := task.File().Name()
	env, err := enmime.ReadEnvelope(bytes.NewReader(data))
	if err != nil {
		w.logger.Warn(ctx, "Extraction worker: unable to parse email",
			"task_id", task.ID().String(), "file", name, "error", err)
		span.RecordError(err)
		report.SetStatus(triage.StatusWarn)
		report.AddDetail("Warning", fmt.Sprintf("Unable to extract %s: %s.", name, err))
		return w.converge(ctx, task, report, nil)
	}

	// Inline parts and loosely attached ones are as dangerous as proper
	// attachments; take them all.
	parts := make([]*enmime.Part, 0, len(env.Attachments)+len(env.Inlines)+len(env.OtherParts))
	parts = append(parts, env.Attachments...)
	parts = append(parts, env.Inlines...)
	parts = append(parts, env.OtherParts...)
	if len(parts) == 0 {
		report.SetStatus(triage.StatusNotApplicable)
		return nil
	}
	span.SetAttributes(attribute.Int("attachments", len(parts)))

	payloads := make([]payload, 0, len(parts))
	for i, part := range parts {
		if len(payloads) >= w.cfg.MaxFiles {
			w.overflow(report, fmt.Sprintf("Too many attachments (%d), stopping at %d.", len(parts), w.cfg.MaxFiles))
			break
		}
		pname := partName(part, i)
		if int64(len(part.Content)) > w.cfg.MaxSizeBytes {
			w.skipTooBig(report, pname, int64(len(part.Content)))
			continue
		}
		payloads = append(payloads, payload{name: pname, data: part.Content})
	}
	w.metrics.IncExtractedFiles(ctx, len(payloads))

	children, err := w.spawn(ctx, task, report, payloads)
	if err != nil {
		return err
	}
	return w.converge(ctx, task, report, children)
}

func partName(p *enmime.Part, i int) string {
	if p.FileName != "" {
		return filepath.Base(p.FileName)
	}
	return fmt.Sprintf("attachment_%d", i+1)
}
