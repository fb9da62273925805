package observer

import (
	"context"
	"time"

	polos "github.com/polos-ai/polos-go"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// WrapHandler returns a handler that emits a span, metrics, and a log record
// around each invocation. Suspensions are counted under their own status and
// not recorded as failures; the runtime resumes them later.
func WrapHandler(workflowID string, h polos.Handler, inst *Instruments) polos.Handler {
	return func(ctx context.Context, step *polos.Step, payload any) (any, error) {
		ctx, span := inst.Tracer.Start(ctx, "handler.execute", trace.WithAttributes(
			AttrWorkflowID.String(workflowID),
		))
		defer span.End()
		start := time.Now()

		result, err := h(ctx, step, payload)

		durationMs := float64(time.Since(start).Milliseconds())
		status := "ok"
		switch {
		case polos.IsWaitError(err):
			status = "suspended"
		case err != nil:
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}

		span.SetAttributes(AttrHandlerStatus.String(status))

		inst.HandlerExecutions.Add(ctx, 1, metric.WithAttributes(
			AttrWorkflowID.String(workflowID),
			attribute.String("status", status),
		))
		inst.HandlerDuration.Record(ctx, durationMs, metric.WithAttributes(
			AttrWorkflowID.String(workflowID),
		))

		// Structured log
		var rec otellog.Record
		rec.SetSeverity(otellog.SeverityInfo)
		rec.SetBody(otellog.StringValue("handler completed"))
		rec.AddAttributes(
			otellog.String("workflow.id", workflowID),
			otellog.String("handler.status", status),
			otellog.Float64("handler.duration_ms", durationMs),
		)
		inst.Logger.Emit(ctx, rec)

		return result, err
	}
}
