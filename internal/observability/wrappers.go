package observability

import (
	"context"
	"path/filepath"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/repocheck/internal/sandbox"
)

// --- InstrumentedExecutor ---

// InstrumentedExecutor wraps a sandbox.Executor with metrics and tracing.
type InstrumentedExecutor struct {
	inner   sandbox.Executor
	metrics *MetricsCollector
	tracer  trace.Tracer
}

// NewInstrumentedExecutor wraps an executor with observability.
func NewInstrumentedExecutor(inner sandbox.Executor, metrics *MetricsCollector, ts *TracerSetup) *InstrumentedExecutor {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedExecutor{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
	}
}

func (e *InstrumentedExecutor) Execute(ctx context.Context, req sandbox.Request) sandbox.Result {
	program := programLabel(req.Command)

	var span trace.Span
	if e.tracer != nil {
		ctx, span = e.tracer.Start(ctx, "sandbox.execute",
			trace.WithAttributes(
				attribute.String("sandbox.program", program),
				attribute.String("sandbox.command", strings.Join(req.Command, " ")),
			))
		defer span.End()
	}

	res := e.inner.Execute(ctx, req)

	if span != nil {
		span.SetAttributes(
			attribute.Int("sandbox.exit_code", res.ExitCode),
			attribute.String("sandbox.class", string(res.Class)),
		)
		if !res.OK {
			span.SetStatus(codes.Error, string(res.Class))
		}
	}

	if e.metrics != nil {
		e.metrics.ExecutionsTotal.WithLabelValues(program, string(res.Class)).Inc()
		e.metrics.ExecutionDuration.WithLabelValues(program).Observe(res.Duration.Seconds())
	}

	return res
}

// programLabel keeps metric cardinality bounded: the base name of argv[0],
// plus the subcommand for git ("git clone", "git apply").
func programLabel(command []string) string {
	if len(command) == 0 {
		return "none"
	}
	name := filepath.Base(command[0])
	if name == "git" && len(command) > 1 && !strings.HasPrefix(command[1], "-") {
		return name + " " + command[1]
	}
	return name
}

// --- Compile-time interface checks ---

var _ sandbox.Executor = (*InstrumentedExecutor)(nil)

// statusCode returns the HTTP status code as a string for metric labels.
func statusCode(code int) string {
	return strconv.Itoa(code)
}
