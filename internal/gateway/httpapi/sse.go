package httpapi

import (
	"context"
	"log/slog"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/repocheck/internal/pipeline"
	"github.com/jkaninda/repocheck/internal/verify"
)

// SSE event names.
const (
	EventStep   = "step"
	EventReport = "report"
)

// handleVerifyStream handles POST /v1/verify/stream: one "step" event per
// recorded step, then a final "report" event.
func (g *Gateway) handleVerifyStream(c *okapi.Context) error {
	if err := g.allow(c); err != nil {
		return err
	}
	var req verify.Request
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}

	g.logger.Info("http verify stream",
		slog.String("client", c.GetString("clientID")),
		slog.String("repo_url", req.RepoURL),
	)
	streamVerify(c.Context(), g.verifier, req, func(event string, data any) {
		c.SSEvent(event, data)
	})
	return nil
}

// streamVerify runs a verification and emits every step as it is recorded.
// The observer runs on the verifying goroutine, so emit is never called
// concurrently.
func streamVerify(ctx context.Context, v Verifier, req verify.Request, emit func(event string, data any)) *pipeline.Report {
	report := v.Verify(ctx, req, func(s pipeline.StepRecord) {
		emit(EventStep, s)
	})
	emit(EventReport, report)
	return report
}
