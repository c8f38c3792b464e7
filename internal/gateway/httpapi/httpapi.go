// Package httpapi implements the HTTP API for repocheck.
//
// Security:
//   - API key authentication on /v1 (constant-time comparison); no keys configured = open
//   - Request body size limits (default 1 MB)
//   - Per-client rate limiting via token bucket
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/repocheck/internal/observability"
	"github.com/jkaninda/repocheck/internal/pipeline"
	"github.com/jkaninda/repocheck/internal/ratelimit"
	"github.com/jkaninda/repocheck/internal/sandboxkey"
	"github.com/jkaninda/repocheck/internal/storage"
	"github.com/jkaninda/repocheck/internal/verify"
)

const (
	defaultMaxRequestSize = 1 << 20 // 1 MB
	maxListLimit          = 200
)

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	APIKeys        []string // Accepted bearer tokens. Empty = no authentication.
	MaxRequestSize int64    // Maximum request body in bytes. 0 = 1 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Verifier runs one verification.
type Verifier interface {
	Verify(ctx context.Context, req verify.Request, observer pipeline.Observer) *pipeline.Report
}

// History is the read side of the report store.
type History interface {
	Run(ctx context.Context, runID string) (*pipeline.Report, error)
	ListByKey(ctx context.Context, key string, limit int) ([]*pipeline.Report, error)
	Latest(ctx context.Context, key string) (*pipeline.Report, error)
	Keys(ctx context.Context, repoURL string) ([]storage.KeySummary, error)
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config   Config
	verifier Verifier
	history  History // nil = history endpoints disabled.
	limiter  *ratelimit.Limiter
	logger   *slog.Logger
	server   *http.Server

	okapi *okapi.Okapi
	group *okapi.Group
}

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, v Verifier, history History, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	size := cfg.MaxRequestSize
	if size <= 0 {
		size = defaultMaxRequestSize
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Gateway{
		config:   cfg,
		verifier: v,
		history:  history,
		limiter:  rl,
		logger:   logger,
		okapi:    okapi.New(okapi.WithMaxMultipartMemory(size)),
	}
}

// WithOpenAPIDocs serves the generated OpenAPI documentation.
func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "repocheck",
			Version: "v1",
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	g.group = g.okapi.Group("/v1", g.authenticate)

	g.group.Post("/verify", g.handleVerify,
		okapi.DocSummary("Verify a repository and return the report"),
		okapi.DocTags("Verify"),
		okapi.DocRequestBody(verify.Request{}),
		okapi.DocResponse(pipeline.Report{}),
		okapi.DocResponse(http.StatusBadRequest, pipeline.Report{}),
		okapi.DocResponse(http.StatusConflict, pipeline.Report{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Post("/verify/stream", g.handleVerifyStream,
		okapi.DocSummary("Verify a repository, streaming step records via SSE"),
		okapi.DocTags("Verify"),
		okapi.DocRequestBody(verify.Request{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)

	if g.history != nil {
		g.group.Get("/reports/{key}", g.handleReports,
			okapi.DocSummary("List reports for a sandbox key, newest first"),
			okapi.DocTags("History"),
			okapi.DocPathParam("key", "string", "Sandbox key"),
			okapi.DocResponse([]pipeline.Report{}),
			okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		)
		g.group.Get("/reports/{key}/latest", g.handleLatest,
			okapi.DocSummary("Get the newest report for a sandbox key"),
			okapi.DocTags("History"),
			okapi.DocPathParam("key", "string", "Sandbox key"),
			okapi.DocResponse(pipeline.Report{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		)
		g.group.Get("/runs/{id}", g.handleRun,
			okapi.DocSummary("Get a report by run ID"),
			okapi.DocTags("History"),
			okapi.DocPathParam("id", "string", "Run ID (UUID)"),
			okapi.DocResponse(pipeline.Report{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		)
		g.group.Get("/keys", g.handleKeys,
			okapi.DocSummary("List sandbox keys with stored history"),
			okapi.DocTags("History"),
			okapi.DocResponse([]storage.KeySummary{}),
		)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// No WriteTimeout: a verification may run for the whole install timeout.
		IdleTimeout: 120 * time.Second,
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Verify ---

func (g *Gateway) handleVerify(c *okapi.Context) error {
	if err := g.allow(c); err != nil {
		return err
	}
	var req verify.Request
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}

	g.logger.Info("http verify",
		slog.String("client", c.GetString("clientID")),
		slog.String("repo_url", req.RepoURL),
		slog.String("ref", req.Ref),
	)
	report := g.verifier.Verify(c.Context(), req, nil)
	return c.JSON(reportStatus(report), report)
}

// --- Health ---

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness endpoint
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

// authenticate validates the bearer token and stores a client ID for rate limiting.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		if len(g.config.APIKeys) == 0 {
			c.Set("clientID", remoteHost(c.Request().RemoteAddr))
			return next(c)
		}
		clientID, err := authorize(c.Header("Authorization"), g.config.APIKeys)
		if err != nil {
			return c.AbortUnauthorized(err.Error())
		}
		c.Set("clientID", clientID)
		return next(c)
	}
}

func (g *Gateway) allow(c *okapi.Context) error {
	if g.limiter == nil {
		return nil
	}
	if err := g.limiter.Allow(c.GetString("clientID")); err != nil {
		return c.AbortTooManyRequests("rate limit exceeded")
	}
	return nil
}

// --- Helpers ---

var (
	errMissingAuth = errors.New("missing or invalid Authorization header")
	errInvalidKey  = errors.New("invalid API key")
)

// authorize checks a bearer header against the accepted keys and returns a
// stable, non-secret client ID for the matching key.
func authorize(header string, keys []string) (string, error) {
	if !strings.HasPrefix(header, "Bearer ") {
		return "", errMissingAuth
	}
	token := strings.TrimPrefix(header, "Bearer ")
	matched := false
	for _, key := range keys {
		if subtle.ConstantTimeCompare([]byte(token), []byte(key)) == 1 {
			matched = true
		}
	}
	if !matched || token == "" {
		return "", errInvalidKey
	}
	sum := sha256.Sum256([]byte(token))
	return "key-" + hex.EncodeToString(sum[:4]), nil
}

// reportStatus maps a report to its HTTP status. Failed verifications are
// still successful requests; only rejected input and lock contention differ.
func reportStatus(r *pipeline.Report) int {
	if r.Failure == nil {
		return http.StatusOK
	}
	switch r.Failure.Kind {
	case pipeline.FailureInput:
		return http.StatusBadRequest
	case pipeline.FailureLocked:
		return http.StatusConflict
	default:
		return http.StatusOK
	}
}

// parseLimit reads the limit query parameter.
func parseLimit(raw string) (int, error) {
	if raw == "" {
		return storage.DefaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("limit must be a positive integer")
	}
	return min(n, maxListLimit), nil
}

// validKey rejects path keys that could never have been produced by the resolver.
func validKey(key string) error {
	if !sandboxkey.Valid(key) {
		return fmt.Errorf("invalid sandbox key %q", key)
	}
	return nil
}

func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
