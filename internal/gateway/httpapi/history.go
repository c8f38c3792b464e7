package httpapi

import (
	"errors"
	"net/http"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/repocheck/internal/storage"
)

func (g *Gateway) handleReports(c *okapi.Context) error {
	key := c.Param("key")
	if err := validKey(key); err != nil {
		return c.AbortBadRequest(err.Error())
	}
	limit, err := parseLimit(c.Request().URL.Query().Get("limit"))
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}
	reports, err := g.history.ListByKey(c.Context(), key, limit)
	if err != nil {
		return g.historyError(c, err)
	}
	return c.OK(reports)
}

func (g *Gateway) handleLatest(c *okapi.Context) error {
	key := c.Param("key")
	if err := validKey(key); err != nil {
		return c.AbortBadRequest(err.Error())
	}
	report, err := g.history.Latest(c.Context(), key)
	if err != nil {
		return g.historyError(c, err)
	}
	return c.OK(report)
}

func (g *Gateway) handleRun(c *okapi.Context) error {
	report, err := g.history.Run(c.Context(), c.Param("id"))
	if err != nil {
		return g.historyError(c, err)
	}
	return c.OK(report)
}

func (g *Gateway) handleKeys(c *okapi.Context) error {
	keys, err := g.history.Keys(c.Context(), c.Request().URL.Query().Get("repo_url"))
	if err != nil {
		return g.historyError(c, err)
	}
	return c.OK(keys)
}

// historyError maps store errors to appropriate HTTP responses.
func (g *Gateway) historyError(c *okapi.Context, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return c.JSON(http.StatusNotFound, okapi.M{"error": "report not found"})
	}
	g.logger.Error("history query failed", "error", err.Error())
	return c.AbortInternalServerError("history query failed")
}
