// Package api exposes the session listing surface over HTTP.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/vaultbridge/vault-bridge/internal/sessionstore"
)

type Server struct {
	echo  *echo.Echo
	store *sessionstore.Store
	log   *slog.Logger
}

func NewServer(store *sessionstore.Store, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		echo:  echo.New(),
		store: store,
		log:   log.With("component", "api"),
	}
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.Use(middleware.Recover())

	s.echo.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	g := s.echo.Group("/api/v1/projects/:project")
	g.GET("/sessions", s.listSessions)
	g.GET("/sessions/:id", s.getSession)
	g.DELETE("/sessions/:id", s.deleteSession)

	return s
}

// Handler exposes the underlying mux for in-process tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

type listSessionsResponse struct {
	Data []sessionstore.Session `json:"data"`
	// Cursor resumes the listing; null when no further page exists.
	Cursor *string `json:"cursor"`
}

func (s *Server) listSessions(c echo.Context) error {
	project := strings.TrimSpace(c.Param("project"))
	if project == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing project")
	}

	limit := 0
	if raw := strings.TrimSpace(c.QueryParam("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		limit = n
	}

	records, next, err := s.store.ListSessions(c.Request().Context(), project, limit, c.QueryParam("cursor"))
	if err != nil {
		if errors.Is(err, sessionstore.ErrInvalidCursor) {
			// A bad cursor is the client's mistake; never silently restart
			// the listing from page one.
			return echo.NewHTTPError(http.StatusBadRequest, "invalid cursor")
		}
		s.log.Error("list sessions failed", "project", project, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "storage error")
	}
	if records == nil {
		records = []sessionstore.Session{}
	}

	resp := listSessionsResponse{Data: records}
	if next != "" {
		resp.Cursor = &next
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) getSession(c echo.Context) error {
	project := strings.TrimSpace(c.Param("project"))
	id := strings.TrimSpace(c.Param("id"))
	if project == "" || id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing project or session id")
	}

	sess, err := s.store.GetSession(c.Request().Context(), project, id)
	if err != nil {
		if errors.Is(err, sessionstore.ErrSessionNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "session not found")
		}
		s.log.Error("get session failed", "project", project, "session_id", id, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "storage error")
	}
	return c.JSON(http.StatusOK, sess)
}

func (s *Server) deleteSession(c echo.Context) error {
	project := strings.TrimSpace(c.Param("project"))
	id := strings.TrimSpace(c.Param("id"))
	if project == "" || id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing project or session id")
	}

	if err := s.store.DeleteSession(c.Request().Context(), project, id); err != nil {
		if errors.Is(err, sessionstore.ErrSessionNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "session not found")
		}
		s.log.Error("delete session failed", "project", project, "session_id", id, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "storage error")
	}
	return c.NoContent(http.StatusNoContent)
}
