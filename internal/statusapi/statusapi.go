// Package statusapi serves the read-only status HTTP API: latest report
// metadata, report downloads, and run status lookups.
package statusapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/scenesync/scenesync/pkg/reconcile"
	"github.com/scenesync/scenesync/pkg/reconcile/report"
	"github.com/scenesync/scenesync/pkg/reconcile/types/id"
)

var log = logging.Logger("scenesync/statusapi")

type Server struct {
	e   *echo.Echo
	api reconcile.API
}

func New(api reconcile.API) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{e: e, api: api}
	e.GET("/healthz", s.health)
	e.GET("/api/reports/latest", s.latestReport)
	e.GET("/api/reports/:id", s.downloadReport)
	e.GET("/api/runs/:id", s.runStatus)
	return s
}

// Start serves until Shutdown or a listener error.
func (s *Server) Start(addr string) error {
	log.Infow("status API listening", "addr", addr)
	return s.e.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.e.Shutdown(ctx)
}

// Handler exposes the route set for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.e
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

type reportInfo struct {
	ReportID     string `json:"report_id"`
	Kind         string `json:"kind"`
	ForcedUpdate bool   `json:"forced_update"`
}

func (s *Server) latestReport(c echo.Context) error {
	kind := report.Kind(c.QueryParam("kind"))
	if kind == "" {
		kind = report.KindGap
	}
	if kind != report.KindGap && kind != report.KindArchival {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unknown report kind %q", kind))
	}

	reportID, err := s.api.LatestReport(c.Request().Context(), kind, c.QueryParam("product"))
	if err != nil {
		return err
	}
	if reportID == "" {
		return echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("no %s report found", kind))
	}
	return c.JSON(http.StatusOK, reportInfo{
		ReportID:     reportID,
		Kind:         string(kind),
		ForcedUpdate: report.IsForcedUpdate(reportID),
	})
}

func (s *Server) downloadReport(c echo.Context) error {
	reportID := c.Param("id")
	// report IDs are bare file names; anything with a separator is not one
	if strings.ContainsAny(reportID, "/\\") || strings.Contains(reportID, "..") {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid report ID")
	}
	return c.Attachment(s.api.Reports.Path(reportID), reportID)
}

type runInfo struct {
	ID       string    `json:"id"`
	Product  string    `json:"product"`
	Stage    string    `json:"stage"`
	Mode     string    `json:"mode"`
	ReportID string    `json:"report_id,omitempty"`
	Error    string    `json:"error,omitempty"`
	Created  time.Time `json:"created_at"`
	Updated  time.Time `json:"updated_at"`
}

func (s *Server) runStatus(c echo.Context) error {
	runID, err := id.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid run ID: %s", err))
	}
	run, err := s.api.GetRunByID(c.Request().Context(), runID)
	if err != nil {
		return err
	}
	if run == nil {
		return echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("no run with ID %s", runID))
	}

	info := runInfo{
		ID:       run.ID().String(),
		Product:  run.Product(),
		Stage:    string(run.Stage()),
		Mode:     string(run.Mode()),
		ReportID: run.ReportID(),
		Created:  run.CreatedAt(),
		Updated:  run.UpdatedAt(),
	}
	if err := run.Error(); err != nil {
		info.Error = err.Error()
	}
	return c.JSON(http.StatusOK, info)
}
