// Package api serves the zone monitor over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/kataras/iris/v12"

	"github.com/clalos/stream-zone-monitor/internal/analyzer"
	"github.com/clalos/stream-zone-monitor/internal/capture"
	"github.com/clalos/stream-zone-monitor/internal/config"
	"github.com/clalos/stream-zone-monitor/internal/service"
	"github.com/clalos/stream-zone-monitor/internal/stream"
	"github.com/clalos/stream-zone-monitor/internal/zone"
)

// Query parameter bounds.
const (
	maxResultsLimit       = 100
	defaultStreamResults  = 5
	defaultGlobalResults  = 10
	defaultWindowMinutes  = 60
	defaultRetentionHours = 24
)

// Server is the HTTP front of a Service.
type Server struct {
	svc    *service.Service
	hub    *Hub
	latest *LatestCache
	app    *iris.Application
	logger *slog.Logger
}

// NewServer builds the iris application and registers every route. hub and
// latest must also be registered as pipeline sinks to receive results.
func NewServer(svc *service.Service, hub *Hub, latest *LatestCache, logger *slog.Logger) *Server {
	app := iris.New()
	app.Logger().SetLevel("warn")

	s := &Server{svc: svc, hub: hub, latest: latest, app: app, logger: logger}
	app.UseRouter(s.accessLog)
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.app.Get("/health", s.health)
	s.app.Get("/metrics", iris.FromStd(s.svc.Metrics().Handler()))

	v1 := s.app.Party("/api/v1")
	{
		v1.Get("/streams", s.listStreams)
		v1.Post("/streams", s.createStream)
		v1.Get("/streams/{id}", s.getStream)
		v1.Put("/streams/{id}", s.updateStream)
		v1.Delete("/streams/{id}", s.deleteStream)
		v1.Get("/streams/{id}/status", s.streamStatus)
		v1.Get("/streams/{id}/results", s.streamResults)
		v1.Get("/streams/{id}/latest", s.latestResult)
		v1.Get("/streams/{id}/zones/{zone_id:int}/efficiency", s.zoneEfficiency)
		v1.Get("/streams/{id}/zones/{zone_id:int}/history", s.zoneHistory)
		v1.Get("/streams/{id}/tracks/{track_id:int}/history", s.trackHistory)
		v1.Get("/results", s.results)
		v1.Get("/statistics", s.statistics)
		v1.Post("/maintenance/prune", s.prune)
		v1.Post("/shutdown", s.shutdown)
		v1.Get("/ws/results", s.hub.ServeWS)
	}
}

// Handler builds the router and returns it as an http.Handler.
func (s *Server) Handler() (http.Handler, error) {
	if err := s.app.Build(); err != nil {
		return nil, fmt.Errorf("failed to build http router: %w", err)
	}
	return s.app, nil
}

// Listen serves on addr until Shutdown. A clean shutdown returns nil.
func (s *Server) Listen(addr string) error {
	err := s.app.Listen(addr, iris.WithoutStartupLog, iris.WithoutInterruptHandler)
	if err != nil && !errors.Is(err, iris.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and closes websocket clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.app.Shutdown(ctx)
}

func (s *Server) accessLog(ctx iris.Context) {
	start := time.Now()
	ctx.Next()
	s.logger.Debug("HTTP request",
		"method", ctx.Method(),
		"path", ctx.Path(),
		"status", ctx.GetStatusCode(),
		"duration_ms", time.Since(start).Milliseconds())
}

// createStreamRequest is the body of POST /api/v1/streams.
type createStreamRequest struct {
	StreamID       string            `json:"stream_id"`
	SourceURL      string            `json:"source_url"`
	Name           string            `json:"name"`
	StreamType     string            `json:"stream_type"`
	TargetFPS      int               `json:"target_fps"`
	AutoReconnect  *bool             `json:"auto_reconnect"`
	ReconnectDelay float64           `json:"reconnect_delay"` // seconds
	Zones          []zone.Definition `json:"zones"`
}

// updateStreamRequest is the body of PUT /api/v1/streams/{id}.
type updateStreamRequest struct {
	Name          *string            `json:"name"`
	TargetFPS     *int               `json:"target_fps"`
	AutoReconnect *bool              `json:"auto_reconnect"`
	Zones         *[]zone.Definition `json:"zones"`
}

type streamResponse struct {
	StreamID       string           `json:"stream_id"`
	Name           string           `json:"name"`
	SourceURL      string           `json:"source_url"`
	StreamType     capture.Kind     `json:"stream_type"`
	TargetFPS      int              `json:"target_fps"`
	AutoReconnect  bool             `json:"auto_reconnect"`
	ReconnectDelay float64          `json:"reconnect_delay"`
	Zones          []zone.Rectangle `json:"zones"`
	Status         *stream.Status   `json:"status,omitempty"`
}

func newStreamResponse(info stream.Info, st *stream.Status) streamResponse {
	zones := info.Zones
	if zones == nil {
		zones = []zone.Rectangle{}
	}
	return streamResponse{
		StreamID:       info.ID,
		Name:           info.Name,
		SourceURL:      info.Source,
		StreamType:     info.Kind,
		TargetFPS:      info.TargetFPS,
		AutoReconnect:  info.AutoReconnect,
		ReconnectDelay: info.ReconnectDelay.Seconds(),
		Zones:          zones,
		Status:         st,
	}
}

func (s *Server) health(ctx iris.Context) {
	status := "ok"
	if !s.svc.Running() {
		status = "shutting_down"
		ctx.StatusCode(iris.StatusServiceUnavailable)
	}
	ctx.JSON(iris.Map{"status": status, "websocket_clients": s.hub.Clients()})
}

func (s *Server) listStreams(ctx iris.Context) {
	infos := s.svc.Streams()
	out := make([]streamResponse, 0, len(infos))
	for _, info := range infos {
		var st *stream.Status
		if v, err := s.svc.StreamStatus(info.ID); err == nil {
			st = &v
		}
		out = append(out, newStreamResponse(info, st))
	}
	ctx.JSON(iris.Map{"streams": out, "limits": s.svc.Limits()})
}

func (s *Server) createStream(ctx iris.Context) {
	var req createStreamRequest
	if err := ctx.ReadJSON(&req); err != nil {
		s.badRequest(ctx, "invalid JSON body")
		return
	}
	if req.TargetFPS == 0 {
		req.TargetFPS = config.DefaultTargetFPS
	}
	kind, err := capture.ParseKind(req.StreamType)
	if err != nil {
		s.badRequest(ctx, err.Error())
		return
	}
	rects, err := zone.ResolveAll(req.Zones)
	if err != nil {
		s.writeError(ctx, err)
		return
	}

	cfg := stream.Config{
		ID:             req.StreamID,
		Source:         req.SourceURL,
		Name:           req.Name,
		Kind:           kind,
		TargetFPS:      req.TargetFPS,
		AutoReconnect:  true,
		ReconnectDelay: time.Duration(req.ReconnectDelay * float64(time.Second)),
	}
	if req.AutoReconnect != nil {
		cfg.AutoReconnect = *req.AutoReconnect
	}
	if err := s.svc.AddStream(cfg, rects); err != nil {
		s.writeError(ctx, err)
		return
	}

	s.logger.Info("Stream created via API", "stream_id", cfg.ID, "zones", len(rects))
	info, err := s.svc.Stream(cfg.ID)
	if err != nil {
		s.writeError(ctx, err)
		return
	}
	ctx.StatusCode(iris.StatusCreated)
	ctx.JSON(newStreamResponse(info, nil))
}

func (s *Server) getStream(ctx iris.Context) {
	id := ctx.Params().Get("id")
	info, err := s.svc.Stream(id)
	if err != nil {
		s.writeError(ctx, err)
		return
	}
	var st *stream.Status
	if v, err := s.svc.StreamStatus(id); err == nil {
		st = &v
	}
	ctx.JSON(newStreamResponse(info, st))
}

func (s *Server) updateStream(ctx iris.Context) {
	id := ctx.Params().Get("id")
	var req updateStreamRequest
	if err := ctx.ReadJSON(&req); err != nil {
		s.badRequest(ctx, "invalid JSON body")
		return
	}

	u := stream.Update{Name: req.Name, TargetFPS: req.TargetFPS, AutoReconnect: req.AutoReconnect}
	if req.Zones != nil {
		rects, err := zone.ResolveAll(*req.Zones)
		if err != nil {
			s.writeError(ctx, err)
			return
		}
		u.Zones = &rects
	}
	if err := s.svc.UpdateStream(id, u); err != nil {
		s.writeError(ctx, err)
		return
	}

	info, err := s.svc.Stream(id)
	if err != nil {
		s.writeError(ctx, err)
		return
	}
	ctx.JSON(newStreamResponse(info, nil))
}

func (s *Server) deleteStream(ctx iris.Context) {
	id := ctx.Params().Get("id")
	if err := s.svc.RemoveStream(id); err != nil {
		s.writeError(ctx, err)
		return
	}
	s.latest.Forget(id)
	ctx.JSON(iris.Map{"message": fmt.Sprintf("stream %s removed", id)})
}

func (s *Server) streamStatus(ctx iris.Context) {
	st, err := s.svc.StreamStatus(ctx.Params().Get("id"))
	if err != nil {
		s.writeError(ctx, err)
		return
	}
	ctx.JSON(st)
}

func (s *Server) streamResults(ctx iris.Context) {
	limit, ok := s.limit(ctx, defaultStreamResults)
	if !ok {
		return
	}
	results, err := s.svc.StreamResults(ctx.Params().Get("id"), limit)
	if err != nil {
		s.writeError(ctx, err)
		return
	}
	ctx.JSON(iris.Map{"results": results, "count": len(results)})
}

func (s *Server) latestResult(ctx iris.Context) {
	id := ctx.Params().Get("id")
	if _, err := s.svc.Stream(id); err != nil {
		s.writeError(ctx, err)
		return
	}
	r, ok := s.latest.Latest(id)
	if !ok {
		ctx.StatusCode(iris.StatusNotFound)
		ctx.JSON(iris.Map{"error": "no recent result for stream " + id})
		return
	}
	ctx.JSON(r)
}

func (s *Server) zoneEfficiency(ctx iris.Context) {
	minutes, err := ctx.URLParamInt("minutes")
	if err != nil {
		if ctx.URLParamExists("minutes") {
			s.badRequest(ctx, "minutes must be an integer")
			return
		}
		minutes = defaultWindowMinutes
	}
	eff, err := s.svc.ZoneEfficiency(ctx.Params().Get("id"), ctx.Params().GetIntDefault("zone_id", 0), minutes)
	if err != nil {
		s.writeError(ctx, err)
		return
	}
	ctx.JSON(eff)
}

func (s *Server) zoneHistory(ctx iris.Context) {
	id := ctx.Params().Get("id")
	zoneID := ctx.Params().GetIntDefault("zone_id", 0)
	history, err := s.svc.ZoneStatusHistory(id, zoneID)
	if err != nil {
		s.writeError(ctx, err)
		return
	}
	ctx.JSON(iris.Map{"stream_id": id, "zone_id": zoneID, "history": history})
}

func (s *Server) trackHistory(ctx iris.Context) {
	id := ctx.Params().Get("id")
	trackID := ctx.Params().GetIntDefault("track_id", 0)
	history, err := s.svc.TrackHistory(id, trackID)
	if err != nil {
		s.writeError(ctx, err)
		return
	}
	if history == nil {
		history = []analyzer.MovementEntry{}
	}
	ctx.JSON(iris.Map{"stream_id": id, "track_id": trackID, "history": history})
}

func (s *Server) results(ctx iris.Context) {
	limit, ok := s.limit(ctx, defaultGlobalResults)
	if !ok {
		return
	}
	results := s.svc.LatestResults(limit)
	ctx.JSON(iris.Map{"results": results, "count": len(results)})
}

func (s *Server) statistics(ctx iris.Context) {
	ctx.JSON(s.svc.Statistics())
}

func (s *Server) prune(ctx iris.Context) {
	hours, err := ctx.URLParamInt("retention_hours")
	if err != nil {
		if ctx.URLParamExists("retention_hours") {
			s.badRequest(ctx, "retention_hours must be an integer")
			return
		}
		hours = defaultRetentionHours
	}
	removed, err := s.svc.PruneHistory(time.Duration(hours) * time.Hour)
	if err != nil {
		s.writeError(ctx, err)
		return
	}
	ctx.JSON(iris.Map{"retention_hours": hours, "removed_entries": removed})
}

func (s *Server) shutdown(ctx iris.Context) {
	s.logger.Warn("Shutdown requested via API", "remote_addr", ctx.RemoteAddr())
	go s.svc.Shutdown()
	ctx.StatusCode(iris.StatusAccepted)
	ctx.JSON(iris.Map{"message": "shutdown initiated"})
}

// limit reads the limit query parameter, writing a 400 when it is out of
// range.
func (s *Server) limit(ctx iris.Context, def int) (int, bool) {
	limit := ctx.URLParamIntDefault("limit", def)
	if limit < 1 || limit > maxResultsLimit {
		s.badRequest(ctx, fmt.Sprintf("limit must be between 1 and %d", maxResultsLimit))
		return 0, false
	}
	return limit, true
}

func (s *Server) badRequest(ctx iris.Context, msg string) {
	ctx.StatusCode(iris.StatusBadRequest)
	ctx.JSON(iris.Map{"error": msg})
}

// writeError maps domain errors to status codes.
func (s *Server) writeError(ctx iris.Context, err error) {
	code := statusFor(err)
	if code >= 500 {
		s.logger.Error("Request failed", "path", ctx.Path(), "error", err)
	}
	ctx.StatusCode(code)
	ctx.JSON(iris.Map{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, stream.ErrStreamNotFound), errors.Is(err, service.ErrZoneNotFound):
		return iris.StatusNotFound
	case errors.Is(err, stream.ErrDuplicateStream),
		errors.Is(err, stream.ErrStreamLimit),
		errors.Is(err, stream.ErrZoneLimit),
		errors.Is(err, stream.ErrTotalZoneLimit):
		return iris.StatusConflict
	case errors.Is(err, stream.ErrInvalidConfig),
		errors.Is(err, zone.ErrInvalidZone),
		errors.Is(err, service.ErrInvalidWindow),
		errors.Is(err, service.ErrInvalidRetention):
		return iris.StatusBadRequest
	case errors.Is(err, stream.ErrShuttingDown):
		return iris.StatusServiceUnavailable
	}
	return iris.StatusInternalServerError
}
