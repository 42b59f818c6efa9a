package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"ecg-relay/internal/cache"
	"ecg-relay/internal/database"
	"ecg-relay/internal/dispatch"
	"ecg-relay/internal/models"
	"ecg-relay/internal/recordlog"
	"ecg-relay/internal/session"
	"ecg-relay/internal/upload"
)

// SessionControl starts and stops captures
type SessionControl interface {
	Start(ctx context.Context) error
	Stop(reason string)
	Status() models.CaptureStatus
}

// PipelineStats exposes upload pipeline counters
type PipelineStats interface {
	Stats() upload.Stats
}

// CaptureHistory lists finished captures and their archived units
type CaptureHistory interface {
	RecentCaptures(ctx context.Context, limit int) ([]database.CaptureSummary, error)
	CountUnits(ctx context.Context, captureID string) (uint64, error)
}

// Config contains the components exposed over HTTP. Optional fields may
// be nil; their routes then answer 501.
type Config struct {
	Address    string
	Session    SessionControl
	Pipeline   PipelineStats
	Dispatcher *dispatch.Dispatcher
	History    *cache.Ring[models.Unit]
	Records    *recordlog.Log
	Chart      http.HandlerFunc // websocket endpoint
	Captures   CaptureHistory
	Stats      map[string]func() any // extra sections for /api/status
	Logger     *slog.Logger
}

// WebServer serves the status API and the chart websocket
type WebServer struct {
	config Config
	logger *slog.Logger
	server *http.Server
}

// NewWebServer creates a new web server with the provided configuration
func NewWebServer(config Config) *WebServer {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	ws := &WebServer{
		config: config,
		logger: config.Logger,
	}
	ws.server = &http.Server{
		Addr:              config.Address,
		Handler:           ws.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return ws
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (ws *WebServer) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		ws.logger.Info("WebServer: listening", "addr", ws.config.Address)
		if err := ws.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	ws.logger.Info("WebServer: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := ws.server.Shutdown(shutdownCtx); err != nil {
		ws.logger.Warn("WebServer: shutdown error, forcing close", "error", err)
		if err := ws.server.Close(); err != nil {
			ws.logger.Warn("WebServer: force close error", "error", err)
		}
	}
	return nil
}

// Handler returns the route table
func (ws *WebServer) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", ws.handleHealth)
	mux.HandleFunc("GET /api/status", ws.handleStatus)
	mux.HandleFunc("GET /api/pipeline", ws.handlePipeline)
	mux.HandleFunc("GET /api/history", ws.handleHistory)
	mux.HandleFunc("GET /api/records", ws.handleRecords)
	mux.HandleFunc("DELETE /api/records", ws.handleClearRecords)
	mux.HandleFunc("GET /api/records/export", ws.handleExportRecords)
	mux.HandleFunc("GET /api/session", ws.handleSession)
	mux.HandleFunc("POST /api/session/start", ws.handleSessionStart)
	mux.HandleFunc("POST /api/session/stop", ws.handleSessionStop)
	mux.HandleFunc("GET /api/captures", ws.handleCaptures)
	mux.HandleFunc("GET /api/captures/{id}/units", ws.handleCaptureUnits)
	mux.HandleFunc("GET /ws", ws.handleChart)

	return mux
}

func (ws *WebServer) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		ws.logger.Warn("WebServer: failed to write response", "error", err)
	}
}

func (ws *WebServer) writeJSONError(w http.ResponseWriter, status int, msg string) {
	ws.writeJSON(w, status, map[string]string{"error": msg})
}

// limitParam reads ?limit=, falling back to def for missing or bad values
func limitParam(r *http.Request, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	ws.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (ws *WebServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{}
	if ws.config.Pipeline != nil {
		status["pipeline"] = ws.config.Pipeline.Stats()
	}
	if ws.config.Dispatcher != nil {
		status["dispatcher"] = ws.config.Dispatcher.Stats()
	}
	if ws.config.Session != nil {
		status["session"] = ws.config.Session.Status()
	}
	for name, fn := range ws.config.Stats {
		status[name] = fn()
	}
	ws.writeJSON(w, http.StatusOK, status)
}

func (ws *WebServer) handlePipeline(w http.ResponseWriter, r *http.Request) {
	if ws.config.Pipeline == nil {
		ws.writeJSONError(w, http.StatusNotImplemented, "no upload pipeline configured")
		return
	}
	ws.writeJSON(w, http.StatusOK, ws.config.Pipeline.Stats())
}

func (ws *WebServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	if ws.config.Dispatcher == nil {
		ws.writeJSONError(w, http.StatusNotImplemented, "no dispatcher configured")
		return
	}
	ws.writeJSON(w, http.StatusOK, ws.config.Dispatcher.History(limitParam(r, 100)))
}

func (ws *WebServer) handleRecords(w http.ResponseWriter, r *http.Request) {
	if ws.config.Records == nil {
		ws.writeJSONError(w, http.StatusNotImplemented, "no record log configured")
		return
	}
	ws.writeJSON(w, http.StatusOK, ws.config.Records.Records(limitParam(r, 0)))
}

// handleClearRecords empties the record list and the shared unit history
func (ws *WebServer) handleClearRecords(w http.ResponseWriter, r *http.Request) {
	if ws.config.Records == nil {
		ws.writeJSONError(w, http.StatusNotImplemented, "no record log configured")
		return
	}
	ws.config.Records.Clear()
	if ws.config.History != nil {
		ws.config.History.Reset()
	}
	ws.logger.Info("WebServer: records cleared")
	w.WriteHeader(http.StatusNoContent)
}

func (ws *WebServer) handleExportRecords(w http.ResponseWriter, r *http.Request) {
	if ws.config.Records == nil {
		ws.writeJSONError(w, http.StatusNotImplemented, "no record log configured")
		return
	}

	var buf bytes.Buffer
	n, err := ws.config.Records.ExportParquet(&buf)
	if err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("export records: %v", err))
		return
	}

	name := fmt.Sprintf("records-%s.parquet", time.Now().UTC().Format("20060102T150405Z"))
	w.Header().Set("Content-Type", "application/vnd.apache.parquet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.Header().Set("X-Record-Count", strconv.Itoa(n))
	w.WriteHeader(http.StatusOK)
	if _, err := buf.WriteTo(w); err != nil {
		ws.logger.Warn("WebServer: failed to write export", "error", err)
	}
}

func (ws *WebServer) handleSession(w http.ResponseWriter, r *http.Request) {
	if ws.config.Session == nil {
		ws.writeJSONError(w, http.StatusNotImplemented, "no capture session configured")
		return
	}
	ws.writeJSON(w, http.StatusOK, ws.config.Session.Status())
}

func (ws *WebServer) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	if ws.config.Session == nil {
		ws.writeJSONError(w, http.StatusNotImplemented, "no capture session configured")
		return
	}

	err := ws.config.Session.Start(r.Context())
	switch {
	case err == nil:
		ws.writeJSON(w, http.StatusOK, ws.config.Session.Status())
	case errors.Is(err, session.ErrAlreadyCapturing), errors.Is(err, session.ErrStartCancelled):
		ws.writeJSONError(w, http.StatusConflict, err.Error())
	default:
		ws.writeJSONError(w, http.StatusBadGateway, err.Error())
	}
}

func (ws *WebServer) handleSessionStop(w http.ResponseWriter, r *http.Request) {
	if ws.config.Session == nil {
		ws.writeJSONError(w, http.StatusNotImplemented, "no capture session configured")
		return
	}
	ws.config.Session.Stop("capture stopped by user")
	ws.writeJSON(w, http.StatusOK, ws.config.Session.Status())
}

func (ws *WebServer) handleCaptures(w http.ResponseWriter, r *http.Request) {
	if ws.config.Captures == nil {
		ws.writeJSONError(w, http.StatusNotImplemented, "no capture archive configured")
		return
	}

	captures, err := ws.config.Captures.RecentCaptures(r.Context(), limitParam(r, 20))
	if err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("recent captures: %v", err))
		return
	}
	ws.writeJSON(w, http.StatusOK, captures)
}

func (ws *WebServer) handleCaptureUnits(w http.ResponseWriter, r *http.Request) {
	if ws.config.Captures == nil {
		ws.writeJSONError(w, http.StatusNotImplemented, "no capture archive configured")
		return
	}

	id := r.PathValue("id")
	count, err := ws.config.Captures.CountUnits(r.Context(), id)
	if err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("count units: %v", err))
		return
	}
	ws.writeJSON(w, http.StatusOK, map[string]any{"capture_id": id, "units": count})
}

func (ws *WebServer) handleChart(w http.ResponseWriter, r *http.Request) {
	if ws.config.Chart == nil {
		ws.writeJSONError(w, http.StatusNotImplemented, "chart streaming disabled")
		return
	}
	ws.config.Chart(w, r)
}
