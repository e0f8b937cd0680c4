// Package handlers provides HTTP handlers for portfolio optimization.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/manujajay/portfolio-optimize/internal/modules/charts"
	"github.com/manujajay/portfolio-optimize/internal/modules/optimization"
	"github.com/manujajay/portfolio-optimize/internal/modules/runs"
)

const maxBodyBytes = 1 << 20

// StreamObserver is notified when frontier streams open and close
type StreamObserver interface {
	StreamOpened()
	StreamClosed()
}

// Handler handles optimizer HTTP requests
type Handler struct {
	service *optimization.OptimizerService
	runs    *runs.Repository
	charts  *charts.Service
	streams StreamObserver
	log     zerolog.Logger
}

// NewHandler creates a new optimizer handler. runsRepo and streams may be nil.
func NewHandler(
	service *optimization.OptimizerService,
	runsRepo *runs.Repository,
	chartsService *charts.Service,
	streams StreamObserver,
	log zerolog.Logger,
) *Handler {
	return &Handler{
		service: service,
		runs:    runsRepo,
		charts:  chartsService,
		streams: streams,
		log:     log.With().Str("handler", "optimizer").Logger(),
	}
}

// HandleOptimize runs a single optimization
// POST /api/optimizer/optimize
func (h *Handler) HandleOptimize(w http.ResponseWriter, r *http.Request) {
	var req optimization.Request
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.service.Optimize(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, "optimize", err)
		return
	}

	h.writeData(w, result)
}

// HandleFrontier computes the efficient frontier
// POST /api/optimizer/frontier
func (h *Handler) HandleFrontier(w http.ResponseWriter, r *http.Request) {
	var req optimization.FrontierRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.service.Frontier(r.Context(), req, nil)
	if err != nil {
		h.writeServiceError(w, "frontier", err)
		return
	}

	h.writeData(w, result)
}

// HandleBacktest optimizes and replays the allocation over its history
// POST /api/optimizer/backtest
func (h *Handler) HandleBacktest(w http.ResponseWriter, r *http.Request) {
	var req optimization.Request
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.service.Backtest(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, "backtest", err)
		return
	}

	h.writeData(w, result)
}

// HandleFrontierChart renders the frontier as a PNG
// POST /api/optimizer/frontier/chart
func (h *Handler) HandleFrontierChart(w http.ResponseWriter, r *http.Request) {
	var req optimization.FrontierRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.service.Frontier(r.Context(), req, nil)
	if err != nil {
		h.writeServiceError(w, "frontier", err)
		return
	}

	png, err := h.charts.RenderFrontier(result)
	if err != nil {
		h.writeChartError(w, err)
		return
	}
	h.writePNG(w, png)
}

// HandleWeightsChart renders the optimal allocation as a PNG
// POST /api/optimizer/weights/chart
func (h *Handler) HandleWeightsChart(w http.ResponseWriter, r *http.Request) {
	var req optimization.Request
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.service.Optimize(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, "optimize", err)
		return
	}

	title := fmt.Sprintf("%s (return %.1f%%, vol %.1f%%)", result.Objective, result.ExpectedReturn*100, result.Volatility*100)
	png, err := h.charts.RenderWeights(title, result.Weights)
	if err != nil {
		h.writeChartError(w, err)
		return
	}
	h.writePNG(w, png)
}

// streamMessage is one frame of the frontier stream
type streamMessage struct {
	Type   string                       `json:"type"` // point, result, error
	Event  *optimization.PointEvent     `json:"event,omitempty"`
	Data   *optimization.FrontierResult `json:"data,omitempty"`
	Error  string                       `json:"error,omitempty"`
	Status int                          `json:"status,omitempty"`
}

// HandleFrontierStream streams frontier points over a WebSocket.
// The client sends one FrontierRequest; the server answers with a "point"
// frame per target, then a "result" or "error" frame, then closes.
// GET /api/optimizer/frontier/stream
func (h *Handler) HandleFrontierStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to accept frontier stream")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "unexpected close")

	if h.streams != nil {
		h.streams.StreamOpened()
		defer h.streams.StreamClosed()
	}

	readCtx, cancelRead := context.WithTimeout(r.Context(), 30*time.Second)
	var req optimization.FrontierRequest
	err = wsjson.Read(readCtx, conn, &req)
	cancelRead()
	if err != nil {
		h.log.Debug().Err(err).Msg("Failed to read frontier stream request")
		conn.Close(websocket.StatusUnsupportedData, "expected a frontier request")
		return
	}

	// CloseRead cancels ctx when the client goes away
	ctx, cancel := context.WithCancel(conn.CloseRead(r.Context()))
	defer cancel()

	result, err := h.service.Frontier(ctx, req, func(ev optimization.PointEvent) {
		if werr := wsjson.Write(ctx, conn, streamMessage{Type: "point", Event: &ev}); werr != nil {
			h.log.Debug().Err(werr).Msg("Frontier stream write failed, cancelling sweep")
			cancel()
		}
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		_ = wsjson.Write(ctx, conn, streamMessage{Type: "error", Error: err.Error(), Status: statusFor(err)})
		conn.Close(websocket.StatusNormalClosure, "")
		return
	}

	if err := wsjson.Write(ctx, conn, streamMessage{Type: "result", Data: result}); err != nil {
		h.log.Debug().Err(err).Msg("Failed to write frontier result")
		return
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

// HandleListRuns lists stored runs, newest first
// GET /api/optimizer/runs?kind=&limit=
func (h *Handler) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		h.writeError(w, http.StatusServiceUnavailable, "run history is disabled")
		return
	}

	filter := runs.ListFilter{Kind: r.URL.Query().Get("kind")}
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 {
			h.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}

	list, err := h.runs.List(r.Context(), filter)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list runs")
		h.writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if list == nil {
		list = []runs.Run{}
	}

	h.writeData(w, list)
}

// HandleGetRun returns a stored run with its decoded payload
// GET /api/optimizer/runs/{id}
func (h *Handler) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		h.writeError(w, http.StatusServiceUnavailable, "run history is disabled")
		return
	}

	id := chi.URLParam(r, "id")
	run, err := h.runs.Get(r.Context(), id)
	if err != nil {
		h.log.Error().Err(err).Str("id", id).Msg("Failed to get run")
		h.writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}
	if run == nil {
		h.writeError(w, http.StatusNotFound, "run not found")
		return
	}

	var payload map[string]interface{}
	if err := run.Decode(&payload); err != nil {
		h.log.Error().Err(err).Str("id", id).Msg("Failed to decode run")
		h.writeError(w, http.StatusInternalServerError, "failed to decode run")
		return
	}

	h.writeData(w, map[string]interface{}{
		"run":    run,
		"result": payload,
	})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// statusFor maps the optimizer error taxonomy onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, optimization.ErrInvalidParameter),
		errors.Is(err, optimization.ErrInsufficientData),
		errors.Is(err, optimization.ErrDegenerateInput),
		errors.Is(err, optimization.ErrAlignment):
		return http.StatusBadRequest
	case errors.Is(err, optimization.ErrInfeasible):
		return http.StatusUnprocessableEntity
	case errors.Is(err, optimization.ErrNotConverged):
		return http.StatusServiceUnavailable
	case errors.Is(err, optimization.ErrDataProvider):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeServiceError(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("operation", op).Msg("Optimizer request failed")
	} else {
		h.log.Debug().Err(err).Str("operation", op).Msg("Optimizer request rejected")
	}
	h.writeError(w, status, err.Error())
}

func (h *Handler) writeChartError(w http.ResponseWriter, err error) {
	if errors.Is(err, charts.ErrNoData) {
		h.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	h.log.Error().Err(err).Msg("Failed to render chart")
	h.writeError(w, http.StatusInternalServerError, "failed to render chart")
}

func (h *Handler) writePNG(w http.ResponseWriter, png []byte) {
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(png)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(png); err != nil {
		h.log.Error().Err(err).Msg("Failed to write chart")
	}
}

func (h *Handler) writeData(w http.ResponseWriter, data interface{}) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": data,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
