// Package webhook exposes the inbound signal channel over HTTP. The handler is
// a thin shim: decode, stamp the user, hand off to the signal pipeline and map
// the error taxonomy to status codes.
package webhook

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"signalpilot/internal/domain"
	"signalpilot/internal/ports"
)

// SignalProcessor is the part of the application the webhook depends on.
type SignalProcessor interface {
	ProcessSignal(ctx context.Context, sig *domain.Signal) (*domain.SignalResult, error)
}

// Handler serves the webhook endpoints.
type Handler struct {
	processor SignalProcessor
	logger    ports.Logger
	tokens    map[string]string // webhook token -> user id
}

// Config holds configuration for the webhook handler.
type Config struct {
	Processor SignalProcessor
	Logger    ports.Logger
	// Tokens maps opaque route tokens to user ids. An unknown token is a 404;
	// the empty map rejects everything.
	Tokens map[string]string
}

// New creates a webhook handler.
func New(cfg Config) (*Handler, error) {
	if cfg.Processor == nil || cfg.Logger == nil {
		return nil, errors.New("processor and logger are required for webhook handler")
	}
	return &Handler{
		processor: cfg.Processor,
		logger:    cfg.Logger,
		tokens:    cfg.Tokens,
	}, nil
}

// signalRequest is the wire format of an inbound signal.
type signalRequest struct {
	Signal     string  `json:"signal" binding:"required"`
	Symbol     string  `json:"symbol" binding:"required"`
	ID         string  `json:"id"`
	Percentage float64 `json:"percentage"`
}

type signalResponse struct {
	Action     string `json:"action"`
	PositionID string `json:"position_id,omitempty"`
	Quantity   string `json:"quantity,omitempty"`
	Closed     int    `json:"closed,omitempty"`
	Failed     int    `json:"failed,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// Router builds the gin engine with the webhook routes mounted.
func (h *Handler) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.POST("/webhook/:token", h.handleSignal)
	return router
}

func (h *Handler) handleSignal(c *gin.Context) {
	userID, ok := h.tokens[c.Param("token")]
	if !ok {
		c.JSON(http.StatusNotFound, errorResponse{Error: "unknown webhook token", Kind: "not_found"})
		return
	}

	var req signalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error(), Kind: "validation"})
		return
	}

	kind, ok := domain.ParseSignalKind(req.Signal)
	if !ok {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "unsupported signal keyword: " + req.Signal, Kind: "validation"})
		return
	}

	sig := &domain.Signal{
		Kind:          kind,
		Symbol:        req.Symbol,
		CorrelationID: req.ID,
		Percentage:    req.Percentage,
		UserID:        userID,
		ReceivedAt:    time.Now().UTC(),
	}

	result, err := h.processor.ProcessSignal(c.Request.Context(), sig)
	if err != nil {
		status, kindName := classify(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error(c.Request.Context(), err, "Signal processing failed", map[string]interface{}{
				"userID": userID, "symbol": req.Symbol, "signal": req.Signal,
			})
		}
		c.JSON(status, errorResponse{Error: err.Error(), Kind: kindName})
		return
	}

	c.JSON(http.StatusOK, toResponse(result))
}

func toResponse(result *domain.SignalResult) signalResponse {
	resp := signalResponse{
		Action: string(result.Action),
		Closed: len(result.Closed),
		Failed: len(result.Failed),
	}
	if result.Position != nil {
		resp.PositionID = result.Position.ID
		resp.Quantity = result.Position.Quantity.String()
	}
	return resp
}

// classify maps the error taxonomy onto HTTP status codes.
func classify(err error) (int, string) {
	var (
		vErr      *domain.ValidationError
		npErr     *domain.NoPositionError
		haltErr   *domain.RiskHaltError
		exhausted *domain.QuantityAdjustmentExhausted
		execErr   *domain.ExecutionError
	)
	switch {
	case errors.As(err, &vErr):
		return http.StatusBadRequest, "validation"
	case errors.As(err, &npErr):
		return http.StatusNotFound, "no_positions_found"
	case errors.As(err, &haltErr):
		return http.StatusForbidden, "risk_halt"
	case errors.As(err, &exhausted):
		return http.StatusUnprocessableEntity, "quantity_exhausted"
	case errors.As(err, &execErr):
		return http.StatusBadGateway, "execution"
	default:
		return http.StatusInternalServerError, "internal"
	}
}
