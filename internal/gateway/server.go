package gateway

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/mgymgy7878/CursorGPT-IDE-sub000/internal/domain"
	"github.com/mgymgy7878/CursorGPT-IDE-sub000/internal/event"
	"github.com/mgymgy7878/CursorGPT-IDE-sub000/internal/executor"
	"github.com/mgymgy7878/CursorGPT-IDE-sub000/internal/storage"
)

// Server exposes the execution layer over a thin JSON API plus a
// server-sent-events feed per execution.
type Server struct {
	engine *gin.Engine
	exec   *executor.Executor
	bus    *event.Bus
}

// NewServer builds the router.
func NewServer(exec *executor.Executor, bus *event.Bus) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		engine: gin.New(),
		exec:   exec,
		bus:    bus,
	}
	s.engine.Use(gin.Recovery())

	api := s.engine.Group("/api/v1")
	api.POST("/executions", s.startExecution)
	api.GET("/executions", s.listExecutions)
	api.GET("/executions/:id", s.getExecution)
	api.POST("/executions/:id/confirm", s.confirmExecution)
	api.POST("/executions/:id/cancel", s.cancelExecution)
	api.GET("/executions/:id/events", s.streamExecution)
	return s
}

// Engine returns the underlying router, for tests and embedding.
func (s *Server) Engine() *gin.Engine { return s.engine }

// Run serves the API until the listener fails.
func (s *Server) Run(addr string) error { return s.engine.Run(addr) }

type startRequest struct {
	StrategyID string          `json:"strategy_id"`
	Mode       string          `json:"mode"`
	Symbol     string          `json:"symbol" binding:"required"`
	Side       string          `json:"side" binding:"required"`
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
}

type confirmRequest struct {
	Approve bool `json:"approve"`
	Execute bool `json:"execute"`
}

type executionResponse struct {
	ID            string          `json:"id"`
	StrategyID    string          `json:"strategy_id,omitempty"`
	Mode          string          `json:"mode"`
	Symbol        string          `json:"symbol"`
	Side          string          `json:"side"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	Status        string          `json:"status"`
	VenueOrderID  int64           `json:"venue_order_id,omitempty"`
	ClientOrderID string          `json:"client_order_id"`
	StartedAt     time.Time       `json:"started_at"`
	EndedAt       *time.Time      `json:"ended_at,omitempty"`
	LastState     string          `json:"last_state,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
}

func toResponse(ex *domain.Execution) executionResponse {
	return executionResponse{
		ID:            ex.ID,
		StrategyID:    ex.StrategyID,
		Mode:          string(ex.Mode),
		Symbol:        ex.Symbol,
		Side:          string(ex.Side),
		Quantity:      ex.Quantity,
		Price:         ex.Price,
		Status:        string(ex.Status),
		VenueOrderID:  ex.VenueOrderID,
		ClientOrderID: ex.ClientOrderID,
		StartedAt:     ex.StartedAt,
		EndedAt:       ex.EndedAt,
		LastState:     ex.LastState,
		ErrorMessage:  ex.ErrorMessage,
	}
}

func (s *Server) startExecution(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ex, err := s.exec.StartExecution(c.Request.Context(), domain.OrderParams{
		StrategyID: req.StrategyID,
		Mode:       domain.Mode(req.Mode),
		Symbol:     req.Symbol,
		Side:       domain.Side(req.Side),
		Quantity:   req.Quantity,
		Price:      req.Price,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, toResponse(ex))
}

func (s *Server) confirmExecution(c *gin.Context) {
	var req confirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ex, err := s.exec.ConfirmExecution(c.Request.Context(), c.Param("id"), req.Approve, req.Execute)
	if err != nil {
		s.writeExecError(c, err)
		return
	}
	c.JSON(http.StatusOK, toResponse(ex))
}

func (s *Server) cancelExecution(c *gin.Context) {
	ex, err := s.exec.CancelExecution(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeExecError(c, err)
		return
	}
	c.JSON(http.StatusOK, toResponse(ex))
}

func (s *Server) getExecution(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	ex, err := s.exec.GetExecution(ctx, id)
	if err != nil {
		s.writeExecError(c, err)
		return
	}
	trades, err := s.exec.GetExecutionTrades(ctx, id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"execution": toResponse(ex), "trades": trades})
}

func (s *Server) listExecutions(c *gin.Context) {
	var statuses []domain.Status
	if raw := c.Query("status"); raw != "" {
		statuses = append(statuses, domain.Status(raw))
	}

	list, err := s.exec.ListExecutions(c.Request.Context(), statuses...)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]executionResponse, 0, len(list))
	for _, ex := range list {
		out = append(out, toResponse(ex))
	}
	c.JSON(http.StatusOK, gin.H{"executions": out})
}

func (s *Server) writeExecError(c *gin.Context, err error) {
	var riskErr *executor.RiskError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, storage.ErrStatusConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.As(err, &riskErr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":       "risk check rejected the order",
			"violations":  riskErr.Result.Violations,
			"suggestions": riskErr.Result.Suggestions,
			"risk_level":  riskErr.Result.RiskLevel,
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
