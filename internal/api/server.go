// Package api exposes the operator HTTP API of the strategy engine.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tathienbao/stgeng/internal/position"
	"github.com/tathienbao/stgeng/internal/risk"
	"github.com/tathienbao/stgeng/internal/types"
)

// Engine is the part of the engine the API drives. *engine.Engine implements it.
type Engine interface {
	AddStgInst(ctx context.Context, info types.StgInstInfo) error
	ChgStgInst(ctx context.Context, info types.StgInstInfo) error
	RemoveStgInst(ctx context.Context, id types.StgInstID) error
	StgInst(id types.StgInstID) (types.StgInstInfo, bool)
	StgInsts() []types.StgInstInfo
	PublishManualIntervention(ctx context.Context, id types.StgInstID, mi types.ManualIntervention) error

	GetOrderInfo(id types.OrderID) (types.StatusCode, types.OrderInfo)
	QueryPnl(cond, calcCcy, convCcy string) (types.StatusCode, position.PnlResult)
	QuerySpecificNumOfHisMDAfterTs(ctx context.Context, topic string, ts time.Time, num int) (types.StatusCode, []types.HisMDRecord)
	QuerySpecificNumOfHisMDBeforeTs(ctx context.Context, topic string, ts time.Time, num int) (types.StatusCode, []types.HisMDRecord)
	QueryHisMDBetween2Ts(ctx context.Context, topic string, begin, end time.Time) (types.StatusCode, []types.HisMDRecord)

	EnterSafeMode(reason string) bool
	ExitSafeMode() bool
	RiskState() risk.State
}

// Config holds API server settings.
type Config struct {
	Addr string
	// Token is the bearer token required on every request. Empty disables auth.
	Token string
	// StgID fills StgInstInfo.StgID on instances added through the API.
	StgID types.StgID
}

// Server serves the operator API.
type Server struct {
	cfg        Config
	engine     Engine
	logger     *slog.Logger
	router     *gin.Engine
	httpServer *http.Server
}

// NewServer creates the API server and registers its routes.
func NewServer(cfg Config, eng Engine, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))
	if cfg.Token != "" {
		router.Use(bearerAuth(cfg.Token))
	}

	s := &Server{
		cfg:    cfg,
		engine: eng,
		logger: logger,
		router: router,
	}
	s.RegisterRoutes(router)

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// RegisterRoutes binds the handlers to router.
func (s *Server) RegisterRoutes(router *gin.Engine) {
	v1 := router.Group("/v1")
	{
		v1.GET("/stgInst", s.ListStgInsts)
		v1.GET("/stgInst/:id", s.GetStgInst)
		v1.POST("/stgInst", s.AddStgInst)
		v1.PUT("/stgInst/:id", s.ChgStgInst)
		v1.DELETE("/stgInst/:id", s.DelStgInst)
		v1.POST("/stgInst/:id/manualIntervention", s.ManualIntervention)

		v1.GET("/orders/:id", s.GetOrder)
		v1.GET("/pnl", s.QueryPnl)
		v1.GET("/QueryHisMD/:mode/:market/:symbolType/:symbol/:mdType", s.QueryHisMD)

		v1.GET("/safeMode", s.GetSafeMode)
		v1.POST("/safeMode", s.SetSafeMode)
	}
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves in the background.
func (s *Server) Start() error {
	s.logger.Info("starting api server", "addr", s.cfg.Addr, "auth", s.cfg.Token != "")

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server error", "err", err)
		}
	}()

	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down api server")
	return s.httpServer.Shutdown(ctx)
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("api request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"client", c.ClientIP(),
		)
	}
}

func bearerAuth(token string) gin.HandlerFunc {
	want := []byte("Bearer " + token)
	return func(c *gin.Context) {
		got := []byte(strings.TrimSpace(c.GetHeader("Authorization")))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, Response{Code: -1, Msg: "unauthorized"})
			return
		}
		c.Next()
	}
}
