package backtesthttp

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"backcast/internal/backtest"
	"backcast/internal/datasource"
	"backcast/internal/strategy"

	"github.com/gin-gonic/gin"
)

// Server 提供回测相关的 HTTP API。
type Server struct {
	addr     string
	svc      *backtest.Service
	resolver *datasource.Resolver
	registry *strategy.Registry
	router   *gin.Engine
}

// Config 描述回测 HTTP Server 的依赖。
type Config struct {
	Addr         string
	Svc          *backtest.Service
	Resolver     *datasource.Resolver
	Registry     *strategy.Registry
	ArtifactsDir string
}

// NewServer 构建回测 HTTP Server。
func NewServer(cfg Config) (*Server, error) {
	if cfg.Svc == nil {
		return nil, errors.New("service 不能为空")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9992"
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.ArtifactsDir != "" {
		router.Static("/artifacts", cfg.ArtifactsDir)
	}
	s := &Server{
		addr:     cfg.Addr,
		svc:      cfg.Svc,
		resolver: cfg.Resolver,
		registry: cfg.Registry,
		router:   router,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	api := s.router.Group("/api/backtest")
	api.POST("/runs", s.handleRunSubmit)
	api.GET("/runs", s.handleRunList)
	api.GET("/runs/:id", s.handleRunDetail)
	api.GET("/runs/:id/fills", s.handleRunFills)
	api.GET("/runs/:id/equity", s.handleRunEquity)
	api.GET("/bars", s.handleBars)
	api.GET("/strategies", s.handleStrategies)
}

func (s *Server) handleRunSubmit(c *gin.Context) {
	var req backtest.RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rec, err := s.svc.Submit(c.Request.Context(), req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"run": rec})
}

func (s *Server) handleRunList(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	runs, err := s.svc.ListRuns(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (s *Server) handleRunDetail(c *gin.Context) {
	run, err := s.svc.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"run": run})
}

func (s *Server) handleRunFills(c *gin.Context) {
	fills, err := s.svc.ListFills(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"fills": fills})
}

func (s *Server) handleRunEquity(c *gin.Context) {
	points, err := s.svc.ListEquity(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"equity": points})
}

// handleBars 直接走数据层，方便在提交回测前预览数据覆盖情况。
func (s *Server) handleBars(c *gin.Context) {
	if s.resolver == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "数据层未启用"})
		return
	}
	symbol := c.Query("symbol")
	tf := c.Query("timeframe")
	if symbol == "" || tf == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol/timeframe 必填"})
		return
	}
	req := datasource.Request{
		Source:    c.DefaultQuery("source", datasource.SourceAuto),
		Symbol:    symbol,
		Timeframe: tf,
		Start:     c.Query("start"),
		End:       c.Query("end"),
		Adjusted:  c.DefaultQuery("adjusted", "true") == "true",
	}
	bars, err := s.resolver.Resolve(c.Request.Context(), req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"bars": bars, "count": len(bars)})
}

func (s *Server) handleStrategies(c *gin.Context) {
	if s.registry == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "策略注册表未启用"})
		return
	}
	names := s.registry.Names()
	out := make([]gin.H, 0, len(names))
	for _, name := range names {
		meta, schema, err := s.registry.Describe(name)
		if err != nil {
			continue
		}
		out = append(out, gin.H{"meta": meta, "schema": schema})
	}
	c.JSON(http.StatusOK, gin.H{"strategies": out})
}

// Handler 暴露底层路由，测试用。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start 启动 HTTP 服务，阻塞直到 ctx 取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
