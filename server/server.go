package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"github.com/hatlonely/backo/datasource"
	"github.com/hatlonely/backo/engine"
	"github.com/hatlonely/backo/logx"
	"github.com/hatlonely/backo/record"
)

// Options HTTP 服务配置
type Options struct {
	Host string `yaml:"host" json:"host" toml:"host" def:"0.0.0.0"`
	Port int    `yaml:"port" json:"port" toml:"port" def:"8080"`
}

// Server 对外的 HTTP 层，按 backoffice id 路由到各自的引擎
type Server struct {
	engines map[string]*engine.Engine
	log     logx.Logger
	http    *http.Server
}

// NewServerWithOptions 创建服务，路由在这里一次性注册
func NewServerWithOptions(options *Options, engines map[string]*engine.Engine) *Server {
	s := &Server{
		engines: engines,
		log:     logx.Default().With("component", "server"),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.accessLog())

	router.GET("/health", s.health)
	api := router.Group("/api")
	{
		api.GET("/backoffices", s.listBackoffices)
		api.GET("/:backoffice/:section/:action", s.query)
		api.POST("/:backoffice/:section/:action", s.mutate)
		api.DELETE("/:backoffice/:section/:action/:id", s.delete)
	}

	s.http = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", options.Host, options.Port),
		Handler: router,
	}
	return s
}

// Run 阻塞运行直到 Shutdown 或监听失败
func (s *Server) Run() error {
	s.log.Info("server listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.WithMessage(err, "server failed")
	}
	return nil
}

// Shutdown 平滑关闭，等待存量请求完成
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Info("request finished",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) listBackoffices(c *gin.Context) {
	items := make([]gin.H, 0, len(s.engines))
	for _, eng := range s.engines {
		bo := eng.Backoffice()
		items = append(items, gin.H{
			"id":          bo.ID,
			"name":        bo.Name,
			"description": bo.Description,
		})
	}
	c.JSON(http.StatusOK, gin.H{"backoffices": items})
}

// query GET 查询，page/page_size/offset 之外的查询参数作为过滤条件
func (s *Server) query(c *gin.Context) {
	eng, ok := s.engine(c)
	if !ok {
		return
	}

	params := record.Record{}
	page := &datasource.Pagination{}
	for key, values := range c.Request.URL.Query() {
		if len(values) == 0 {
			continue
		}
		switch key {
		case "page":
			fmt.Sscanf(values[0], "%d", &page.Page)
		case "page_size":
			fmt.Sscanf(values[0], "%d", &page.PageSize)
		case "offset":
			fmt.Sscanf(values[0], "%d", &page.Offset)
		default:
			params[key] = values[0]
		}
	}

	records, err := eng.Query(c.Request.Context(), c.Param("section"), c.Param("action"), params, page)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"data":       records,
		"pagination": page,
	})
}

func (s *Server) mutate(c *gin.Context) {
	eng, ok := s.engine(c)
	if !ok {
		return
	}

	var data record.Record
	if err := c.ShouldBindJSON(&data); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	result, err := eng.Mutate(c.Request.Context(), c.Param("section"), c.Param("action"), data)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": result})
}

func (s *Server) delete(c *gin.Context) {
	eng, ok := s.engine(c)
	if !ok {
		return
	}

	result, err := eng.Delete(c.Request.Context(), c.Param("section"), c.Param("action"), c.Param("id"))
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": result})
}

func (s *Server) engine(c *gin.Context) (*engine.Engine, bool) {
	eng, ok := s.engines[c.Param("backoffice")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "backoffice not found: " + c.Param("backoffice")})
		return nil, false
	}
	return eng, true
}

// renderError 客户端错误带结构化错误列表，其余统一 500
func (s *Server) renderError(c *gin.Context, err error) {
	var vf *engine.ValidationFailed
	if errors.As(err, &vf) {
		c.JSON(http.StatusBadRequest, gin.H{
			"category": "validation",
			"errors":   vf.Errors,
		})
		return
	}
	var rf *engine.RelationshipFailed
	if errors.As(err, &rf) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"category": "relationship",
			"errors":   rf.Errors,
		})
		return
	}
	s.log.Error("request failed", "path", c.Request.URL.Path, "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
