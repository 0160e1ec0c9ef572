// Package api HTTP 服务器与请求处理
package api

import (
	"context"
	"sync"
	"time"

	"claude-proxy/internal/config"
	"claude-proxy/internal/database"
	"claude-proxy/internal/logger"
	"claude-proxy/internal/models"
	"claude-proxy/internal/openai"
	"claude-proxy/internal/ratelimit"

	"github.com/gin-gonic/gin"
)

// Server 表示 API 服务器
type Server struct {
	cfg         *config.Config
	db          *database.DB
	client      *openai.Client
	rateLimiter *ratelimit.SlidingWindowLimiter
	logChan     chan *models.RequestLog
	logWg       sync.WaitGroup
	version     string
}

// NewServer 创建新的 API 服务器
func NewServer(cfg *config.Config, db *database.DB, version string) *Server {
	s := &Server{
		cfg:         cfg,
		db:          db,
		client:      openai.NewClient(cfg),
		rateLimiter: ratelimit.NewSlidingWindowLimiter(time.Minute),
		logChan:     make(chan *models.RequestLog, 5000),
		version:     version,
	}
	s.startLogWorker()
	return s
}

// startLogWorker 启动异步日志写入协程
// 批量攒够一批或定时触发后一次性写库，避免每个请求一次写入
func (s *Server) startLogWorker() {
	s.logWg.Add(1)
	go func() {
		defer s.logWg.Done()

		const batchSize = 100
		batch := make([]*models.RequestLog, 0, batchSize)
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()

		flush := func() {
			if len(batch) == 0 {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := s.db.BatchCreateRequestLogs(ctx, batch); err != nil {
				logger.Error("批量写入请求日志失败: %v", err)
			}
			cancel()
			batch = batch[:0]
		}

		for {
			select {
			case log, ok := <-s.logChan:
				if !ok {
					flush()
					return
				}
				batch = append(batch, log)
				if len(batch) >= batchSize {
					flush()
				}
			case <-ticker.C:
				flush()
			}
		}
	}()
}

// StopLogWorker 停止日志写入协程并等待队列排空
func (s *Server) StopLogWorker() {
	close(s.logChan)
	s.logWg.Wait()
	s.rateLimiter.Stop()
}

// StartLogCleanup 启动旧日志定期清理任务
func (s *Server) StartLogCleanup(ctx context.Context) {
	if s.cfg.LogRetentionDays <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(12 * time.Hour)
		defer ticker.Stop()

		cleanup := func() {
			deleted, err := s.db.CleanupOldLogs(ctx, s.cfg.LogRetentionDays)
			if err != nil {
				logger.Error("清理旧日志失败: %v", err)
				return
			}
			if deleted > 0 {
				logger.Info("清理旧日志完成 - 删除 %d 条，保留 %d 天", deleted, s.cfg.LogRetentionDays)
			}
		}

		cleanup()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cleanup()
			}
		}
	}()
}

// Router 返回配置好的 HTTP 路由器
func (s *Server) Router() *gin.Engine {
	if s.cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()        // 使用 gin.New() 替代 gin.Default()，避免重复日志
	r.Use(gin.Recovery()) // 只保留 Recovery 中间件

	// 访问日志中间件
	r.Use(func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		logger.LogRequest(method, path, c.ClientIP(), c.Writer.Status(), time.Since(start))
	})

	// CORS 中间件
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "*")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(200)
			return
		}
		c.Next()
	})

	// 请求日志中间件
	r.Use(s.requestLogMiddleware())

	s.setupRoutes(r)

	return r
}
