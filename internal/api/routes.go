package api

import "github.com/gin-gonic/gin"

// setupRoutes 注册所有路由
func (s *Server) setupRoutes(r *gin.Engine) {
	// 健康检查
	r.GET("/health", s.handleHealth)
	r.GET("/healthz", s.handleHealth)

	// Claude 兼容 API
	v1 := r.Group("/v1")
	v1.Use(s.authMiddleware())
	{
		v1.POST("/messages", s.rateLimitMiddleware(), s.handleMessages)
		v1.POST("/messages/count_tokens", s.handleCountTokens)
	}
}
