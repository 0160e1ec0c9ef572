package api

import (
	"fmt"
	"time"

	"claude-proxy/internal/auth"
	"claude-proxy/internal/logger"
	"claude-proxy/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// requestLogMiddleware 请求日志中间件
// 从上下文收集处理器写入的模型和 token 信息，异步入库
func (s *Server) requestLogMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()
		c.Next()

		// 只记录主要的 API 调用接口
		path := c.Request.URL.Path
		if path != "/v1/messages" && path != "/v1/messages/count_tokens" {
			return
		}

		duration := time.Since(startTime)
		statusCode := c.Writer.Status()

		log := &models.RequestLog{
			ID:         uuid.New().String(),
			Timestamp:  models.CurrentTime(),
			ClientIP:   c.ClientIP(),
			Method:     c.Request.Method,
			Path:       path,
			StatusCode: statusCode,
			IsSuccess:  statusCode >= 200 && statusCode < 300,
			DurationMs: duration.Milliseconds(),
			UserAgent:  strPtr(c.Request.UserAgent()),
		}

		if key := auth.ExtractClientKey(c.Request.Header); key != "" {
			log.APIKeyPrefix = strPtr(auth.GetAPIKeyPrefix(key))
		}
		if v, ok := c.Get("model"); ok {
			if m, ok := v.(string); ok {
				log.Model = strPtr(m)
			}
		}
		if v, ok := c.Get("original_model"); ok {
			if m, ok := v.(string); ok {
				log.OriginalModel = strPtr(m)
			}
		}
		if v, ok := c.Get("is_stream"); ok {
			if b, ok := v.(bool); ok {
				log.IsStream = &b
			}
		}
		if v, ok := c.Get("input_tokens"); ok {
			if n, ok := v.(int); ok {
				log.InputTokens = n
			}
		}
		if v, ok := c.Get("output_tokens"); ok {
			if n, ok := v.(int); ok {
				log.OutputTokens = n
			}
		}
		if v, ok := c.Get("error_message"); ok {
			if msg, ok := v.(string); ok && msg != "" {
				log.ErrorMessage = strPtr(msg)
			}
		}

		// 队列满时丢弃日志，不阻塞请求
		select {
		case s.logChan <- log:
		default:
			logger.Warn("请求日志队列已满，丢弃日志")
		}
	}
}

// rateLimitMiddleware 按客户端 IP 的滑动窗口限流中间件
func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := s.cfg.Limits.RateLimitRPM
		if limit <= 0 {
			c.Next()
			return
		}

		clientIP := c.ClientIP()
		allowed, count, _ := s.rateLimiter.Allow(clientIP, limit)
		if !allowed {
			logger.Warn("IP 限流触发 - IP: %s, 请求数: %d, 限制: %d/分钟", clientIP, count, limit)
			c.JSON(429, claudeError("rate_limit_error",
				fmt.Sprintf("请求过于频繁，请稍后重试（限制：%d 次/分钟）", limit)))
			c.Abort()
			return
		}

		c.Next()
	}
}

// authMiddleware 客户端 API key 校验中间件
// 未配置 auth.api_key 时放行所有请求
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		provided := auth.ExtractClientKey(c.Request.Header)
		if !auth.ValidateClientKey(s.cfg.Auth.APIKey, provided) {
			logger.Warn("API key 验证失败 - 来源: %s", c.ClientIP())
			c.JSON(401, claudeError("authentication_error", "无效的 API key"))
			c.Abort()
			return
		}
		c.Next()
	}
}

// claudeError 构造 Claude 格式的错误响应体
func claudeError(errType, message string) gin.H {
	return gin.H{
		"type": "error",
		"error": gin.H{
			"type":    errType,
			"message": message,
		},
	}
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
