package api

import (
	"io"
	"net/http"

	"claude-proxy/internal/claude"
	"claude-proxy/internal/logger"
	"claude-proxy/internal/models"
	"claude-proxy/internal/openai"
	"claude-proxy/internal/stream"
	"claude-proxy/internal/tokenizer"

	"github.com/gin-gonic/gin"
)

// handleHealth 健康检查
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(200, gin.H{
		"status":  "ok",
		"version": s.version,
	})
}

// handleMessages 处理 Claude 格式的消息请求
func (s *Server) handleMessages(c *gin.Context) {
	var req models.ClaudeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("请求体解析失败 - 来源: %s, 错误: %v", c.ClientIP(), err)
		c.JSON(400, claudeError("invalid_request_error", "请求体不是合法 JSON: "+err.Error()))
		return
	}

	chatReq, err := claude.ConvertRequest(&req, s.cfg)
	if err != nil {
		s.writeConvertError(c, err)
		return
	}

	// 输入 token 估算（后端 usage 缺失时兜底，也用于日志）
	inputTokens := tokenizer.CountMessageTokens(req.Messages, req.System) +
		tokenizer.CountToolTokens(req.Tools)

	c.Set("model", chatReq.Model)
	c.Set("original_model", req.Model)
	c.Set("is_stream", req.Stream)
	c.Set("input_tokens", inputTokens)

	logger.Info("消息请求 - 模型: %s -> %s, 流式: %v, 消息数: %d",
		req.Model, chatReq.Model, req.Stream, len(req.Messages))

	if req.Stream {
		s.handleStreamingMessages(c, &req, chatReq, inputTokens)
		return
	}

	resp, err := s.client.CreateChatCompletion(c.Request.Context(), chatReq)
	if err != nil {
		s.writeUpstreamError(c, err)
		return
	}

	claudeResp, err := claude.ConvertResponse(resp, req.Model, inputTokens)
	if err != nil {
		s.writeUpstreamError(c, err)
		return
	}

	c.Set("input_tokens", claudeResp.Usage.InputTokens)
	c.Set("output_tokens", claudeResp.Usage.OutputTokens)
	c.JSON(200, claudeResp)
}

// handleStreamingMessages 处理流式消息请求
// 将后端的增量块流实时转换为 Claude 的类型化 SSE 事件流
func (s *Server) handleStreamingMessages(c *gin.Context, req *models.ClaudeRequest, chatReq *models.ChatCompletionRequest, inputTokens int) {
	resp, err := s.client.CreateChatCompletionStream(c.Request.Context(), chatReq)
	if err != nil {
		s.writeUpstreamError(c, err)
		return
	}
	defer resp.Body.Close()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	flusher, canFlush := c.Writer.(http.Flusher)
	writeEvents := func(events []string) {
		for _, event := range events {
			c.Writer.WriteString(event)
		}
		if len(events) > 0 && canFlush {
			flusher.Flush()
		}
	}

	handler := stream.NewChunkHandler(claude.NewMessageID(), req.Model, inputTokens)
	parser := stream.NewChunkParser()

	buf := make([]byte, 4096)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			chunks, done := parser.Feed(buf[:n])
			for _, chunk := range chunks {
				writeEvents(handler.HandleChunk(chunk))
			}
			if done {
				break
			}
		}
		if readErr != nil {
			if readErr != io.EOF {
				logger.Error("读取后端流失败: %v", readErr)
				c.Set("error_message", readErr.Error())
				writeEvents([]string{handler.Error("后端流读取中断")})
			}
			break
		}
	}

	// 处理末尾没有换行的残留数据
	for _, chunk := range parser.Flush() {
		writeEvents(handler.HandleChunk(chunk))
	}

	// 后端流结束但未给 finish_reason 时补齐收尾事件
	writeEvents(handler.Finish())
	writeEvents([]string{stream.BuildDone()})

	c.Set("input_tokens", handler.FinalInputTokens())
	c.Set("output_tokens", handler.OutputTokens())
}

// handleCountTokens 处理 token 计数请求
func (s *Server) handleCountTokens(c *gin.Context) {
	var req models.TokenCountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, claudeError("invalid_request_error", "请求体不是合法 JSON: "+err.Error()))
		return
	}

	if len(req.Messages) == 0 {
		c.JSON(400, claudeError("invalid_request_error", "messages 不能为空"))
		return
	}

	total := tokenizer.CountMessageTokens(req.Messages, req.System) +
		tokenizer.CountToolTokens(req.Tools)

	c.Set("original_model", req.Model)
	c.Set("input_tokens", total)
	c.JSON(200, models.TokenCountResponse{InputTokens: total})
}

// writeConvertError 将请求转换错误写为 Claude 错误响应
func (s *Server) writeConvertError(c *gin.Context, err error) {
	c.Set("error_message", err.Error())

	if ve, ok := err.(*claude.ValidationError); ok {
		logger.Warn("请求校验失败 - 来源: %s, 字段: %s, 错误: %v", c.ClientIP(), ve.Field, ve)
		c.JSON(400, claudeError("invalid_request_error", ve.Error()))
		return
	}

	c.JSON(400, claudeError("invalid_request_error", err.Error()))
}

// writeUpstreamError 将后端错误映射为 Claude 错误响应
func (s *Server) writeUpstreamError(c *gin.Context, err error) {
	c.Set("error_message", err.Error())

	apiErr := openai.GetAPIError(err)
	if apiErr == nil {
		logger.Error("后端请求失败: %v", err)
		c.JSON(502, claudeError("api_error", "后端请求失败"))
		return
	}

	logger.Error("后端请求失败 - 错误码: %s, 状态码: %d, 详情: %s",
		apiErr.Code, apiErr.StatusCode, apiErr.Detail)

	errType := "api_error"
	switch apiErr.Code {
	case openai.ErrCodeUnauthorized, openai.ErrCodeForbidden:
		errType = "authentication_error"
	case openai.ErrCodeRateLimited:
		errType = "rate_limit_error"
	case openai.ErrCodeBadRequest:
		errType = "invalid_request_error"
	case openai.ErrCodeTimeout:
		errType = "timeout_error"
	}

	c.JSON(apiErr.StatusCode, claudeError(errType, apiErr.Message))
}
