// Package openai 后端 OpenAI 兼容服务的客户端与错误定义
package openai

import (
	"encoding/json"
	"fmt"
	"net/http"

	"claude-proxy/internal/models"
)

// 错误码常量
const (
	ErrCodeUnauthorized   = "UNAUTHORIZED"    // 后端密钥无效
	ErrCodeForbidden      = "FORBIDDEN"       // 后端拒绝访问
	ErrCodeRateLimited    = "RATE_LIMITED"    // 后端限流
	ErrCodeBadRequest     = "BAD_REQUEST"     // 后端拒绝请求参数
	ErrCodeTimeout        = "TIMEOUT"         // 后端请求超时
	ErrCodeNetworkError   = "NETWORK_ERROR"   // 网络错误
	ErrCodeUpstreamError  = "UPSTREAM_ERROR"  // 后端服务器错误
	ErrCodeUpstreamFormat = "UPSTREAM_FORMAT" // 后端响应格式异常
)

// APIError 统一后端错误结构
// StatusCode 是返回给客户端的 HTTP 状态码
type APIError struct {
	Code       string // 错误码（英文常量）
	StatusCode int    // 映射到客户端的 HTTP 状态码
	Message    string // 中文友好提示
	Detail     string // 后端原始错误信息（用于日志）
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Message, e.Detail)
	}
	return e.Message
}

// NewTimeoutError 创建后端超时错误，映射到 504
func NewTimeoutError(detail string) *APIError {
	return &APIError{
		Code:       ErrCodeTimeout,
		StatusCode: http.StatusGatewayTimeout,
		Message:    "后端请求超时",
		Detail:     detail,
	}
}

// NewFormatError 创建后端响应格式错误，映射到 502
func NewFormatError(detail string) *APIError {
	return &APIError{
		Code:       ErrCodeUpstreamFormat,
		StatusCode: http.StatusBadGateway,
		Message:    "后端响应格式异常",
		Detail:     detail,
	}
}

// NewNetworkError 创建网络错误，映射到 502
func NewNetworkError(detail string) *APIError {
	return &APIError{
		Code:       ErrCodeNetworkError,
		StatusCode: http.StatusBadGateway,
		Message:    "后端连接失败",
		Detail:     detail,
	}
}

// IsAPIError 检查是否为后端错误
func IsAPIError(err error) bool {
	_, ok := err.(*APIError)
	return ok
}

// GetAPIError 获取后端错误（如果是的话）
func GetAPIError(err error) *APIError {
	if apiErr, ok := err.(*APIError); ok {
		return apiErr
	}
	return nil
}

// classifyHTTPError 根据后端状态码和响应体生成错误
// 状态码原样转发给客户端，响应体中的错误信息提取为详情
func classifyHTTPError(statusCode int, body []byte) *APIError {
	detail := extractErrorMessage(body)

	switch {
	case statusCode == http.StatusUnauthorized:
		return &APIError{
			Code:       ErrCodeUnauthorized,
			StatusCode: statusCode,
			Message:    "后端密钥无效，请检查 openai.api_key 配置",
			Detail:     detail,
		}
	case statusCode == http.StatusForbidden:
		return &APIError{
			Code:       ErrCodeForbidden,
			StatusCode: statusCode,
			Message:    "后端拒绝访问",
			Detail:     detail,
		}
	case statusCode == http.StatusTooManyRequests:
		return &APIError{
			Code:       ErrCodeRateLimited,
			StatusCode: statusCode,
			Message:    "后端限流，请稍后重试",
			Detail:     detail,
		}
	case statusCode >= 500:
		return &APIError{
			Code:       ErrCodeUpstreamError,
			StatusCode: statusCode,
			Message:    "后端服务器错误",
			Detail:     detail,
		}
	default:
		return &APIError{
			Code:       ErrCodeBadRequest,
			StatusCode: statusCode,
			Message:    "后端拒绝请求",
			Detail:     detail,
		}
	}
}

// extractErrorMessage 从后端错误响应体中提取错误信息
func extractErrorMessage(body []byte) string {
	if len(body) == 0 {
		return ""
	}

	var errResp models.OpenAIErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != nil && errResp.Error.Message != "" {
		return errResp.Error.Message
	}

	// 非 JSON 响应体截断后原样返回
	const maxDetailLen = 500
	s := string(body)
	if len(s) > maxDetailLen {
		s = s[:maxDetailLen]
	}
	return s
}
