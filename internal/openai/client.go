package openai

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"claude-proxy/internal/config"
	"claude-proxy/internal/logger"
	"claude-proxy/internal/models"

	"golang.org/x/net/proxy"
)

// Version 对外上报的客户端版本
var Version = "dev"

const (
	// RetryDelay 重试基础间隔，按尝试次数线性递增
	RetryDelay = 500 * time.Millisecond

	// 高并发 HTTP 连接池配置
	DefaultMaxIdleConns          = 200
	DefaultMaxIdleConnsPerHost   = 100
	DefaultIdleConnTimeout       = 120 * time.Second
	DefaultResponseHeaderTimeout = 60 * time.Second
	DefaultTLSHandshakeTimeout   = 15 * time.Second
)

// Client 后端 OpenAI 兼容服务客户端
type Client struct {
	httpClient *http.Client
	cfg        *config.Config
	endpoint   string
}

// NewClient 创建后端客户端
func NewClient(cfg *config.Config) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()

	// 高并发优化：增加连接池大小，减少连接建立开销
	transport.MaxIdleConns = DefaultMaxIdleConns
	transport.MaxIdleConnsPerHost = DefaultMaxIdleConnsPerHost
	transport.MaxConnsPerHost = 0

	// 优化连接设置以防止 EOF 错误和提高连接复用率
	transport.IdleConnTimeout = DefaultIdleConnTimeout
	transport.ResponseHeaderTimeout = DefaultResponseHeaderTimeout
	transport.ExpectContinueTimeout = 1 * time.Second
	transport.TLSHandshakeTimeout = DefaultTLSHandshakeTimeout
	transport.DisableKeepAlives = false
	transport.ForceAttemptHTTP2 = true

	if !cfg.SSLVerifyEnabled() {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		logger.Warn("已关闭后端 TLS 证书校验")
	}

	// 配置出站代理
	if cfg.OpenAI.Proxy != "" {
		proxyURL, err := url.Parse(cfg.OpenAI.Proxy)
		if err == nil {
			if proxyURL.Scheme == "socks5" {
				dialer, err := proxy.FromURL(proxyURL, proxy.Direct)
				if err == nil {
					transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
						return dialer.Dial(network, addr)
					}
					logger.Info("已配置 SOCKS5 代理: %s", cfg.OpenAI.Proxy)
				} else {
					logger.Error("SOCKS5 代理配置失败: %v", err)
				}
			} else {
				transport.Proxy = http.ProxyURL(proxyURL)
				logger.Info("已配置 HTTP/HTTPS 代理: %s", cfg.OpenAI.Proxy)
			}
		} else {
			logger.Error("代理 URL 解析失败: %v", err)
		}
	}

	endpoint := strings.TrimRight(cfg.OpenAI.BaseURL, "/") + "/chat/completions"

	return &Client{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.RequestTimeout(),
		},
		cfg:      cfg,
		endpoint: endpoint,
	}
}

// maxRetries 返回配置的最大尝试次数（至少 1 次）
func (c *Client) maxRetries() int {
	if c.cfg.OpenAI.MaxRetries < 1 {
		return 1
	}
	return c.cfg.OpenAI.MaxRetries
}

// CreateChatCompletion 发送非流式聊天完成请求
func (c *Client) CreateChatCompletion(ctx context.Context, req *models.ChatCompletionRequest) (*models.ChatCompletionResponse, error) {
	resp, err := c.send(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewNetworkError(fmt.Sprintf("读取后端响应失败: %v", err))
	}

	var completion models.ChatCompletionResponse
	if err := json.Unmarshal(body, &completion); err != nil {
		return nil, NewFormatError(fmt.Sprintf("后端响应不是合法 JSON: %v", err))
	}

	if len(completion.Choices) == 0 {
		return nil, NewFormatError("后端响应缺少 choices")
	}

	return &completion, nil
}

// CreateChatCompletionStream 发送流式聊天完成请求
// 返回的响应体是 SSE 流，由调用方负责读取和关闭
func (c *Client) CreateChatCompletionStream(ctx context.Context, req *models.ChatCompletionRequest) (*http.Response, error) {
	return c.send(ctx, req)
}

// send 发送请求到后端（带重试逻辑）
// 网络错误和 5xx 在剩余尝试次数内重试，4xx 立即返回
func (c *Client) send(ctx context.Context, payload *models.ChatCompletionRequest) (*http.Response, error) {
	reqBody, err := json.Marshal(payload)
	if err != nil {
		logger.Error("序列化后端请求失败: %v", err)
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	logger.Debug("后端请求体大小: %d 字节", len(reqBody))

	requestURL := c.endpoint
	if c.cfg.OpenAI.APIVersion != "" {
		requestURL = requestURL + "?api-version=" + url.QueryEscape(c.cfg.OpenAI.APIVersion)
	}

	maxRetries := c.maxRetries()
	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		// 为每次尝试创建新请求（body 需要可重读）
		req, err := http.NewRequestWithContext(ctx, "POST", requestURL, bytes.NewReader(reqBody))
		if err != nil {
			logger.Error("创建 HTTP 请求失败: %v", err)
			return nil, fmt.Errorf("failed to create request: %w", err)
		}

		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "claude-proxy/"+Version)
		if c.cfg.OpenAI.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.cfg.OpenAI.APIKey)
		}
		for k, v := range c.cfg.OpenAI.ExtraHeaders {
			req.Header.Set(k, v)
		}
		if payload.Stream {
			req.Header.Set("Accept", "text/event-stream")
		}

		logger.Debug("发送后端请求 - 尝试: %d/%d, URL: %s", attempt, maxRetries, c.endpoint)
		startTime := time.Now()

		resp, err := c.httpClient.Do(req)
		duration := time.Since(startTime)

		if err != nil {
			lastErr = err
			logger.Error("后端 HTTP 请求失败 - 尝试: %d/%d, 耗时: %v, 错误: %v",
				attempt, maxRetries, duration, err)

			// 客户端主动取消不重试
			if ctx.Err() != nil {
				return nil, classifyTransportError(ctx.Err())
			}

			if attempt < maxRetries && isRetriableError(err) {
				logger.Info("检测到可重试错误，等待 %v 后重试...", RetryDelay*time.Duration(attempt))
				time.Sleep(RetryDelay * time.Duration(attempt))
				continue
			}

			return nil, classifyTransportError(err)
		}

		logger.Debug("后端响应 - 状态码: %d, 耗时: %v", resp.StatusCode, duration)

		if resp.StatusCode >= 400 {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()

			apiErr := classifyHTTPError(resp.StatusCode, body)
			logger.Error("后端返回错误 - 状态码: %d, 错误码: %s, 详情: %s",
				resp.StatusCode, apiErr.Code, apiErr.Detail)

			// 5xx 错误时重试，4xx 立即返回
			if resp.StatusCode >= 500 && attempt < maxRetries {
				lastErr = apiErr
				logger.Info("检测到服务器错误 (5xx)，等待 %v 后重试...", RetryDelay*time.Duration(attempt))
				time.Sleep(RetryDelay * time.Duration(attempt))
				continue
			}

			return nil, apiErr
		}

		return resp, nil
	}

	return nil, classifyTransportError(fmt.Errorf("failed after %d attempts, last error: %w", maxRetries, lastErr))
}

// classifyTransportError 将传输层错误归类为超时或网络错误
func classifyTransportError(err error) *APIError {
	if apiErr := GetAPIError(err); apiErr != nil {
		return apiErr
	}

	if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
		return NewTimeoutError(err.Error())
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewTimeoutError(err.Error())
	}

	if strings.Contains(err.Error(), "Client.Timeout exceeded") {
		return NewTimeoutError(err.Error())
	}

	return NewNetworkError(err.Error())
}

// isRetriableError 判断错误是否可重试
func isRetriableError(err error) bool {
	if err == nil {
		return false
	}

	errStr := err.Error()
	// EOF、连接重置和临时网络错误时重试
	return strings.Contains(errStr, "EOF") ||
		strings.Contains(errStr, "connection reset by peer") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "connection refused")
}
