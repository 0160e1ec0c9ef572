package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"claude-proxy/internal/config"
	"claude-proxy/internal/database"
	"claude-proxy/internal/models"

	"github.com/gin-gonic/gin"
)

// newTestServer 创建连接到指定后端的测试服务器
func newTestServer(t *testing.T, backendURL string) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.Load()
	cfg.OpenAI.BaseURL = backendURL
	cfg.OpenAI.MaxRetries = 1
	cfg.Database.SQLite.Path = filepath.Join(t.TempDir(), "test.sqlite3")

	db, err := database.New(cfg)
	if err != nil {
		t.Fatalf("创建测试数据库失败: %v", err)
	}

	s := NewServer(cfg, db, "test")
	t.Cleanup(func() {
		s.StopLogWorker()
		db.Close()
	})
	return s
}

// echoBackend 返回一个把最后一条用户消息原样回显的假后端
func echoBackend(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req models.ChatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}

		var lastUser string
		for _, msg := range req.Messages {
			if msg.Role == "user" {
				if text, ok := msg.Content.(string); ok {
					lastUser = text
				}
			}
		}

		if req.Stream {
			w.Header().Set("Content-Type", "text/event-stream")
			half := len(lastUser) / 2
			writeChunk := func(delta models.ChatCompletionChunkDelta, finish *string, usage *models.ChatCompletionUsage) {
				chunk := models.ChatCompletionChunk{
					ID:      "chatcmpl-echo",
					Object:  "chat.completion.chunk",
					Model:   req.Model,
					Choices: []models.ChatCompletionChunkChoice{{Delta: delta, FinishReason: finish}},
					Usage:   usage,
				}
				b, _ := json.Marshal(chunk)
				w.Write([]byte("data: " + string(b) + "\n\n"))
			}
			writeChunk(models.ChatCompletionChunkDelta{Role: "assistant", Content: lastUser[:half]}, nil, nil)
			writeChunk(models.ChatCompletionChunkDelta{Content: lastUser[half:]}, nil, nil)
			finish := "stop"
			writeChunk(models.ChatCompletionChunkDelta{}, &finish, &models.ChatCompletionUsage{PromptTokens: 9, CompletionTokens: 4})
			w.Write([]byte("data: [DONE]\n\n"))
			return
		}

		resp := models.ChatCompletionResponse{
			ID:     "chatcmpl-echo",
			Object: "chat.completion",
			Model:  req.Model,
			Choices: []models.ChatCompletionChoice{
				{Message: models.ChatMessage{Role: "assistant", Content: lastUser}, FinishReason: "stop"},
			},
			Usage: &models.ChatCompletionUsage{PromptTokens: 9, CompletionTokens: 4, TotalTokens: 13},
		}
		json.NewEncoder(w).Encode(resp)
	}))
}

func postJSON(t *testing.T, s *Server, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("POST", path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

// =============================================================================
// 非流式往返测试
// =============================================================================

// TestHandleMessages_RoundTrip 测试非流式请求的完整往返
func TestHandleMessages_RoundTrip(t *testing.T) {
	backend := echoBackend(t)
	defer backend.Close()
	s := newTestServer(t, backend.URL)

	body := `{"model":"claude-3-sonnet","max_tokens":1024,"messages":[{"role":"user","content":"hello round trip"}]}`
	w := postJSON(t, s, "/v1/messages", body, nil)

	if w.Code != 200 {
		t.Fatalf("期望 200，实际 %d: %s", w.Code, w.Body.String())
	}

	var resp models.ClaudeResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("响应解析失败: %v", err)
	}
	if resp.Type != "message" || resp.Role != "assistant" {
		t.Errorf("固定字段不正确: %+v", resp)
	}
	if resp.Model != "claude-3-sonnet" {
		t.Errorf("应该回显客户端的原始模型名: %q", resp.Model)
	}
	if len(resp.Content) != 1 || *resp.Content[0].Text != "hello round trip" {
		t.Errorf("文本应该原样穿过双向转换: %+v", resp.Content)
	}
	if resp.StopReason != "end_turn" {
		t.Errorf("stop_reason 应该是 end_turn: %q", resp.StopReason)
	}
	if resp.Usage.InputTokens != 9 || resp.Usage.OutputTokens != 4 {
		t.Errorf("usage 应该透传: %+v", resp.Usage)
	}
}

// TestHandleMessages_ValidationError 测试请求校验错误返回 Claude 错误格式
func TestHandleMessages_ValidationError(t *testing.T) {
	backend := echoBackend(t)
	defer backend.Close()
	s := newTestServer(t, backend.URL)

	w := postJSON(t, s, "/v1/messages", `{"model":"claude-3-sonnet","max_tokens":100,"messages":[]}`, nil)
	if w.Code != 400 {
		t.Fatalf("期望 400，实际 %d", w.Code)
	}

	var errResp map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &errResp)
	if errResp["type"] != "error" {
		t.Errorf("错误响应应该是 Claude 错误格式: %s", w.Body.String())
	}
	inner, _ := errResp["error"].(map[string]interface{})
	if inner == nil || inner["type"] != "invalid_request_error" {
		t.Errorf("错误类型应该是 invalid_request_error: %s", w.Body.String())
	}
}

// TestHandleMessages_UpstreamError 测试后端错误映射为 Claude 错误格式
func TestHandleMessages_UpstreamError(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(401)
		w.Write([]byte(`{"error":{"message":"bad backend key"}}`))
	}))
	defer backend.Close()
	s := newTestServer(t, backend.URL)

	body := `{"model":"claude-3-sonnet","max_tokens":100,"messages":[{"role":"user","content":"hi"}]}`
	w := postJSON(t, s, "/v1/messages", body, nil)
	if w.Code != 401 {
		t.Fatalf("后端状态码应该原样转发，期望 401，实际 %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "authentication_error") {
		t.Errorf("错误类型应该是 authentication_error: %s", w.Body.String())
	}
}

// =============================================================================
// 流式往返测试
// =============================================================================

// TestHandleMessages_Streaming 测试流式请求的事件序列
func TestHandleMessages_Streaming(t *testing.T) {
	backend := echoBackend(t)
	defer backend.Close()
	s := newTestServer(t, backend.URL)

	body := `{"model":"claude-3-sonnet","max_tokens":1024,"stream":true,"messages":[{"role":"user","content":"streaming echo test"}]}`
	w := postJSON(t, s, "/v1/messages", body, nil)

	if w.Code != 200 {
		t.Fatalf("期望 200，实际 %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); !strings.Contains(ct, "text/event-stream") {
		t.Errorf("Content-Type 应该是 text/event-stream: %q", ct)
	}

	output := w.Body.String()
	for _, event := range []string{"message_start", "content_block_start", "content_block_delta", "content_block_stop", "message_delta", "message_stop"} {
		if !strings.Contains(output, "event: "+event) {
			t.Errorf("事件流缺少 %s: %s", event, output)
		}
	}
	if strings.Count(output, "event: message_start") != 1 {
		t.Error("message_start 应该只出现一次")
	}
	if strings.Count(output, "event: message_stop") != 1 {
		t.Error("message_stop 应该只出现一次")
	}
	if !strings.Contains(output, "streaming") || !strings.Contains(output, "echo test") {
		t.Errorf("文本增量应该原样转发: %s", output)
	}
	if !strings.Contains(output, `"output_tokens":4`) {
		t.Errorf("末尾 usage 应该进入 message_delta: %s", output)
	}
	if !strings.HasSuffix(output, "data: [DONE]\n\n") {
		t.Error("事件流应该以 [DONE] 结尾")
	}
}

// =============================================================================
// 认证矩阵测试
// =============================================================================

// TestAuthMatrix 测试客户端 key 校验矩阵
func TestAuthMatrix(t *testing.T) {
	backend := echoBackend(t)
	defer backend.Close()

	body := `{"model":"claude-3-sonnet","max_tokens":100,"messages":[{"role":"user","content":"hi"}]}`

	// 未配置期望 key 时任何请求都放行
	s := newTestServer(t, backend.URL)
	if w := postJSON(t, s, "/v1/messages", body, nil); w.Code != 200 {
		t.Errorf("未配置 key 时应该放行，实际 %d", w.Code)
	}

	// 配置期望 key
	s2 := newTestServer(t, backend.URL)
	s2.cfg.Auth.APIKey = "sk-expected"

	testCases := []struct {
		name     string
		headers  map[string]string
		wantCode int
	}{
		{"x-api-key 正确", map[string]string{"x-api-key": "sk-expected"}, 200},
		{"Bearer 正确", map[string]string{"Authorization": "Bearer sk-expected"}, 200},
		{"key 错误", map[string]string{"x-api-key": "sk-wrong"}, 401},
		{"无 key", nil, 401},
	}
	for _, tc := range testCases {
		w := postJSON(t, s2, "/v1/messages", body, tc.headers)
		if w.Code != tc.wantCode {
			t.Errorf("%s: 期望 %d，实际 %d", tc.name, tc.wantCode, w.Code)
		}
		if tc.wantCode == 401 && !strings.Contains(w.Body.String(), "authentication_error") {
			t.Errorf("%s: 401 响应应该是 Claude 错误格式: %s", tc.name, w.Body.String())
		}
	}
}

// =============================================================================
// count_tokens 与健康检查测试
// =============================================================================

// TestHandleCountTokens 测试 token 计数接口
func TestHandleCountTokens(t *testing.T) {
	backend := echoBackend(t)
	defer backend.Close()
	s := newTestServer(t, backend.URL)

	body := `{"model":"claude-3-sonnet","messages":[{"role":"user","content":"hello world"}],"system":"be brief"}`
	w := postJSON(t, s, "/v1/messages/count_tokens", body, nil)
	if w.Code != 200 {
		t.Fatalf("期望 200，实际 %d: %s", w.Code, w.Body.String())
	}

	var resp models.TokenCountResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.InputTokens <= 0 {
		t.Errorf("input_tokens 应该是正数: %d", resp.InputTokens)
	}

	// 空 messages 报错
	w = postJSON(t, s, "/v1/messages/count_tokens", `{"model":"m","messages":[]}`, nil)
	if w.Code != 400 {
		t.Errorf("空 messages 应该返回 400，实际 %d", w.Code)
	}
}

// TestHandleHealth 测试健康检查
func TestHandleHealth(t *testing.T) {
	backend := echoBackend(t)
	defer backend.Close()
	s := newTestServer(t, backend.URL)

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	if w.Code != 200 || !strings.Contains(w.Body.String(), `"ok"`) {
		t.Errorf("健康检查失败: %d %s", w.Code, w.Body.String())
	}
}

// TestRateLimit 测试 IP 限流返回 429
func TestRateLimit(t *testing.T) {
	backend := echoBackend(t)
	defer backend.Close()
	s := newTestServer(t, backend.URL)
	s.cfg.Limits.RateLimitRPM = 2

	body := `{"model":"claude-3-sonnet","max_tokens":100,"messages":[{"role":"user","content":"hi"}]}`
	router := s.Router()

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/v1/messages", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	send()
	send()
	w := send()
	if w.Code != 429 {
		t.Fatalf("超限请求应该返回 429，实际 %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "rate_limit_error") {
		t.Errorf("429 响应应该是 Claude 错误格式: %s", w.Body.String())
	}
}
