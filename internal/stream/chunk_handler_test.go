package stream

import (
	"encoding/json"
	"strings"
	"testing"

	"claude-proxy/internal/models"
)

func strPtr(s string) *string {
	return &s
}

func textChunk(text string) *models.ChatCompletionChunk {
	return &models.ChatCompletionChunk{
		ID:     "chatcmpl-test",
		Object: "chat.completion.chunk",
		Choices: []models.ChatCompletionChunkChoice{
			{Delta: models.ChatCompletionChunkDelta{Content: text}},
		},
	}
}

func finishChunk(reason string, usage *models.ChatCompletionUsage) *models.ChatCompletionChunk {
	return &models.ChatCompletionChunk{
		ID:     "chatcmpl-test",
		Object: "chat.completion.chunk",
		Choices: []models.ChatCompletionChunkChoice{
			{Delta: models.ChatCompletionChunkDelta{}, FinishReason: strPtr(reason)},
		},
		Usage: usage,
	}
}

func toolCallChunk(slot int, id, name, args string) *models.ChatCompletionChunk {
	tc := models.ToolCallDelta{Index: slot, ID: id}
	if name != "" || args != "" {
		tc.Function = &models.FunctionCallDelta{Name: name, Arguments: args}
	}
	return &models.ChatCompletionChunk{
		ID:     "chatcmpl-test",
		Object: "chat.completion.chunk",
		Choices: []models.ChatCompletionChunkChoice{
			{Delta: models.ChatCompletionChunkDelta{ToolCalls: []models.ToolCallDelta{tc}}},
		},
	}
}

// collectEvents 把一组块交给处理器并收集所有输出
func collectEvents(h *ChunkHandler, chunks []*models.ChatCompletionChunk) string {
	var sb strings.Builder
	for _, c := range chunks {
		for _, e := range h.HandleChunk(c) {
			sb.WriteString(e)
		}
	}
	for _, e := range h.Finish() {
		sb.WriteString(e)
	}
	return sb.String()
}

// countOccurrences 统计事件类型出现次数
func countOccurrences(output, eventType string) int {
	return strings.Count(output, "event: "+eventType+"\n")
}

// =============================================================================
// 基础状态测试
// =============================================================================

// TestNewChunkHandler 测试创建流处理器
func TestNewChunkHandler(t *testing.T) {
	h := NewChunkHandler("msg_test", "claude-3-sonnet", 100)

	if h.Model != "claude-3-sonnet" {
		t.Errorf("期望 Model 为 claude-3-sonnet，实际为 %s", h.Model)
	}
	if h.InputTokens != 100 {
		t.Errorf("期望 InputTokens 为 100，实际为 %d", h.InputTokens)
	}
	if h.textBlockIndex != -1 {
		t.Errorf("期望 textBlockIndex 为 -1，实际为 %d", h.textBlockIndex)
	}
	if h.ResponseEnded {
		t.Error("期望 ResponseEnded 为 false")
	}
}

// TestHandleChunk_FirstChunkEmitsMessageStart 测试首个块发出 message_start
func TestHandleChunk_FirstChunkEmitsMessageStart(t *testing.T) {
	h := NewChunkHandler("msg_test", "claude-3-sonnet", 42)

	events := h.HandleChunk(textChunk("hello"))
	output := strings.Join(events, "")

	if !strings.Contains(output, "message_start") {
		t.Error("首个块应该发出 message_start")
	}
	if !strings.Contains(output, `"input_tokens":42`) {
		t.Error("message_start 应该携带预估的输入 token 数")
	}
	if !strings.Contains(output, "content_block_start") {
		t.Error("文本增量应该发出 content_block_start")
	}
	if !strings.Contains(output, `"text":"hello"`) {
		t.Error("文本增量应该发出 text_delta")
	}
}

// TestHandleChunk_ResponseEndedBlocksSubsequentChunks 测试终态后忽略后续块
func TestHandleChunk_ResponseEndedBlocksSubsequentChunks(t *testing.T) {
	h := NewChunkHandler("msg_test", "claude-3-sonnet", 10)

	h.HandleChunk(textChunk("hello"))
	h.HandleChunk(finishChunk("stop", &models.ChatCompletionUsage{PromptTokens: 10, CompletionTokens: 5}))

	if !h.ResponseEnded {
		t.Fatal("收到 finish_reason 和 usage 后应该进入终态")
	}

	events := h.HandleChunk(textChunk("trailing"))
	if len(events) != 0 {
		t.Errorf("终态后的块应该被忽略，实际返回 %d 个事件", len(events))
	}
}

// =============================================================================
// 完整序列约束测试
// =============================================================================

// TestStreamSequence_WellFormed 测试完整流的事件序列约束
func TestStreamSequence_WellFormed(t *testing.T) {
	h := NewChunkHandler("msg_test", "claude-3-sonnet", 10)
	output := collectEvents(h, []*models.ChatCompletionChunk{
		textChunk("Hello"),
		textChunk(" world"),
		finishChunk("stop", nil),
	})

	if got := countOccurrences(output, "message_start"); got != 1 {
		t.Errorf("message_start 应该恰好出现一次，实际 %d 次", got)
	}
	if got := countOccurrences(output, "message_stop"); got != 1 {
		t.Errorf("message_stop 应该恰好出现一次，实际 %d 次", got)
	}
	if got := countOccurrences(output, "message_delta"); got != 1 {
		t.Errorf("message_delta 应该恰好出现一次，实际 %d 次", got)
	}

	starts := countOccurrences(output, "content_block_start")
	stops := countOccurrences(output, "content_block_stop")
	if starts != stops {
		t.Errorf("content_block_start (%d) 和 content_block_stop (%d) 应该配对", starts, stops)
	}

	if !strings.Contains(output, `"stop_reason":"end_turn"`) {
		t.Error("stop 应该映射为 end_turn")
	}
}

// TestStreamSequence_ChunkingIdempotence 测试不同切分方式产出相同的最终内容
func TestStreamSequence_ChunkingIdempotence(t *testing.T) {
	h1 := NewChunkHandler("msg_a", "m", 0)
	collectEvents(h1, []*models.ChatCompletionChunk{
		textChunk("Hello, world!"),
		finishChunk("stop", nil),
	})

	h2 := NewChunkHandler("msg_b", "m", 0)
	collectEvents(h2, []*models.ChatCompletionChunk{
		textChunk("Hel"),
		textChunk("lo, wo"),
		textChunk("rld!"),
		finishChunk("stop", nil),
	})

	if h1.ResponseText() != h2.ResponseText() {
		t.Errorf("不同切分方式重组的文本应该一致: %q vs %q", h1.ResponseText(), h2.ResponseText())
	}
}

// TestStreamSequence_FinishReasonMapping 测试 finish_reason 映射
func TestStreamSequence_FinishReasonMapping(t *testing.T) {
	testCases := []struct {
		finishReason string
		stopReason   string
	}{
		{"stop", "end_turn"},
		{"length", "max_tokens"},
		{"tool_calls", "tool_use"},
		{"function_call", "tool_use"},
		{"content_filter", "end_turn"}, // 未知值回落
	}

	for _, tc := range testCases {
		h := NewChunkHandler("msg_test", "m", 0)
		output := collectEvents(h, []*models.ChatCompletionChunk{
			textChunk("x"),
			finishChunk(tc.finishReason, nil),
		})
		if !strings.Contains(output, `"stop_reason":"`+tc.stopReason+`"`) {
			t.Errorf("finish_reason %q 应该映射为 %q", tc.finishReason, tc.stopReason)
		}
	}
}

// =============================================================================
// 工具调用流测试
// =============================================================================

// TestToolCallStream_FragmentAccumulation 测试参数片段聚合后是合法 JSON
func TestToolCallStream_FragmentAccumulation(t *testing.T) {
	h := NewChunkHandler("msg_test", "m", 0)

	h.HandleChunk(toolCallChunk(0, "call_1", "get_weather", ""))
	h.HandleChunk(toolCallChunk(0, "", "", `{"a"`))
	h.HandleChunk(toolCallChunk(0, "", "", `:1}`))

	blockIdx, ok := h.slotToBlock[0]
	if !ok {
		t.Fatal("槽位 0 应该已分配内容块索引")
	}

	accumulated := h.aggregator.Accumulated(blockIdx)
	if accumulated != `{"a":1}` {
		t.Errorf("聚合后的参数应该为 {\"a\":1}，实际为 %q", accumulated)
	}

	var parsed map[string]interface{}
	if err := json.Unmarshal([]byte(accumulated), &parsed); err != nil {
		t.Errorf("聚合后的参数应该是合法 JSON: %v", err)
	}
}

// TestToolCallStream_SlotIndexMapping 测试槽位索引映射到块索引
func TestToolCallStream_SlotIndexMapping(t *testing.T) {
	h := NewChunkHandler("msg_test", "m", 0)

	// 先有文本块（索引 0），工具槽位 0 应映射到块索引 1
	h.HandleChunk(textChunk("let me check"))
	events := h.HandleChunk(toolCallChunk(0, "call_1", "get_weather", ""))
	output := strings.Join(events, "")

	if !strings.Contains(output, `"index":1`) {
		t.Errorf("工具槽位 0 应该映射到块索引 1，实际输出: %s", output)
	}

	// 第二个并行工具槽位映射到块索引 2
	events = h.HandleChunk(toolCallChunk(1, "call_2", "get_time", ""))
	output = strings.Join(events, "")
	if !strings.Contains(output, `"index":2`) {
		t.Errorf("工具槽位 1 应该映射到块索引 2，实际输出: %s", output)
	}
}

// TestToolCallStream_FragmentsEmittedVerbatim 测试片段按原样转发
func TestToolCallStream_FragmentsEmittedVerbatim(t *testing.T) {
	h := NewChunkHandler("msg_test", "m", 0)

	h.HandleChunk(toolCallChunk(0, "call_1", "search", ""))
	events := h.HandleChunk(toolCallChunk(0, "", "", `{"query":`))
	output := strings.Join(events, "")

	if !strings.Contains(output, "input_json_delta") {
		t.Error("参数片段应该以 input_json_delta 发出")
	}
	if !strings.Contains(output, `{\"query\":`) {
		t.Errorf("片段应该按原样转发，实际输出: %s", output)
	}
}

// =============================================================================
// 异常终止测试
// =============================================================================

// TestFinish_WithoutFinishReason 测试后端断流时的强制收尾
func TestFinish_WithoutFinishReason(t *testing.T) {
	h := NewChunkHandler("msg_test", "m", 5)

	h.HandleChunk(textChunk("partial resp"))
	events := h.Finish()
	output := strings.Join(events, "")

	if !strings.Contains(output, "content_block_stop") {
		t.Error("强制收尾应该关闭打开的文本块")
	}
	if !strings.Contains(output, `"stop_reason":"end_turn"`) {
		t.Error("无 finish_reason 断流应该回落到 end_turn")
	}
	if !strings.Contains(output, "message_stop") {
		t.Error("强制收尾应该发出 message_stop")
	}
	if !h.ResponseEnded {
		t.Error("收尾后应该进入终态")
	}
}

// TestFinish_MidStreamDropAfterToolStart 测试工具块开始后断流仍然收尾完整
func TestFinish_MidStreamDropAfterToolStart(t *testing.T) {
	h := NewChunkHandler("msg_test", "m", 5)

	var sb strings.Builder
	for _, e := range h.HandleChunk(textChunk("checking")) {
		sb.WriteString(e)
	}
	for _, e := range h.HandleChunk(toolCallChunk(0, "call_1", "get_weather", `{"loc`)) {
		sb.WriteString(e)
	}
	// 后端此时断开连接
	for _, e := range h.Finish() {
		sb.WriteString(e)
	}
	output := sb.String()

	starts := countOccurrences(output, "content_block_start")
	stops := countOccurrences(output, "content_block_stop")
	if starts != 2 || stops != 2 {
		t.Errorf("文本块和工具块都应该配对关闭，starts=%d stops=%d", starts, stops)
	}
	if got := countOccurrences(output, "message_stop"); got != 1 {
		t.Errorf("message_stop 应该恰好出现一次，实际 %d 次", got)
	}
}

// TestFinish_EmptyStream 测试后端一个块都没发就断开
func TestFinish_EmptyStream(t *testing.T) {
	h := NewChunkHandler("msg_test", "m", 5)

	events := h.Finish()
	output := strings.Join(events, "")

	if got := countOccurrences(output, "message_start"); got != 1 {
		t.Errorf("空流收尾仍应发出 message_start，实际 %d 次", got)
	}
	if got := countOccurrences(output, "message_stop"); got != 1 {
		t.Errorf("空流收尾仍应发出 message_stop，实际 %d 次", got)
	}
}

// TestFinish_AfterNormalClose 测试正常收尾后 Finish 不再产出事件
func TestFinish_AfterNormalClose(t *testing.T) {
	h := NewChunkHandler("msg_test", "m", 5)

	h.HandleChunk(textChunk("done"))
	h.HandleChunk(finishChunk("stop", &models.ChatCompletionUsage{CompletionTokens: 1}))

	if events := h.Finish(); len(events) != 0 {
		t.Errorf("正常收尾后 Finish 应该返回空，实际 %d 个事件", len(events))
	}
}

// =============================================================================
// usage 处理测试
// =============================================================================

// TestUsage_SeparateUsageChunk 测试 finish 后单独下发的 usage 块被采用
func TestUsage_SeparateUsageChunk(t *testing.T) {
	h := NewChunkHandler("msg_test", "m", 3)

	h.HandleChunk(textChunk("hi"))
	events := h.HandleChunk(finishChunk("stop", nil))
	if strings.Contains(strings.Join(events, ""), "message_stop") {
		t.Fatal("finish 块不带 usage 时应该等待下一个块")
	}

	usageChunk := &models.ChatCompletionChunk{
		ID:      "chatcmpl-test",
		Object:  "chat.completion.chunk",
		Choices: []models.ChatCompletionChunkChoice{},
		Usage:   &models.ChatCompletionUsage{PromptTokens: 3, CompletionTokens: 7},
	}
	events = h.HandleChunk(usageChunk)
	output := strings.Join(events, "")

	if !strings.Contains(output, `"output_tokens":7`) {
		t.Errorf("message_delta 应该携带后端下发的 usage，实际输出: %s", output)
	}
	if !strings.Contains(output, "message_stop") {
		t.Error("捕获 usage 后应该发出 message_stop")
	}
}

// TestUsage_EstimatedWhenMissing 测试后端从不下发 usage 时使用增量估算
func TestUsage_EstimatedWhenMissing(t *testing.T) {
	h := NewChunkHandler("msg_test", "m", 3)

	h.HandleChunk(textChunk("hello world foo bar"))
	h.HandleChunk(finishChunk("stop", nil))
	events := h.Finish()
	output := strings.Join(events, "")

	if h.OutputTokens() <= 0 {
		t.Errorf("增量估算的输出 token 数应该为正数，实际 %d", h.OutputTokens())
	}
	if !strings.Contains(output, "message_stop") {
		t.Error("Finish 应该完成收尾")
	}
}
