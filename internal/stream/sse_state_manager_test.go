package stream

import (
	"strings"
	"testing"
)

// =============================================================================
// SSEStateManager 测试
// =============================================================================

// TestStateManager_MessageStartOnce 测试 message_start 只能出现一次
func TestStateManager_MessageStartOnce(t *testing.T) {
	ssm := NewSSEStateManager(false)

	events, err := ssm.ValidateAndSendEvent("message_start", map[string]interface{}{"type": "message_start"})
	if err != nil || len(events) != 1 {
		t.Fatalf("首个 message_start 应该正常发出: err=%v, events=%d", err, len(events))
	}

	events, err = ssm.ValidateAndSendEvent("message_start", map[string]interface{}{"type": "message_start"})
	if err != nil {
		t.Fatalf("非严格模式不应该返回错误: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("重复的 message_start 应该被跳过，实际发出 %d 个事件", len(events))
	}
}

// TestStateManager_StrictModeRejectsDuplicateStart 测试严格模式拒绝重复 message_start
func TestStateManager_StrictModeRejectsDuplicateStart(t *testing.T) {
	ssm := NewSSEStateManager(true)

	ssm.ValidateAndSendEvent("message_start", map[string]interface{}{"type": "message_start"})
	_, err := ssm.ValidateAndSendEvent("message_start", map[string]interface{}{"type": "message_start"})
	if err == nil {
		t.Error("严格模式下重复的 message_start 应该返回错误")
	}
}

// TestStateManager_OrphanDeltaAutoStart 测试孤儿 delta 自动补发 content_block_start
func TestStateManager_OrphanDeltaAutoStart(t *testing.T) {
	ssm := NewSSEStateManager(false)
	ssm.ValidateAndSendEvent("message_start", map[string]interface{}{"type": "message_start"})

	deltaEvent := map[string]interface{}{
		"type":  "content_block_delta",
		"index": 0,
		"delta": map[string]interface{}{"type": "text_delta", "text": "hello"},
	}
	events, err := ssm.ValidateAndSendEvent("content_block_delta", deltaEvent)
	if err != nil {
		t.Fatalf("不应该返回错误: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("应该自动补发 content_block_start，期望 2 个事件，实际 %d 个", len(events))
	}
	if !strings.Contains(events[0], "content_block_start") {
		t.Errorf("第一个事件应该是 content_block_start: %s", events[0])
	}
}

// TestStateManager_OrphanToolDeltaInferType 测试孤儿 input_json_delta 推断为工具块
func TestStateManager_OrphanToolDeltaInferType(t *testing.T) {
	ssm := NewSSEStateManager(false)
	ssm.ValidateAndSendEvent("message_start", map[string]interface{}{"type": "message_start"})

	deltaEvent := map[string]interface{}{
		"type":  "content_block_delta",
		"index": 0,
		"delta": map[string]interface{}{"type": "input_json_delta", "partial_json": "{}"},
	}
	events, _ := ssm.ValidateAndSendEvent("content_block_delta", deltaEvent)
	if len(events) != 2 {
		t.Fatalf("期望 2 个事件，实际 %d 个", len(events))
	}
	if !strings.Contains(events[0], "tool_use") {
		t.Errorf("补发的块应该推断为 tool_use 类型: %s", events[0])
	}
}

// TestStateManager_StopWithoutStart 测试未启动块的 stop 被拦截
func TestStateManager_StopWithoutStart(t *testing.T) {
	ssm := NewSSEStateManager(false)
	ssm.ValidateAndSendEvent("message_start", map[string]interface{}{"type": "message_start"})

	events, err := ssm.ValidateAndSendEvent("content_block_stop", map[string]interface{}{
		"type":  "content_block_stop",
		"index": 5,
	})
	if err != nil {
		t.Fatalf("非严格模式不应该返回错误: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("未启动块的 stop 应该被跳过，实际发出 %d 个事件", len(events))
	}
}

// TestStateManager_DuplicateStop 测试重复 stop 被拦截
func TestStateManager_DuplicateStop(t *testing.T) {
	ssm := NewSSEStateManager(false)
	ssm.ValidateAndSendEvent("message_start", map[string]interface{}{"type": "message_start"})
	ssm.ValidateAndSendEvent("content_block_start", map[string]interface{}{
		"type":          "content_block_start",
		"index":         0,
		"content_block": map[string]interface{}{"type": "text", "text": ""},
	})

	stopEvent := map[string]interface{}{"type": "content_block_stop", "index": 0}
	events, _ := ssm.ValidateAndSendEvent("content_block_stop", stopEvent)
	if len(events) != 1 {
		t.Fatalf("首次 stop 应该正常发出，实际 %d 个事件", len(events))
	}

	events, _ = ssm.ValidateAndSendEvent("content_block_stop", stopEvent)
	if len(events) != 0 {
		t.Errorf("重复 stop 应该被跳过，实际发出 %d 个事件", len(events))
	}
}

// TestStateManager_MessageDeltaAutoClosesBlocks 测试 message_delta 前自动关闭未关闭的块
func TestStateManager_MessageDeltaAutoClosesBlocks(t *testing.T) {
	ssm := NewSSEStateManager(false)
	ssm.ValidateAndSendEvent("message_start", map[string]interface{}{"type": "message_start"})
	ssm.ValidateAndSendEvent("content_block_start", map[string]interface{}{
		"type":          "content_block_start",
		"index":         0,
		"content_block": map[string]interface{}{"type": "text", "text": ""},
	})
	ssm.ValidateAndSendEvent("content_block_start", map[string]interface{}{
		"type":          "content_block_start",
		"index":         1,
		"content_block": map[string]interface{}{"type": "tool_use", "id": "t1", "name": "f", "input": map[string]interface{}{}},
	})

	deltaEvent := map[string]interface{}{
		"type":  "message_delta",
		"delta": map[string]interface{}{"stop_reason": "end_turn", "stop_sequence": nil},
		"usage": map[string]int{"output_tokens": 3},
	}
	events, err := ssm.ValidateAndSendEvent("message_delta", deltaEvent)
	if err != nil {
		t.Fatalf("不应该返回错误: %v", err)
	}

	output := strings.Join(events, "")
	if got := strings.Count(output, "content_block_stop"); got != 2 {
		t.Errorf("message_delta 前应该自动关闭 2 个块，实际关闭 %d 个", got)
	}
	// 自动关闭按索引升序
	idx0 := strings.Index(output, `"index":0`)
	idx1 := strings.Index(output, `"index":1`)
	if idx0 < 0 || idx1 < 0 || idx0 > idx1 {
		t.Errorf("自动关闭应该按索引升序: %s", output)
	}
}

// TestStateManager_MessageDeltaOnce 测试 message_delta 只能出现一次
func TestStateManager_MessageDeltaOnce(t *testing.T) {
	ssm := NewSSEStateManager(false)
	ssm.ValidateAndSendEvent("message_start", map[string]interface{}{"type": "message_start"})

	deltaEvent := map[string]interface{}{
		"type":  "message_delta",
		"delta": map[string]interface{}{"stop_reason": "end_turn"},
	}
	ssm.ValidateAndSendEvent("message_delta", deltaEvent)
	events, _ := ssm.ValidateAndSendEvent("message_delta", deltaEvent)
	if len(events) != 0 {
		t.Errorf("重复的 message_delta 应该被跳过，实际发出 %d 个事件", len(events))
	}
}

// TestStateManager_MessageStopOnce 测试 message_stop 只能出现一次
func TestStateManager_MessageStopOnce(t *testing.T) {
	ssm := NewSSEStateManager(false)
	ssm.ValidateAndSendEvent("message_start", map[string]interface{}{"type": "message_start"})

	stopEvent := map[string]interface{}{"type": "message_stop"}
	events, _ := ssm.ValidateAndSendEvent("message_stop", stopEvent)
	if len(events) != 1 {
		t.Fatalf("首个 message_stop 应该正常发出，实际 %d 个事件", len(events))
	}
	if !ssm.IsMessageEnded() {
		t.Error("message_stop 后应该标记消息结束")
	}

	events, _ = ssm.ValidateAndSendEvent("message_stop", stopEvent)
	if len(events) != 0 {
		t.Errorf("重复的 message_stop 应该被跳过，实际发出 %d 个事件", len(events))
	}
}

// TestStateManager_BlockStartAfterMessageEnded 测试消息结束后拒绝新块
func TestStateManager_BlockStartAfterMessageEnded(t *testing.T) {
	ssm := NewSSEStateManager(false)
	ssm.ValidateAndSendEvent("message_start", map[string]interface{}{"type": "message_start"})
	ssm.ValidateAndSendEvent("message_stop", map[string]interface{}{"type": "message_stop"})

	events, _ := ssm.ValidateAndSendEvent("content_block_start", map[string]interface{}{
		"type":          "content_block_start",
		"index":         0,
		"content_block": map[string]interface{}{"type": "text", "text": ""},
	})
	if len(events) != 0 {
		t.Errorf("消息结束后的 content_block_start 应该被跳过，实际发出 %d 个事件", len(events))
	}
}

// TestStateManager_Reset 测试重置状态
func TestStateManager_Reset(t *testing.T) {
	ssm := NewSSEStateManager(false)
	ssm.ValidateAndSendEvent("message_start", map[string]interface{}{"type": "message_start"})
	ssm.ValidateAndSendEvent("message_stop", map[string]interface{}{"type": "message_stop"})

	ssm.Reset()
	if ssm.IsMessageStarted() || ssm.IsMessageEnded() || ssm.IsMessageDeltaSent() {
		t.Error("Reset 后所有状态标志应该清零")
	}
	if ssm.GetNextBlockIndex() != 0 {
		t.Errorf("Reset 后块索引应该归零，实际为 %d", ssm.GetNextBlockIndex())
	}
}
