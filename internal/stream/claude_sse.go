package stream

import (
	"encoding/json"
	"fmt"
)

// SSE 事件格式化
func sseFormat(eventType string, data interface{}) string {
	jsonData, _ := json.Marshal(data)
	return fmt.Sprintf("event: %s\ndata: %s\n\n", eventType, string(jsonData))
}

// messageStartData 构建 message_start 事件载荷
func messageStartData(messageID, model string, inputTokens int) map[string]interface{} {
	return map[string]interface{}{
		"type": "message_start",
		"message": map[string]interface{}{
			"id":            messageID,
			"type":          "message",
			"role":          "assistant",
			"content":       []interface{}{},
			"model":         model,
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage":         map[string]int{"input_tokens": inputTokens, "output_tokens": 0},
		},
	}
}

// contentBlockStartData 构建文本块 content_block_start 事件载荷
func contentBlockStartData(index int) map[string]interface{} {
	return map[string]interface{}{
		"type":          "content_block_start",
		"index":         index,
		"content_block": map[string]interface{}{"type": "text", "text": ""},
	}
}

// contentBlockDeltaData 构建 text_delta 事件载荷
func contentBlockDeltaData(index int, text string) map[string]interface{} {
	return map[string]interface{}{
		"type":  "content_block_delta",
		"index": index,
		"delta": map[string]interface{}{"type": "text_delta", "text": text},
	}
}

// contentBlockStopData 构建 content_block_stop 事件载荷
func contentBlockStopData(index int) map[string]interface{} {
	return map[string]interface{}{
		"type":  "content_block_stop",
		"index": index,
	}
}

// toolUseStartData 构建工具块 content_block_start 事件载荷
func toolUseStartData(index int, toolUseID, toolName string) map[string]interface{} {
	return map[string]interface{}{
		"type":  "content_block_start",
		"index": index,
		"content_block": map[string]interface{}{
			"type":  "tool_use",
			"id":    toolUseID,
			"name":  toolName,
			"input": map[string]interface{}{},
		},
	}
}

// toolUseInputDeltaData 构建 input_json_delta 事件载荷
func toolUseInputDeltaData(index int, inputJSONDelta string) map[string]interface{} {
	return map[string]interface{}{
		"type":  "content_block_delta",
		"index": index,
		"delta": map[string]interface{}{
			"type":         "input_json_delta",
			"partial_json": inputJSONDelta,
		},
	}
}

// messageDeltaData 构建 message_delta 事件载荷
func messageDeltaData(outputTokens int, stopReason string) map[string]interface{} {
	if stopReason == "" {
		stopReason = "end_turn"
	}
	return map[string]interface{}{
		"type":  "message_delta",
		"delta": map[string]interface{}{"stop_reason": stopReason, "stop_sequence": nil},
		"usage": map[string]int{"output_tokens": outputTokens},
	}
}

// messageStopData 构建 message_stop 事件载荷
func messageStopData() map[string]interface{} {
	return map[string]interface{}{"type": "message_stop"}
}

// BuildMessageStart 构建 message_start 事件
func BuildMessageStart(messageID, model string, inputTokens int) string {
	return sseFormat("message_start", messageStartData(messageID, model, inputTokens))
}

// BuildContentBlockStart 构建文本块的 content_block_start 事件
func BuildContentBlockStart(index int) string {
	return sseFormat("content_block_start", contentBlockStartData(index))
}

// BuildContentBlockDelta 构建 text_delta 事件
func BuildContentBlockDelta(index int, text string) string {
	return sseFormat("content_block_delta", contentBlockDeltaData(index, text))
}

// BuildContentBlockStop 构建 content_block_stop 事件
func BuildContentBlockStop(index int) string {
	return sseFormat("content_block_stop", contentBlockStopData(index))
}

// BuildToolUseStart 构建工具调用块的 content_block_start 事件
func BuildToolUseStart(index int, toolUseID, toolName string) string {
	return sseFormat("content_block_start", toolUseStartData(index, toolUseID, toolName))
}

// BuildToolUseInputDelta 构建 input_json_delta 事件
func BuildToolUseInputDelta(index int, inputJSONDelta string) string {
	return sseFormat("content_block_delta", toolUseInputDeltaData(index, inputJSONDelta))
}

// BuildPing 构建 ping 事件
func BuildPing() string {
	return sseFormat("ping", map[string]string{"type": "ping"})
}

// BuildMessageStop 构建 message_delta 和 message_stop 事件
func BuildMessageStop(outputTokens int, stopReason string) string {
	return sseFormat("message_delta", messageDeltaData(outputTokens, stopReason)) +
		sseFormat("message_stop", messageStopData())
}

// BuildError 构建错误事件（Claude 格式）
func BuildError(errType, msg string) string {
	if errType == "" {
		errType = "api_error"
	}
	data := map[string]interface{}{
		"type": "error",
		"error": map[string]interface{}{
			"type":    errType,
			"message": msg,
		},
	}
	return sseFormat("error", data)
}

// BuildDone 构建流结束哨兵
func BuildDone() string {
	return "data: [DONE]\n\n"
}
