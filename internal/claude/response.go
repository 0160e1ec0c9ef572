package claude

import (
	"encoding/json"
	"strings"

	"claude-proxy/internal/logger"
	"claude-proxy/internal/models"
	"claude-proxy/internal/openai"
	"claude-proxy/internal/tokenizer"

	"github.com/google/uuid"
)

// NewMessageID 生成 Claude 格式的消息 ID
func NewMessageID() string {
	return "msg_" + strings.ReplaceAll(uuid.New().String(), "-", "")
}

// MapStopReason 将 OpenAI finish_reason 映射为 Claude stop_reason
// 未知值回落到 end_turn 而不报错
func MapStopReason(finishReason string) string {
	switch finishReason {
	case "stop":
		return "end_turn"
	case "length":
		return "max_tokens"
	case "tool_calls", "function_call":
		return "tool_use"
	case "":
		return "end_turn"
	default:
		logger.Warn("[响应转换] 未知的 finish_reason: %s，回落到 end_turn", finishReason)
		return "end_turn"
	}
}

// ParseToolArguments 解析工具调用参数 JSON
// 解析失败时回落到空对象，不向客户端传播错误
func ParseToolArguments(arguments string) map[string]interface{} {
	if arguments == "" {
		return map[string]interface{}{}
	}

	var input map[string]interface{}
	if err := json.Unmarshal([]byte(arguments), &input); err != nil {
		logger.Warn("[响应转换] 工具参数不是合法 JSON，回落到空对象: %v", err)
		return map[string]interface{}{}
	}
	if input == nil {
		return map[string]interface{}{}
	}
	return input
}

// ConvertResponse 将 OpenAI 非流式响应转换为 Claude 响应
// originalModel 是客户端请求的原始模型名，estimatedInputTokens 用于 usage 缺失时兜底
func ConvertResponse(resp *models.ChatCompletionResponse, originalModel string, estimatedInputTokens int) (*models.ClaudeResponse, error) {
	if len(resp.Choices) == 0 {
		return nil, openai.NewFormatError("后端响应缺少 choices")
	}

	choice := resp.Choices[0]
	var content []models.ContentBlock

	// 文本内容
	if text := extractMessageText(choice.Message.Content); text != "" {
		content = append(content, models.ContentBlock{
			Type: "text",
			Text: &text,
		})
	}

	// 工具调用转换为 tool_use 块
	for _, tc := range choice.Message.ToolCalls {
		id := tc.ID
		name := tc.Function.Name
		content = append(content, models.ContentBlock{
			Type:  "tool_use",
			ID:    &id,
			Name:  &name,
			Input: ParseToolArguments(tc.Function.Arguments),
		})
	}

	// 空响应保留一个空文本块，保证 content 数组非空
	if len(content) == 0 {
		empty := ""
		content = append(content, models.ContentBlock{
			Type: "text",
			Text: &empty,
		})
	}

	// usage 缺失时用估算值兜底
	usage := models.ClaudeUsage{}
	if resp.Usage != nil {
		usage.InputTokens = resp.Usage.PromptTokens
		usage.OutputTokens = resp.Usage.CompletionTokens
	} else {
		usage.InputTokens = estimatedInputTokens
		usage.OutputTokens = estimateOutputTokens(content)
		logger.Debug("[响应转换] 后端未返回 usage，使用估算值 - 输入: %d, 输出: %d",
			usage.InputTokens, usage.OutputTokens)
	}

	return &models.ClaudeResponse{
		ID:         NewMessageID(),
		Type:       "message",
		Role:       "assistant",
		Model:      originalModel,
		Content:    content,
		StopReason: MapStopReason(choice.FinishReason),
		Usage:      usage,
	}, nil
}

// extractMessageText 提取 OpenAI 消息的文本内容
func extractMessageText(content interface{}) string {
	switch c := content.(type) {
	case string:
		return c
	case []interface{}:
		var parts []string
		for _, raw := range c {
			if part, ok := raw.(map[string]interface{}); ok {
				if part["type"] == "text" {
					if text, ok := part["text"].(string); ok {
						parts = append(parts, text)
					}
				}
			}
		}
		return strings.Join(parts, "")
	default:
		return ""
	}
}

// estimateOutputTokens 估算输出内容的 token 数
func estimateOutputTokens(content []models.ContentBlock) int {
	total := 0
	for _, block := range content {
		switch block.Type {
		case "text":
			if block.Text != nil {
				total += tokenizer.CountTokens(*block.Text)
			}
		case "tool_use":
			if block.Name != nil {
				total += tokenizer.CountTokens(*block.Name)
			}
			if block.Input != nil {
				if b, err := json.Marshal(block.Input); err == nil {
					total += tokenizer.CountTokens(string(b))
				}
			}
		}
	}
	return total
}
