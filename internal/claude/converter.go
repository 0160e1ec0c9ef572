package claude

import (
	"encoding/json"
	"strconv"
	"strings"

	"claude-proxy/internal/config"
	"claude-proxy/internal/logger"
	"claude-proxy/internal/models"
	"claude-proxy/internal/utils"
)

// ToolErrorPrefix 工具执行失败时写入 tool 消息内容的标记前缀
const ToolErrorPrefix = "[Tool Error] "

// MapModelName 将 Claude 模型名称映射到后端模型
// 按子串匹配别名（不区分大小写）：haiku -> Small, sonnet -> Middle, opus -> Big
// 未匹配到别名的模型名原样透传给后端
func MapModelName(claudeModel string, cfg *config.Config) string {
	modelLower := strings.ToLower(claudeModel)

	switch {
	case strings.Contains(modelLower, "haiku"):
		return cfg.Models.Small
	case strings.Contains(modelLower, "sonnet"):
		return cfg.Models.Middle
	case strings.Contains(modelLower, "opus"):
		return cfg.Models.Big
	}

	return claudeModel
}

// ClampMaxTokens 将 max_tokens 收敛到配置的上下限内，超限收敛而不拒绝
func ClampMaxTokens(requested int, cfg *config.Config) int {
	if requested < cfg.Limits.MinTokens {
		return cfg.Limits.MinTokens
	}
	if requested > cfg.Limits.MaxTokens {
		return cfg.Limits.MaxTokens
	}
	return requested
}

// ExtractSystemText 从系统提示中提取纯文本
// 支持字符串和文本块列表两种形式，多块用换行连接
func ExtractSystemText(system interface{}) string {
	switch s := system.(type) {
	case string:
		return s
	case []interface{}:
		var parts []string
		for _, block := range s {
			if blockMap, ok := block.(map[string]interface{}); ok {
				if blockType, _ := blockMap["type"].(string); blockType == "text" {
					if text, ok := blockMap["text"].(string); ok {
						parts = append(parts, text)
					}
				}
			}
		}
		return strings.Join(parts, "\n")
	}
	return ""
}

// ValidateRequest 校验请求必填字段
func ValidateRequest(req *models.ClaudeRequest) error {
	if req.Model == "" {
		return NewValidationError("model", "不能为空")
	}
	if len(req.Messages) == 0 {
		return NewValidationError("messages", "不能为空")
	}
	for i, msg := range req.Messages {
		if msg.Role != "user" && msg.Role != "assistant" {
			return NewValidationError("messages", "第 "+strconv.Itoa(i)+" 条消息的 role 必须是 user 或 assistant")
		}
	}
	return nil
}

// ConvertRequest 将 Claude 请求转换为 OpenAI 聊天完成请求
// 返回的请求中 Model 已完成别名映射，MaxTokens 已收敛到限制区间
func ConvertRequest(req *models.ClaudeRequest, cfg *config.Config) (*models.ChatCompletionRequest, error) {
	if err := ValidateRequest(req); err != nil {
		return nil, err
	}

	out := &models.ChatCompletionRequest{
		Model:       MapModelName(req.Model, cfg),
		MaxTokens:   ClampMaxTokens(req.MaxTokens, cfg),
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
	}

	if len(req.StopSequences) > 0 {
		out.Stop = req.StopSequences
	}

	// 流式请求时要求后端在末尾块返回 usage
	if req.Stream {
		out.StreamOptions = &models.StreamOptions{IncludeUsage: true}
	}

	// 1. 系统提示转换为开头的 system 消息
	if sysText := ExtractSystemText(req.System); sysText != "" {
		out.Messages = append(out.Messages, models.ChatMessage{
			Role:    "system",
			Content: sysText,
		})
	}

	// 2. 逐条转换消息
	for _, msg := range req.Messages {
		converted, err := convertMessage(&msg)
		if err != nil {
			return nil, err
		}
		out.Messages = append(out.Messages, converted...)
	}

	// 3. 工具定义转换
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, models.OpenAITool{
			Type: "function",
			Function: models.OpenAIToolFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}

	// 4. tool_choice 映射
	if req.ToolChoice != nil {
		out.ToolChoice = convertToolChoice(req.ToolChoice)
	}

	return out, nil
}

// convertMessage 将一条 Claude 消息转换为一条或多条 OpenAI 消息
// 含 tool_result 的 user 消息会拆分为若干 tool 消息加一条可选的 user 消息
func convertMessage(msg *models.ClaudeMessage) ([]models.ChatMessage, error) {
	// 纯字符串内容直接透传
	if text, ok := msg.Content.(string); ok {
		return []models.ChatMessage{{Role: msg.Role, Content: text}}, nil
	}

	blocks, ok := msg.Content.([]interface{})
	if !ok {
		if msg.Content == nil {
			return []models.ChatMessage{{Role: msg.Role, Content: ""}}, nil
		}
		return nil, NewValidationError("messages", "content 必须是字符串或内容块数组")
	}

	var result []models.ChatMessage
	var parts []models.ContentPart
	var toolCalls []models.ToolCall
	textOnly := true

	for _, raw := range blocks {
		block, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}

		switch block["type"] {
		case "text":
			text, _ := block["text"].(string)
			parts = append(parts, models.ContentPart{Type: "text", Text: text})

		case "image":
			part, err := convertImageBlock(block)
			if err != nil {
				return nil, err
			}
			parts = append(parts, *part)
			textOnly = false

		case "tool_use":
			id, _ := block["id"].(string)
			name, _ := block["name"].(string)
			args := "{}"
			if input, ok := block["input"]; ok && input != nil {
				if b, err := json.Marshal(input); err == nil {
					args = string(b)
				}
			}
			toolCalls = append(toolCalls, models.ToolCall{
				ID:   id,
				Type: "function",
				Function: models.FunctionCall{
					Name:      name,
					Arguments: args,
				},
			})

		case "tool_result":
			toolUseID, _ := block["tool_use_id"].(string)
			content := extractToolResultText(block["content"])
			if isError, _ := block["is_error"].(bool); isError {
				content = ToolErrorPrefix + content
			}
			result = append(result, models.ChatMessage{
				Role:       "tool",
				Content:    content,
				ToolCallID: toolUseID,
			})

		default:
			logger.Debug("[请求转换] 跳过不支持的内容块类型: %v", block["type"])
		}
	}

	// assistant 消息携带 tool_calls
	if msg.Role == "assistant" && len(toolCalls) > 0 {
		assistantMsg := models.ChatMessage{
			Role:      "assistant",
			Content:   "",
			ToolCalls: toolCalls,
		}
		if len(parts) > 0 {
			assistantMsg.Content = joinTextParts(parts)
		}
		return append(result, assistantMsg), nil
	}

	if len(parts) > 0 {
		chatMsg := models.ChatMessage{Role: msg.Role}
		if textOnly && len(parts) == 1 {
			// 单个文本块压平为纯字符串，兼容不支持多模态数组的后端
			chatMsg.Content = parts[0].Text
		} else {
			chatMsg.Content = parts
		}
		result = append(result, chatMsg)
	}

	if len(result) == 0 {
		result = append(result, models.ChatMessage{Role: msg.Role, Content: ""})
	}

	return result, nil
}

// convertImageBlock 将 Claude 图片块转换为 image_url 内容部分
// base64 数据原样拼入 data URL，不做重编码
func convertImageBlock(block map[string]interface{}) (*models.ContentPart, error) {
	source, ok := block["source"].(map[string]interface{})
	if !ok {
		return nil, NewValidationError("messages", "图片块缺少 source 字段")
	}

	sourceType, _ := source["type"].(string)
	if sourceType != "base64" {
		return nil, NewValidationError("messages", "图片 source.type 仅支持 base64")
	}

	mediaType, _ := source["media_type"].(string)
	data, _ := source["data"].(string)
	if data == "" {
		return nil, NewValidationError("messages", "图片数据不能为空")
	}

	if !utils.IsSupportedImageFormat(mediaType) {
		logger.Warn("[请求转换] 未知的图片格式: %s，仍按原样透传", mediaType)
	}

	return &models.ContentPart{
		Type:     "image_url",
		ImageURL: &models.ImageURLPart{URL: utils.BuildDataURL(mediaType, data)},
	}, nil
}

// extractToolResultText 提取 tool_result 的文本内容
// content 可以是字符串或文本块数组
func extractToolResultText(content interface{}) string {
	switch c := content.(type) {
	case string:
		return c
	case []interface{}:
		var parts []string
		for _, raw := range c {
			if block, ok := raw.(map[string]interface{}); ok {
				if block["type"] == "text" {
					if text, ok := block["text"].(string); ok {
						parts = append(parts, text)
					}
				}
			}
		}
		return strings.Join(parts, "\n")
	case nil:
		return ""
	default:
		// 结构化结果序列化为 JSON 字符串
		if b, err := json.Marshal(c); err == nil {
			return string(b)
		}
		return ""
	}
}

// joinTextParts 连接文本部分，忽略非文本部分
func joinTextParts(parts []models.ContentPart) string {
	var texts []string
	for _, p := range parts {
		if p.Type == "text" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// convertToolChoice 将 Claude tool_choice 映射为 OpenAI 格式
// auto -> "auto", any -> "required", tool -> 指定函数
func convertToolChoice(toolChoice interface{}) interface{} {
	tc, ok := toolChoice.(map[string]interface{})
	if !ok {
		return nil
	}

	tcType, _ := tc["type"].(string)
	switch tcType {
	case "auto":
		return "auto"
	case "any":
		return "required"
	case "tool":
		if name, ok := tc["name"].(string); ok {
			return map[string]interface{}{
				"type": "function",
				"function": map[string]interface{}{
					"name": name,
				},
			}
		}
	}

	return nil
}
