package tokenizer

import (
	"encoding/json"

	"claude-proxy/internal/models"
)

// roleOverheadTokens 每条消息的角色和格式开销
const roleOverheadTokens = 4

// CountMessageTokens 估算消息列表的输入 token 数（含系统提示）
func CountMessageTokens(messages []models.ClaudeMessage, system interface{}) int {
	total := 0

	if systemText := ExtractSystemText(system); systemText != "" {
		total += CountTokens(systemText)
	}

	for _, msg := range messages {
		total += CountTokens(msg.Role) + roleOverheadTokens
		total += countContentTokens(msg.Content)
	}

	return total
}

// countContentTokens 估算消息内容的 token 数（字符串或内容块列表）
func countContentTokens(content interface{}) int {
	switch v := content.(type) {
	case string:
		return CountTokens(v)
	case []interface{}:
		total := 0
		for _, item := range v {
			block, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			switch block["type"] {
			case "text":
				if text, ok := block["text"].(string); ok {
					total += CountTokens(text)
				}
			case "tool_use":
				if name, ok := block["name"].(string); ok {
					total += CountTokens(name)
				}
				if input, ok := block["input"]; ok && input != nil {
					if b, err := json.Marshal(input); err == nil {
						total += CountTokens(string(b))
					}
				}
			case "tool_result":
				total += countContentTokens(block["content"])
			}
		}
		return total
	default:
		return 0
	}
}

// CountToolTokens 估算工具定义的 token 数
func CountToolTokens(tools []models.ClaudeTool) int {
	if len(tools) == 0 {
		return 0
	}

	toolsJSON, err := json.Marshal(tools)
	if err != nil {
		return 0
	}

	return CountTokens(string(toolsJSON))
}

// ExtractSystemText 从系统提示中提取纯文本（字符串或 SystemBlock 列表）
func ExtractSystemText(system interface{}) string {
	switch v := system.(type) {
	case string:
		return v
	case []interface{}:
		text := ""
		for _, item := range v {
			block, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			if t, ok := block["text"].(string); ok {
				if text != "" {
					text += "\n"
				}
				text += t
			}
		}
		return text
	default:
		return ""
	}
}
