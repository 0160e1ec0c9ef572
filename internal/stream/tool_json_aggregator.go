package stream

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"

	"claude-proxy/internal/logger"
)

// ToolJSONAggregator 流式工具参数聚合器
// 后端按任意字节边界切分 arguments 片段，可能截断 UTF-8 字符
// 聚合器保证向客户端转发的每个片段都是合法 UTF-8，并在块结束时校验整体 JSON
type ToolJSONAggregator struct {
	streamers map[int]*jsonStreamer
	mu        sync.Mutex
}

// jsonStreamer 单个工具调用块的片段累积器
type jsonStreamer struct {
	blockIndex     int
	toolName       string
	buffer         *bytes.Buffer
	fragmentCount  int
	totalBytes     int
	incompleteUTF8 string // 跨片段的不完整 UTF-8 字符
}

// NewToolJSONAggregator 创建工具参数聚合器
func NewToolJSONAggregator() *ToolJSONAggregator {
	return &ToolJSONAggregator{
		streamers: make(map[int]*jsonStreamer),
	}
}

// Start 为内容块注册一个新的累积器
func (tja *ToolJSONAggregator) Start(blockIndex int, toolName string) {
	tja.mu.Lock()
	defer tja.mu.Unlock()

	tja.streamers[blockIndex] = &jsonStreamer{
		blockIndex: blockIndex,
		toolName:   toolName,
		buffer:     bytes.NewBuffer(nil),
	}
	logger.Debug("创建工具参数累积器 - blockIndex: %d, toolName: %s", blockIndex, toolName)
}

// Append 追加一个参数片段，返回可以安全转发的片段
// 截断的 UTF-8 末尾字节被暂存，拼到下一个片段的开头
func (tja *ToolJSONAggregator) Append(blockIndex int, fragment string) string {
	tja.mu.Lock()
	defer tja.mu.Unlock()

	streamer, exists := tja.streamers[blockIndex]
	if !exists {
		streamer = &jsonStreamer{
			blockIndex: blockIndex,
			buffer:     bytes.NewBuffer(nil),
		}
		tja.streamers[blockIndex] = streamer
	}

	if fragment == "" {
		return ""
	}

	safeFragment := streamer.ensureUTF8Integrity(fragment)
	streamer.buffer.WriteString(safeFragment)
	streamer.fragmentCount++
	streamer.totalBytes += len(fragment)

	return safeFragment
}

// Accumulated 返回某个块到目前为止累积的完整参数串
func (tja *ToolJSONAggregator) Accumulated(blockIndex int) string {
	tja.mu.Lock()
	defer tja.mu.Unlock()

	if streamer, exists := tja.streamers[blockIndex]; exists {
		return streamer.buffer.String()
	}
	return ""
}

// Finalize 结束某个块的累积并返回解析后的参数 JSON
// 无参数或解析失败时回落到空对象
func (tja *ToolJSONAggregator) Finalize(blockIndex int) string {
	tja.mu.Lock()
	defer tja.mu.Unlock()

	streamer, exists := tja.streamers[blockIndex]
	if !exists {
		return "{}"
	}
	defer delete(tja.streamers, blockIndex)

	content := strings.TrimSpace(streamer.buffer.String())
	if content == "" || content == "{}" || content == "[]" {
		logger.Debug("工具无参数，使用默认空对象 - toolName: %s", streamer.toolName)
		return "{}"
	}

	var result map[string]interface{}
	if err := json.Unmarshal([]byte(content), &result); err != nil {
		logger.Error("工具参数聚合后不是合法 JSON - toolName: %s, blockIndex: %d, fragmentCount: %d, totalBytes: %d, error: %v",
			streamer.toolName, blockIndex, streamer.fragmentCount, streamer.totalBytes, err)
		return "{}"
	}

	logger.Debug("工具参数聚合完成 - blockIndex: %d, toolName: %s, totalFragments: %d, totalBytes: %d",
		blockIndex, streamer.toolName, streamer.fragmentCount, streamer.totalBytes)
	return content
}

// ActiveCount 返回活跃累积器数量
func (tja *ToolJSONAggregator) ActiveCount() int {
	tja.mu.Lock()
	defer tja.mu.Unlock()
	return len(tja.streamers)
}

// ensureUTF8Integrity 确保片段以完整的 UTF-8 字符结尾
// 末尾截断的多字节序列被暂存，下一个片段到来时拼回开头
func (js *jsonStreamer) ensureUTF8Integrity(fragment string) string {
	if fragment == "" {
		return fragment
	}

	// 先拼接之前暂存的不完整字符
	if js.incompleteUTF8 != "" {
		fragment = js.incompleteUTF8 + fragment
		js.incompleteUTF8 = ""
		logger.Debug("恢复截断的 UTF-8 字符 - blockIndex: %d", js.blockIndex)
	}

	byteData := []byte(fragment)
	n := len(byteData)

	// 从末尾开始检查 UTF-8 字符边界
	for i := n - 1; i >= 0 && i >= n-4; i-- {
		b := byteData[i]

		if b&0x80 == 0 {
			// ASCII 字符，边界正确
			break
		} else if b&0xE0 == 0xC0 {
			// 2 字节序列开始
			if n-i < 2 {
				js.incompleteUTF8 = string(byteData[i:])
				return string(byteData[:i])
			}
			break
		} else if b&0xF0 == 0xE0 {
			// 3 字节序列开始
			if n-i < 3 {
				js.incompleteUTF8 = string(byteData[i:])
				return string(byteData[:i])
			}
			break
		} else if b&0xF8 == 0xF0 {
			// 4 字节序列开始
			if n-i < 4 {
				js.incompleteUTF8 = string(byteData[i:])
				return string(byteData[:i])
			}
			break
		}
	}

	return fragment
}
