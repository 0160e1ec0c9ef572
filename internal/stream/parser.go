package stream

import (
	"bytes"
	"encoding/json"
	"strings"

	"claude-proxy/internal/logger"
	"claude-proxy/internal/models"
)

// DoneSentinel 后端流结束哨兵
const DoneSentinel = "[DONE]"

// ChunkParser 增量解析后端 SSE 流中的聊天完成块
// 跨读取边界缓存不完整的行，遇到 [DONE] 哨兵后停止产出
type ChunkParser struct {
	buffer bytes.Buffer
	done   bool
}

// NewChunkParser 创建块解析器
func NewChunkParser() *ChunkParser {
	return &ChunkParser{}
}

// Done 返回是否已收到结束哨兵
func (p *ChunkParser) Done() bool {
	return p.done
}

// Feed 追加一段原始字节并返回其中完整的块
// 返回 done=true 表示收到 [DONE] 哨兵，后续数据被忽略
func (p *ChunkParser) Feed(data []byte) (chunks []*models.ChatCompletionChunk, done bool) {
	if p.done {
		return nil, true
	}

	p.buffer.Write(data)

	for {
		raw := p.buffer.Bytes()
		newlineIdx := bytes.IndexByte(raw, '\n')
		if newlineIdx < 0 {
			break
		}

		line := string(raw[:newlineIdx])
		p.buffer.Next(newlineIdx + 1)

		chunk, isDone := p.parseLine(line)
		if isDone {
			p.done = true
			return chunks, true
		}
		if chunk != nil {
			chunks = append(chunks, chunk)
		}
	}

	return chunks, false
}

// Flush 处理流结束时缓冲区中残留的最后一行（无换行结尾）
func (p *ChunkParser) Flush() []*models.ChatCompletionChunk {
	if p.done || p.buffer.Len() == 0 {
		return nil
	}

	line := p.buffer.String()
	p.buffer.Reset()

	chunk, isDone := p.parseLine(line)
	if isDone {
		p.done = true
		return nil
	}
	if chunk != nil {
		return []*models.ChatCompletionChunk{chunk}
	}
	return nil
}

// parseLine 解析单行 SSE 数据
// 跳过空行、注释行和 event: 行，data: 行解析为块
func (p *ChunkParser) parseLine(line string) (chunk *models.ChatCompletionChunk, done bool) {
	line = strings.TrimRight(line, "\r")
	if line == "" || strings.HasPrefix(line, ":") {
		return nil, false
	}

	if !strings.HasPrefix(line, "data:") {
		return nil, false
	}

	payload := strings.TrimSpace(line[len("data:"):])
	if payload == "" {
		return nil, false
	}
	if payload == DoneSentinel {
		return nil, true
	}

	var c models.ChatCompletionChunk
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		// 无法解析的块跳过而不中断流
		logger.Warn("[流解析] 跳过无法解析的数据块: %v", err)
		return nil, false
	}

	return &c, false
}
