package stream

import (
	"fmt"
	"sort"
	"strings"

	"claude-proxy/internal/logger"
	"claude-proxy/internal/models"
	"claude-proxy/internal/tokenizer"
)

// ChunkHandler 将后端聊天完成块转换为 Claude SSE 事件序列
// 每个请求一个实例，不跨请求共享
//
// 状态机：首个块发出 message_start 进入 Open 状态；Open 状态下文本增量
// 写入当前文本块，工具调用增量按槽位映射到内容块；收到 finish_reason 后
// 关闭所有打开的块并发出 message_delta + message_stop，之后的块全部忽略
type ChunkHandler struct {
	MessageID   string
	Model       string
	InputTokens int

	MessageStartSent bool
	ResponseEnded    bool

	// 内容块索引按首次出现顺序分配，类型一经分配不再改变
	nextBlockIndex int
	textBlockIndex int         // 当前打开的文本块索引，-1 表示没有
	slotToBlock    map[int]int // 后端工具槽位 -> 内容块索引
	toolBlockIDs   map[int]string
	toolBlockNames map[int]string
	openBlocks     map[int]bool

	aggregator     *ToolJSONAggregator
	responseBuffer []string

	// token 计数基于已发出的增量片段累加，结束时无需重扫全文
	OutputDeltaCount int

	// finish_reason 块最多缓冲一个后续块，以捕获单独下发的 usage 块
	finishReason string
	pendingClose bool
	finalUsage   *models.ChatCompletionUsage

	stateManager *SSEStateManager
}

// NewChunkHandler 创建流式块处理器
// model 是客户端请求的原始模型名，inputTokens 是预先估算的输入 token 数
func NewChunkHandler(messageID, model string, inputTokens int) *ChunkHandler {
	return &ChunkHandler{
		MessageID:      messageID,
		Model:          model,
		InputTokens:    inputTokens,
		textBlockIndex: -1,
		slotToBlock:    make(map[int]int),
		toolBlockIDs:   make(map[int]string),
		toolBlockNames: make(map[int]string),
		openBlocks:     make(map[int]bool),
		aggregator:     NewToolJSONAggregator(),
		stateManager:   NewSSEStateManager(false), // 非严格模式
	}
}

// emit 通过状态管理器发送事件，保证事件序列满足协议约束
func (h *ChunkHandler) emit(eventType string, data map[string]interface{}) []string {
	events, err := h.stateManager.ValidateAndSendEvent(eventType, data)
	if err != nil {
		logger.Error("[流转换] 事件序列违规: %v", err)
		return nil
	}
	return events
}

// HandleChunk 处理单个后端块并返回要发送的 Claude SSE 事件
func (h *ChunkHandler) HandleChunk(chunk *models.ChatCompletionChunk) []string {
	if h.ResponseEnded {
		return nil
	}

	var events []string

	// 首个块触发 message_start
	if !h.MessageStartSent {
		events = append(events, h.emit("message_start", messageStartData(h.MessageID, h.Model, h.InputTokens))...)
		events = append(events, BuildPing())
		h.MessageStartSent = true
	}

	if chunk.Usage != nil {
		h.finalUsage = chunk.Usage
	}

	// 上一个块带 finish_reason，本块只用于捕获 usage，随后进入终态
	if h.pendingClose {
		events = append(events, h.closeSequence()...)
		return events
	}

	if len(chunk.Choices) == 0 {
		return events
	}
	choice := chunk.Choices[0]

	// 文本增量
	if choice.Delta.Content != "" {
		if h.textBlockIndex < 0 {
			h.textBlockIndex = h.allocateBlock()
			events = append(events, h.emit("content_block_start", contentBlockStartData(h.textBlockIndex))...)
		}
		h.responseBuffer = append(h.responseBuffer, choice.Delta.Content)
		h.OutputDeltaCount += tokenizer.CountTokens(choice.Delta.Content)
		events = append(events, h.emit("content_block_delta", contentBlockDeltaData(h.textBlockIndex, choice.Delta.Content))...)
	}

	// 工具调用增量
	for _, tc := range choice.Delta.ToolCalls {
		events = append(events, h.handleToolCallDelta(&tc)...)
	}

	// finish_reason 触发收尾
	if choice.FinishReason != nil && *choice.FinishReason != "" {
		h.finishReason = *choice.FinishReason
		if chunk.Usage != nil {
			// usage 已随本块下发，立即收尾
			events = append(events, h.closeSequence()...)
		} else {
			h.pendingClose = true
		}
	}

	return events
}

// handleToolCallDelta 处理单个工具调用增量
// 槽位首次出现时分配下一个空闲内容块索引并发出块开始事件
func (h *ChunkHandler) handleToolCallDelta(tc *models.ToolCallDelta) []string {
	var events []string

	blockIdx, seen := h.slotToBlock[tc.Index]
	if !seen {
		blockIdx = h.allocateBlock()
		h.slotToBlock[tc.Index] = blockIdx

		toolUseID := tc.ID
		if toolUseID == "" {
			toolUseID = fmt.Sprintf("toolu_%s_%d", strings.TrimPrefix(h.MessageID, "msg_"), blockIdx)
		}
		toolName := ""
		if tc.Function != nil {
			toolName = tc.Function.Name
		}
		h.toolBlockIDs[blockIdx] = toolUseID
		h.toolBlockNames[blockIdx] = toolName
		h.aggregator.Start(blockIdx, toolName)

		events = append(events, h.emit("content_block_start", toolUseStartData(blockIdx, toolUseID, toolName))...)
	}

	if tc.Function != nil && tc.Function.Arguments != "" {
		safeFragment := h.aggregator.Append(blockIdx, tc.Function.Arguments)
		if safeFragment != "" {
			h.OutputDeltaCount += tokenizer.CountTokens(safeFragment)
			events = append(events, h.emit("content_block_delta", toolUseInputDeltaData(blockIdx, safeFragment))...)
		}
	}

	return events
}

// allocateBlock 分配下一个空闲的内容块索引
func (h *ChunkHandler) allocateBlock() int {
	idx := h.nextBlockIndex
	h.nextBlockIndex++
	h.openBlocks[idx] = true
	return idx
}

// closeSequence 发出收尾序列：按索引升序关闭所有打开的块，
// 发出带 stop_reason 和最终 usage 的 message_delta，最后 message_stop
func (h *ChunkHandler) closeSequence() []string {
	var events []string

	var openIndices []int
	for idx := range h.openBlocks {
		openIndices = append(openIndices, idx)
	}
	sort.Ints(openIndices)

	for _, idx := range openIndices {
		if _, isTool := h.toolBlockIDs[idx]; isTool {
			// 校验聚合后的参数 JSON，失败只记日志不中断流
			h.aggregator.Finalize(idx)
		}
		events = append(events, h.emit("content_block_stop", contentBlockStopData(idx))...)
		delete(h.openBlocks, idx)
	}

	events = append(events, h.emit("message_delta", messageDeltaData(h.outputTokens(), mapStopReason(h.finishReason)))...)
	events = append(events, h.emit("message_stop", messageStopData())...)

	h.ResponseEnded = true
	return events
}

// outputTokens 返回最终的输出 token 数
// 后端下发了 usage 时直接采用，否则使用增量累计值
func (h *ChunkHandler) outputTokens() int {
	if h.finalUsage != nil && h.finalUsage.CompletionTokens > 0 {
		return h.finalUsage.CompletionTokens
	}
	return h.OutputDeltaCount
}

// OutputTokens 返回输出 token 数（供请求日志使用）
func (h *ChunkHandler) OutputTokens() int {
	return h.outputTokens()
}

// FinalInputTokens 返回最终的输入 token 数
func (h *ChunkHandler) FinalInputTokens() int {
	if h.finalUsage != nil && h.finalUsage.PromptTokens > 0 {
		return h.finalUsage.PromptTokens
	}
	return h.InputTokens
}

// ResponseText 返回已累计的回答文本
func (h *ChunkHandler) ResponseText() string {
	return strings.Join(h.responseBuffer, "")
}

// Finish 流结束时的强制收尾
// 后端没有发 finish_reason 就断开连接时，仍然产出完整的收尾序列，
// stop_reason 回落到 end_turn
func (h *ChunkHandler) Finish() []string {
	if h.ResponseEnded {
		return nil
	}

	var events []string
	if !h.MessageStartSent {
		events = append(events, h.emit("message_start", messageStartData(h.MessageID, h.Model, h.InputTokens))...)
		h.MessageStartSent = true
	}

	events = append(events, h.closeSequence()...)
	return events
}

// Error 构造错误事件（Claude 格式）
func (h *ChunkHandler) Error(msg string) string {
	return BuildError("api_error", msg)
}

// mapStopReason 将 OpenAI finish_reason 映射为 Claude stop_reason
// 未知值回落到 end_turn
func mapStopReason(finishReason string) string {
	switch finishReason {
	case "stop", "":
		return "end_turn"
	case "length":
		return "max_tokens"
	case "tool_calls", "function_call":
		return "tool_use"
	default:
		logger.Warn("[流转换] 未知的 finish_reason: %s，回落到 end_turn", finishReason)
		return "end_turn"
	}
}
