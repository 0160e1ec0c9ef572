package tokenizer

import (
	"sync"

	"github.com/dlclark/regexp2"
)

// GPT 风格的分词切分模式，与主流 BPE tokenizer 的预切分规则一致
const splitPattern = `'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+(?!\S)|\s+`

var (
	pattern     *regexp2.Regexp
	patternOnce sync.Once
	patternErr  error
)

func getPattern() (*regexp2.Regexp, error) {
	patternOnce.Do(func() {
		pattern, patternErr = regexp2.Compile(splitPattern, regexp2.Unicode)
	})
	return pattern, patternErr
}

// CountTokens 估算文本的 token 数量
// 基于固定启发式：按 BPE 预切分模式分段，每段记 1 个 token；
// 包含 CJK 字符的段按字符数估算（中文约 1.5 字符/token）
func CountTokens(text string) int {
	if text == "" {
		return 0
	}

	p, err := getPattern()
	if err != nil {
		return estimateByChars(text)
	}

	total := 0
	match, _ := p.FindStringMatch(text)
	for match != nil {
		piece := match.String()
		if containsCJK(piece) {
			total += estimateByChars(piece)
		} else {
			total++
		}
		match, _ = p.FindNextMatch(match)
	}

	if total < 1 {
		return estimateByChars(text)
	}
	return total
}

// containsCJK 检查是否包含 CJK 字符
func containsCJK(text string) bool {
	for _, r := range text {
		if isCJK(r) {
			return true
		}
	}
	return false
}

func isCJK(r rune) bool {
	switch {
	case r >= 0x4E00 && r <= 0x9FFF: // CJK 统一汉字
		return true
	case r >= 0x3400 && r <= 0x4DBF: // CJK 扩展 A
		return true
	case r >= 0x20000 && r <= 0x2A6DF: // CJK 扩展 B
		return true
	}
	return false
}

// estimateByChars 按字符类别估算 token 数量
// 英文约 4 字符/token，中文约 1.5 字符/token
func estimateByChars(text string) int {
	if text == "" {
		return 0
	}

	var cjkChars, otherChars int
	for _, r := range text {
		if isCJK(r) {
			cjkChars++
		} else {
			otherChars++
		}
	}

	cjkTokens := int(float64(cjkChars) / 1.5)
	otherTokens := (otherChars + 3) / 4

	total := cjkTokens + otherTokens
	if total < 1 {
		total = 1
	}
	return total
}
