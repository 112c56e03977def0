package pipeline

import (
	"fmt"
	"iter"
	"slices"
	"unicode"

	"pai-docchat-go/internal/ragerr"
)

// Chunk 是清洗后文本中的一个片段。偏移量和长度都以 Unicode 码点计。
type Chunk struct {
	Ordinal int
	// Start/End 为左闭右开区间 [Start, End)
	Start int
	End   int
	// Overlap 是 Text 开头与上一个分块重复的码点数
	Overlap int
	Text    string
}

// Chunker 按固定窗口和重叠宽度切分文本，并尽量在自然边界处断开。
type Chunker struct {
	size    int
	overlap int
}

// NewChunker 要求 size > 0 且 0 <= overlap < size。
func NewChunker(size, overlap int) (*Chunker, error) {
	if size <= 0 || overlap < 0 || overlap >= size {
		return nil, ragerr.New(ragerr.ErrInvalidChunkConfig, "", "",
			fmt.Errorf("size=%d overlap=%d", size, overlap))
	}
	return &Chunker{size: size, overlap: overlap}, nil
}

// Size 返回窗口大小。
func (c *Chunker) Size() int { return c.size }

// Overlap 返回重叠宽度。
func (c *Chunker) Overlap() int { return c.overlap }

// Chunks 返回一个惰性的分块序列，可以多次遍历。
// 第一个分块最多包含 size 个新字符；之后每个分块最多包含 size-overlap 个新字符，
// 并以其前面的 overlap 个字符开头（起点始终晚于上一个分块的起点）。
// 依次拼接每个分块的 Text[Overlap:]（按码点）可以精确还原输入。
func (c *Chunker) Chunks(text string) iter.Seq[Chunk] {
	return func(yield func(Chunk) bool) {
		runes := []rune(text)
		n := len(runes)
		pos, prevStart := 0, -1
		for ordinal := 0; pos < n; ordinal++ {
			start, budget := pos, c.size
			if ordinal > 0 {
				start = max(pos-c.overlap, prevStart+1)
				budget = c.size - c.overlap
			}
			end := cutPoint(runes, pos, min(pos+budget, n))
			chunk := Chunk{
				Ordinal: ordinal,
				Start:   start,
				End:     end,
				Overlap: pos - start,
				Text:    string(runes[start:end]),
			}
			if !yield(chunk) {
				return
			}
			prevStart, pos = start, end
		}
	}
}

// Split 一次性返回全部分块。
func (c *Chunker) Split(text string) []Chunk {
	return slices.Collect(c.Chunks(text))
}

// separator 判断在 runes[:cut] 之后断开是否落在某种边界上。
type separator func(runes []rune, cut int) bool

// 按优先级排列：段落、换行、句末、词间。
var separators = []separator{
	func(r []rune, c int) bool { return c >= 2 && r[c-1] == '\n' && r[c-2] == '\n' },
	func(r []rune, c int) bool { return r[c-1] == '\n' },
	func(r []rune, c int) bool {
		switch r[c-1] {
		case '。', '！', '？', '；':
			return true
		case ' ':
			return c >= 2 && (r[c-2] == '.' || r[c-2] == '!' || r[c-2] == '?')
		}
		return false
	},
	func(r []rune, c int) bool { return unicode.IsSpace(r[c-1]) },
}

// cutPoint 在 (lo, hi] 中选择切分点。到达文本末尾时直接返回 hi；
// 否则先在窗口后半段按分隔符优先级查找，再在整个窗口中查找，都没有则硬切。
func cutPoint(runes []rune, lo, hi int) int {
	if hi >= len(runes) {
		return len(runes)
	}
	if c := findCut(runes, lo+(hi-lo)/2, hi, separators); c > 0 {
		return c
	}
	if c := findCut(runes, lo, hi, separators); c > 0 {
		return c
	}
	return hi
}

// findCut 用 seps[0] 在 (lo, hi] 中从右向左找最后一个切分点，找不到时递归尝试下一级分隔符。
func findCut(runes []rune, lo, hi int, seps []separator) int {
	if len(seps) == 0 {
		return -1
	}
	for c := hi; c > lo; c-- {
		if seps[0](runes, c) {
			return c
		}
	}
	return findCut(runes, lo, hi, seps[1:])
}
