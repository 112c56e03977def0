package retrieval

import (
	"regexp"
	"strconv"

	"pai-docchat-go/internal/model"
)

// 匹配 [1]、[1, 2]、[1，2] 形式的引用标记
var citationMarker = regexp.MustCompile(`\[(\d+(?:\s*[,，]\s*\d+)*)\]`)
var markerNumber = regexp.MustCompile(`\d+`)

// MapCitations 把放入上下文的分块映射为引用，顺序与上下文一致。
func MapCitations(included []Included) []model.Citation {
	citations := make([]model.Citation, 0, len(included))
	for _, in := range included {
		citations = append(citations, model.Citation{
			Marker:       in.Marker,
			DocumentID:   in.DocumentID,
			FileName:     in.FileName,
			ChunkID:      in.ChunkID,
			ChunkOrdinal: in.Ordinal,
			Start:        in.Start,
			End:          in.End,
		})
	}
	return citations
}

// MarkReferenced 返回 citations 的副本，回答中出现过 [n] 的引用标记为 Referenced。
func MarkReferenced(citations []model.Citation, answer string) []model.Citation {
	seen := ReferencedMarkers(answer)
	out := make([]model.Citation, len(citations))
	for i, c := range citations {
		c.Referenced = seen[c.Marker]
		out[i] = c
	}
	return out
}

// ReferencedMarkers 提取回答中出现的全部引用编号。
func ReferencedMarkers(answer string) map[int]bool {
	seen := make(map[int]bool)
	for _, group := range citationMarker.FindAllStringSubmatch(answer, -1) {
		for _, num := range markerNumber.FindAllString(group[1], -1) {
			if n, err := strconv.Atoi(num); err == nil {
				seen[n] = true
			}
		}
	}
	return seen
}
