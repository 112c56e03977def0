package retrieval

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"pai-docchat-go/internal/model"
	"pai-docchat-go/pkg/vectorindex"
)

func TestMapCitationsKeepsContextOrder(t *testing.T) {
	included := []Included{
		{Marker: 1, Hit: vectorindex.Hit{Entry: vectorindex.Entry{ChunkID: "d2_4", DocumentID: "d2", FileName: "b.pdf", Ordinal: 4, Start: 400, End: 500}, Score: 0.9}},
		{Marker: 2, Hit: vectorindex.Hit{Entry: vectorindex.Entry{ChunkID: "d1_0", DocumentID: "d1", FileName: "a.txt", Ordinal: 0, Start: 0, End: 100}, Score: 0.7}},
	}

	got := MapCitations(included)
	assert.Equal(t, []model.Citation{
		{Marker: 1, DocumentID: "d2", FileName: "b.pdf", ChunkID: "d2_4", ChunkOrdinal: 4, Start: 400, End: 500},
		{Marker: 2, DocumentID: "d1", FileName: "a.txt", ChunkID: "d1_0", ChunkOrdinal: 0, Start: 0, End: 100},
	}, got)
	assert.Empty(t, MapCitations(nil))
}

func TestMarkReferenced(t *testing.T) {
	citations := []model.Citation{{Marker: 1}, {Marker: 2}, {Marker: 3}, {Marker: 4}}
	answer := "根据资料 [1]，以及 [3，4] 可知。另见 [12]。"

	got := MarkReferenced(citations, answer)
	assert.True(t, got[0].Referenced)
	assert.False(t, got[1].Referenced)
	assert.True(t, got[2].Referenced)
	assert.True(t, got[3].Referenced)
	assert.False(t, citations[0].Referenced, "input is not modified")
}

func TestReferencedMarkers(t *testing.T) {
	assert.Equal(t, map[int]bool{1: true, 2: true, 5: true}, ReferencedMarkers("see [1][2] and [5, 1]"))
	assert.Empty(t, ReferencedMarkers("no markers [a] here"))
}
