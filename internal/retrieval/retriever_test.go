package retrieval

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pai-docchat-go/internal/ragerr"
	"pai-docchat-go/pkg/vectorindex"
)

// fakeEmbedder 为固定的查询返回预设向量。
type fakeEmbedder struct {
	vectors map[string][]float32
	err     error
}

func (f *fakeEmbedder) CreateEmbedding(_ context.Context, text string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return []float32{1, 0}, nil
}

func (f *fakeEmbedder) CreateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := f.CreateEmbedding(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (f *fakeEmbedder) Dimensions() int { return 2 }
func (f *fakeEmbedder) Model() string   { return "fake" }

// seed 写入三个分块，与查询 [1,0] 的点积分别为 0.9、0.5、0.1。
func seed(t *testing.T, m vectorindex.Manager, conv string, texts ...string) {
	t.Helper()
	ctx := context.Background()
	c, err := m.Collection(ctx, conv)
	require.NoError(t, err)
	scores := []float32{0.9, 0.5, 0.1}
	for i, text := range texts {
		require.NoError(t, c.Upsert(ctx, vectorindex.Entry{
			ChunkID:    conv + "doc_" + string(rune('0'+i)),
			DocumentID: conv + "doc",
			FileName:   conv + ".txt",
			Ordinal:    i,
			Start:      i * 10,
			End:        i*10 + len([]rune(text)),
			Text:       text,
			Vector:     []float32{scores[i], 0.1},
		}))
	}
}

func newTestRetriever(t *testing.T) (*Retriever, vectorindex.Manager) {
	t.Helper()
	m := vectorindex.NewMemoryManager("conv_", vectorindex.DotProduct)
	return NewRetriever(&fakeEmbedder{}, m), m
}

func TestRetrieveIsScopedToConversation(t *testing.T) {
	r, m := newTestRetriever(t)
	seed(t, m, "a", "alpha one", "alpha two")
	seed(t, m, "b", "bravo one", "bravo two", "bravo three")

	res, err := r.Retrieve(context.Background(), "a", "q", Options{TopK: 10})
	require.NoError(t, err)
	require.Len(t, res.Hits, 2)
	for _, in := range res.Included {
		assert.Equal(t, "adoc", in.DocumentID)
	}
	assert.NotContains(t, res.Context, "bravo")
}

func TestRetrieveThresholdPolicies(t *testing.T) {
	r, m := newTestRetriever(t)
	seed(t, m, "c1", "high", "mid", "low")
	ctx := context.Background()

	lenient, err := r.Retrieve(ctx, "c1", "q", Options{TopK: 5, MinScore: 0.4, Policy: Lenient})
	require.NoError(t, err)
	assert.Len(t, lenient.Included, 3)
	assert.False(t, lenient.NoRelevantContext)

	strict, err := r.Retrieve(ctx, "c1", "q", Options{TopK: 5, MinScore: 0.4, Policy: Strict})
	require.NoError(t, err)
	assert.Len(t, strict.Included, 2)

	none, err := r.Retrieve(ctx, "c1", "q", Options{TopK: 5, MinScore: 0.95, Policy: Lenient})
	require.NoError(t, err)
	assert.True(t, none.NoRelevantContext)
	assert.Empty(t, none.Context)
	assert.Len(t, none.Hits, 3)
}

func TestRetrieveContextFormatAndOrder(t *testing.T) {
	r, m := newTestRetriever(t)
	seed(t, m, "c1", "first text", "second text")

	res, err := r.Retrieve(context.Background(), "c1", "q", Options{TopK: 5})
	require.NoError(t, err)
	want := "[1] c1.txt (chunk 0, 0-10)\nfirst text\n\n[2] c1.txt (chunk 1, 10-21)\nsecond text"
	assert.Equal(t, want, res.Context)
	assert.Equal(t, 1, res.Included[0].Marker)
	assert.Equal(t, 2, res.Included[1].Marker)
}

func TestRetrieveSkipsBlocksThatOverflowBudget(t *testing.T) {
	r, m := newTestRetriever(t)
	big := strings.Repeat("长", 200)
	seed(t, m, "c1", "short one", big, "short two")

	res, err := r.Retrieve(context.Background(), "c1", "q", Options{TopK: 5, MaxContextChars: 100})
	require.NoError(t, err)
	require.Len(t, res.Included, 2)
	assert.Equal(t, 0, res.Included[0].Ordinal)
	assert.Equal(t, 2, res.Included[1].Ordinal)
	assert.Equal(t, 2, res.Included[1].Marker)
	assert.NotContains(t, res.Context, "长")
	assert.LessOrEqual(t, len([]rune(res.Context)), 100)
}

func TestRetrieveEmptyIndex(t *testing.T) {
	r, _ := newTestRetriever(t)
	res, err := r.Retrieve(context.Background(), "fresh", "q", Options{})
	require.NoError(t, err)
	assert.True(t, res.NoRelevantContext)
	assert.Empty(t, res.Hits)
}

func TestRetrieveEmbeddingFailure(t *testing.T) {
	m := vectorindex.NewMemoryManager("conv_", vectorindex.Cosine)
	r := NewRetriever(&fakeEmbedder{err: errors.New("dial tcp: timeout")}, m)

	_, err := r.Retrieve(context.Background(), "c1", "q", Options{})
	assert.ErrorIs(t, err, ragerr.ErrEmbeddingServiceUnavailable)
	var re *ragerr.Error
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "c1", re.ConversationID)
}
