package es

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pai-docchat-go/pkg/retry"
	"pai-docchat-go/pkg/vectorindex"
)

var _ vectorindex.Manager = (*Manager)(nil)
var _ vectorindex.Collection = (*collection)(nil)

// fakeES 模拟 Elasticsearch 的少量接口，并记录收到的请求。
type fakeES struct {
	mu        sync.Mutex
	indices   map[string]bool
	heads     int
	mapping   string
	bulkBody  string
	search    string
	bulkFails bool
}

func (f *fakeES) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w.Header().Set("X-Elastic-Product", "Elasticsearch")
	w.Header().Set("Content-Type", "application/json")
	body, _ := io.ReadAll(r.Body)
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	index := parts[0]

	notFound := func() {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"type":"index_not_found_exception"},"status":404}`))
	}

	switch {
	case r.Method == http.MethodHead:
		f.heads++
		if !f.indices[index] {
			w.WriteHeader(http.StatusNotFound)
		}
	case r.Method == http.MethodPut && len(parts) == 1:
		f.indices[index] = true
		f.mapping = string(body)
		_, _ = w.Write([]byte(`{"acknowledged":true}`))
	case r.Method == http.MethodDelete && len(parts) == 1:
		delete(f.indices, index)
		_, _ = w.Write([]byte(`{"acknowledged":true}`))
	case index == "_bulk":
		if f.bulkFails {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":"unavailable"}`))
			return
		}
		f.bulkBody = string(body)
		_, _ = w.Write([]byte(`{"errors":false,"items":[]}`))
	case len(parts) == 2 && parts[1] == "_search":
		if !f.indices[index] {
			notFound()
			return
		}
		f.search = string(body)
		_, _ = w.Write([]byte(`{"hits":{"hits":[
			{"_score":0.9,"_source":{"chunk_id":"d1_1","document_id":"d1","file_name":"a.txt","ordinal":1,"start_offset":80,"end_offset":180,"text_content":"second"}},
			{"_score":1.0,"_source":{"chunk_id":"d1_0","document_id":"d1","file_name":"a.txt","ordinal":0,"start_offset":0,"end_offset":100,"text_content":"first"}}
		]}}`))
	case len(parts) == 2 && parts[1] == "_count":
		if !f.indices[index] {
			notFound()
			return
		}
		_, _ = w.Write([]byte(`{"count":3}`))
	default:
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"unexpected request"}`))
	}
}

func newTestManager(t *testing.T) (*Manager, *fakeES) {
	t.Helper()
	fake := &fakeES{indices: map[string]bool{}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	client, err := elasticsearch.NewClient(elasticsearch.Config{Addresses: []string{srv.URL}, DisableRetry: true})
	require.NoError(t, err)
	return NewManager(client, "conv_", vectorindex.Cosine, 2), fake
}

func TestUpsertCreatesIndexOnce(t *testing.T) {
	ctx := context.Background()
	m, fake := newTestManager(t)
	c, err := m.Collection(ctx, "c1")
	require.NoError(t, err)

	e := vectorindex.Entry{ChunkID: "d1_0", DocumentID: "d1", FileName: "a.txt", Text: "first", Vector: []float32{1, 0}}
	require.NoError(t, c.Upsert(ctx, e))
	require.NoError(t, c.Upsert(ctx, e))

	assert.Equal(t, 1, fake.heads)
	assert.Contains(t, fake.mapping, `"dense_vector"`)
	assert.Contains(t, fake.mapping, `"dims": 2`)
	assert.Contains(t, fake.mapping, `"similarity": "cosine"`)
	assert.Contains(t, fake.bulkBody, `"_id":"d1_0"`)
	assert.Contains(t, fake.bulkBody, `"_index":"conv_c1"`)
}

func TestUpsertRejectsWrongDimension(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	c, err := m.Collection(ctx, "c1")
	require.NoError(t, err)

	err = c.Upsert(ctx, vectorindex.Entry{ChunkID: "x_0", Vector: []float32{1, 0, 0}})
	assert.True(t, retry.IsPermanent(err))
}

func TestSearchConvertsScoresAndOrders(t *testing.T) {
	ctx := context.Background()
	m, fake := newTestManager(t)
	fake.indices["conv_c1"] = true
	c, err := m.Collection(ctx, "c1")
	require.NoError(t, err)

	hits, err := c.Search(ctx, []float32{1, 0}, 2, &vectorindex.Filter{DocumentIDs: []string{"d1"}})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "d1_0", hits[0].ChunkID)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-9)
	assert.Equal(t, "d1_1", hits[1].ChunkID)
	assert.InDelta(t, 0.8, hits[1].Score, 1e-9)
	assert.Equal(t, 80, hits[1].Start)
	assert.Equal(t, 180, hits[1].End)

	assert.Contains(t, fake.search, `"num_candidates":100`)
	assert.Contains(t, fake.search, `"k":2`)
	assert.Contains(t, fake.search, `"document_id":["d1"]`)
}

func TestMissingIndexIsEmpty(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	c, err := m.Collection(ctx, "never-written")
	require.NoError(t, err)

	hits, err := c.Search(ctx, []float32{1, 0}, 5, nil)
	require.NoError(t, err)
	assert.Empty(t, hits)

	n, err := c.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, c.Delete(ctx, "x_0"))
	require.NoError(t, m.DeleteCollection(ctx, "never-written"))
}

func TestCountAndDeleteCollection(t *testing.T) {
	ctx := context.Background()
	m, fake := newTestManager(t)
	fake.indices["conv_c1"] = true
	c, err := m.Collection(ctx, "c1")
	require.NoError(t, err)

	n, err := c.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.NoError(t, m.DeleteCollection(ctx, "c1"))
	assert.False(t, fake.indices["conv_c1"])
}

func TestBulkUnavailableIsTransient(t *testing.T) {
	ctx := context.Background()
	m, fake := newTestManager(t)
	fake.indices["conv_c1"] = true
	fake.bulkFails = true
	c, err := m.Collection(ctx, "c1")
	require.NoError(t, err)

	err = c.Upsert(ctx, vectorindex.Entry{ChunkID: "d_0", Vector: []float32{0, 1}})
	require.Error(t, err)
	assert.False(t, retry.IsPermanent(err))
}
