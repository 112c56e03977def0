package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pai-docchat-go/internal/model"
	"pai-docchat-go/internal/ragerr"
	"pai-docchat-go/internal/repository/repotest"
	"pai-docchat-go/pkg/embedding"
	"pai-docchat-go/pkg/extract"
	"pai-docchat-go/pkg/retry"
	"pai-docchat-go/pkg/tasks"
	"pai-docchat-go/pkg/vectorindex"
)

const testConv = "conv-1"

type processorFixture struct {
	p      *Processor
	docs   *repotest.Documents
	chunks *repotest.Chunks
	index  *vectorindex.MemoryManager
	store  *fakeStore
}

func newFixture(t *testing.T, embedder embedding.Client) *processorFixture {
	t.Helper()
	if embedder == nil {
		embedder = embedding.NewHashClient(64)
	}
	chunker, err := NewChunker(40, 8)
	require.NoError(t, err)
	f := &processorFixture{
		docs:   repotest.NewDocuments(),
		chunks: repotest.NewChunks(),
		index:  vectorindex.NewMemoryManager("conv_", vectorindex.Cosine),
		store:  &fakeStore{objects: map[string][]byte{}},
	}
	f.p = NewProcessor(extract.NewDefaultRegistry(nil), NewCleaner(nil), chunker, embedder,
		f.index, f.docs, f.chunks, f.store, 3)
	return f
}

func (f *processorFixture) register(t *testing.T, docID, fileName string) {
	t.Helper()
	require.NoError(t, f.docs.Save(t.Context(), &model.Document{
		ID: docID, ConversationID: testConv, FileName: fileName, Status: model.DocumentStatusQueued,
	}))
}

func (f *processorFixture) count(t *testing.T) int {
	t.Helper()
	c, err := f.index.Collection(t.Context(), testConv)
	require.NoError(t, err)
	n, err := c.Count(t.Context())
	require.NoError(t, err)
	return n
}

type fakeStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	removed []string
}

func (s *fakeStore) Get(_ context.Context, name string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[name]
	if !ok {
		return nil, errors.New("no such object")
	}
	return data, nil
}

func (s *fakeStore) Remove(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, name)
	s.removed = append(s.removed, name)
	return nil
}

type failingEmbedder struct{ embedding.Client }

func (failingEmbedder) CreateEmbeddings(context.Context, []string) ([][]float32, error) {
	return nil, ragerr.New(ragerr.ErrEmbeddingServiceUnavailable, "", "", errors.New("503"))
}

var sampleText = strings.Repeat("The quick brown fox jumps over the lazy dog. ", 12)

func TestIngestIndexesChunks(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, "doc1", "fox.txt")

	out, err := f.p.Ingest(t.Context(), testConv, "doc1", "fox.txt", []byte(sampleText))
	require.NoError(t, err)
	require.Greater(t, out.ChunkCount, 1)
	assert.False(t, out.Truncated)
	assert.Equal(t, out.ChunkCount, f.count(t))

	doc, err := f.docs.Get(t.Context(), testConv, "doc1")
	require.NoError(t, err)
	assert.Equal(t, model.DocumentStatusIndexed, doc.Status)
	assert.Equal(t, out.ChunkCount, doc.ChunkCount)
	assert.NotNil(t, doc.IndexedAt)

	records, err := f.chunks.FindByDocument(t.Context(), testConv, "doc1")
	require.NoError(t, err)
	require.Len(t, records, out.ChunkCount)
	for i, r := range records {
		assert.Equal(t, model.ChunkID("doc1", i), r.ChunkID)
		assert.Equal(t, i, r.Ordinal)
		if i > 0 {
			assert.Greater(t, r.StartOffset, records[i-1].StartOffset)
		}
		assert.Equal(t, "hash-v1-64", r.ModelVersion)
	}
}

func TestIngestIsIdempotentAndDropsStaleChunks(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, "doc1", "fox.txt")

	first, err := f.p.Ingest(t.Context(), testConv, "doc1", "fox.txt", []byte(sampleText))
	require.NoError(t, err)
	_, err = f.p.Ingest(t.Context(), testConv, "doc1", "fox.txt", []byte(sampleText))
	require.NoError(t, err)
	assert.Equal(t, first.ChunkCount, f.count(t))

	// 内容变短后旧的尾部分块必须被删除
	short, err := f.p.Ingest(t.Context(), testConv, "doc1", "fox.txt", []byte("Just one short line."))
	require.NoError(t, err)
	assert.Equal(t, 1, short.ChunkCount)
	assert.Equal(t, 1, f.count(t))
	assert.Equal(t, 1, f.chunks.Len())
}

func TestIngestEmptyDocumentSucceedsWithNoChunks(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, "empty", "empty.txt")

	out, err := f.p.Ingest(t.Context(), testConv, "empty", "empty.txt", nil)
	require.NoError(t, err)
	assert.Zero(t, out.ChunkCount)

	doc, _ := f.docs.Get(t.Context(), testConv, "empty")
	assert.Equal(t, model.DocumentStatusIndexed, doc.Status)
}

func TestIngestFailuresMarkDocumentFailed(t *testing.T) {
	tests := []struct {
		name     string
		fileName string
		data     []byte
		embedder embedding.Client
		kind     error
	}{
		{"unsupported", "image.png", []byte("\x89PNG"), nil, ragerr.ErrUnsupportedFormat},
		{"corrupt", "broken.pdf", []byte("not a pdf at all"), nil, ragerr.ErrCorruptDocument},
		{"embedding down", "fox.txt", []byte(sampleText), failingEmbedder{embedding.NewHashClient(8)}, ragerr.ErrEmbeddingServiceUnavailable},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, tc.embedder)
			f.register(t, "doc1", tc.fileName)

			_, err := f.p.Ingest(t.Context(), testConv, "doc1", tc.fileName, tc.data)
			require.ErrorIs(t, err, tc.kind)

			var re *ragerr.Error
			require.ErrorAs(t, err, &re)
			assert.Equal(t, testConv, re.ConversationID)
			assert.Equal(t, "doc1", re.DocumentID)

			doc, _ := f.docs.Get(t.Context(), testConv, "doc1")
			assert.Equal(t, model.DocumentStatusFailed, doc.Status)
			assert.NotEmpty(t, doc.ErrorMessage)
			assert.Zero(t, f.count(t))
		})
	}
}

func TestIngestFailureLeavesOtherDocumentsSearchable(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, "good", "fox.txt")
	f.register(t, "bad", "broken.pdf")

	_, err := f.p.Ingest(t.Context(), testConv, "good", "fox.txt", []byte(sampleText))
	require.NoError(t, err)
	before := f.count(t)

	_, err = f.p.Ingest(t.Context(), testConv, "bad", "broken.pdf", []byte("garbage"))
	require.Error(t, err)
	assert.Equal(t, before, f.count(t))
}

// flakyEmbedder 前 failures 次调用 CreateEmbeddings 返回 err，之后委托给内部 client。
type flakyEmbedder struct {
	embedding.Client
	failures int32
	err      error
	calls    atomic.Int32
}

func (e *flakyEmbedder) CreateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	if e.calls.Add(1) <= e.failures {
		return nil, e.err
	}
	return e.Client.CreateEmbeddings(ctx, texts)
}

// failAfterEmbedder 在第 n 次及之后的 CreateEmbeddings 调用上失败。
type failAfterEmbedder struct {
	embedding.Client
	n     int32
	calls atomic.Int32
}

func (e *failAfterEmbedder) CreateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	if e.calls.Add(1) >= e.n {
		return nil, ragerr.New(ragerr.ErrEmbeddingServiceUnavailable, "", "", errors.New("503"))
	}
	return e.Client.CreateEmbeddings(ctx, texts)
}

// upsertFailingManager 返回的 collection 在第 n 次 Upsert 时失败。
type upsertFailingManager struct {
	vectorindex.Manager
	n     int32
	calls *atomic.Int32
}

func (m upsertFailingManager) Collection(ctx context.Context, conversationID string) (vectorindex.Collection, error) {
	c, err := m.Manager.Collection(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return upsertFailingCollection{Collection: c, n: m.n, calls: m.calls}, nil
}

type upsertFailingCollection struct {
	vectorindex.Collection
	n     int32
	calls *atomic.Int32
}

func (c upsertFailingCollection) Upsert(ctx context.Context, entries ...vectorindex.Entry) error {
	if c.calls.Add(1) == c.n {
		return ragerr.New(ragerr.ErrIndexUnavailable, "", "", errors.New("index down"))
	}
	return c.Collection.Upsert(ctx, entries...)
}

func (f *processorFixture) search(t *testing.T) []vectorindex.Hit {
	t.Helper()
	c, err := f.index.Collection(t.Context(), testConv)
	require.NoError(t, err)
	q, err := embedding.NewHashClient(64).CreateEmbedding(t.Context(), "quick brown fox")
	require.NoError(t, err)
	hits, err := c.Search(t.Context(), q, 100, nil)
	require.NoError(t, err)
	return hits
}

func TestIngestEmbeddingFailureMidDocumentLeavesNothingIndexed(t *testing.T) {
	f := newFixture(t, &failAfterEmbedder{Client: embedding.NewHashClient(64), n: 2})
	f.register(t, "doc1", "fox.txt")

	_, err := f.p.Ingest(t.Context(), testConv, "doc1", "fox.txt", []byte(sampleText))
	require.ErrorIs(t, err, ragerr.ErrEmbeddingServiceUnavailable)

	doc, _ := f.docs.Get(t.Context(), testConv, "doc1")
	assert.Equal(t, model.DocumentStatusFailed, doc.Status)
	assert.Zero(t, f.chunks.Len())
	assert.Zero(t, f.count(t))
	assert.Empty(t, f.search(t))
}

func TestIngestIndexFailureRollsBackNewChunks(t *testing.T) {
	f := newFixture(t, nil)
	chunker, err := NewChunker(40, 8)
	require.NoError(t, err)
	calls := &atomic.Int32{}
	f.p = NewProcessor(extract.NewDefaultRegistry(nil), NewCleaner(nil), chunker, embedding.NewHashClient(64),
		upsertFailingManager{Manager: f.index, n: 2, calls: calls}, f.docs, f.chunks, f.store, 3)
	f.register(t, "doc1", "fox.txt")

	_, err = f.p.Ingest(t.Context(), testConv, "doc1", "fox.txt", []byte(sampleText))
	require.ErrorIs(t, err, ragerr.ErrIndexUnavailable)
	assert.GreaterOrEqual(t, calls.Load(), int32(2))

	doc, _ := f.docs.Get(t.Context(), testConv, "doc1")
	assert.Equal(t, model.DocumentStatusFailed, doc.Status)
	assert.Zero(t, f.chunks.Len())
	assert.Zero(t, f.count(t))
	assert.Empty(t, f.search(t))
}

func TestIngestIndexFailureKeepsPreviouslyIndexedChunks(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, "doc1", "fox.txt")
	short := []byte("Just one short line.")
	_, err := f.p.Ingest(t.Context(), testConv, "doc1", "fox.txt", short)
	require.NoError(t, err)
	require.Equal(t, 1, f.count(t))

	chunker, err := NewChunker(40, 8)
	require.NoError(t, err)
	f.p = NewProcessor(extract.NewDefaultRegistry(nil), NewCleaner(nil), chunker, embedding.NewHashClient(64),
		upsertFailingManager{Manager: f.index, n: 2, calls: &atomic.Int32{}}, f.docs, f.chunks, f.store, 3)

	_, err = f.p.Ingest(t.Context(), testConv, "doc1", "fox.txt", []byte(sampleText))
	require.Error(t, err)
	// doc1_0 属于上一次入库结果，保留；本次新写入的分块全部撤回
	assert.Equal(t, 1, f.count(t))
	assert.Equal(t, 1, f.chunks.Len())
}

func TestIngestRecoversFromTransientEmbeddingFailures(t *testing.T) {
	flaky := &flakyEmbedder{Client: embedding.NewHashClient(64), failures: 2, err: errors.New("connection reset")}
	var waits int
	policy := retry.Policy{
		MaxAttempts: 3,
		Sleep: func(context.Context, time.Duration) error {
			waits++
			return nil
		},
	}
	f := newFixture(t, embedding.WithRetry(flaky, policy))
	f.register(t, "doc1", "fox.txt")

	out, err := f.p.Ingest(t.Context(), testConv, "doc1", "fox.txt", []byte(sampleText))
	require.NoError(t, err)
	assert.Equal(t, 2, waits)
	assert.Equal(t, out.ChunkCount, f.count(t))

	records, err := f.chunks.FindByDocument(t.Context(), testConv, "doc1")
	require.NoError(t, err)
	require.Len(t, records, out.ChunkCount)
	for i, r := range records {
		assert.Equal(t, model.ChunkID("doc1", i), r.ChunkID)
	}

	hits := f.search(t)
	seen := map[string]bool{}
	for _, h := range hits {
		assert.False(t, seen[h.ChunkID], "duplicate chunk %s", h.ChunkID)
		seen[h.ChunkID] = true
	}
	assert.Len(t, seen, out.ChunkCount)
}

func TestRemoveDeletesDocumentEverywhere(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, "doc1", "fox.txt")
	f.register(t, "doc2", "other.txt")
	_, err := f.p.Ingest(t.Context(), testConv, "doc1", "fox.txt", []byte(sampleText))
	require.NoError(t, err)
	out2, err := f.p.Ingest(t.Context(), testConv, "doc2", "other.txt", []byte("Another document entirely."))
	require.NoError(t, err)

	require.NoError(t, f.p.Remove(t.Context(), testConv, "doc1"))
	assert.Equal(t, out2.ChunkCount, f.count(t))
	_, err = f.docs.Get(t.Context(), testConv, "doc1")
	assert.Error(t, err)
	records, _ := f.chunks.FindByDocument(t.Context(), testConv, "doc1")
	assert.Empty(t, records)
}

func TestProcessTask(t *testing.T) {
	t.Run("success removes staged payload", func(t *testing.T) {
		f := newFixture(t, nil)
		f.register(t, "doc1", "fox.txt")
		f.store.objects["staging/doc1"] = []byte(sampleText)

		err := f.p.Process(t.Context(), tasks.IngestTask{
			ConversationID: testConv, DocumentID: "doc1", FileName: "fox.txt", ObjectName: "staging/doc1",
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"staging/doc1"}, f.store.removed)
		assert.Positive(t, f.count(t))
	})

	t.Run("permanent failure is not redelivered", func(t *testing.T) {
		f := newFixture(t, nil)
		f.register(t, "doc1", "broken.pdf")
		f.store.objects["staging/doc1"] = []byte("garbage")

		err := f.p.Process(t.Context(), tasks.IngestTask{
			ConversationID: testConv, DocumentID: "doc1", FileName: "broken.pdf", ObjectName: "staging/doc1",
		})
		require.NoError(t, err)
		assert.Len(t, f.store.removed, 1)
	})

	t.Run("transient failure keeps payload for redelivery", func(t *testing.T) {
		f := newFixture(t, failingEmbedder{embedding.NewHashClient(8)})
		f.register(t, "doc1", "fox.txt")
		f.store.objects["staging/doc1"] = []byte(sampleText)

		err := f.p.Process(t.Context(), tasks.IngestTask{
			ConversationID: testConv, DocumentID: "doc1", FileName: "fox.txt", ObjectName: "staging/doc1",
		})
		require.ErrorIs(t, err, ragerr.ErrEmbeddingServiceUnavailable)
		assert.Empty(t, f.store.removed)
	})

	t.Run("discard removes staged payload", func(t *testing.T) {
		f := newFixture(t, nil)
		f.store.objects["staging/doc1"] = []byte(sampleText)

		require.NoError(t, f.p.Discard(t.Context(), tasks.IngestTask{
			ConversationID: testConv, DocumentID: "doc1", FileName: "fox.txt", ObjectName: "staging/doc1",
		}))
		assert.Equal(t, []string{"staging/doc1"}, f.store.removed)
		assert.Empty(t, f.store.objects)
	})
}

func TestConcurrentIngestOfSameDocument(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, "doc1", "fox.txt")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.p.Ingest(context.Background(), testConv, "doc1", "fox.txt", []byte(sampleText))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	records, _ := f.chunks.FindByDocument(t.Context(), testConv, "doc1")
	assert.Equal(t, len(records), f.count(t))
	assert.Zero(t, f.p.locks.size())
}

func TestKeyedMutexSerialisesSameKey(t *testing.T) {
	var k keyedMutex
	var wg sync.WaitGroup
	var mu sync.Mutex
	inside := map[string]int{}
	for i := 0; i < 50; i++ {
		key := []string{"a", "b"}[i%2]
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock(key)
			mu.Lock()
			inside[key]++
			assert.Equal(t, 1, inside[key])
			mu.Unlock()
			mu.Lock()
			inside[key]--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	assert.Zero(t, k.size())
}
