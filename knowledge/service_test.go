package knowledge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
)

type fakeStore struct {
	mu           sync.Mutex
	files        map[string]*File
	docs         map[string]*Document
	chunks       map[string][]ChunkInput
	replaceCalls int
	replaceErr   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		files:  make(map[string]*File),
		docs:   make(map[string]*Document),
		chunks: make(map[string][]ChunkInput),
	}
}

func (f *fakeStore) InsertFileAndDocument(_ context.Context, tenantID string, file FileInput, title *string, lang, source string) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	fileID := uuid.NewString()
	docID := uuid.NewString()
	f.files[fileID] = &File{
		ID:         fileID,
		TenantID:   tenantID,
		Kind:       "kb",
		Filename:   file.Filename,
		MimeType:   file.MimeType,
		SizeBytes:  file.SizeBytes,
		StorageKey: file.StorageKey,
		Checksum:   file.Checksum,
		Status:     "stored",
	}
	f.docs[docID] = &Document{
		ID:       docID,
		TenantID: tenantID,
		FileID:   fileID,
		Source:   source,
		Title:    title,
		Lang:     lang,
		Status:   StatusIngesting,
	}
	return fileID, docID, nil
}

func (f *fakeStore) ResolveDocument(_ context.Context, tenantID, docID string) (*Document, *File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, ok := f.docs[docID]
	if !ok || doc.TenantID != tenantID {
		return nil, nil, ErrNotFound
	}
	file, ok := f.files[doc.FileID]
	if !ok {
		return nil, nil, ErrNotFound
	}
	docCopy := *doc
	fileCopy := *file
	return &docCopy, &fileCopy, nil
}

func (f *fakeStore) DocumentByID(_ context.Context, docID string) (*Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, ok := f.docs[docID]
	if !ok {
		return nil, ErrNotFound
	}
	docCopy := *doc
	return &docCopy, nil
}

func (f *fakeStore) ReplaceChunks(_ context.Context, _, docID string, chunks []ChunkInput) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.replaceCalls++
	if f.replaceErr != nil {
		return f.replaceErr
	}
	f.chunks[docID] = append([]ChunkInput(nil), chunks...)
	return nil
}

func (f *fakeStore) SearchNearest(_ context.Context, tenantID string, vector []float32, k int) ([]SearchHit, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("%w: query vector is empty", ErrInvalidArgument)
	}
	if k <= 0 {
		return nil, fmt.Errorf("%w: k must be positive", ErrInvalidArgument)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	var hits []SearchHit
	for docID, chunks := range f.chunks {
		doc, ok := f.docs[docID]
		if !ok || doc.TenantID != tenantID {
			continue
		}
		for _, chunk := range chunks {
			hits = append(hits, SearchHit{
				DocumentID: docID,
				FileID:     doc.FileID,
				ChunkIndex: chunk.Index,
				Text:       chunk.Text,
				Score:      l2Distance(vector, chunk.Embedding),
			})
		}
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score < hits[j].Score
		}
		return hits[i].ChunkIndex < hits[j].ChunkIndex
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (f *fakeStore) SetDocumentStatus(_ context.Context, docID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, ok := f.docs[docID]
	if !ok {
		return ErrNotFound
	}
	doc.Status = status
	return nil
}

func (f *fakeStore) CountChunks(_ context.Context, docID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.chunks[docID])), nil
}

func (f *fakeStore) chunkCount(docID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.chunks[docID])
}

func (f *fakeStore) docStatus(docID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if doc, ok := f.docs[docID]; ok {
		return doc.Status
	}
	return ""
}

func l2Distance(a, b []float32) float64 {
	var sum float64
	for i := range a {
		var bv float64
		if i < len(b) {
			bv = float64(b[i])
		}
		diff := float64(a[i]) - bv
		sum += diff * diff
	}
	return sum
}

type fakeDownloader struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeDownloader() *fakeDownloader {
	return &fakeDownloader{objects: make(map[string][]byte)}
}

func (d *fakeDownloader) Download(_ context.Context, key string) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	data, ok := d.objects[key]
	if !ok {
		return nil, fmt.Errorf("object %s does not exist", key)
	}
	return data, nil
}

func (d *fakeDownloader) put(key string, data []byte) {
	d.mu.Lock()
	d.objects[key] = data
	d.mu.Unlock()
}

type fakeEmbedder struct {
	mu       sync.Mutex
	calls    int
	err      error
	queryVec []float32
}

func (f *fakeEmbedder) Embed(_ context.Context, inputs []string) ([][]float32, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(inputs))
	for i, text := range inputs {
		if f.queryVec != nil {
			out[i] = f.queryVec
			continue
		}
		out[i] = []float32{float32(len(text)), float32(i), 1}
	}
	return out, nil
}

func (f *fakeEmbedder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestService(t *testing.T, store *fakeStore, downloader *fakeDownloader, embedder *fakeEmbedder) *Service {
	t.Helper()

	durable := func(ctx context.Context, docID string) (string, error) {
		doc, err := store.DocumentByID(ctx, docID)
		if err != nil {
			return "", err
		}
		return doc.Status, nil
	}
	tracker := NewJobTracker(newMemCache(), durable)

	service, err := NewService(store, downloader, embedder, tracker)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	backing := newMemCache()
	service.queryCache = newQueryVectorCache(backing)
	service.metaCache = newDocMetaCache(backing)
	service.modelID = "test-model"
	return service
}

func seedDocument(t *testing.T, store *fakeStore, downloader *fakeDownloader, tenantID, content string) string {
	t.Helper()

	key := fmt.Sprintf("tenants/%s/kb/raw/%s_doc.txt", tenantID, uuid.NewString())
	downloader.put(key, []byte(content))
	_, docID, err := store.InsertFileAndDocument(context.Background(), tenantID, FileInput{
		Filename:   "doc.txt",
		MimeType:   "text/plain",
		SizeBytes:  int64(len(content)),
		StorageKey: key,
	}, nil, "en", "upload")
	if err != nil {
		t.Fatalf("seed document: %v", err)
	}
	return docID
}

func TestCommitRejectsForeignStorageKey(t *testing.T) {
	service := newTestService(t, newFakeStore(), newFakeDownloader(), &fakeEmbedder{})

	_, _, err := service.Commit(context.Background(), "tenant-a", CommitInput{
		StorageKey: "tenants/tenant-b/kb/raw/abc_doc.txt",
		Filename:   "doc.txt",
	})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestCommitCreatesIngestingDocument(t *testing.T) {
	store := newFakeStore()
	service := newTestService(t, store, newFakeDownloader(), &fakeEmbedder{})

	fileID, docID, err := service.Commit(context.Background(), "tenant-a", CommitInput{
		StorageKey: "tenants/tenant-a/kb/raw/abc_doc.txt",
		Filename:   "doc.txt",
		MimeType:   "text/plain",
		SizeBytes:  42,
	})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if fileID == "" || docID == "" {
		t.Fatalf("expected non-empty ids, got file %q doc %q", fileID, docID)
	}
	if got := store.docStatus(docID); got != StatusIngesting {
		t.Fatalf("expected ingesting, got %q", got)
	}
}

func TestCommitValidation(t *testing.T) {
	service := newTestService(t, newFakeStore(), newFakeDownloader(), &fakeEmbedder{})
	ctx := context.Background()

	if _, _, err := service.Commit(ctx, "tenant-a", CommitInput{Filename: "doc.txt"}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for missing key, got %v", err)
	}
	if _, _, err := service.Commit(ctx, "tenant-a", CommitInput{StorageKey: "tenants/tenant-a/kb/raw/x"}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for missing filename, got %v", err)
	}
}

func TestIngestPipeline(t *testing.T) {
	store := newFakeStore()
	downloader := newFakeDownloader()
	service := newTestService(t, store, downloader, &fakeEmbedder{})
	ctx := context.Background()

	docID := seedDocument(t, store, downloader, "tenant-a", strings.Repeat("a", 9000))

	count, err := service.Ingest(ctx, "tenant-a", docID)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 chunks, got %d", count)
	}
	if got := store.chunkCount(docID); got != 3 {
		t.Fatalf("expected 3 stored chunks, got %d", got)
	}
	if got := store.docStatus(docID); got != StatusReady {
		t.Fatalf("expected ready, got %q", got)
	}

	status, err := service.Status(ctx, "tenant-a", docID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Status != JobReady {
		t.Fatalf("expected job ready, got %q", status.Status)
	}
	if status.Progress != 3 {
		t.Fatalf("expected progress 3, got %d", status.Progress)
	}
}

func TestIngestEmptyDocument(t *testing.T) {
	store := newFakeStore()
	downloader := newFakeDownloader()
	service := newTestService(t, store, downloader, &fakeEmbedder{})

	docID := seedDocument(t, store, downloader, "tenant-a", "")

	count, err := service.Ingest(context.Background(), "tenant-a", docID)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected 0 chunks, got %d", count)
	}
	if got := store.docStatus(docID); got != StatusReady {
		t.Fatalf("expected ready, got %q", got)
	}
}

func TestIngestEmbedFailureWritesNoChunks(t *testing.T) {
	store := newFakeStore()
	downloader := newFakeDownloader()
	embedder := &fakeEmbedder{err: &ProviderError{StatusCode: 500, Message: "upstream down"}}
	service := newTestService(t, store, downloader, embedder)

	docID := seedDocument(t, store, downloader, "tenant-a", strings.Repeat("b", 5000))

	_, err := service.Ingest(context.Background(), "tenant-a", docID)
	var providerErr *ProviderError
	if !errors.As(err, &providerErr) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if got := store.docStatus(docID); got != StatusError {
		t.Fatalf("expected error status, got %q", got)
	}
	if store.replaceCalls != 0 {
		t.Fatalf("expected no chunk writes, got %d", store.replaceCalls)
	}
}

func TestIngestDownloadFailure(t *testing.T) {
	store := newFakeStore()
	downloader := newFakeDownloader()
	service := newTestService(t, store, downloader, &fakeEmbedder{})

	_, docID, err := store.InsertFileAndDocument(context.Background(), "tenant-a", FileInput{
		Filename:   "doc.txt",
		StorageKey: "tenants/tenant-a/kb/raw/missing_doc.txt",
	}, nil, "en", "upload")
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	_, err = service.Ingest(context.Background(), "tenant-a", docID)
	var storageErr *StorageError
	if !errors.As(err, &storageErr) {
		t.Fatalf("expected StorageError, got %v", err)
	}
	if got := store.docStatus(docID); got != StatusError {
		t.Fatalf("expected error status, got %q", got)
	}
}

func TestIngestConflictWhileRunning(t *testing.T) {
	store := newFakeStore()
	downloader := newFakeDownloader()
	service := newTestService(t, store, downloader, &fakeEmbedder{})

	docID := seedDocument(t, store, downloader, "tenant-a", "hello")

	if err := service.reserve(docID); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	defer service.release(docID)

	if _, err := service.Ingest(context.Background(), "tenant-a", docID); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestReingestReplacesChunks(t *testing.T) {
	store := newFakeStore()
	downloader := newFakeDownloader()
	service := newTestService(t, store, downloader, &fakeEmbedder{})
	ctx := context.Background()

	docID := seedDocument(t, store, downloader, "tenant-a", strings.Repeat("c", 9000))

	for run := 0; run < 2; run++ {
		count, err := service.Ingest(ctx, "tenant-a", docID)
		if err != nil {
			t.Fatalf("run %d: %v", run, err)
		}
		if count != 3 {
			t.Fatalf("run %d: expected 3 chunks, got %d", run, count)
		}
	}
	if got := store.chunkCount(docID); got != 3 {
		t.Fatalf("expected chunk set replaced, got %d rows", got)
	}
	if store.replaceCalls != 2 {
		t.Fatalf("expected 2 replace calls, got %d", store.replaceCalls)
	}
}

func TestIngestUnknownDocument(t *testing.T) {
	service := newTestService(t, newFakeStore(), newFakeDownloader(), &fakeEmbedder{})
	if _, err := service.Ingest(context.Background(), "tenant-a", "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStatusTenantIsolation(t *testing.T) {
	store := newFakeStore()
	downloader := newFakeDownloader()
	service := newTestService(t, store, downloader, &fakeEmbedder{})

	docID := seedDocument(t, store, downloader, "tenant-a", "hello")

	if _, err := service.Status(context.Background(), "tenant-b", docID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign tenant, got %v", err)
	}
}

func TestStatusDurableFallback(t *testing.T) {
	store := newFakeStore()
	downloader := newFakeDownloader()
	service := newTestService(t, store, downloader, &fakeEmbedder{})
	ctx := context.Background()

	docID := seedDocument(t, store, downloader, "tenant-a", "hello")
	if err := store.SetDocumentStatus(ctx, docID, StatusReady); err != nil {
		t.Fatalf("set status: %v", err)
	}

	// No tracker entry exists yet, so the durable document status decides.
	status, err := service.Status(ctx, "tenant-a", docID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Status != JobReady {
		t.Fatalf("expected ready from durable fallback, got %q", status.Status)
	}
	if status.Progress != 0 {
		t.Fatalf("expected progress 0, got %d", status.Progress)
	}
}

func TestSearchValidation(t *testing.T) {
	service := newTestService(t, newFakeStore(), newFakeDownloader(), &fakeEmbedder{})
	ctx := context.Background()

	if _, err := service.Search(ctx, "tenant-a", "  ", 5); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for empty query, got %v", err)
	}
	if _, err := service.Search(ctx, "tenant-a", "hello", 0); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for k=0, got %v", err)
	}
}

func TestSearchRankingAndTenantIsolation(t *testing.T) {
	store := newFakeStore()
	embedder := &fakeEmbedder{queryVec: []float32{1, 0, 0}}
	service := newTestService(t, store, newFakeDownloader(), embedder)
	ctx := context.Background()

	_, docA, _ := store.InsertFileAndDocument(ctx, "tenant-a", FileInput{Filename: "a.txt", StorageKey: "tenants/tenant-a/kb/raw/a"}, nil, "en", "upload")
	_, docB, _ := store.InsertFileAndDocument(ctx, "tenant-b", FileInput{Filename: "b.txt", StorageKey: "tenants/tenant-b/kb/raw/b"}, nil, "en", "upload")

	store.chunks[docA] = []ChunkInput{
		{Index: 0, Text: "far", Embedding: []float32{5, 0, 0}},
		{Index: 1, Text: "near", Embedding: []float32{1, 0.1, 0}},
	}
	// Identical vector but owned by another tenant; must never surface.
	store.chunks[docB] = []ChunkInput{
		{Index: 0, Text: "foreign", Embedding: []float32{1, 0, 0}},
	}

	hits, err := service.Search(ctx, "tenant-a", "query", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	if hits[0].Text != "near" || hits[1].Text != "far" {
		t.Fatalf("unexpected ranking: %q then %q", hits[0].Text, hits[1].Text)
	}
	if hits[0].Score >= hits[1].Score {
		t.Fatalf("scores not ascending: %v then %v", hits[0].Score, hits[1].Score)
	}
	for _, hit := range hits {
		if hit.Text == "foreign" {
			t.Fatalf("foreign tenant chunk leaked into results")
		}
	}

	top, err := service.Search(ctx, "tenant-a", "query", 1)
	if err != nil {
		t.Fatalf("Search k=1: %v", err)
	}
	if len(top) != 1 || top[0].ChunkIndex != 1 {
		t.Fatalf("expected single nearest hit with index 1, got %+v", top)
	}
}

func TestSearchMemoizesQueryVector(t *testing.T) {
	store := newFakeStore()
	embedder := &fakeEmbedder{queryVec: []float32{1, 0, 0}}
	service := newTestService(t, store, newFakeDownloader(), embedder)
	ctx := context.Background()

	if _, err := service.Search(ctx, "tenant-a", "repeated query", 5); err != nil {
		t.Fatalf("first search: %v", err)
	}
	if _, err := service.Search(ctx, "tenant-a", "repeated query", 5); err != nil {
		t.Fatalf("second search: %v", err)
	}
	if got := embedder.callCount(); got != 1 {
		t.Fatalf("expected 1 embed call, got %d", got)
	}
}

func TestDocumentMetaReadThrough(t *testing.T) {
	store := newFakeStore()
	downloader := newFakeDownloader()
	service := newTestService(t, store, downloader, &fakeEmbedder{})
	ctx := context.Background()

	docID := seedDocument(t, store, downloader, "tenant-a", strings.Repeat("d", 4000))
	if _, err := service.Ingest(ctx, "tenant-a", docID); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	meta, err := service.DocumentMeta(ctx, "tenant-a", docID)
	if err != nil {
		t.Fatalf("DocumentMeta: %v", err)
	}
	if meta.Status != StatusReady {
		t.Fatalf("expected ready, got %q", meta.Status)
	}
	if meta.ChunkCount != 2 {
		t.Fatalf("expected 2 chunks, got %d", meta.ChunkCount)
	}
	if meta.Filename != "doc.txt" {
		t.Fatalf("unexpected filename %q", meta.Filename)
	}

	// A warm cache entry must not leak across tenants.
	if _, err := service.DocumentMeta(ctx, "tenant-b", docID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign tenant, got %v", err)
	}
}
