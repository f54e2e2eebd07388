package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"

	"nimbus_back/cache"
	"nimbus_back/storage"
)

// DocumentStore is the persistence surface the service depends on. *Repository
// implements it; tests inject fakes.
type DocumentStore interface {
	InsertFileAndDocument(ctx context.Context, tenantID string, file FileInput, title *string, lang, source string) (string, string, error)
	ResolveDocument(ctx context.Context, tenantID, docID string) (*Document, *File, error)
	DocumentByID(ctx context.Context, docID string) (*Document, error)
	ReplaceChunks(ctx context.Context, tenantID, docID string, chunks []ChunkInput) error
	SearchNearest(ctx context.Context, tenantID string, vector []float32, k int) ([]SearchHit, error)
	SetDocumentStatus(ctx context.Context, docID, status string) error
	CountChunks(ctx context.Context, docID string) (int64, error)
}

// Downloader fetches raw object bytes by storage key.
type Downloader interface {
	Download(ctx context.Context, key string) ([]byte, error)
}

// CommitInput registers a finished upload as a knowledge-base document.
type CommitInput struct {
	StorageKey string
	Filename   string
	MimeType   string
	SizeBytes  int64
	Checksum   string
	Title      *string
	Lang       string
}

// StatusResult is the tracker view of one document's ingestion job.
type StatusResult struct {
	DocumentID string `json:"document_id"`
	Status     string `json:"status"`
	Progress   int    `json:"progress"`
}

// Service runs the ingestion pipeline and serves semantic search. One instance
// per process; the in-flight set below is what serializes concurrent ingestion
// of the same document.
type Service struct {
	store      DocumentStore
	objects    Downloader
	embedder   Embedder
	jobs       *JobTracker
	chunker    *chunker
	queryCache *queryVectorCache
	metaCache  *docMetaCache
	modelID    string

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewService wires a service from explicit dependencies, mainly for tests.
func NewService(store DocumentStore, objects Downloader, embedder Embedder, jobs *JobTracker) (*Service, error) {
	if store == nil {
		return nil, errors.New("knowledge: document store is required")
	}
	if embedder == nil {
		return nil, errors.New("knowledge: embedder is required")
	}
	chunker, err := newChunker(defaultChunkSize, defaultChunkOverlap)
	if err != nil {
		return nil, err
	}
	return &Service{
		store:    store,
		objects:  objects,
		embedder: embedder,
		jobs:     jobs,
		chunker:  chunker,
		inflight: make(map[string]struct{}),
	}, nil
}

// NewServiceFromEnv builds the production service: gorm-backed repository,
// MinIO downloads, the HTTP embedder and Redis-backed tracker and caches.
func NewServiceFromEnv(db *gorm.DB, objects *storage.ObjectStore) (*Service, error) {
	repo, err := NewRepositoryFromEnv(db)
	if err != nil {
		return nil, err
	}
	if err := repo.AutoMigrate(); err != nil {
		return nil, fmt.Errorf("knowledge: migrate schema: %w", err)
	}

	embedder, err := NewHTTPEmbedderFromEnv()
	if err != nil {
		return nil, err
	}

	durable := func(ctx context.Context, docID string) (string, error) {
		doc, err := repo.DocumentByID(ctx, docID)
		if err != nil {
			return "", err
		}
		return doc.Status, nil
	}

	redisClient, err := cache.GetRedisClient()
	if err != nil {
		log.Printf("knowledge: redis unavailable, job cache disabled: %v", err)
		redisClient = nil
	}
	tracker := NewRedisJobTracker(redisClient, durable)

	service, err := NewService(repo, objects, embedder, tracker)
	if err != nil {
		return nil, err
	}
	if redisClient != nil {
		backing := &redisStatusCache{client: redisClient}
		service.queryCache = newQueryVectorCache(backing)
		service.metaCache = newDocMetaCache(backing)
	}
	service.modelID = strings.TrimSpace(os.Getenv("EMBEDDING_MODEL_ID"))
	if service.modelID == "" {
		service.modelID = "text-embedding-3-small"
	}
	return service, nil
}

// Commit records the uploaded object as a file plus document pair and starts
// the document in the ingesting state. The storage key must sit under the
// caller's tenant prefix.
func (s *Service) Commit(ctx context.Context, tenantID string, input CommitInput) (string, string, error) {
	key := strings.TrimSpace(input.StorageKey)
	if key == "" {
		return "", "", fmt.Errorf("%w: storage key is required", ErrInvalidArgument)
	}
	if !storage.KeyBelongsToTenant(tenantID, key) {
		return "", "", fmt.Errorf("%w: storage key outside tenant namespace", ErrForbidden)
	}

	filename := strings.TrimSpace(input.Filename)
	if filename == "" {
		return "", "", fmt.Errorf("%w: filename is required", ErrInvalidArgument)
	}

	lang := strings.TrimSpace(input.Lang)
	if lang == "" {
		lang = "en"
	}

	return s.store.InsertFileAndDocument(ctx, tenantID, FileInput{
		Filename:   filename,
		MimeType:   input.MimeType,
		SizeBytes:  input.SizeBytes,
		StorageKey: key,
		Checksum:   input.Checksum,
	}, input.Title, lang, "upload")
}

// reserve marks the document as having an active ingestion run. Returns
// ErrConflict when one is already running.
func (s *Service) reserve(docID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[docID]; busy {
		return ErrConflict
	}
	s.inflight[docID] = struct{}{}
	return nil
}

func (s *Service) release(docID string) {
	s.mu.Lock()
	delete(s.inflight, docID)
	s.mu.Unlock()
}

// Ingest runs the full pipeline synchronously and returns the chunk count.
// Re-running on an already ready document replaces its chunks.
func (s *Service) Ingest(ctx context.Context, tenantID, docID string) (int, error) {
	doc, file, err := s.store.ResolveDocument(ctx, tenantID, docID)
	if err != nil {
		return 0, err
	}
	if err := s.reserve(doc.ID); err != nil {
		return 0, err
	}
	defer s.release(doc.ID)

	s.jobs.SetStatus(ctx, doc.ID, JobPending)
	return s.runIngestion(ctx, tenantID, doc, file)
}

// TriggerIngest validates and reserves the run, then executes the pipeline in
// the background. The caller gets control back before any chunk is written.
func (s *Service) TriggerIngest(ctx context.Context, tenantID, docID string) error {
	doc, file, err := s.store.ResolveDocument(ctx, tenantID, docID)
	if err != nil {
		return err
	}
	if err := s.reserve(doc.ID); err != nil {
		return err
	}

	s.jobs.SetStatus(ctx, doc.ID, JobPending)

	go func() {
		defer s.release(doc.ID)
		runCtx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if _, err := s.runIngestion(runCtx, tenantID, doc, file); err != nil {
			log.Printf("knowledge: ingestion of %s failed: %v", doc.ID, err)
		}
	}()
	return nil
}

// runIngestion is the pipeline body: download, extract, chunk, embed, persist.
// An embedding failure aborts before any chunk write so the previous chunk set
// stays intact; the durable status flips to error.
func (s *Service) runIngestion(ctx context.Context, tenantID string, doc *Document, file *File) (int, error) {
	s.jobs.SetStatus(ctx, doc.ID, JobRunning)

	data, err := s.objects.Download(ctx, file.StorageKey)
	if err != nil {
		storageErr := &StorageError{Op: "download", Key: file.StorageKey, Err: err}
		s.failIngestion(ctx, doc.ID, storageErr)
		return 0, storageErr
	}

	segments := s.chunker.split(extractText(data))
	if len(segments) == 0 {
		if err := s.store.ReplaceChunks(ctx, tenantID, doc.ID, nil); err != nil {
			s.failIngestion(ctx, doc.ID, err)
			return 0, err
		}
		s.finishIngestion(ctx, doc.ID, 0)
		return 0, nil
	}

	vectors, err := s.embedder.Embed(ctx, segments)
	if err != nil {
		s.failIngestion(ctx, doc.ID, err)
		return 0, err
	}
	if len(vectors) != len(segments) {
		err := &ProviderError{Message: fmt.Sprintf("vector count mismatch (expected %d, got %d)", len(segments), len(vectors))}
		s.failIngestion(ctx, doc.ID, err)
		return 0, err
	}

	chunks := make([]ChunkInput, len(segments))
	for i, segment := range segments {
		chunks[i] = ChunkInput{Index: i, Text: segment, Embedding: vectors[i]}
	}

	if err := s.store.ReplaceChunks(ctx, tenantID, doc.ID, chunks); err != nil {
		s.failIngestion(ctx, doc.ID, err)
		return 0, err
	}

	s.finishIngestion(ctx, doc.ID, len(chunks))
	return len(chunks), nil
}

func (s *Service) finishIngestion(ctx context.Context, docID string, count int) {
	if err := s.store.SetDocumentStatus(ctx, docID, StatusReady); err != nil {
		log.Printf("knowledge: mark document %s ready: %v", docID, err)
	}
	s.metaCache.Invalidate(ctx, docID)
	s.jobs.SetStatus(ctx, docID, JobReady)
	s.jobs.SetProgress(ctx, docID, count)
}

func (s *Service) failIngestion(ctx context.Context, docID string, cause error) {
	if err := s.store.SetDocumentStatus(ctx, docID, StatusError); err != nil {
		log.Printf("knowledge: mark document %s errored: %v", docID, err)
	}
	s.metaCache.Invalidate(ctx, docID)
	s.jobs.SetStatus(ctx, docID, JobError)
	log.Printf("knowledge: ingestion of %s aborted: %v", docID, cause)
}

// Status reports the tracker status and progress for a document. A document
// owned by another tenant reports as not found.
func (s *Service) Status(ctx context.Context, tenantID, docID string) (*StatusResult, error) {
	doc, err := s.store.DocumentByID(ctx, docID)
	if err != nil {
		return nil, err
	}
	if doc.TenantID != tenantID {
		return nil, ErrNotFound
	}

	status, err := s.jobs.GetStatus(ctx, docID)
	if err != nil {
		return nil, err
	}
	return &StatusResult{
		DocumentID: docID,
		Status:     status,
		Progress:   s.jobs.GetProgress(ctx, docID),
	}, nil
}

// DocumentMeta returns the document read-model, served from cache when warm.
func (s *Service) DocumentMeta(ctx context.Context, tenantID, docID string) (*DocumentMeta, error) {
	if cached := s.metaCache.Get(ctx, docID); cached != nil && cached.TenantID == tenantID {
		return cached, nil
	}

	doc, file, err := s.store.ResolveDocument(ctx, tenantID, docID)
	if err != nil {
		return nil, err
	}
	count, err := s.store.CountChunks(ctx, docID)
	if err != nil {
		return nil, err
	}

	meta := &DocumentMeta{
		ID:         doc.ID,
		TenantID:   doc.TenantID,
		FileID:     file.ID,
		Title:      doc.Title,
		Lang:       doc.Lang,
		Source:     doc.Source,
		Status:     doc.Status,
		Filename:   file.Filename,
		MimeType:   file.MimeType,
		SizeBytes:  file.SizeBytes,
		StorageKey: file.StorageKey,
		ChunkCount: count,
	}
	s.metaCache.Set(ctx, meta)
	return meta, nil
}

// Search embeds the query and returns the k nearest chunks across the tenant's
// documents. Query vectors are memoized for a few minutes since repeated
// queries are common.
func (s *Service) Search(ctx context.Context, tenantID, query string, k int) ([]SearchHit, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: query is required", ErrInvalidArgument)
	}
	if k <= 0 {
		return nil, fmt.Errorf("%w: k must be positive", ErrInvalidArgument)
	}

	vector := s.queryCache.Get(ctx, s.modelID, query)
	if vector == nil {
		vectors, err := s.embedder.Embed(ctx, []string{query})
		if err != nil {
			return nil, err
		}
		if len(vectors) != 1 {
			return nil, &ProviderError{Message: fmt.Sprintf("expected 1 query vector, got %d", len(vectors))}
		}
		vector = vectors[0]
		s.queryCache.Set(ctx, s.modelID, query, vector)
	}

	hits, err := s.store.SearchNearest(ctx, tenantID, vector, k)
	if err != nil {
		return nil, err
	}
	return hits, nil
}
