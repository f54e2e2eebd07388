package knowledge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Distance metrics supported by the chunk index. The operator must match the
// metric the pgvector index was built with; it is environment configuration
// (KB_VECTOR_METRIC), never inferred from the embedding provider.
const (
	MetricL2     = "l2"
	MetricCosine = "cosine"
)

// Repository persists files, documents and chunks. Every predicate touching
// tenant-owned rows carries the tenant id.
type Repository struct {
	db     *gorm.DB
	metric string
}

// FileInput describes the committed upload to record.
type FileInput struct {
	Filename   string
	MimeType   string
	SizeBytes  int64
	StorageKey string
	Checksum   string
}

// ChunkInput is one segment ready to persist.
type ChunkInput struct {
	Index     int
	Text      string
	Embedding []float32
}

// SearchHit is one nearest-neighbor result row. Score is the raw distance
// under the configured metric: lower means more similar for both l2 and cosine.
type SearchHit struct {
	DocumentID string  `gorm:"column:document_id" json:"document_id"`
	FileID     string  `gorm:"column:file_id" json:"file_id"`
	ChunkIndex int     `gorm:"column:chunk_index" json:"chunk_index"`
	Text       string  `gorm:"column:text" json:"text"`
	Score      float64 `gorm:"column:score" json:"score"`
}

// NewRepository wires the repository with an explicit distance metric.
func NewRepository(db *gorm.DB, metric string) (*Repository, error) {
	if db == nil {
		return nil, errors.New("knowledge: database connection is required")
	}
	switch metric {
	case MetricL2, MetricCosine:
	case "":
		metric = MetricL2
	default:
		return nil, fmt.Errorf("%w: unsupported vector metric %q", ErrInvalidArgument, metric)
	}
	return &Repository{db: db, metric: metric}, nil
}

// NewRepositoryFromEnv reads KB_VECTOR_METRIC (l2 or cosine, default l2).
func NewRepositoryFromEnv(db *gorm.DB) (*Repository, error) {
	return NewRepository(db, strings.ToLower(strings.TrimSpace(os.Getenv("KB_VECTOR_METRIC"))))
}

// AutoMigrate creates the pipeline tables. On Postgres the vector extension is
// provisioned first so the embedding column type resolves.
func (r *Repository) AutoMigrate() error {
	if r == nil || r.db == nil {
		return errors.New("knowledge: database connection is not configured")
	}
	if r.db.Dialector.Name() == "postgres" {
		if err := r.db.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
			return fmt.Errorf("knowledge: create vector extension: %w", err)
		}
	}
	return r.db.AutoMigrate(&File{}, &Document{}, &Chunk{})
}

func (r *Repository) operator() string {
	if r.metric == MetricCosine {
		return "<=>"
	}
	return "<->"
}

// InsertFileAndDocument records the committed upload and its document in one
// transaction, returning both ids. The new document starts as ingesting.
func (r *Repository) InsertFileAndDocument(ctx context.Context, tenantID string, file FileInput, title *string, lang, source string) (string, string, error) {
	if r == nil || r.db == nil {
		return "", "", errors.New("knowledge: database connection is not configured")
	}

	fileRow := File{
		ID:         uuid.NewString(),
		TenantID:   tenantID,
		Kind:       "kb",
		Filename:   file.Filename,
		MimeType:   file.MimeType,
		SizeBytes:  file.SizeBytes,
		StorageKey: file.StorageKey,
		Checksum:   file.Checksum,
		Status:     "stored",
		Meta:       datatypes.JSON([]byte("{}")),
	}
	docRow := Document{
		ID:       uuid.NewString(),
		TenantID: tenantID,
		FileID:   fileRow.ID,
		Source:   source,
		Title:    title,
		Lang:     lang,
		Status:   StatusIngesting,
		Meta:     datatypes.JSON([]byte("{}")),
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&fileRow).Error; err != nil {
			return err
		}
		return tx.Create(&docRow).Error
	})
	if err != nil {
		return "", "", err
	}
	return fileRow.ID, docRow.ID, nil
}

// ResolveDocument loads the document and its backing file, scoped to the
// tenant. A document owned by another tenant is indistinguishable from a
// missing one.
func (r *Repository) ResolveDocument(ctx context.Context, tenantID, docID string) (*Document, *File, error) {
	if r == nil || r.db == nil {
		return nil, nil, errors.New("knowledge: database connection is not configured")
	}

	var doc Document
	if err := r.db.WithContext(ctx).
		Where("id = ? AND tenant_id = ?", docID, tenantID).
		Take(&doc).Error; err != nil {
		return nil, nil, translateNotFound(err)
	}

	var file File
	if err := r.db.WithContext(ctx).
		Where("id = ? AND tenant_id = ?", doc.FileID, tenantID).
		Take(&file).Error; err != nil {
		return nil, nil, translateNotFound(err)
	}

	return &doc, &file, nil
}

// DocumentByID loads a document without tenant scoping. Callers own the tenant
// check; used for the durable status fallback.
func (r *Repository) DocumentByID(ctx context.Context, docID string) (*Document, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("knowledge: database connection is not configured")
	}
	var doc Document
	if err := r.db.WithContext(ctx).Where("id = ?", docID).Take(&doc).Error; err != nil {
		return nil, translateNotFound(err)
	}
	return &doc, nil
}

// ReplaceChunks swaps the document's chunk set atomically: the previous rows
// are deleted and the new batch inserted in one transaction, so search never
// observes a partial set and re-ingestion cannot duplicate rows.
func (r *Repository) ReplaceChunks(ctx context.Context, tenantID, docID string, chunks []ChunkInput) error {
	if r == nil || r.db == nil {
		return errors.New("knowledge: database connection is not configured")
	}

	rows := make([]Chunk, len(chunks))
	for i, chunk := range chunks {
		rows[i] = Chunk{
			TenantID:   tenantID,
			DocumentID: docID,
			ChunkIndex: chunk.Index,
			Text:       chunk.Text,
			Embedding:  pgvector.NewVector(chunk.Embedding),
		}
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("document_id = ? AND tenant_id = ?", docID, tenantID).Delete(&Chunk{}).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.Create(&rows).Error
	})
}

// SearchNearest returns the k chunks closest to the query vector among the
// tenant's chunks. Results are ordered by raw distance ascending; equal
// distances fall back to chunk index then insertion order so results stay
// deterministic.
func (r *Repository) SearchNearest(ctx context.Context, tenantID string, vector []float32, k int) ([]SearchHit, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("knowledge: database connection is not configured")
	}
	if len(vector) == 0 {
		return nil, fmt.Errorf("%w: query vector is empty", ErrInvalidArgument)
	}
	if k <= 0 {
		return nil, fmt.Errorf("%w: k must be positive", ErrInvalidArgument)
	}

	query := fmt.Sprintf(`
		SELECT kc.document_id, kc.chunk_index, kc.text, kc.embedding %s ? AS score, kd.file_id
		FROM kb_chunks kc
		JOIN kb_documents kd ON kd.id = kc.document_id
		WHERE kc.tenant_id = ?
		ORDER BY score ASC, kc.chunk_index ASC, kc.id ASC
		LIMIT ?`, r.operator())

	var hits []SearchHit
	if err := r.db.WithContext(ctx).
		Raw(query, pgvector.NewVector(vector), tenantID, k).
		Scan(&hits).Error; err != nil {
		return nil, err
	}
	return hits, nil
}

// SetDocumentStatus flips the durable lifecycle status.
func (r *Repository) SetDocumentStatus(ctx context.Context, docID, status string) error {
	if r == nil || r.db == nil {
		return errors.New("knowledge: database connection is not configured")
	}
	result := r.db.WithContext(ctx).
		Model(&Document{}).
		Where("id = ?", docID).
		Update("status", status)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CountChunks reports the persisted chunk count for a document.
func (r *Repository) CountChunks(ctx context.Context, docID string) (int64, error) {
	if r == nil || r.db == nil {
		return 0, errors.New("knowledge: database connection is not configured")
	}
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&Chunk{}).
		Where("document_id = ?", docID).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

func translateNotFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
