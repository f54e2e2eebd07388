package knowledge

import (
	"time"

	"github.com/pgvector/pgvector-go"
	"gorm.io/datatypes"
)

// Document lifecycle statuses (durable, stored on the row).
const (
	StatusIngesting = "ingesting"
	StatusReady     = "ready"
	StatusError     = "error"
)

// File references one uploaded object in the store. Immutable once stored
// except for status transitions; exactly one Document is backed by it.
type File struct {
	ID         string         `gorm:"type:uuid;primaryKey" json:"id"`
	TenantID   string         `gorm:"type:uuid;not null;index" json:"tenant_id"`
	Kind       string         `gorm:"size:32;not null;default:'kb'" json:"kind"`
	Filename   string         `gorm:"size:255" json:"filename"`
	MimeType   string         `gorm:"size:128" json:"mime_type"`
	SizeBytes  int64          `gorm:"not null;default:0" json:"size_bytes"`
	StorageKey string         `gorm:"size:512;not null" json:"storage_key"`
	Checksum   string         `gorm:"size:128" json:"checksum"`
	Status     string         `gorm:"size:16;not null;default:'stored'" json:"status"`
	Meta       datatypes.JSON `gorm:"type:json" json:"meta,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

func (File) TableName() string {
	return "files"
}

// Document is one knowledge-base item owned by a tenant. The durable status is
// authoritative; the job tracker only mirrors it with finer progress.
type Document struct {
	ID        string         `gorm:"type:uuid;primaryKey" json:"id"`
	TenantID  string         `gorm:"type:uuid;not null;index:idx_tenant_document" json:"tenant_id"`
	FileID    string         `gorm:"type:uuid;not null;index" json:"file_id"`
	Source    string         `gorm:"size:64;not null;default:'upload'" json:"source"`
	Title     *string        `gorm:"size:255" json:"title,omitempty"`
	Lang      string         `gorm:"size:8;not null;default:'en'" json:"lang"`
	Status    string         `gorm:"size:16;not null;default:'ingesting'" json:"status"`
	Meta      datatypes.JSON `gorm:"type:json" json:"meta,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

func (Document) TableName() string {
	return "kb_documents"
}

// Chunk is one overlapping segment of a document's extracted text. chunk_index
// values are contiguous from 0 and the whole set is replaced per ingestion run.
type Chunk struct {
	ID         uint64          `gorm:"primaryKey" json:"id"`
	TenantID   string          `gorm:"type:uuid;not null;index" json:"tenant_id"`
	DocumentID string          `gorm:"type:uuid;not null;index:idx_document_chunk,unique" json:"document_id"`
	ChunkIndex int             `gorm:"not null;index:idx_document_chunk,unique" json:"chunk_index"`
	Text       string          `gorm:"type:text;not null" json:"text"`
	Embedding  pgvector.Vector `gorm:"type:vector(1536)" json:"-"`
	CreatedAt  time.Time       `json:"created_at"`
}

func (Chunk) TableName() string {
	return "kb_chunks"
}
