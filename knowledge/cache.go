package knowledge

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"log"
	"time"
)

const (
	queryVectorTTL = 5 * time.Minute
	docMetaTTL     = time.Hour
)

// queryVectorCache memoizes embedding vectors for repeated search queries. A
// nil receiver or backing cache disables it; callers never notice.
type queryVectorCache struct {
	cache statusCache
}

func newQueryVectorCache(cache statusCache) *queryVectorCache {
	if cache == nil {
		return nil
	}
	return &queryVectorCache{cache: cache}
}

func queryVectorKey(modelID, query string) string {
	sum := sha1.Sum([]byte(modelID + "\x00" + query))
	return "emb:" + hex.EncodeToString(sum[:])
}

func (c *queryVectorCache) Get(ctx context.Context, modelID, query string) []float32 {
	if c == nil || c.cache == nil {
		return nil
	}
	raw, found, err := c.cache.Get(ctx, queryVectorKey(modelID, query))
	if err != nil {
		log.Printf("knowledge: query vector cache read failed: %v", err)
		return nil
	}
	if !found {
		return nil
	}
	var vector []float32
	if err := json.Unmarshal([]byte(raw), &vector); err != nil {
		log.Printf("knowledge: query vector cache entry corrupt: %v", err)
		return nil
	}
	return vector
}

func (c *queryVectorCache) Set(ctx context.Context, modelID, query string, vector []float32) {
	if c == nil || c.cache == nil || len(vector) == 0 {
		return
	}
	raw, err := json.Marshal(vector)
	if err != nil {
		return
	}
	if err := c.cache.SetWithTTL(ctx, queryVectorKey(modelID, query), string(raw), queryVectorTTL); err != nil {
		log.Printf("knowledge: query vector cache write failed: %v", err)
	}
}

// DocumentMeta is the cached read-model for document detail lookups.
type DocumentMeta struct {
	ID         string  `json:"id"`
	TenantID   string  `json:"tenant_id"`
	FileID     string  `json:"file_id"`
	Title      *string `json:"title"`
	Lang       string  `json:"lang"`
	Source     string  `json:"source"`
	Status     string  `json:"status"`
	Filename   string  `json:"filename"`
	MimeType   string  `json:"mime_type"`
	SizeBytes  int64   `json:"size_bytes"`
	StorageKey string  `json:"storage_key"`
	ChunkCount int64   `json:"chunk_count"`
}

// docMetaCache holds the document read-model for an hour. Ingestion completion
// invalidates the entry so status flips are visible promptly.
type docMetaCache struct {
	cache statusCache
}

func newDocMetaCache(cache statusCache) *docMetaCache {
	if cache == nil {
		return nil
	}
	return &docMetaCache{cache: cache}
}

func docMetaKey(docID string) string {
	return "kb_doc_meta:" + docID
}

func (c *docMetaCache) Get(ctx context.Context, docID string) *DocumentMeta {
	if c == nil || c.cache == nil {
		return nil
	}
	raw, found, err := c.cache.Get(ctx, docMetaKey(docID))
	if err != nil {
		log.Printf("knowledge: doc meta cache read failed: %v", err)
		return nil
	}
	if !found {
		return nil
	}
	var meta DocumentMeta
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		log.Printf("knowledge: doc meta cache entry corrupt: %v", err)
		return nil
	}
	return &meta
}

func (c *docMetaCache) Set(ctx context.Context, meta *DocumentMeta) {
	if c == nil || c.cache == nil || meta == nil {
		return
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return
	}
	if err := c.cache.SetWithTTL(ctx, docMetaKey(meta.ID), string(raw), docMetaTTL); err != nil {
		log.Printf("knowledge: doc meta cache write failed: %v", err)
	}
}

func (c *docMetaCache) Invalidate(ctx context.Context, docID string) {
	if c == nil || c.cache == nil {
		return
	}
	if err := c.cache.Delete(ctx, docMetaKey(docID)); err != nil {
		log.Printf("knowledge: doc meta cache invalidate failed: %v", err)
	}
}
