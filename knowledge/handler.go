package knowledge

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"nimbus_back/authorization"
	"nimbus_back/storage"
)

const (
	defaultSearchK = 5
	maxSearchK     = 50
)

// Module exposes the knowledge-base pipeline over HTTP.
type Module struct {
	service *Service
	objects *storage.ObjectStore
}

// NewModule wires a handler module from explicit dependencies, mainly for tests.
func NewModule(service *Service, objects *storage.ObjectStore) *Module {
	return &Module{service: service, objects: objects}
}

// RegisterRoutes builds the module from the environment and mounts the /kb
// routes. Every route requires an authenticated tenant.
func RegisterRoutes(router *gin.Engine, guard *authorization.Guard) (*Module, error) {
	db, err := openDatabaseFromEnv()
	if err != nil {
		return nil, err
	}

	objects, err := storage.NewObjectStoreFromEnv()
	if err != nil {
		return nil, err
	}

	service, err := NewServiceFromEnv(db, objects)
	if err != nil {
		return nil, err
	}

	module := NewModule(service, objects)
	module.Mount(router, guard)
	log.Printf("knowledge: routes registered")
	return module, nil
}

// Mount attaches the module's routes under /kb.
func (m *Module) Mount(router *gin.Engine, guard *authorization.Guard) {
	group := router.Group("/kb")
	group.Use(guard.RequireAuthenticated())

	files := group.Group("/files")
	files.POST("/presign", m.handlePresign)
	files.POST("/sign-part", m.handleSignPart)
	files.POST("/complete", m.handleCompleteMultipart)
	files.POST("/abort", m.handleAbortMultipart)
	files.POST("/commit", m.handleCommit)

	docs := group.Group("/documents")
	docs.POST("/:id/ingest", m.handleIngest)
	docs.GET("/:id", m.handleDocumentMeta)
	docs.GET("/:id/status", m.handleStatus)

	group.GET("/search", m.handleSearch)
}

func currentTenant(c *gin.Context) (string, bool) {
	identity := authorization.CurrentIdentity(c)
	if identity == nil || identity.TenantID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"code": "unauthorized", "message": "authentication required"})
		return "", false
	}
	return identity.TenantID, true
}

type presignRequest struct {
	Filename  string `json:"filename" binding:"required"`
	SizeBytes int64  `json:"size_bytes"`
	MimeType  string `json:"mime_type"`
}

func (m *Module) handlePresign(c *gin.Context) {
	tenantID, ok := currentTenant(c)
	if !ok {
		return
	}

	var req presignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_argument", "message": "filename is required"})
		return
	}

	ticket, err := m.objects.PresignUpload(c.Request.Context(), tenantID, req.Filename, req.SizeBytes, req.MimeType)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ticket)
}

type signPartRequest struct {
	StorageKey string `json:"storage_key" binding:"required"`
	UploadID   string `json:"upload_id" binding:"required"`
	PartNumber int    `json:"part_number" binding:"required"`
}

func (m *Module) handleSignPart(c *gin.Context) {
	tenantID, ok := currentTenant(c)
	if !ok {
		return
	}

	var req signPartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_argument", "message": "storage_key, upload_id and part_number are required"})
		return
	}
	if !storage.KeyBelongsToTenant(tenantID, req.StorageKey) {
		respondError(c, ErrForbidden)
		return
	}

	signed, err := m.objects.SignPart(c.Request.Context(), req.StorageKey, req.UploadID, req.PartNumber)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"put_url": signed, "part_number": req.PartNumber})
}

type completeMultipartRequest struct {
	StorageKey string                  `json:"storage_key" binding:"required"`
	UploadID   string                  `json:"upload_id" binding:"required"`
	Parts      []storage.CompletedPart `json:"parts" binding:"required"`
}

func (m *Module) handleCompleteMultipart(c *gin.Context) {
	tenantID, ok := currentTenant(c)
	if !ok {
		return
	}

	var req completeMultipartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_argument", "message": "storage_key, upload_id and parts are required"})
		return
	}
	if !storage.KeyBelongsToTenant(tenantID, req.StorageKey) {
		respondError(c, ErrForbidden)
		return
	}

	etag, err := m.objects.CompleteMultipart(c.Request.Context(), req.StorageKey, req.UploadID, req.Parts)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"storage_key": req.StorageKey, "etag": etag})
}

type abortMultipartRequest struct {
	StorageKey string `json:"storage_key" binding:"required"`
	UploadID   string `json:"upload_id" binding:"required"`
}

func (m *Module) handleAbortMultipart(c *gin.Context) {
	tenantID, ok := currentTenant(c)
	if !ok {
		return
	}

	var req abortMultipartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_argument", "message": "storage_key and upload_id are required"})
		return
	}
	if !storage.KeyBelongsToTenant(tenantID, req.StorageKey) {
		respondError(c, ErrForbidden)
		return
	}

	if err := m.objects.AbortMultipart(c.Request.Context(), req.StorageKey, req.UploadID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type commitRequest struct {
	StorageKey string  `json:"storage_key" binding:"required"`
	Filename   string  `json:"filename" binding:"required"`
	MimeType   string  `json:"mime_type"`
	SizeBytes  int64   `json:"size_bytes"`
	Checksum   string  `json:"checksum"`
	Title      *string `json:"title"`
	Lang       string  `json:"lang"`
}

func (m *Module) handleCommit(c *gin.Context) {
	tenantID, ok := currentTenant(c)
	if !ok {
		return
	}

	var req commitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_argument", "message": "storage_key and filename are required"})
		return
	}

	fileID, docID, err := m.service.Commit(c.Request.Context(), tenantID, CommitInput{
		StorageKey: req.StorageKey,
		Filename:   req.Filename,
		MimeType:   req.MimeType,
		SizeBytes:  req.SizeBytes,
		Checksum:   req.Checksum,
		Title:      req.Title,
		Lang:       req.Lang,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"file_id":     fileID,
		"document_id": docID,
		"status":      StatusIngesting,
	})
}

func (m *Module) handleIngest(c *gin.Context) {
	tenantID, ok := currentTenant(c)
	if !ok {
		return
	}

	docID := strings.TrimSpace(c.Param("id"))
	if err := m.service.TriggerIngest(c.Request.Context(), tenantID, docID); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"document_id": docID,
		"status":      JobPending,
	})
}

func (m *Module) handleDocumentMeta(c *gin.Context) {
	tenantID, ok := currentTenant(c)
	if !ok {
		return
	}

	meta, err := m.service.DocumentMeta(c.Request.Context(), tenantID, strings.TrimSpace(c.Param("id")))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, meta)
}

func (m *Module) handleStatus(c *gin.Context) {
	tenantID, ok := currentTenant(c)
	if !ok {
		return
	}

	result, err := m.service.Status(c.Request.Context(), tenantID, strings.TrimSpace(c.Param("id")))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (m *Module) handleSearch(c *gin.Context) {
	tenantID, ok := currentTenant(c)
	if !ok {
		return
	}

	query := strings.TrimSpace(c.Query("q"))
	k := defaultSearchK
	if raw := strings.TrimSpace(c.Query("k")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_argument", "message": "k must be a positive integer"})
			return
		}
		k = parsed
	}
	if k > maxSearchK {
		k = maxSearchK
	}

	hits, err := m.service.Search(c.Request.Context(), tenantID, query, k)
	if err != nil {
		respondError(c, err)
		return
	}
	if hits == nil {
		hits = []SearchHit{}
	}
	c.JSON(http.StatusOK, gin.H{"query": query, "results": hits})
}

// respondError maps pipeline errors onto HTTP status codes. Upstream failures
// (object store, embedding provider) surface as 502 so clients can tell them
// apart from request mistakes.
func respondError(c *gin.Context, err error) {
	var providerErr *ProviderError
	var storageErr *StorageError

	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "message": "document not found"})
	case errors.Is(err, ErrInvalidArgument):
		c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_argument", "message": err.Error()})
	case errors.Is(err, ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"code": "conflict", "message": "ingestion already in progress"})
	case errors.Is(err, ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"code": "forbidden", "message": "resource belongs to another tenant"})
	case errors.As(err, &providerErr):
		c.JSON(http.StatusBadGateway, gin.H{"code": "provider_error", "message": providerErr.Message})
	case errors.As(err, &storageErr):
		c.JSON(http.StatusBadGateway, gin.H{"code": "storage_error", "message": "object storage unavailable"})
	default:
		log.Printf("knowledge: request failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": "internal", "message": "internal error"})
	}
}
