// Package docs implements the document upload lifecycle: the
// duplicate-failure guard, the dispatcher handshake, the direct write
// to storage, and the confirm/tag step. Extraction itself happens in a
// separate pipeline that writes registry rows this service only
// observes.
package docs

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"brickline/api/internal/dispatch"
	"brickline/api/internal/objstore"
	"brickline/api/internal/store"
)

// Candidate is an upload as the browser handed it over: declared type,
// nothing verified yet.
type Candidate struct {
	FileName    string
	ContentType string
	Data        []byte
}

// RequestMeta is the request context flattened onto the stored object
// at confirm time.
type RequestMeta struct {
	SessionID string
	IPAddress string
	UserAgent string
}

// Result is returned on a fully confirmed upload. ContentType is the
// type the store reported, not the one the client declared.
type Result struct {
	UploadPath  string
	Bucket      string
	ContentType string
}

var (
	ErrEmptyDocumentType       = errors.New("document type is required")
	ErrUnsupportedType         = errors.New("unsupported document content type")
	ErrUnsupportedStoredType   = errors.New("stored object content type is not allowed")
	ErrDuplicateFailedDocument = errors.New("a failed document with this file name already exists; delete it before re-uploading")
	ErrObjectNotFound          = errors.New("uploaded object not found at confirmation")
)

// allowedTypes is the upload allow-list, checked twice: against the
// client's declared type before any network call, and against the
// store's reported type at confirm time.
var allowedTypes = map[string]struct{}{
	"application/pdf":    {},
	"text/plain":         {},
	"text/csv":           {},
	"application/msword": {},
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": {},
	"application/vnd.ms-excel": {},
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": {},
}

func TypeAllowed(contentType string) bool {
	_, ok := allowedTypes[strings.ToLower(strings.TrimSpace(contentType))]
	return ok
}

type registryStore interface {
	FailedEntryExists(ctx context.Context, fileName string) (bool, error)
}

type dispatcherClient interface {
	Validate(ctx context.Context, req dispatch.Request) (dispatch.Response, error)
	UploadToSignedURL(ctx context.Context, signedURL, contentType string, data []byte) error
}

type objectStore interface {
	Bucket() string
	Stat(ctx context.Context, path string) (objstore.ObjectInfo, error)
	SetMetadata(ctx context.Context, path string, metadata map[string]string) error
}

type auditRecorder interface {
	Record(ctx context.Context, entry store.AuditEntry)
}

type Service struct {
	registry   registryStore
	dispatcher dispatcherClient
	storage    objectStore
	audit      auditRecorder
	now        func() time.Time
}

func NewService(registry registryStore, dispatcher dispatcherClient, storage objectStore, audit auditRecorder) *Service {
	return &Service{
		registry:   registry,
		dispatcher: dispatcher,
		storage:    storage,
		audit:      audit,
		now:        time.Now,
	}
}

// SubmitUpload runs the five lifecycle steps in strict sequence. Any
// failure abandons the upload; there are no retries and no rollback of
// earlier steps.
func (s *Service) SubmitUpload(ctx context.Context, candidate Candidate, documentType string, identity store.Identity, meta RequestMeta) (Result, error) {
	if strings.TrimSpace(documentType) == "" {
		return Result{}, ErrEmptyDocumentType
	}
	if !TypeAllowed(candidate.ContentType) {
		return Result{}, fmt.Errorf("%w: %s", ErrUnsupportedType, candidate.ContentType)
	}

	// Step 1: the duplicate-failure guard. A FAILED row with the same
	// file name, any owner, blocks the upload outright; the user must
	// delete the stale row first.
	blocked, err := s.registry.FailedEntryExists(ctx, candidate.FileName)
	if err != nil {
		return Result{}, fmt.Errorf("duplicate check: %w", err)
	}
	if blocked {
		return Result{}, ErrDuplicateFailedDocument
	}

	// Step 2: dispatcher handshake.
	uploadedAt := s.now()
	path := fmt.Sprintf("uploads/%d_%s", uploadedAt.UnixMilli(), sanitizeFileName(candidate.FileName))
	resp, err := s.dispatcher.Validate(ctx, dispatch.Request{
		FileName:        candidate.FileName,
		FilePath:        path,
		BucketName:      s.storage.Bucket(),
		ContentType:     candidate.ContentType,
		UploadTimestamp: strconv.FormatInt(uploadedAt.UnixMilli(), 10),
		UserID:          identity.UserID,
		SessionID:       meta.SessionID,
		ServiceKeyRole:  strings.ToLower(identity.Role),
		DocumentType:    documentType,
	})
	if err != nil {
		return Result{}, err
	}

	// Step 3: direct write to the signed URL. One attempt.
	if err := s.dispatcher.UploadToSignedURL(ctx, resp.SignedURL, candidate.ContentType, candidate.Data); err != nil {
		return Result{}, err
	}

	// Step 4: confirm and tag. The stored object's own content type is
	// re-validated; the client's declaration is not trusted here.
	info, err := s.storage.Stat(ctx, resp.UploadPath)
	if err != nil {
		if errors.Is(err, objstore.ErrNotFound) {
			return Result{}, ErrObjectNotFound
		}
		return Result{}, fmt.Errorf("confirm upload: %w", err)
	}
	if !TypeAllowed(info.ContentType) {
		return Result{}, fmt.Errorf("%w: %s", ErrUnsupportedStoredType, info.ContentType)
	}

	if err := s.storage.SetMetadata(ctx, resp.UploadPath, map[string]string{
		"user_id":       identity.UserID,
		"username":      identity.Username,
		"role":          identity.Role,
		"session_id":    meta.SessionID,
		"ip_address":    meta.IPAddress,
		"user_agent":    meta.UserAgent,
		"file_name":     candidate.FileName,
		"document_type": documentType,
		"content_type":  info.ContentType,
		"confirmed_at":  s.now().UTC().Format(time.RFC3339),
	}); err != nil {
		if errors.Is(err, objstore.ErrNotFound) {
			return Result{}, ErrObjectNotFound
		}
		return Result{}, fmt.Errorf("tag upload: %w", err)
	}

	// Step 5: best-effort audit. Never fails the upload.
	s.audit.Record(ctx, store.AuditEntry{
		UserID:      identity.UserID,
		Username:    identity.Username,
		Role:        identity.Role,
		ActionType:  "CREATE",
		TableName:   "document_registry",
		RecordID:    resp.UploadPath,
		Description: fmt.Sprintf("uploaded %s (%s)", candidate.FileName, documentType),
		IPAddress:   meta.IPAddress,
		UserAgent:   meta.UserAgent,
	})

	return Result{
		UploadPath:  resp.UploadPath,
		Bucket:      s.storage.Bucket(),
		ContentType: info.ContentType,
	}, nil
}

// FileOutcome is one file's result within a batch.
type FileOutcome struct {
	FileName string
	Path     string
	Err      error
}

type BatchSummary struct {
	Succeeded []FileOutcome
	Failed    []FileOutcome
}

// SubmitBatch uploads files one at a time, in order. A failure is
// recorded against its own file and the batch continues.
func (s *Service) SubmitBatch(ctx context.Context, candidates []Candidate, documentType string, identity store.Identity, meta RequestMeta) BatchSummary {
	var summary BatchSummary
	for _, candidate := range candidates {
		result, err := s.SubmitUpload(ctx, candidate, documentType, identity, meta)
		if err != nil {
			summary.Failed = append(summary.Failed, FileOutcome{FileName: candidate.FileName, Err: err})
			continue
		}
		summary.Succeeded = append(summary.Succeeded, FileOutcome{FileName: candidate.FileName, Path: result.UploadPath})
	}
	return summary
}

var unsafePathChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

func sanitizeFileName(name string) string {
	return unsafePathChars.ReplaceAllString(name, "_")
}
