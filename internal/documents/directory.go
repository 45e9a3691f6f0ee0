// Package documents lists the data sources of a knowledge base and manages
// the documents behind them through the managed backend, falling back to
// direct S3 enumeration for listings.
package documents

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/kbchat/kbchat/internal/apperr"
	"github.com/kbchat/kbchat/internal/audit"
	awsops "github.com/kbchat/kbchat/internal/aws"
	"github.com/kbchat/kbchat/internal/core"
	"github.com/kbchat/kbchat/internal/gateway"
	"github.com/rs/zerolog"
)

// DataSourcePageSize is the number of data sources requested per call.
const DataSourcePageSize = 100

const (
	MsgNoBackend            = "No document backend is configured"
	MsgDataSourcePermission = "You do not have permission to list data sources. Check your AWS permissions for Bedrock Agent."
)

// SourceAPI is what the directory needs from AWS.
type SourceAPI interface {
	StorageAPI
	ListDataSources(ctx context.Context, creds awsops.SessionCredentials, kbID string, pageSize int32) ([]awsops.DataSourceSummary, error)
}

// Options configures a Directory.
type Options struct {
	AWS     SourceAPI
	Backend Backend       // nil when no managed backend is deployed
	Audit   *audit.Logger // optional
	Logger  zerolog.Logger
}

// Directory is the data source and document directory.
type Directory struct {
	opts    Options
	listers []Lister
}

// NewDirectory creates a Directory. Listings try the managed backend
// first, then S3.
func NewDirectory(opts Options) *Directory {
	var listers []Lister
	if opts.Backend != nil {
		listers = append(listers, BackendLister{Backend: opts.Backend})
	}
	if opts.AWS != nil {
		listers = append(listers, S3Lister{API: opts.AWS})
	}
	return &Directory{opts: opts, listers: listers}
}

// File is a document to upload.
type File struct {
	Name        string
	Content     []byte
	ContentType string // derived from Name when empty
}

// ListDataSources returns the data sources of a knowledge base.
func (d *Directory) ListDataSources(ctx context.Context, b *core.CredentialBundle, kbID string) ([]core.DataSource, error) {
	summaries, err := d.opts.AWS.ListDataSources(ctx, b.Credentials(), kbID, DataSourcePageSize)
	if err != nil {
		d.opts.Logger.Warn().Err(err).Str("knowledge_base_id", kbID).Msg("listing data sources")
		terr := apperr.FromAWS(err, MsgDataSourcePermission)
		if apperr.KindOf(terr) == apperr.KindUnknown {
			return nil, apperr.Wrap(apperr.KindUnknown, "Failed to list data sources: "+apperr.UserMessage(terr), err)
		}
		return nil, terr
	}

	sources := make([]core.DataSource, 0, len(summaries))
	for _, s := range summaries {
		sources = append(sources, core.DataSource{
			DataSourceID:    s.ID,
			Name:            firstNonEmpty(s.Name, "Unknown Data Source"),
			Description:     s.Description,
			Status:          firstNonEmpty(s.Status, "UNKNOWN"),
			KnowledgeBaseID: kbID,
		})
	}
	return sources, nil
}

// ListDocuments returns the documents of a data source.
func (d *Directory) ListDocuments(ctx context.Context, b *core.CredentialBundle, kbID, dsID string) ([]core.Document, error) {
	return ListDocuments(ctx, d.listers, d.opts.Logger, b, kbID, dsID)
}

// Upload sends f to the backend and returns a PROCESSING placeholder.
// Ingestion is asynchronous; callers re-list after a short delay.
func (d *Directory) Upload(ctx context.Context, b *core.CredentialBundle, kbID, dsID string, f File) (*core.Document, error) {
	if d.opts.Backend == nil {
		return nil, apperr.New(apperr.KindNotFound, MsgNoBackend)
	}
	if strings.TrimSpace(f.Name) == "" {
		return nil, apperr.New(apperr.KindValidation, "A file name is required")
	}
	contentType := f.ContentType
	if contentType == "" {
		contentType = ContentTypeFor(f.Name)
	}

	resp, err := d.opts.Backend.Do(ctx, b, http.MethodPost, documentsPath(kbID, dsID), map[string]string{
		"filename":     f.Name,
		"file_content": base64.StdEncoding.EncodeToString(f.Content),
		"content_type": contentType,
	})
	if err := failure("upload document", resp, err); err != nil {
		return nil, err
	}

	var result struct {
		DocumentID string         `json:"document_id"`
		Metadata   map[string]any `json:"metadata"`
	}
	if err := json.Unmarshal(resp.Body, &result); err != nil || result.DocumentID == "" {
		return nil, apperr.Wrap(apperr.KindContent, "Failed to upload document: the backend did not return a document id", err)
	}

	now := time.Now().UTC()
	doc := &core.Document{
		ID:           result.DocumentID,
		Name:         f.Name,
		Status:       core.DocumentProcessing,
		CreatedAt:    now,
		UpdatedAt:    now,
		Size:         int64(len(f.Content)),
		Type:         contentType,
		DataSourceID: dsID,
		Metadata:     map[string]string{},
	}
	for k, v := range result.Metadata {
		doc.Metadata[k] = stringify(v)
	}

	d.auditLog(audit.EventDocumentUploaded, b, map[string]any{
		"knowledge_base_id": kbID,
		"data_source_id":    dsID,
		"document_id":       doc.ID,
		"name":              doc.Name,
		"size":              doc.Size,
	})
	return doc, nil
}

// Rename gives a document a new name.
func (d *Directory) Rename(ctx context.Context, b *core.CredentialBundle, kbID, dsID, docID, newName string) error {
	if d.opts.Backend == nil {
		return apperr.New(apperr.KindNotFound, MsgNoBackend)
	}
	if strings.TrimSpace(newName) == "" {
		return apperr.New(apperr.KindValidation, "The new name cannot be empty")
	}
	resp, err := d.opts.Backend.Do(ctx, b, http.MethodPut, documentsPath(kbID, dsID, docID, "rename"), map[string]string{
		"new_name": newName,
	})
	if err := failure("rename document", resp, err); err != nil {
		return err
	}
	d.auditLog(audit.EventDocumentRenamed, b, map[string]string{
		"knowledge_base_id": kbID,
		"data_source_id":    dsID,
		"document_id":       docID,
		"new_name":          newName,
	})
	return nil
}

// Delete removes one document.
func (d *Directory) Delete(ctx context.Context, b *core.CredentialBundle, kbID, dsID, docID string) error {
	if d.opts.Backend == nil {
		return apperr.New(apperr.KindNotFound, MsgNoBackend)
	}
	resp, err := d.opts.Backend.Do(ctx, b, http.MethodDelete, documentsPath(kbID, dsID, docID), nil)
	if err := failure("delete document", resp, err); err != nil {
		return err
	}
	d.auditLog(audit.EventDocumentDeleted, b, map[string]string{
		"knowledge_base_id": kbID,
		"data_source_id":    dsID,
		"document_id":       docID,
	})
	return nil
}

// DeleteBatch removes several documents in one request.
func (d *Directory) DeleteBatch(ctx context.Context, b *core.CredentialBundle, kbID, dsID string, docIDs []string) error {
	if d.opts.Backend == nil {
		return apperr.New(apperr.KindNotFound, MsgNoBackend)
	}
	if len(docIDs) == 0 {
		return apperr.New(apperr.KindValidation, "Select at least one document")
	}
	resp, err := d.opts.Backend.Do(ctx, b, http.MethodDelete, documentsPath(kbID, dsID, "batch"), map[string][]string{
		"document_ids": docIDs,
	})
	if err := failure("delete documents", resp, err); err != nil {
		return err
	}
	d.auditLog(audit.EventDocumentsDeleted, b, map[string]any{
		"knowledge_base_id": kbID,
		"data_source_id":    dsID,
		"document_ids":      docIDs,
	})
	return nil
}

// failure turns a transport error or a non-2xx response into a descriptive
// tagged error.
func failure(op string, resp *gateway.Response, err error) error {
	if err != nil {
		if apperr.KindOf(err) == apperr.KindUnknown {
			return apperr.Wrap(apperr.KindUnknown, "Failed to "+op+": "+err.Error(), err)
		}
		return err
	}
	if resp.OK() {
		return nil
	}
	serr := gateway.StatusError(resp)
	return apperr.Wrap(apperr.KindOf(serr), "Failed to "+op+": "+apperr.UserMessage(serr), serr)
}

func (d *Directory) auditLog(event audit.EventType, b *core.CredentialBundle, detail any) {
	if d.opts.Audit == nil {
		return
	}
	actor := ""
	if b != nil {
		actor = b.UserARN
	}
	if err := d.opts.Audit.Log(event, actor, detail); err != nil {
		d.opts.Logger.Warn().Err(err).Msg("audit write failed")
	}
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, _ := json.Marshal(v)
	return string(data)
}

var contentTypes = map[string]string{
	".pdf":  "application/pdf",
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".xls":  "application/vnd.ms-excel",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".txt":  "text/plain",
	".csv":  "text/csv",
	".html": "text/html",
	".htm":  "text/html",
	".json": "application/json",
	".xml":  "application/xml",
	".md":   "text/markdown",
}

// SupportedExtensions are the file types accepted for upload.
var SupportedExtensions = []string{".pdf", ".doc", ".docx", ".xls", ".xlsx", ".txt", ".csv"}

// ContentTypeFor derives a MIME type from a file name's extension.
func ContentTypeFor(name string) string {
	if ct, ok := contentTypes[strings.ToLower(filepath.Ext(name))]; ok {
		return ct
	}
	return "application/octet-stream"
}

// SupportedUpload reports whether name has an accepted extension.
func SupportedUpload(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, s := range SupportedExtensions {
		if ext == s {
			return true
		}
	}
	return false
}
