package documents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kbchat/kbchat/internal/apperr"
	awsops "github.com/kbchat/kbchat/internal/aws"
	"github.com/kbchat/kbchat/internal/core"
	"github.com/kbchat/kbchat/internal/gateway"
	"github.com/rs/zerolog"
)

// S3MaxKeys bounds each object-store listing call.
const S3MaxKeys = 1000

// ErrMalformed marks a backend reply without a document collection.
var ErrMalformed = errors.New("backend response has no documents field")

// Lister is one strategy for listing the documents of a data source.
type Lister interface {
	Name() string
	List(ctx context.Context, b *core.CredentialBundle, kbID, dsID string) ([]core.Document, error)
}

// ListDocuments tries each lister in order. The first one that returns a
// well-formed collection wins, even an empty one. Every document is stamped
// with dsID. When every lister fails the last error is returned.
func ListDocuments(ctx context.Context, listers []Lister, logger zerolog.Logger, b *core.CredentialBundle, kbID, dsID string) ([]core.Document, error) {
	var lastErr error
	for _, l := range listers {
		docs, err := l.List(ctx, b, kbID, dsID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logger.Warn().Err(err).Str("lister", l.Name()).Str("data_source_id", dsID).Msg("document listing failed, trying next source")
			lastErr = err
			continue
		}
		for i := range docs {
			docs[i].DataSourceID = dsID
		}
		logger.Debug().Str("lister", l.Name()).Int("count", len(docs)).Msg("documents listed")
		return docs, nil
	}
	if lastErr == nil {
		return nil, apperr.New(apperr.KindNotFound, "No document source is configured")
	}
	return nil, lastErr
}

func documentsPath(kbID, dsID string, rest ...string) string {
	parts := []string{"", "documents", url.PathEscape(kbID), url.PathEscape(dsID)}
	for _, r := range rest {
		parts = append(parts, url.PathEscape(r))
	}
	return strings.Join(parts, "/")
}

// BackendLister lists through the managed backend.
type BackendLister struct {
	Backend Backend
}

func (BackendLister) Name() string { return "backend" }

type backendDoc struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Status      string         `json:"status"`
	CreatedAt   string         `json:"createdAt"`
	CreatedAt2  string         `json:"created_at"`
	UpdatedAt   string         `json:"updatedAt"`
	UpdatedAt2  string         `json:"updated_at"`
	Size        float64        `json:"size"`
	Type        string         `json:"type"`
	ContentType string         `json:"content_type"`
	Metadata    map[string]any `json:"metadata"`
}

type backendList struct {
	Documents *[]backendDoc `json:"documents"`
	Count     int           `json:"count"`
}

// List implements Lister.
func (l BackendLister) List(ctx context.Context, b *core.CredentialBundle, kbID, dsID string) ([]core.Document, error) {
	resp, err := l.Backend.Do(ctx, b, http.MethodGet, documentsPath(kbID, dsID), nil)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, gateway.StatusError(resp)
	}

	var list backendList
	if err := json.Unmarshal(resp.Body, &list); err != nil {
		return nil, fmt.Errorf("decoding document list: %w", err)
	}
	if list.Documents == nil {
		return nil, ErrMalformed
	}

	now := time.Now().UTC()
	docs := make([]core.Document, 0, len(*list.Documents))
	for _, d := range *list.Documents {
		doc := core.Document{
			ID:        d.ID,
			Name:      d.Name,
			Status:    firstNonEmpty(d.Status, core.DocumentActive),
			CreatedAt: parseTime(firstNonEmpty(d.CreatedAt, d.CreatedAt2), now),
			UpdatedAt: parseTime(firstNonEmpty(d.UpdatedAt, d.UpdatedAt2), now),
			Size:      int64(d.Size),
			Type:      firstNonEmpty(d.Type, d.ContentType, "application/octet-stream"),
			Metadata:  map[string]string{},
		}
		for k, v := range d.Metadata {
			doc.Metadata[k] = fmt.Sprint(v)
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

func parseTime(s string, fallback time.Time) time.Time {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return fallback
}

// StorageAPI is what S3Lister needs from AWS.
type StorageAPI interface {
	GetDataSourceS3Config(ctx context.Context, creds awsops.SessionCredentials, kbID, dsID string) (*awsops.DataSourceS3Config, error)
	ListS3Objects(ctx context.Context, creds awsops.SessionCredentials, bucket, prefix string, maxKeys int32) ([]awsops.S3ObjectSummary, error)
}

// S3Lister enumerates the objects behind an S3 data source.
type S3Lister struct {
	API StorageAPI
}

func (S3Lister) Name() string { return "s3" }

// BucketFromARN returns the bucket name of arn:aws:s3:::bucket.
func BucketFromARN(arn string) string {
	parts := strings.SplitN(arn, ":::", 2)
	if len(parts) != 2 {
		return ""
	}
	return parts[1]
}

// List implements Lister. Zero-byte objects and folder placeholders are
// skipped. A data source that is not S3 backed has no documents.
func (l S3Lister) List(ctx context.Context, b *core.CredentialBundle, kbID, dsID string) ([]core.Document, error) {
	creds := b.Credentials()
	cfg, err := l.API.GetDataSourceS3Config(ctx, creds, kbID, dsID)
	if err != nil {
		return nil, apperr.FromAWS(err, "Insufficient permissions to read the data source configuration. Check your AWS permissions.")
	}
	docs := []core.Document{}
	if cfg == nil {
		return docs, nil
	}
	bucket := BucketFromARN(cfg.BucketARN)
	if bucket == "" {
		return docs, nil
	}
	prefixes := cfg.InclusionPrefixes
	if len(prefixes) == 0 {
		prefixes = []string{""}
	}

	now := time.Now().UTC()
	for _, prefix := range prefixes {
		objects, err := l.API.ListS3Objects(ctx, creds, bucket, prefix, S3MaxKeys)
		if err != nil {
			return nil, apperr.FromAWS(err, "Insufficient permissions to list the data source bucket. Check your AWS permissions.")
		}
		for _, o := range objects {
			if o.Size <= 0 || strings.HasSuffix(o.Key, "/") {
				continue
			}
			modified := o.LastModified
			if modified.IsZero() {
				modified = now
			}
			id := strings.ReplaceAll(o.ETag, `"`, "")
			if id == "" {
				id = o.Key
			}
			docs = append(docs, core.Document{
				ID:        id,
				Name:      o.Key[strings.LastIndex(o.Key, "/")+1:],
				Status:    core.DocumentActive,
				CreatedAt: modified,
				UpdatedAt: modified,
				Size:      o.Size,
				Type:      ContentTypeFor(o.Key),
				Metadata: map[string]string{
					"s3Key":    o.Key,
					"s3Bucket": bucket,
					"etag":     o.ETag,
				},
			})
		}
	}
	return docs, nil
}
