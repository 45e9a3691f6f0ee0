package documents

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/kbchat/kbchat/internal/apperr"
	awsops "github.com/kbchat/kbchat/internal/aws"
	"github.com/kbchat/kbchat/internal/core"
)

// Endpoints are the backend URLs published for a deployment.
type Endpoints struct {
	APIBaseURL   string `json:"api_base_url"`
	DocumentsURL string `json:"documents_url"`
}

// ParameterAPI reads a Parameter Store value.
type ParameterAPI interface {
	GetSSMParameterValue(ctx context.Context, creds awsops.SessionCredentials, name string, withDecryption bool) (string, error)
}

// ResolveEndpoints reads the backend URLs from an SSM parameter. The value
// is either a JSON object with api_base_url and documents_url or a bare
// documents URL.
func ResolveEndpoints(ctx context.Context, api ParameterAPI, b *core.CredentialBundle, name string) (Endpoints, error) {
	if name == "" {
		return Endpoints{}, apperr.New(apperr.KindValidation, "No endpoint parameter is configured")
	}
	raw, err := api.GetSSMParameterValue(ctx, b.Credentials(), name, true)
	if err != nil {
		return Endpoints{}, apperr.FromAWS(err, "Insufficient permissions to read "+name+". Check your AWS permissions.")
	}

	raw = strings.TrimSpace(raw)
	var ep Endpoints
	if strings.HasPrefix(raw, "{") {
		if err := json.Unmarshal([]byte(raw), &ep); err != nil {
			return Endpoints{}, apperr.Wrap(apperr.KindContent, "Parameter "+name+" is not valid JSON", err)
		}
	} else {
		ep.DocumentsURL = raw
	}
	ep.APIBaseURL = strings.TrimRight(ep.APIBaseURL, "/")
	ep.DocumentsURL = strings.TrimRight(ep.DocumentsURL, "/")
	if ep.APIBaseURL == "" && ep.DocumentsURL == "" {
		return Endpoints{}, apperr.New(apperr.KindContent, "Parameter "+name+" holds no endpoint")
	}
	return ep, nil
}

// LogsAPI reads CloudWatch Logs events.
type LogsAPI interface {
	FilterLogEvents(ctx context.Context, creds awsops.SessionCredentials, group string, since time.Time, limit int32) ([]awsops.LogEvent, error)
}

// BackendLogs returns up to limit events from the backend log group logged
// within the last window.
func BackendLogs(ctx context.Context, api LogsAPI, b *core.CredentialBundle, group string, window time.Duration, limit int32) ([]awsops.LogEvent, error) {
	if group == "" {
		return nil, apperr.New(apperr.KindValidation, "No backend log group is configured")
	}
	if limit <= 0 {
		limit = 50
	}
	events, err := api.FilterLogEvents(ctx, b.Credentials(), group, time.Now().Add(-window), limit)
	if err != nil {
		return nil, apperr.FromAWS(err, "Insufficient permissions to read "+group+". Check your AWS permissions.")
	}
	return events, nil
}
