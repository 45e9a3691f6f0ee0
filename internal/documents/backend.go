package documents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/kbchat/kbchat/internal/apperr"
	awsops "github.com/kbchat/kbchat/internal/aws"
	"github.com/kbchat/kbchat/internal/core"
	"github.com/kbchat/kbchat/internal/gateway"
)

// Headers carrying the caller's credentials to the managed backend.
const (
	HeaderAccessKeyID     = "X-AWS-Access-Key-Id"
	HeaderSecretAccessKey = "X-AWS-Secret-Access-Key"
	HeaderSessionToken    = "X-AWS-Session-Token"
)

// Authentication modes for HTTPBackend.
const (
	AuthHeaders = "headers"
	AuthSigV4   = "sigv4"
)

// Backend sends one request to the managed document backend. Non-2xx
// responses are returned, not converted to errors.
type Backend interface {
	Do(ctx context.Context, b *core.CredentialBundle, method, path string, body any) (*gateway.Response, error)
}

func encodeBody(body any) ([]byte, error) {
	if body == nil {
		return nil, nil
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	return data, nil
}

func credentialHeaders(b *core.CredentialBundle) map[string]string {
	h := map[string]string{}
	if b == nil || b.AccessKeyID == "" {
		return h
	}
	h[HeaderAccessKeyID] = b.AccessKeyID
	h[HeaderSecretAccessKey] = b.SecretAccessKey
	if b.SessionToken != "" {
		h[HeaderSessionToken] = b.SessionToken
	}
	return h
}

// HTTPBackend reaches the backend over HTTP through the gateway.
type HTTPBackend struct {
	client     *gateway.Client
	baseURL    string
	auth       string
	maxRetries int
}

// NewHTTPBackend creates an HTTP backend. auth is AuthHeaders or
// AuthSigV4.
func NewHTTPBackend(client *gateway.Client, baseURL, auth string, maxRetries int) *HTTPBackend {
	if auth == "" {
		auth = AuthHeaders
	}
	return &HTTPBackend{
		client:     client,
		baseURL:    strings.TrimRight(baseURL, "/"),
		auth:       auth,
		maxRetries: maxRetries,
	}
}

// Do implements Backend.
func (h *HTTPBackend) Do(ctx context.Context, b *core.CredentialBundle, method, path string, body any) (*gateway.Response, error) {
	data, err := encodeBody(body)
	if err != nil {
		return nil, err
	}

	req := gateway.Request{Method: method, URL: h.baseURL + path, Header: http.Header{}, Body: data}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	switch h.auth {
	case AuthSigV4:
		if b == nil {
			return nil, apperr.New(apperr.KindInvalidCredentials, "Sign in before calling the document backend")
		}
		hreq, err := http.NewRequestWithContext(ctx, method, req.URL, bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("building request: %w", err)
		}
		hreq.Header = req.Header.Clone()
		if err := awsops.SignRequest(ctx, b.Credentials(), hreq, data, awsops.ExecuteAPIService); err != nil {
			return nil, err
		}
		req.Header = hreq.Header
	default:
		for k, v := range credentialHeaders(b) {
			req.Header.Set(k, v)
		}
	}

	return h.client.Do(ctx, req, h.maxRetries)
}

// InvokeAPI is the Lambda invoke call.
type InvokeAPI interface {
	InvokeFunction(ctx context.Context, creds awsops.SessionCredentials, functionName string, payload []byte) ([]byte, error)
}

// LambdaBackend invokes the backend function directly with an API Gateway
// proxy event, for environments where no HTTP endpoint is deployed.
type LambdaBackend struct {
	api      InvokeAPI
	function string
}

// NewLambdaBackend creates a Lambda backend for the named function.
func NewLambdaBackend(api InvokeAPI, function string) *LambdaBackend {
	return &LambdaBackend{api: api, function: function}
}

type proxyEvent struct {
	HTTPMethod string            `json:"httpMethod"`
	Path       string            `json:"path"`
	Headers    map[string]string `json:"headers"`
	Body       *string           `json:"body"`
}

type proxyResponse struct {
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
}

// Do implements Backend.
func (l *LambdaBackend) Do(ctx context.Context, b *core.CredentialBundle, method, path string, body any) (*gateway.Response, error) {
	if b == nil {
		return nil, apperr.New(apperr.KindInvalidCredentials, "Sign in before calling the document backend")
	}
	data, err := encodeBody(body)
	if err != nil {
		return nil, err
	}

	ev := proxyEvent{HTTPMethod: method, Path: path, Headers: credentialHeaders(b)}
	ev.Headers["Content-Type"] = "application/json"
	if data != nil {
		s := string(data)
		ev.Body = &s
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encoding event: %w", err)
	}

	out, err := l.api.InvokeFunction(ctx, b.Credentials(), l.function, payload)
	if err != nil {
		return nil, apperr.FromAWS(err, "Insufficient permissions to invoke the document backend. Check your AWS permissions.")
	}

	var resp proxyResponse
	if err := json.Unmarshal(out, &resp); err != nil || resp.StatusCode == 0 {
		return nil, apperr.Wrap(apperr.KindContent, "Invalid response from document backend", err)
	}
	header := http.Header{}
	for k, v := range resp.Headers {
		header.Set(k, v)
	}
	return &gateway.Response{StatusCode: resp.StatusCode, Header: header, Body: []byte(resp.Body)}, nil
}
