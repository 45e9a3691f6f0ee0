package chat

import (
	"context"
	"math"
	"net/http"
	"strings"

	"github.com/kbchat/kbchat/internal/apperr"
	awsops "github.com/kbchat/kbchat/internal/aws"
	"github.com/kbchat/kbchat/internal/core"
	"github.com/kbchat/kbchat/internal/gateway"
)

// Request is one query as handed to a Transport.
type Request struct {
	Query           string // already flattened
	ModelID         string
	KnowledgeBaseID string
	Params          core.SearchParameters
	Bundle          *core.CredentialBundle // required by the direct transport only
}

// Source is a passage the backend retrieved to ground the answer.
type Source struct {
	Content  string  `json:"content"`
	Location string  `json:"location"`
	Score    float64 `json:"score"`
}

// Answer is a completed query.
type Answer struct {
	Text             string   `json:"answer"`
	ProcessingTimeMS int64    `json:"processing_time_ms"`
	ModelUsed        string   `json:"model_used,omitempty"`
	Sources          []Source `json:"sources,omitempty"`
}

// Transport delivers a query to a RAG backend.
type Transport interface {
	Query(ctx context.Context, req Request) (*Answer, error)
}

// HTTPTransport posts queries to the query API.
type HTTPTransport struct {
	client     *gateway.Client
	baseURL    string
	apiKey     string
	maxRetries int
}

// NewHTTPTransport creates a transport for the API at baseURL.
func NewHTTPTransport(client *gateway.Client, baseURL, apiKey string, maxRetries int) *HTTPTransport {
	return &HTTPTransport{
		client:     client,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		maxRetries: maxRetries,
	}
}

type queryBody struct {
	Query           string `json:"query"`
	ModelID         string `json:"model_id"`
	KnowledgeBaseID string `json:"knowledge_base_id"`
}

type queryResponse struct {
	Answer           string   `json:"answer"`
	ProcessingTimeMS float64  `json:"processing_time_ms"`
	ModelUsed        string   `json:"model_used"`
	RetrievalResults []Source `json:"retrievalResults"`
}

func (t *HTTPTransport) header() http.Header {
	h := http.Header{}
	if t.apiKey != "" {
		h.Set("x-api-key", t.apiKey)
	}
	return h
}

// Query implements Transport.
func (t *HTTPTransport) Query(ctx context.Context, req Request) (*Answer, error) {
	var resp queryResponse
	err := t.client.DoJSON(ctx, http.MethodPost, t.baseURL+"/kb-query", t.header(), queryBody{
		Query:           req.Query,
		ModelID:         req.ModelID,
		KnowledgeBaseID: req.KnowledgeBaseID,
	}, &resp, t.maxRetries)
	if err != nil {
		return nil, err
	}
	return &Answer{
		Text:             resp.Answer,
		ProcessingTimeMS: int64(math.Round(resp.ProcessingTimeMS)),
		ModelUsed:        resp.ModelUsed,
		Sources:          resp.RetrievalResults,
	}, nil
}

// Health calls GET /health with the given retry budget.
func (t *HTTPTransport) Health(ctx context.Context, retries int) error {
	resp, err := t.client.Do(ctx, gateway.Request{
		Method: http.MethodGet,
		URL:    t.baseURL + "/health",
		Header: t.header(),
	}, retries)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return gateway.StatusError(resp)
	}
	return nil
}

// SystemInfo fetches GET /system/info.
func (t *HTTPTransport) SystemInfo(ctx context.Context) (map[string]any, error) {
	var info map[string]any
	if err := t.client.DoJSON(ctx, http.MethodGet, t.baseURL+"/system/info", t.header(), nil, &info, t.maxRetries); err != nil {
		return nil, err
	}
	return info, nil
}

// RAGAPI is the Bedrock runtime call used by BedrockTransport.
type RAGAPI interface {
	RetrieveAndGenerate(ctx context.Context, creds awsops.SessionCredentials, req awsops.RAGRequest) (*awsops.RAGResult, error)
}

// BedrockTransport queries the knowledge base directly with the signed-in
// credentials.
type BedrockTransport struct {
	api RAGAPI
}

// NewBedrockTransport creates a direct transport.
func NewBedrockTransport(api RAGAPI) *BedrockTransport {
	return &BedrockTransport{api: api}
}

// Query implements Transport.
func (t *BedrockTransport) Query(ctx context.Context, req Request) (*Answer, error) {
	if req.Bundle == nil {
		return nil, apperr.New(apperr.KindInvalidCredentials, "Sign in before sending queries to Bedrock")
	}
	res, err := t.api.RetrieveAndGenerate(ctx, req.Bundle.Credentials(), awsops.RAGRequest{
		Query:           req.Query,
		KnowledgeBaseID: req.KnowledgeBaseID,
		ModelID:         req.ModelID,
		NumberOfResults: int32(req.Params.MaxResults),
		Temperature:     float32(req.Params.Temperature),
		MaxTokens:       int32(req.Params.MaxTokens),
	})
	if err != nil {
		return nil, apperr.FromAWS(err, "Insufficient permissions to query this knowledge base. Check your AWS permissions.")
	}

	a := &Answer{Text: res.Text, ModelUsed: req.ModelID}
	for _, c := range res.Citations {
		a.Sources = append(a.Sources, Source{Content: c.Text, Location: c.URI})
	}
	return a, nil
}
