// handler.go implements a JSON-RPC-style handler over gRPC unary calls, so
// local tooling can drive the service without generated stubs.
package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kbchat/kbchat/internal/apperr"
	"github.com/kbchat/kbchat/internal/documents"
	"github.com/kbchat/kbchat/internal/prefs"
	"github.com/kbchat/kbchat/internal/session"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// RPCServiceName is the gRPC service carrying JSON-RPC calls.
const RPCServiceName = "kbchat.v1.KBChatService"

// RPCRequest is a generic JSON-RPC-style request.
type RPCRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// RPCResponse is a generic JSON-RPC-style response.
type RPCResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
	Kind   apperr.Kind     `json:"kind,omitempty"`
}

// Handler dispatches JSON-RPC requests to the Service.
type Handler struct {
	service  *Service
	dispatch map[string]handlerFunc
}

type handlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

// NewHandler creates a handler backed by the given service.
func NewHandler(svc *Service) *Handler {
	h := &Handler{service: svc}
	h.dispatch = map[string]handlerFunc{
		// Auth
		"auth.status":   h.handleAuthStatus,
		"auth.sign_in":  h.handleSignIn,
		"auth.sign_out": h.handleSignOut,
		"auth.restore":  h.handleRestore,
		"auth.history":  h.handleAuthHistory,

		// Knowledge bases
		"kb.list":     h.handleListKnowledgeBases,
		"kb.get":      h.handleGetKnowledgeBase,
		"models.list": h.handleListModels,

		// Documents
		"docs.sources":      h.handleListDataSources,
		"docs.list":         h.handleListDocuments,
		"docs.upload":       h.handleUpload,
		"docs.uploads":      h.handleUploads,
		"docs.rename":       h.handleRename,
		"docs.delete":       h.handleDelete,
		"docs.delete_batch": h.handleDeleteBatch,
		"docs.logs":         h.handleBackendLogs,

		// Chat
		"chat.ask":      h.handleAsk,
		"chat.messages": h.handleMessages,
		"chat.reset":    h.handleReset,
		"chat.history":  h.handleQueryHistory,
		"chat.stats":    h.handleQueryStats,

		// Preferences
		"prefs.get":  h.handleGetPreferences,
		"prefs.save": h.handleSavePreferences,

		// Diagnostics
		"diag.health":    h.handleHealth,
		"diag.info":      h.handleSystemInfo,
		"diag.endpoints": h.handleDiscoverEndpoints,

		// Audit
		"audit.verify": h.handleVerifyAudit,
	}
	return h
}

// Handle processes a JSON-RPC request and returns a response.
func (h *Handler) Handle(ctx context.Context, req *RPCRequest) *RPCResponse {
	fn, ok := h.dispatch[req.Method]
	if !ok {
		return &RPCResponse{Error: fmt.Sprintf("unknown method: %s", req.Method), Kind: apperr.KindNotFound}
	}

	result, err := fn(ctx, req.Params)
	if err != nil {
		return &RPCResponse{Error: apperr.UserMessage(err), Kind: apperr.KindOf(err)}
	}

	resultJSON, err := json.Marshal(result)
	if err != nil {
		return &RPCResponse{Error: fmt.Sprintf("encoding result: %v", err), Kind: apperr.KindUnknown}
	}
	return &RPCResponse{Result: resultJSON}
}

// RegisterWithGRPC registers the handler as a generic unary gRPC service.
// Clients send RPCRequest JSON and receive RPCResponse JSON.
func (h *Handler) RegisterWithGRPC(s *grpc.Server) {
	sd := grpc.ServiceDesc{
		ServiceName: RPCServiceName,
		HandlerType: (*kbchatServiceHandler)(nil),
		Methods: []grpc.MethodDesc{
			{
				MethodName: "Call",
				Handler:    h.grpcCallHandler,
			},
		},
		Streams: []grpc.StreamDesc{},
	}
	s.RegisterService(&sd, h)
}

type kbchatServiceHandler interface{}

// JSONCodec carries RPCRequest and RPCResponse as JSON instead of protobuf.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (JSONCodec) Name() string                       { return "json" }

func (h *Handler) grpcCallHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	var req RPCRequest
	if err := dec(&req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}
	return h.Handle(ctx, &req), nil
}

func decode(params json.RawMessage, v any) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return apperr.Wrap(apperr.KindValidation, "invalid params: "+err.Error(), err)
	}
	return nil
}

// --- Handler implementations ---

func (h *Handler) handleAuthStatus(_ context.Context, _ json.RawMessage) (any, error) {
	return h.service.AuthStatus(), nil
}

func (h *Handler) handleSignIn(ctx context.Context, params json.RawMessage) (any, error) {
	var in session.SignInInput
	if err := decode(params, &in); err != nil {
		return nil, err
	}
	return h.service.SignIn(ctx, in)
}

func (h *Handler) handleSignOut(_ context.Context, _ json.RawMessage) (any, error) {
	return h.service.SignOut(), nil
}

func (h *Handler) handleRestore(ctx context.Context, _ json.RawMessage) (any, error) {
	return h.service.Restore(ctx), nil
}

type limitParam struct {
	Limit int `json:"limit"`
}

func (p limitParam) or(def int) int {
	if p.Limit <= 0 {
		return def
	}
	return p.Limit
}

func (h *Handler) handleAuthHistory(_ context.Context, params json.RawMessage) (any, error) {
	var p limitParam
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	return h.service.AuthHistory(p.or(20))
}

func (h *Handler) handleListKnowledgeBases(ctx context.Context, _ json.RawMessage) (any, error) {
	return h.service.ListKnowledgeBases(ctx)
}

type kbParam struct {
	KnowledgeBaseID string `json:"knowledgeBaseId"`
	DataSourceID    string `json:"dataSourceId"`
	DocumentID      string `json:"documentId"`
}

func (h *Handler) handleGetKnowledgeBase(ctx context.Context, params json.RawMessage) (any, error) {
	var p kbParam
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	return h.service.GetKnowledgeBase(ctx, p.KnowledgeBaseID)
}

func (h *Handler) handleListModels(_ context.Context, _ json.RawMessage) (any, error) {
	return h.service.Models(), nil
}

func (h *Handler) handleListDataSources(ctx context.Context, params json.RawMessage) (any, error) {
	var p kbParam
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	return h.service.ListDataSources(ctx, p.KnowledgeBaseID)
}

func (h *Handler) handleListDocuments(ctx context.Context, params json.RawMessage) (any, error) {
	var p kbParam
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	return h.service.ListDocuments(ctx, p.KnowledgeBaseID, p.DataSourceID)
}

// UploadFile is a file in an upload request; Content is base64.
type UploadFile struct {
	Name        string `json:"name"`
	Content     string `json:"content"`
	ContentType string `json:"contentType,omitempty"`
}

// DecodeFiles turns request files into upload inputs.
func DecodeFiles(in []UploadFile) ([]documents.File, error) {
	files := make([]documents.File, 0, len(in))
	for _, f := range in {
		data, err := base64.StdEncoding.DecodeString(f.Content)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindValidation, "File "+f.Name+" is not valid base64", err)
		}
		files = append(files, documents.File{Name: f.Name, Content: data, ContentType: f.ContentType})
	}
	return files, nil
}

type uploadParams struct {
	kbParam
	Files []UploadFile `json:"files"`
}

func (h *Handler) handleUpload(ctx context.Context, params json.RawMessage) (any, error) {
	var p uploadParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	files, err := DecodeFiles(p.Files)
	if err != nil {
		return nil, err
	}
	return h.service.UploadDocuments(ctx, p.KnowledgeBaseID, p.DataSourceID, files)
}

func (h *Handler) handleUploads(_ context.Context, _ json.RawMessage) (any, error) {
	return h.service.Uploads(), nil
}

type renameParams struct {
	kbParam
	NewName string `json:"newName"`
}

func (h *Handler) handleRename(ctx context.Context, params json.RawMessage) (any, error) {
	var p renameParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	return map[string]bool{"success": true}, h.service.RenameDocument(ctx, p.KnowledgeBaseID, p.DataSourceID, p.DocumentID, p.NewName)
}

func (h *Handler) handleDelete(ctx context.Context, params json.RawMessage) (any, error) {
	var p kbParam
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	return map[string]bool{"success": true}, h.service.DeleteDocument(ctx, p.KnowledgeBaseID, p.DataSourceID, p.DocumentID)
}

type batchParams struct {
	kbParam
	DocumentIDs []string `json:"documentIds"`
}

func (h *Handler) handleDeleteBatch(ctx context.Context, params json.RawMessage) (any, error) {
	var p batchParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	return map[string]bool{"success": true}, h.service.DeleteDocuments(ctx, p.KnowledgeBaseID, p.DataSourceID, p.DocumentIDs)
}

type logsParams struct {
	Minutes int `json:"minutes"`
	Limit   int `json:"limit"`
}

func (h *Handler) handleBackendLogs(ctx context.Context, params json.RawMessage) (any, error) {
	p := logsParams{Minutes: 60}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	return h.service.BackendLogs(ctx, time.Duration(p.Minutes)*time.Minute, int32(p.Limit))
}

func (h *Handler) handleAsk(ctx context.Context, params json.RawMessage) (any, error) {
	var req AskRequest
	if err := decode(params, &req); err != nil {
		return nil, err
	}
	return h.service.Ask(ctx, req)
}

func (h *Handler) handleMessages(_ context.Context, _ json.RawMessage) (any, error) {
	return h.service.Messages()
}

func (h *Handler) handleReset(_ context.Context, _ json.RawMessage) (any, error) {
	return h.service.ResetConversation()
}

func (h *Handler) handleQueryHistory(_ context.Context, params json.RawMessage) (any, error) {
	var p limitParam
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	return h.service.QueryHistory(p.or(20))
}

func (h *Handler) handleQueryStats(_ context.Context, _ json.RawMessage) (any, error) {
	return h.service.QueryStats()
}

func (h *Handler) handleGetPreferences(_ context.Context, _ json.RawMessage) (any, error) {
	return h.service.Preferences()
}

func (h *Handler) handleSavePreferences(_ context.Context, params json.RawMessage) (any, error) {
	var p prefs.Preferences
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	return h.service.SavePreferences(p)
}

func (h *Handler) handleHealth(ctx context.Context, _ json.RawMessage) (any, error) {
	return map[string]bool{"healthy": h.service.Health(ctx)}, nil
}

func (h *Handler) handleSystemInfo(ctx context.Context, _ json.RawMessage) (any, error) {
	return h.service.SystemInfo(ctx)
}

func (h *Handler) handleDiscoverEndpoints(ctx context.Context, _ json.RawMessage) (any, error) {
	return h.service.DiscoverEndpoints(ctx)
}

func (h *Handler) handleVerifyAudit(_ context.Context, _ json.RawMessage) (any, error) {
	return h.service.VerifyAudit()
}
