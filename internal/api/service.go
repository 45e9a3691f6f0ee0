// Package api is the transport-neutral service layer shared by the CLI,
// the local HTTP API and the JSON-RPC-over-gRPC endpoint.
package api

import (
	"context"
	"sync"
	"time"

	"github.com/kbchat/kbchat/internal/apperr"
	"github.com/kbchat/kbchat/internal/audit"
	awsops "github.com/kbchat/kbchat/internal/aws"
	"github.com/kbchat/kbchat/internal/chat"
	"github.com/kbchat/kbchat/internal/core"
	"github.com/kbchat/kbchat/internal/credstore"
	"github.com/kbchat/kbchat/internal/documents"
	"github.com/kbchat/kbchat/internal/identity"
	"github.com/kbchat/kbchat/internal/kb"
	"github.com/kbchat/kbchat/internal/logging"
	"github.com/kbchat/kbchat/internal/prefs"
	"github.com/kbchat/kbchat/internal/querylog"
	"github.com/kbchat/kbchat/internal/session"
	"github.com/rs/zerolog"
)

// Option customizes New.
type Option func(*options)

type options struct {
	validator session.Validator
	enricher  session.Enricher
}

// WithIdentity replaces the STS validator and IAM enricher.
func WithIdentity(v session.Validator, e session.Enricher) Option {
	return func(o *options) {
		o.validator = v
		o.enricher = e
	}
}

// Service is the unified API backing every driving surface.
type Service struct {
	engine *core.Engine
	logger zerolog.Logger

	Session      *session.Manager
	Conversation *chat.Conversation
	QueryLog     *querylog.Log
	KB           *kb.Directory
	Prefs        *prefs.Store

	mu      sync.RWMutex
	chat    *chat.Service
	docs    *documents.Directory
	uploads *documents.Tracker
	apiURL  string
	docsURL string
}

// New builds the domain services over the engine's infrastructure.
func New(e *core.Engine, opts ...Option) *Service {
	o := options{
		validator: identity.NewValidator(e.AWS),
		enricher:  identity.NewEnricher(e.AWS, e.Logger),
	}
	for _, fn := range opts {
		fn(&o)
	}

	s := &Service{engine: e, logger: e.Logger}
	s.Session = session.NewManager(session.Options{
		Store:     credstore.For(e),
		Validator: o.validator,
		Enricher:  o.enricher,
		TenantID:  e.Config.TenantID,
		DB:        e.DataDB,
		Audit:     e.AuditLogger,
		Profile:   e.Profile,
		Logger:    e.Logger,
		OnChange: func(b *core.CredentialBundle) {
			actor := ""
			if b != nil {
				actor = b.UserARN
			}
			e.AWS.SetAudit(e.AuditLogger, actor)
		},
	})
	s.Conversation = chat.NewConversation(e.DataDB, e.Profile, e.AuditLogger, e.Logger)
	s.QueryLog = querylog.New(e.DataDB, e.Profile)
	s.KB = kb.NewDirectory(e.AWS, e.Logger)
	s.Prefs = prefs.New(e.DataDB, e.Profile, e.AuditLogger, prefs.Defaults(e.Config.DefaultModel, e.Config.DefaultKnowledgeBase))
	s.configure(e.Config.APIBaseURL, e.Config.DocumentsURL)
	return s
}

// configure (re)builds the backend-dependent services.
func (s *Service) configure(apiURL, docsURL string) {
	cfg := s.engine.Config

	var transport chat.Transport
	var backend *chat.HTTPTransport
	if apiURL != "" {
		backend = chat.NewHTTPTransport(s.engine.Gateway, apiURL, cfg.APIKey, cfg.MaxRetries)
		transport = backend
	} else {
		transport = chat.NewBedrockTransport(s.engine.AWS)
	}
	cs := chat.NewService(chat.Options{
		Transport:     transport,
		Backend:       backend,
		HealthRetries: cfg.HealthRetries,
		Credentials:   s.Session.Require,
		QueryLog:      s.QueryLog,
		Audit:         s.engine.AuditLogger,
		Logger:        s.logger,
	})

	var docBackend documents.Backend
	switch {
	case docsURL != "":
		docBackend = documents.NewHTTPBackend(s.engine.Gateway, docsURL, cfg.DocumentsAuth, cfg.MaxRetries)
	case cfg.DocumentsFunction != "":
		docBackend = documents.NewLambdaBackend(s.engine.AWS, cfg.DocumentsFunction)
	}
	docs := documents.NewDirectory(documents.Options{
		AWS:     s.engine.AWS,
		Backend: docBackend,
		Audit:   s.engine.AuditLogger,
		Logger:  s.logger,
	})

	s.mu.Lock()
	s.chat, s.docs = cs, docs
	s.uploads = documents.NewTracker(docs, documents.TrackerOptions{})
	s.apiURL, s.docsURL = apiURL, docsURL
	s.mu.Unlock()
}

func (s *Service) chatService() *chat.Service {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.chat
}

func (s *Service) directory() *documents.Directory {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.docs
}

// Endpoints returns the backend URLs in use.
func (s *Service) Endpoints() documents.Endpoints {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return documents.Endpoints{APIBaseURL: s.apiURL, DocumentsURL: s.docsURL}
}

// DiscoverEndpoints fills in backend URLs from the configured SSM
// parameter. URLs set explicitly in the config win.
func (s *Service) DiscoverEndpoints(ctx context.Context) (documents.Endpoints, error) {
	b, err := s.Session.Require()
	if err != nil {
		return documents.Endpoints{}, err
	}
	ep, err := documents.ResolveEndpoints(ctx, s.engine.AWS, b, s.engine.Config.EndpointParameter)
	if err != nil {
		return documents.Endpoints{}, err
	}
	cfg := s.engine.Config
	apiURL, docsURL := cfg.APIBaseURL, cfg.DocumentsURL
	if apiURL == "" {
		apiURL = ep.APIBaseURL
	}
	if docsURL == "" {
		docsURL = ep.DocumentsURL
	}
	s.configure(apiURL, docsURL)
	s.logger.Info().Str("api_base_url", apiURL).Str("documents_url", docsURL).Msg("backend endpoints resolved")
	return s.Endpoints(), nil
}

func (s *Service) discoverQuietly(ctx context.Context) {
	if s.engine.Config.EndpointParameter == "" {
		return
	}
	if _, err := s.DiscoverEndpoints(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("endpoint discovery failed")
	}
}

// --- Auth ---

// UserInfo is the signed-in principal without secrets.
type UserInfo struct {
	AccountID   string `json:"accountId"`
	Region      string `json:"region"`
	AccessKey   string `json:"accessKey"` // masked
	UserARN     string `json:"userArn"`
	UserID      string `json:"userId"`
	UserName    string `json:"userName,omitempty"`
	FullName    string `json:"fullName,omitempty"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email,omitempty"`
}

// AuthInfo is the transport-safe session state.
type AuthInfo struct {
	IsAuthenticated bool      `json:"isAuthenticated"`
	Loading         bool      `json:"loading"`
	Error           string    `json:"error,omitempty"`
	User            *UserInfo `json:"user,omitempty"`
}

func authInfo(st core.SessionState) AuthInfo {
	info := AuthInfo{IsAuthenticated: st.IsAuthenticated, Loading: st.Loading, Error: st.Error}
	if b := st.Bundle; b != nil && st.IsAuthenticated {
		info.User = &UserInfo{
			AccountID:   b.AccountID,
			Region:      b.Region,
			AccessKey:   logging.MaskAccessKey(b.AccessKeyID),
			UserARN:     b.UserARN,
			UserID:      b.UserID,
			UserName:    b.UserName,
			FullName:    b.FullName,
			DisplayName: b.Greeting(),
			Email:       b.Email,
		}
	}
	return info
}

// AuthStatus returns the current session state.
func (s *Service) AuthStatus() AuthInfo {
	return authInfo(s.Session.State())
}

// Restore reloads and re-validates persisted credentials.
func (s *Service) Restore(ctx context.Context) AuthInfo {
	st := s.Session.RestoreSession(ctx)
	if st.IsAuthenticated {
		s.discoverQuietly(ctx)
	}
	return authInfo(st)
}

// SignIn validates and stores a credential set.
func (s *Service) SignIn(ctx context.Context, in session.SignInInput) (AuthInfo, error) {
	if in.Region == "" {
		in.Region = s.engine.Config.DefaultRegion
	}
	if err := s.Session.SignIn(ctx, in); err != nil {
		return s.AuthStatus(), err
	}
	s.discoverQuietly(ctx)
	return s.AuthStatus(), nil
}

// SignOut forgets the stored credentials.
func (s *Service) SignOut() AuthInfo {
	s.Session.SignOut()
	return s.AuthStatus()
}

// AuthHistory returns recent sign-in events.
func (s *Service) AuthHistory(limit int) ([]session.AuthEvent, error) {
	return s.Session.History(limit)
}

// --- Knowledge bases ---

// KnowledgeBaseInfo is a knowledge base with its assistant profile.
type KnowledgeBaseInfo struct {
	core.KnowledgeBase
	Profile kb.Profile `json:"profile"`
}

// Models returns the model catalogue.
func (s *Service) Models() []core.Model {
	return core.Models
}

// ListKnowledgeBases lists the knowledge bases the principal can see.
func (s *Service) ListKnowledgeBases(ctx context.Context) ([]KnowledgeBaseInfo, error) {
	b, err := s.Session.Require()
	if err != nil {
		return nil, err
	}
	kbs, err := s.KB.List(ctx, b)
	if err != nil {
		return nil, err
	}
	out := make([]KnowledgeBaseInfo, 0, len(kbs))
	for _, k := range kbs {
		out = append(out, KnowledgeBaseInfo{KnowledgeBase: k, Profile: kb.ProfileFor(k.Name)})
	}
	return out, nil
}

// GetKnowledgeBase returns one knowledge base.
func (s *Service) GetKnowledgeBase(ctx context.Context, id string) (*KnowledgeBaseInfo, error) {
	b, err := s.Session.Require()
	if err != nil {
		return nil, err
	}
	k, err := s.KB.Get(ctx, b, id)
	if err != nil {
		return nil, err
	}
	if k == nil {
		return nil, apperr.New(apperr.KindNotFound, "Knowledge base not found: "+id)
	}
	return &KnowledgeBaseInfo{KnowledgeBase: *k, Profile: kb.ProfileFor(k.Name)}, nil
}

// --- Documents ---

// ListDataSources lists the data sources of a knowledge base.
func (s *Service) ListDataSources(ctx context.Context, kbID string) ([]core.DataSource, error) {
	b, err := s.Session.Require()
	if err != nil {
		return nil, err
	}
	return s.directory().ListDataSources(ctx, b, kbID)
}

// ListDocuments lists the documents of a data source.
func (s *Service) ListDocuments(ctx context.Context, kbID, dsID string) ([]core.Document, error) {
	b, err := s.Session.Require()
	if err != nil {
		return nil, err
	}
	return s.directory().ListDocuments(ctx, b, kbID, dsID)
}

// UploadResult is the outcome of one uploaded file.
type UploadResult struct {
	Name     string         `json:"name"`
	Document *core.Document `json:"document,omitempty"`
	Error    string         `json:"error,omitempty"`
	Kind     apperr.Kind    `json:"kind,omitempty"`
}

// UploadDocuments uploads files one at a time.
func (s *Service) UploadDocuments(ctx context.Context, kbID, dsID string, files []documents.File) ([]UploadResult, error) {
	b, err := s.Session.Require()
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	tracker := s.uploads
	s.mu.RUnlock()

	results := tracker.UploadAll(ctx, b, kbID, dsID, files)
	out := make([]UploadResult, 0, len(results))
	for _, r := range results {
		ur := UploadResult{Name: r.Name, Document: r.Document}
		if r.Err != nil {
			ur.Error = apperr.UserMessage(r.Err)
			ur.Kind = apperr.KindOf(r.Err)
		}
		out = append(out, ur)
	}
	return out, nil
}

// RefreshDocuments re-lists a data source after the tracker's refresh delay,
// giving the backend time to pick up fresh uploads.
func (s *Service) RefreshDocuments(ctx context.Context, kbID, dsID string) ([]core.Document, error) {
	if _, err := s.Session.Require(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	tracker := s.uploads
	s.mu.RUnlock()

	return tracker.Refresh(ctx, func(ctx context.Context) ([]core.Document, error) {
		return s.ListDocuments(ctx, kbID, dsID)
	})
}

// Uploads returns the uploads still on display.
func (s *Service) Uploads() []documents.Progress {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.uploads.Snapshot()
}

// RenameDocument renames a document.
func (s *Service) RenameDocument(ctx context.Context, kbID, dsID, docID, newName string) error {
	b, err := s.Session.Require()
	if err != nil {
		return err
	}
	return s.directory().Rename(ctx, b, kbID, dsID, docID, newName)
}

// DeleteDocument deletes a document.
func (s *Service) DeleteDocument(ctx context.Context, kbID, dsID, docID string) error {
	b, err := s.Session.Require()
	if err != nil {
		return err
	}
	return s.directory().Delete(ctx, b, kbID, dsID, docID)
}

// DeleteDocuments deletes several documents at once.
func (s *Service) DeleteDocuments(ctx context.Context, kbID, dsID string, docIDs []string) error {
	b, err := s.Session.Require()
	if err != nil {
		return err
	}
	return s.directory().DeleteBatch(ctx, b, kbID, dsID, docIDs)
}

// BackendLogs returns recent document backend log events.
func (s *Service) BackendLogs(ctx context.Context, window time.Duration, limit int32) ([]awsops.LogEvent, error) {
	b, err := s.Session.Require()
	if err != nil {
		return nil, err
	}
	return documents.BackendLogs(ctx, s.engine.AWS, b, s.engine.Config.BackendLogGroup, window, limit)
}

// --- Chat ---

// AskRequest is a question; empty ids fall back to the saved preferences.
type AskRequest struct {
	Text            string `json:"text"`
	ModelID         string `json:"modelId,omitempty"`
	KnowledgeBaseID string `json:"knowledgeBaseId,omitempty"`
}

// Ask sends a question in the stored conversation.
func (s *Service) Ask(ctx context.Context, req AskRequest) (*chat.Answer, error) {
	if _, err := s.Session.Require(); err != nil {
		return nil, err
	}
	p, err := s.Prefs.Load()
	if err != nil {
		return nil, err
	}
	q := chat.Question{
		Text:            req.Text,
		ModelID:         p.ModelID,
		KnowledgeBaseID: p.KnowledgeBaseID,
		Params:          p.SearchParameters,
	}
	if req.ModelID != "" {
		q.ModelID = req.ModelID
	}
	if req.KnowledgeBaseID != "" {
		q.KnowledgeBaseID = req.KnowledgeBaseID
	}
	return s.chatService().Send(ctx, s.Conversation, q)
}

// Messages returns the stored conversation.
func (s *Service) Messages() ([]core.Turn, error) {
	return s.Conversation.Messages()
}

// ResetConversation clears the conversation and returns the fresh one.
func (s *Service) ResetConversation() ([]core.Turn, error) {
	if err := s.Conversation.Reset(); err != nil {
		return nil, err
	}
	return s.Conversation.Messages()
}

// QueryHistory returns the newest query log entries.
func (s *Service) QueryHistory(limit int) ([]querylog.Entry, error) {
	return s.QueryLog.Recent(limit)
}

// QueryStats summarizes the query log.
func (s *Service) QueryStats() (querylog.Stats, error) {
	return s.QueryLog.Stats()
}

// --- Preferences ---

// Preferences returns the saved preferences.
func (s *Service) Preferences() (prefs.Preferences, error) {
	return s.Prefs.Load()
}

// SavePreferences stores a full preference set.
func (s *Service) SavePreferences(p prefs.Preferences) (prefs.Preferences, error) {
	if err := s.Prefs.Save(p); err != nil {
		return prefs.Preferences{}, err
	}
	return s.Prefs.Load()
}

// --- Diagnostics ---

// Health reports whether the query API answers.
func (s *Service) Health(ctx context.Context) bool {
	return s.chatService().Health(ctx)
}

// SystemInfo returns the query API's self description.
func (s *Service) SystemInfo(ctx context.Context) (map[string]any, error) {
	return s.chatService().SystemInfo(ctx)
}

// AuditStatus is the result of an audit chain check.
type AuditStatus struct {
	Valid bool `json:"valid"`
	Count int  `json:"count"`
}

// VerifyAudit checks the audit hash chain.
func (s *Service) VerifyAudit() (AuditStatus, error) {
	valid, count, err := audit.Verify(s.engine.AuditDB, s.engine.Profile)
	if err != nil {
		return AuditStatus{}, err
	}
	return AuditStatus{Valid: valid, Count: count}, nil
}

// RecentAudit returns the newest audit records.
func (s *Service) RecentAudit(limit int) ([]audit.Record, error) {
	return audit.Recent(s.engine.AuditDB, s.engine.Profile, limit)
}
