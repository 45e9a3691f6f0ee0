// Package chat sends conversational queries to the knowledge base backend
// and keeps the local conversation.
package chat

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/kbchat/kbchat/internal/apperr"
	"github.com/kbchat/kbchat/internal/audit"
	"github.com/kbchat/kbchat/internal/core"
	"github.com/kbchat/kbchat/internal/querylog"
	"github.com/rs/zerolog"
)

const (
	MsgEmptyAnswer   = "The response did not contain an answer. Try rephrasing the question."
	MsgEmptyQuestion = "Question cannot be empty"
	MsgNoKB          = "Select a knowledge base first"
	MsgNoBackend     = "No query API is configured"
)

// Recorder persists query log entries.
type Recorder interface {
	Record(e querylog.Entry) (string, error)
}

// Options configures a Service.
type Options struct {
	Transport Transport

	// Backend serves health and system info; nil when queries go straight
	// to Bedrock.
	Backend       *HTTPTransport
	HealthRetries int

	// Credentials returns the signed-in bundle; optional for HTTP transport.
	Credentials func() (*core.CredentialBundle, error)

	QueryLog Recorder      // optional
	Audit    *audit.Logger // optional
	Logger   zerolog.Logger
}

// Service is the conversational query service.
type Service struct {
	opts Options
}

// NewService creates a Service.
func NewService(opts Options) *Service {
	return &Service{opts: opts}
}

// Question is a query plus the conversation it belongs to.
type Question struct {
	Text            string
	ModelID         string
	KnowledgeBaseID string
	Prior           []core.Turn // the welcome turn is dropped
	Params          core.SearchParameters
}

// Query sends text with prior turns as context and returns the answer,
// using default search parameters.
func (s *Service) Query(ctx context.Context, text, modelID, kbID string, prior []core.Turn) (*Answer, error) {
	return s.Ask(ctx, Question{
		Text:            text,
		ModelID:         modelID,
		KnowledgeBaseID: kbID,
		Prior:           prior,
		Params:          core.DefaultSearchParameters(),
	})
}

// Ask sends q through the transport. A response without answer text fails
// with a content error; transport failures surface as timeout or network
// errors with user-facing messages.
func (s *Service) Ask(ctx context.Context, q Question) (*Answer, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, apperr.New(apperr.KindValidation, MsgEmptyQuestion)
	}
	if q.KnowledgeBaseID == "" {
		return nil, apperr.New(apperr.KindValidation, MsgNoKB)
	}
	if q.ModelID == "" {
		q.ModelID = core.DefaultModelID
	}

	req := Request{
		Query:           FormatQuery(q.Text, History(q.Prior)),
		ModelID:         q.ModelID,
		KnowledgeBaseID: q.KnowledgeBaseID,
		Params:          q.Params,
	}
	if s.opts.Credentials != nil {
		if b, err := s.opts.Credentials(); err == nil {
			req.Bundle = b
		}
	}

	s.opts.Logger.Debug().
		Str("model_id", req.ModelID).
		Str("knowledge_base_id", req.KnowledgeBaseID).
		Int("prior_turns", len(History(q.Prior))).
		Msg("sending query")

	start := time.Now()
	ans, err := s.opts.Transport.Query(ctx, req)
	if err == nil && strings.TrimSpace(ans.Text) == "" {
		err = apperr.New(apperr.KindContent, MsgEmptyAnswer)
	}
	err = classify(err)
	elapsed := time.Since(start)

	s.record(req, q.Text, ans, err, elapsed)
	if err != nil {
		s.opts.Logger.Warn().Err(err).Str("kind", string(apperr.KindOf(err))).Msg("query failed")
		return nil, err
	}
	if ans.ProcessingTimeMS == 0 {
		ans.ProcessingTimeMS = elapsed.Milliseconds()
	}
	if ans.ModelUsed == "" {
		ans.ModelUsed = req.ModelID
	}
	return ans, nil
}

// classify makes sure every failure carries a kind. Caller cancellation is
// returned as is.
func classify(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return err
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Wrap(apperr.KindTimeout, apperr.MsgTimeout, err)
	}
	return apperr.Wrap(apperr.KindUnknown, err.Error(), err)
}

func (s *Service) record(req Request, question string, ans *Answer, qerr error, elapsed time.Duration) {
	e := querylog.Entry{
		ModelID:         req.ModelID,
		KnowledgeBaseID: req.KnowledgeBaseID,
		Query:           question,
		TotalMS:         elapsed.Milliseconds(),
		Status:          querylog.StatusSuccess,
	}
	if req.Bundle != nil {
		e.UserARN = req.Bundle.UserARN
	}
	if qerr != nil {
		e.Status = querylog.StatusError
		e.ErrorKind = string(apperr.KindOf(qerr))
		e.ErrorMessage = apperr.UserMessage(qerr)
	} else {
		e.Answer = ans.Text
		e.ProcessingMS = ans.ProcessingTimeMS
		for _, src := range ans.Sources {
			e.Sources = append(e.Sources, querylog.Source{URI: src.Location, Excerpt: src.Content, Score: src.Score})
		}
	}

	if s.opts.QueryLog != nil {
		if _, err := s.opts.QueryLog.Record(e); err != nil {
			s.opts.Logger.Warn().Err(err).Msg("recording query log")
		}
	}
	if s.opts.Audit != nil {
		if err := s.opts.Audit.Log(audit.EventQuerySent, e.UserARN, map[string]string{
			"model_id":          e.ModelID,
			"knowledge_base_id": e.KnowledgeBaseID,
			"status":            e.Status,
		}); err != nil {
			s.opts.Logger.Warn().Err(err).Msg("audit write failed")
		}
	}
}

// Send runs one exchange against conv: the question is stored, sent with
// the turns that preceded it, and the answer is stored. On failure an
// "Error: <message>" assistant turn is stored instead and the error is
// returned.
func (s *Service) Send(ctx context.Context, conv *Conversation, q Question) (*Answer, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, apperr.New(apperr.KindValidation, MsgEmptyQuestion)
	}
	prior, err := conv.Messages()
	if err != nil {
		return nil, err
	}
	q.Prior = prior
	if _, err := conv.Append(q.Text, true); err != nil {
		return nil, err
	}

	ans, qerr := s.Ask(ctx, q)
	if qerr != nil {
		if _, err := conv.Append("Error: "+apperr.UserMessage(qerr), false); err != nil {
			s.opts.Logger.Warn().Err(err).Msg("storing error turn")
		}
		return nil, qerr
	}
	if _, err := conv.Append(ans.Text, false); err != nil {
		return ans, err
	}
	return ans, nil
}

// Health reports whether the query API is reachable. Failures are logged
// and reported as false, never returned.
func (s *Service) Health(ctx context.Context) bool {
	if s.opts.Backend == nil {
		s.opts.Logger.Debug().Msg("health check skipped: no query API configured")
		return false
	}
	if err := s.opts.Backend.Health(ctx, s.opts.HealthRetries); err != nil {
		s.opts.Logger.Warn().Err(err).Msg("health check failed")
		return false
	}
	return true
}

// SystemInfo returns the query API's self description.
func (s *Service) SystemInfo(ctx context.Context) (map[string]any, error) {
	if s.opts.Backend == nil {
		return nil, apperr.New(apperr.KindNotFound, MsgNoBackend)
	}
	return s.opts.Backend.SystemInfo(ctx)
}
