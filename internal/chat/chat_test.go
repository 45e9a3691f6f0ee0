package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/smithy-go"
	"github.com/kbchat/kbchat/internal/apperr"
	awsops "github.com/kbchat/kbchat/internal/aws"
	"github.com/kbchat/kbchat/internal/core"
	"github.com/kbchat/kbchat/internal/gateway"
	"github.com/kbchat/kbchat/internal/querylog"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func userTurn(content string) core.Turn {
	return core.Turn{ID: "u-" + content, Content: content, IsUser: true}
}

func botTurn(content string) core.Turn {
	return core.Turn{ID: "a-" + content, Content: content}
}

func TestFormatQuery(t *testing.T) {
	first := FormatQuery("What is X?", nil)
	assert.Equal(t, QuestionMarker+"\nWhat is X?", first)
	assert.NotContains(t, first, HistoryMarker)

	got := FormatQuery("What is X?", []core.Turn{userTurn("hi"), botTurn("Hello there")})
	want := HistoryMarker + "\n" +
		"User: hi\n" +
		"Assistant: Hello there\n" +
		"\n" +
		QuestionMarker + "\n" +
		"What is X?"
	assert.Equal(t, want, got)
	assert.Less(t, strings.Index(got, "hi"), strings.Index(got, "What is X?"))
}

func TestHistoryDropsWelcome(t *testing.T) {
	turns := []core.Turn{Welcome(time.Now()), userTurn("hi"), botTurn("hello")}
	got := History(turns)
	require.Len(t, got, 2)
	assert.Equal(t, "hi", got[0].Content)
}

type recorder struct{ entries []querylog.Entry }

func (r *recorder) Record(e querylog.Entry) (string, error) {
	r.entries = append(r.entries, e)
	return "id", nil
}

func newHTTPService(t *testing.T, handler http.HandlerFunc, rec *recorder) (*Service, *int32) {
	t.Helper()
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	gw := gateway.New(gateway.Options{Timeout: 200 * time.Millisecond, BaseDelay: time.Millisecond, Logger: zerolog.Nop()})
	backend := NewHTTPTransport(gw, srv.URL+"/", "test-key", 2)
	opts := Options{Transport: backend, Backend: backend, HealthRetries: 1, Logger: zerolog.Nop()}
	if rec != nil {
		opts.QueryLog = rec
	}
	return NewService(opts), &hits
}

func TestQuerySendsFormattedPayload(t *testing.T) {
	var body map[string]string
	var apiKey, path string
	rec := &recorder{}
	svc, _ := newHTTPService(t, func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		apiKey = r.Header.Get("x-api-key")
		json.NewDecoder(r.Body).Decode(&body)
		w.Write([]byte(`{"answer":"X is a thing.","processing_time_ms":812.6,"model_used":"amazon.nova-pro-v1:0",
			"retrievalResults":[{"content":"X is...","location":"s3://kb/x.pdf","score":0.83}]}`))
	}, rec)

	prior := []core.Turn{Welcome(time.Now()), userTurn("hi")}
	ans, err := svc.Query(context.Background(), "What is X?", "amazon.nova-pro-v1:0", "KB1", prior)
	require.NoError(t, err)

	assert.Equal(t, "/kb-query", path)
	assert.Equal(t, "test-key", apiKey)
	assert.Equal(t, "amazon.nova-pro-v1:0", body["model_id"])
	assert.Equal(t, "KB1", body["knowledge_base_id"])
	assert.Contains(t, body["query"], "User: hi")
	assert.NotContains(t, body["query"], WelcomeText)
	assert.Less(t, strings.Index(body["query"], "hi"), strings.Index(body["query"], "What is X?"))

	assert.Equal(t, "X is a thing.", ans.Text)
	assert.EqualValues(t, 813, ans.ProcessingTimeMS)
	require.Len(t, ans.Sources, 1)
	assert.Equal(t, "s3://kb/x.pdf", ans.Sources[0].Location)

	require.Len(t, rec.entries, 1)
	assert.Equal(t, querylog.StatusSuccess, rec.entries[0].Status)
	assert.Equal(t, "What is X?", rec.entries[0].Query)
	require.Len(t, rec.entries[0].Sources, 1)
}

func TestQueryEmptyAnswerIsContentError(t *testing.T) {
	for _, payload := range []string{`{"answer":""}`, `{"processing_time_ms":5}`, `{"answer":"   "}`} {
		rec := &recorder{}
		svc, _ := newHTTPService(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(payload))
		}, rec)

		_, err := svc.Query(context.Background(), "q", "", "KB1", nil)
		assert.True(t, apperr.Is(err, apperr.KindContent), "payload %s: %v", payload, err)
		require.Len(t, rec.entries, 1)
		assert.Equal(t, querylog.StatusError, rec.entries[0].Status)
		assert.Equal(t, string(apperr.KindContent), rec.entries[0].ErrorKind)
	}
}

func TestQueryErrors(t *testing.T) {
	tests := []struct {
		name     string
		handler  http.HandlerFunc
		wantKind apperr.Kind
		wantMsg  string
		wantHits int32
	}{
		{
			name: "server error message from body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
				w.Write([]byte(`{"error":"model overloaded"}`))
			},
			wantKind: apperr.KindNetwork,
			wantMsg:  "model overloaded",
			wantHits: 3,
		},
		{
			name: "bad request not retried",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadRequest)
				w.Write([]byte(`{"error":"query is required"}`))
			},
			wantKind: apperr.KindValidation,
			wantMsg:  "query is required",
			wantHits: 1,
		},
		{
			name: "slow backend times out",
			handler: func(w http.ResponseWriter, r *http.Request) {
				time.Sleep(400 * time.Millisecond)
				w.Write([]byte(`{"answer":"late"}`))
			},
			wantKind: apperr.KindTimeout,
			wantMsg:  apperr.MsgTimeout,
			wantHits: 3,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, hits := newHTTPService(t, tt.handler, nil)
			_, err := svc.Query(context.Background(), "q", "m", "KB1", nil)
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, apperr.KindOf(err))
			assert.Equal(t, tt.wantMsg, apperr.UserMessage(err))
			assert.Equal(t, tt.wantHits, atomic.LoadInt32(hits))
		})
	}
}

func TestQueryConnectionError(t *testing.T) {
	gw := gateway.New(gateway.Options{Timeout: time.Second, BaseDelay: time.Millisecond, Logger: zerolog.Nop()})
	backend := NewHTTPTransport(gw, "http://127.0.0.1:1", "", 1)
	svc := NewService(Options{Transport: backend, Logger: zerolog.Nop()})

	_, err := svc.Query(context.Background(), "q", "m", "KB1", nil)
	assert.Equal(t, apperr.KindNetwork, apperr.KindOf(err))
	assert.Equal(t, apperr.MsgNetwork, apperr.UserMessage(err))
}

func TestAskValidation(t *testing.T) {
	svc, hits := newHTTPService(t, func(w http.ResponseWriter, r *http.Request) {}, nil)

	_, err := svc.Query(context.Background(), "  ", "m", "KB1", nil)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	_, err = svc.Query(context.Background(), "q", "m", "", nil)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	assert.Zero(t, atomic.LoadInt32(hits))
}

func TestHealth(t *testing.T) {
	var calls int32
	svc, _ := newHTTPService(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"status":"ok"}`))
	}, nil)
	assert.True(t, svc.Health(context.Background()), "one retry should recover")

	down, _ := newHTTPService(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}, nil)
	assert.False(t, down.Health(context.Background()))

	direct := NewService(Options{Transport: NewBedrockTransport(nil), Logger: zerolog.Nop()})
	assert.False(t, direct.Health(context.Background()))
}

func TestSystemInfo(t *testing.T) {
	svc, _ := newHTTPService(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/system/info", r.URL.Path)
		w.Write([]byte(`{"version":"1.4.0","region":"eu-west-1"}`))
	}, nil)
	info, err := svc.SystemInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1.4.0", info["version"])

	direct := NewService(Options{Transport: NewBedrockTransport(nil), Logger: zerolog.Nop()})
	_, err = direct.SystemInfo(context.Background())
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

type stubRAG struct {
	got   awsops.RAGRequest
	creds awsops.SessionCredentials
	res   *awsops.RAGResult
	err   error
}

func (s *stubRAG) RetrieveAndGenerate(ctx context.Context, creds awsops.SessionCredentials, req awsops.RAGRequest) (*awsops.RAGResult, error) {
	s.got, s.creds = req, creds
	return s.res, s.err
}

func TestBedrockTransport(t *testing.T) {
	rag := &stubRAG{res: &awsops.RAGResult{
		Text:      "Direct answer",
		Citations: []awsops.RAGCitation{{Text: "passage", URI: "s3://kb/a.pdf"}},
	}}
	bundle := &core.CredentialBundle{AccessKeyID: "AKIA", SecretAccessKey: "s", Region: "eu-west-1", UserARN: "arn:aws:iam::123:user/jdoe"}
	rec := &recorder{}
	svc := NewService(Options{
		Transport:   NewBedrockTransport(rag),
		Credentials: func() (*core.CredentialBundle, error) { return bundle, nil },
		QueryLog:    rec,
		Logger:      zerolog.Nop(),
	})

	params := core.DefaultSearchParameters()
	params.MaxResults = 8
	ans, err := svc.Ask(context.Background(), Question{
		Text: "What is X?", KnowledgeBaseID: "KB1", Prior: []core.Turn{userTurn("hi")}, Params: params,
	})
	require.NoError(t, err)
	assert.Equal(t, "Direct answer", ans.Text)
	assert.Equal(t, core.DefaultModelID, ans.ModelUsed)
	assert.EqualValues(t, 8, rag.got.NumberOfResults)
	assert.EqualValues(t, 1000, rag.got.MaxTokens)
	assert.Equal(t, "eu-west-1", rag.creds.Region)
	assert.Contains(t, rag.got.Query, QuestionMarker)
	assert.Equal(t, "arn:aws:iam::123:user/jdoe", rec.entries[0].UserARN)
}

func TestBedrockTransportErrors(t *testing.T) {
	rag := &stubRAG{err: &smithy.GenericAPIError{Code: "AccessDeniedException", Message: "not authorized"}}
	svc := NewService(Options{
		Transport:   NewBedrockTransport(rag),
		Credentials: func() (*core.CredentialBundle, error) { return &core.CredentialBundle{Region: "eu-west-1"}, nil },
		Logger:      zerolog.Nop(),
	})
	_, err := svc.Query(context.Background(), "q", "", "KB1", nil)
	assert.True(t, apperr.Is(err, apperr.KindPermission))

	signedOut := NewService(Options{
		Transport:   NewBedrockTransport(rag),
		Credentials: func() (*core.CredentialBundle, error) { return nil, errors.New("not signed in") },
		Logger:      zerolog.Nop(),
	})
	_, err = signedOut.Query(context.Background(), "q", "", "KB1", nil)
	assert.True(t, apperr.Is(err, apperr.KindInvalidCredentials))
}

func TestClassifyPassesCancellation(t *testing.T) {
	assert.ErrorIs(t, classify(context.Canceled), context.Canceled)
	assert.Equal(t, apperr.KindTimeout, apperr.KindOf(classify(context.DeadlineExceeded)))
	assert.Equal(t, apperr.KindUnknown, apperr.KindOf(classify(errors.New("x"))))
	assert.NoError(t, classify(nil))
}
