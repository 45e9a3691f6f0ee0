package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/kbchat/kbchat/internal/apperr"
	"github.com/kbchat/kbchat/internal/prefs"
	"github.com/kbchat/kbchat/internal/session"
	"github.com/rs/zerolog"
)

// maxBodyBytes bounds request bodies; uploads arrive base64 encoded.
const maxBodyBytes = 64 << 20

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes err as {"error", "kind"} with a status derived from its kind.
func Error(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	JSON(w, StatusFor(kind), map[string]string{"error": apperr.UserMessage(err), "kind": string(kind)})
}

// StatusFor maps an error kind to an HTTP status.
func StatusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindInvalidCredentials:
		return http.StatusUnauthorized
	case apperr.KindInvalidTenant, apperr.KindPermission:
		return http.StatusForbidden
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindTimeout:
		return http.StatusGatewayTimeout
	case apperr.KindNetwork, apperr.KindContent:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// CORS returns middleware that answers preflight requests and sets CORS
// headers for the allowed origins.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			explicit := false
			allowed := false
			for _, o := range allowedOrigins {
				if o == origin {
					allowed, explicit = true, true
					break
				}
				if o == "*" {
					allowed = true
				}
			}

			if allowed && origin != "" {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")
				w.Header().Add("Vary", "Origin")
				// Credentials only for explicitly listed origins.
				if explicit {
					w.Header().Set("Access-Control-Allow-Credentials", "true")
				}
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequestLogger logs one line per request.
func RequestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("http request")
		})
	}
}

// Router serves the local REST API.
type Router struct {
	service *Service
	logger  zerolog.Logger
}

// NewRouter builds the chi router for svc.
func NewRouter(svc *Service, allowedOrigins []string) http.Handler {
	h := &Router{service: svc, logger: svc.logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(h.logger))
	r.Use(middleware.Recoverer)
	r.Use(CORS(allowedOrigins))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.Get("/status", h.authStatus)
			r.Post("/sign-in", h.signIn)
			r.Post("/sign-out", h.signOut)
			r.Post("/restore", h.restore)
			r.Get("/history", h.authHistory)
		})

		r.Get("/models", h.models)
		r.Get("/knowledge-bases", h.listKnowledgeBases)
		r.Route("/knowledge-bases/{kb}", func(r chi.Router) {
			r.Get("/", h.getKnowledgeBase)
			r.Get("/data-sources", h.listDataSources)
			r.Route("/data-sources/{ds}/documents", func(r chi.Router) {
				r.Get("/", h.listDocuments)
				r.Post("/", h.upload)
				r.Delete("/", h.deleteBatch)
				r.Put("/{doc}/rename", h.rename)
				r.Delete("/{doc}", h.deleteDocument)
			})
		})
		r.Get("/uploads", h.uploads)

		r.Route("/chat", func(r chi.Router) {
			r.Post("/query", h.ask)
			r.Get("/messages", h.messages)
			r.Delete("/messages", h.reset)
			r.Get("/history", h.queryHistory)
			r.Get("/stats", h.queryStats)
		})

		r.Get("/preferences", h.getPreferences)
		r.Put("/preferences", h.savePreferences)

		r.Get("/system/health", h.health)
		r.Get("/system/info", h.systemInfo)
		r.Get("/audit/verify", h.verifyAudit)
	})
	return r
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		Error(w, apperr.Wrap(apperr.KindValidation, "Invalid request body", err))
		return false
	}
	return true
}

func queryInt(r *http.Request, key string, def int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get(key)); err == nil && v > 0 {
		return v
	}
	return def
}

func respond(w http.ResponseWriter, v any, err error) {
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, v)
}

func (h *Router) authStatus(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, h.service.AuthStatus())
}

func (h *Router) signIn(w http.ResponseWriter, r *http.Request) {
	var in session.SignInInput
	if !decodeBody(w, r, &in) {
		return
	}
	info, err := h.service.SignIn(r.Context(), in)
	respond(w, info, err)
}

func (h *Router) signOut(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, h.service.SignOut())
}

func (h *Router) restore(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, h.service.Restore(r.Context()))
}

func (h *Router) authHistory(w http.ResponseWriter, r *http.Request) {
	events, err := h.service.AuthHistory(queryInt(r, "limit", 20))
	respond(w, events, err)
}

func (h *Router) models(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, h.service.Models())
}

func (h *Router) listKnowledgeBases(w http.ResponseWriter, r *http.Request) {
	kbs, err := h.service.ListKnowledgeBases(r.Context())
	respond(w, kbs, err)
}

func (h *Router) getKnowledgeBase(w http.ResponseWriter, r *http.Request) {
	k, err := h.service.GetKnowledgeBase(r.Context(), chi.URLParam(r, "kb"))
	respond(w, k, err)
}

func (h *Router) listDataSources(w http.ResponseWriter, r *http.Request) {
	sources, err := h.service.ListDataSources(r.Context(), chi.URLParam(r, "kb"))
	respond(w, sources, err)
}

func (h *Router) listDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := h.service.ListDocuments(r.Context(), chi.URLParam(r, "kb"), chi.URLParam(r, "ds"))
	respond(w, docs, err)
}

func (h *Router) upload(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Files []UploadFile `json:"files"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	files, err := DecodeFiles(body.Files)
	if err != nil {
		Error(w, err)
		return
	}
	results, err := h.service.UploadDocuments(r.Context(), chi.URLParam(r, "kb"), chi.URLParam(r, "ds"), files)
	respond(w, results, err)
}

func (h *Router) uploads(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, h.service.Uploads())
}

func (h *Router) rename(w http.ResponseWriter, r *http.Request) {
	var body struct {
		NewName string `json:"newName"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	err := h.service.RenameDocument(r.Context(), chi.URLParam(r, "kb"), chi.URLParam(r, "ds"), chi.URLParam(r, "doc"), body.NewName)
	respond(w, map[string]bool{"success": true}, err)
}

func (h *Router) deleteDocument(w http.ResponseWriter, r *http.Request) {
	err := h.service.DeleteDocument(r.Context(), chi.URLParam(r, "kb"), chi.URLParam(r, "ds"), chi.URLParam(r, "doc"))
	respond(w, map[string]bool{"success": true}, err)
}

func (h *Router) deleteBatch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DocumentIDs []string `json:"documentIds"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	err := h.service.DeleteDocuments(r.Context(), chi.URLParam(r, "kb"), chi.URLParam(r, "ds"), body.DocumentIDs)
	respond(w, map[string]bool{"success": true}, err)
}

func (h *Router) ask(w http.ResponseWriter, r *http.Request) {
	var req AskRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ans, err := h.service.Ask(r.Context(), req)
	respond(w, ans, err)
}

func (h *Router) messages(w http.ResponseWriter, r *http.Request) {
	turns, err := h.service.Messages()
	respond(w, turns, err)
}

func (h *Router) reset(w http.ResponseWriter, r *http.Request) {
	turns, err := h.service.ResetConversation()
	respond(w, turns, err)
}

func (h *Router) queryHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := h.service.QueryHistory(queryInt(r, "limit", 20))
	respond(w, entries, err)
}

func (h *Router) queryStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.QueryStats()
	respond(w, stats, err)
}

func (h *Router) getPreferences(w http.ResponseWriter, r *http.Request) {
	p, err := h.service.Preferences()
	respond(w, p, err)
}

func (h *Router) savePreferences(w http.ResponseWriter, r *http.Request) {
	var p prefs.Preferences
	if !decodeBody(w, r, &p) {
		return
	}
	saved, err := h.service.SavePreferences(p)
	respond(w, saved, err)
}

func (h *Router) health(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]bool{"healthy": h.service.Health(r.Context())})
}

func (h *Router) systemInfo(w http.ResponseWriter, r *http.Request) {
	info, err := h.service.SystemInfo(r.Context())
	respond(w, info, err)
}

func (h *Router) verifyAudit(w http.ResponseWriter, r *http.Request) {
	st, err := h.service.VerifyAudit()
	respond(w, st, err)
}
