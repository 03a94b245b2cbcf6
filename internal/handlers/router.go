package handlers

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/justinas/alice"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
)

const RequestIDHeader = "X-Request-Id"

type RouterConfig struct {
	WebhookPath string
	// AdminToken guards /admin. The admin routes are not registered when it
	// is empty.
	AdminToken string
	// RequestTimeout bounds the work done for one request, storage and board
	// calls included. Zero means no bound.
	RequestTimeout time.Duration
}

// NewRouter mounts the webhook receiver, the admin surface and a health probe.
func NewRouter(webhook *WebhookHandler, admin *AdminHandler, cfg RouterConfig) http.Handler {
	if cfg.WebhookPath == "" {
		cfg.WebhookPath = "/webhooks/board"
	}

	base := alice.New(
		hlog.NewHandler(log.Logger),
		requestID,
		hlog.RemoteAddrHandler("ip"),
		hlog.AccessHandler(accessLog),
		recoverer,
		timeout(cfg.RequestTimeout),
	)

	r := mux.NewRouter()
	r.Handle("/healthz", base.ThenFunc(func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
	})).Methods(http.MethodGet)

	r.Handle(cfg.WebhookPath, base.Then(webhook)).Methods(http.MethodPost)

	if cfg.AdminToken == "" {
		log.Warn().Msg("ADMIN_TOKEN not set, admin routes disabled")
		return r
	}

	authed := base.Append(bearerAuth(cfg.AdminToken))
	a := r.PathPrefix("/admin").Subrouter()
	a.Handle("/queue", authed.Then(admin.ListQueue())).Methods(http.MethodGet)
	a.Handle("/queue/stats", authed.Then(admin.QueueStats())).Methods(http.MethodGet)
	a.Handle("/queue/{id:[0-9]+}/retry", authed.Then(admin.RetryQueueItem())).Methods(http.MethodPost)
	a.Handle("/conflicts", authed.Then(admin.ListConflicts())).Methods(http.MethodGet)
	a.Handle("/conflicts/{id:[0-9]+}", authed.Then(admin.GetConflict())).Methods(http.MethodGet)
	a.Handle("/conflicts/{id:[0-9]+}/resolve", authed.Then(admin.ResolveConflict())).Methods(http.MethodPost)
	a.Handle("/sync/{entity_type}/{id:[0-9]+}", authed.Then(admin.SyncRecord())).Methods(http.MethodPost)
	return r
}

// requestID keeps an inbound X-Request-Id or assigns a fresh one, and adds it
// to the request logger.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		l := zerolog.Ctx(r.Context())
		l.UpdateContext(func(c zerolog.Context) zerolog.Context {
			return c.Str("requestId", id)
		})
		next.ServeHTTP(w, r)
	})
}

func timeout(d time.Duration) alice.Constructor {
	return func(next http.Handler) http.Handler {
		if d <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func accessLog(r *http.Request, status, size int, duration time.Duration) {
	hlog.FromRequest(r).Info().
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Int("status", status).
		Int("size", size).
		Dur("duration", duration).
		Msg("HTTP request")
}

func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				hlog.FromRequest(r).Error().Interface("panic", rec).Msg("Recovered from panic in HTTP handler")
				respondError(w, r, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func bearerAuth(token string) alice.Constructor {
	want := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
				respondError(w, r, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
