package http

import (
	"net/http"
	"time"

	httpmw "github.com/cwrk-planet/messenger/internal/transport/http/middleware"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

type SessionCounter interface {
	SessionCount() int
}

type Deps struct {
	Handler        *Handler
	Auth           httpmw.Verifier
	Sessions       SessionCounter
	WS             http.HandlerFunc
	Metrics        http.Handler
	MetricsPath    string
	AllowedOrigins []string
	RateLimitRPS   float64
	RateLimitBurst int
}

func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(httpmw.Logging)
	r.Use(middleware.Recoverer)

	origins := d.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: origins[0] != "*",
		MaxAge:           300,
	}))

	// WS сам проверяет токен (query или заголовок) и origin
	if d.WS != nil {
		r.Get("/ws", d.WS)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		n := 0
		if d.Sessions != nil {
			n = d.Sessions.SessionCount()
		}
		ok(r.Context(), w, HealthResponse{Status: "ok", Sessions: n})
	})

	if d.Metrics != nil {
		path := d.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, d.Metrics)
	}

	limiter := httpmw.NewRateLimit(d.RateLimitRPS, d.RateLimitBurst)
	r.Route("/api", func(api chi.Router) {
		api.Use(httpmw.Auth(d.Auth))
		api.Use(limiter.Middleware)
		api.Use(middleware.Timeout(30 * time.Second))

		h := d.Handler
		api.Get("/conversations", h.ListConversations)
		api.Route("/conversations/{peerId}", func(cr chi.Router) {
			cr.Get("/messages", h.ListMessages)
			cr.Post("/read", h.MarkConversationRead)
		})

		api.Post("/messages", h.SendMessage)
		api.Route("/messages/{id}", func(mr chi.Router) {
			mr.Patch("/read", h.MarkRead)
			mr.Post("/reactions", h.React)
			mr.Delete("/", h.DeleteMessage)
		})

		api.Get("/users/{id}/presence", h.Presence)
	})

	return r
}
