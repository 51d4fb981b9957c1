package httpapi

import (
	"net/http"

	"example.com/bpm-party/internal/auth"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
)

type RouterConfig struct {
	Logger         *zerolog.Logger
	Auth           *auth.Service
	Identities     *IdentityHandler
	Rooms          *RoomHandler
	Results        *ResultsHandler
	Relay          http.Handler
	AllowedOrigins []string
}

func NewRouter(cfg RouterConfig) http.Handler {
	router := httprouter.New()

	router.GET("/healthz", func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	router.POST("/api/identities/:id", cfg.Identities.Reserve)
	router.GET("/api/rooms/:id/qr", cfg.Rooms.QR)
	router.GET("/api/rooms/:id/results", cfg.Results.List)
	router.Handler(http.MethodPost, "/api/results", AuthMiddleware(cfg.Auth)(http.HandlerFunc(cfg.Results.Create)))
	router.Handler(http.MethodGet, "/ws", cfg.Relay)

	router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, codeNotFound, "no such route")
	})

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedOrigins: origins,
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	})

	return AccessLog(cfg.Logger)(c.Handler(router))
}
