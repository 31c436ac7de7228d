package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/npezzotti/swapchat/internal/auth"
	"github.com/npezzotti/swapchat/internal/config"
	"github.com/npezzotti/swapchat/internal/database"
	"github.com/npezzotti/swapchat/internal/server"
	"github.com/npezzotti/swapchat/internal/stats"
)

type SwapChatApp struct {
	log            *log.Logger
	db             database.Repository
	mux            *http.Server
	gw             *server.Gateway
	verifier       *auth.JWTVerifier
	stats          stats.StatsProvider
	allowedOrigins []string
	now            func() time.Time
}

func NewSwapChatApp(mux *http.ServeMux, logger *log.Logger, gw *server.Gateway, db database.Repository,
	verifier *auth.JWTVerifier, su stats.StatsProvider, cfg *config.Config) *SwapChatApp {
	s := &SwapChatApp{
		log:            logger,
		db:             db,
		gw:             gw,
		verifier:       verifier,
		stats:          su,
		allowedOrigins: cfg.AllowedOrigins,
		now:            func() time.Time { return time.Now().UTC() },
	}

	mux.HandleFunc("POST /api/auth/register", s.createAccount)
	mux.HandleFunc("POST /api/auth/login", s.login)
	mux.HandleFunc("GET /api/auth/session", s.authMiddleware(s.session))
	mux.HandleFunc("GET /api/auth/logout", s.authMiddleware(s.logout))

	mux.HandleFunc("POST /api/threads", s.authMiddleware(s.createThread))
	mux.HandleFunc("GET /api/threads", s.authMiddleware(s.listThreads))
	mux.HandleFunc("GET /api/threads/{threadId}", s.authMiddleware(s.getThread))
	mux.HandleFunc("PATCH /api/threads/{threadId}/archive", s.authMiddleware(s.archiveThread))
	mux.HandleFunc("DELETE /api/threads/{threadId}", s.authMiddleware(s.deleteThread))
	mux.HandleFunc("POST /api/threads/{threadId}/messages", s.authMiddleware(s.sendMessage))
	mux.HandleFunc("GET /api/threads/{threadId}/messages", s.authMiddleware(s.listMessages))
	mux.HandleFunc("PATCH /api/threads/{threadId}/messages/{messageId}/read", s.authMiddleware(s.markMessageRead))

	mux.HandleFunc("POST /api/calls", s.authMiddleware(s.startCall))
	mux.HandleFunc("GET /api/calls/active", s.authMiddleware(s.activeCalls))
	mux.HandleFunc("GET /api/calls/history", s.authMiddleware(s.callHistory))
	mux.HandleFunc("POST /api/calls/{callId}/ring", s.authMiddleware(s.ringCall))
	mux.HandleFunc("POST /api/calls/{callId}/answer", s.authMiddleware(s.answerCall))
	mux.HandleFunc("POST /api/calls/{callId}/end", s.authMiddleware(s.endCall))
	mux.HandleFunc("POST /api/calls/{callId}/miss", s.authMiddleware(s.missCall))
	mux.HandleFunc("POST /api/calls/{callId}/signaling", s.authMiddleware(s.appendSignaling))

	mux.HandleFunc("GET /healthz", s.healthCheck)
	mux.HandleFunc("GET /ws", s.serveWs)

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)

	s.mux = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	return s
}

func (s *SwapChatApp) Handler() http.Handler {
	return s.mux.Handler
}

func (s *SwapChatApp) Start() error {
	s.log.Printf("starting server on %s\n", s.mux.Addr)
	return s.mux.ListenAndServe()
}

func (s *SwapChatApp) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	if err := s.mux.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
