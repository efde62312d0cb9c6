package api

import (
	"context"
	"fmt"
	"net/http"
	"slices"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/handlers"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/kaichat/internal/auth"
	"github.com/npezzotti/kaichat/internal/config"
	"github.com/npezzotti/kaichat/internal/database"
	"github.com/npezzotti/kaichat/internal/server"
	"go.uber.org/zap"
)

// App is the HTTP surface in front of the realtime server.
type App struct {
	log            *zap.SugaredLogger
	db             database.ChatRepository
	srv            *http.Server
	cs             *server.ChatServer
	authn          *auth.Authenticator
	tokens         *auth.TokenIssuer
	verifier       auth.Verifier
	validate       *validator.Validate
	allowedOrigins []string
	upgrader       websocket.Upgrader
}

func NewApp(mux *http.ServeMux, logger *zap.SugaredLogger, cs *server.ChatServer, db database.ChatRepository,
	tokens *auth.TokenIssuer, verifier auth.Verifier, cfg *config.Config) *App {
	s := &App{
		log:            logger,
		db:             db,
		cs:             cs,
		authn:          auth.NewAuthenticator(tokens, db),
		tokens:         tokens,
		verifier:       verifier,
		validate:       server.NewValidator(),
		allowedOrigins: cfg.AllowedOrigins,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	mux.HandleFunc("POST /api/auth/code", s.requestCode)
	mux.HandleFunc("POST /api/auth/verify", noStore(s.verifyCode))
	mux.HandleFunc("GET /healthz", s.healthCheck)
	mux.HandleFunc("GET /ws", s.serveWs)

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)

	s.srv = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	return s
}

func (s *App) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// non-browser clients don't send one
		return true
	}

	return slices.Contains(s.allowedOrigins, origin)
}

func (s *App) Start() error {
	s.log.Infow("starting server", "addr", s.srv.Addr)
	return s.srv.ListenAndServe()
}

func (s *App) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down HTTP server...")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
