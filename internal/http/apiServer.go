package http

import (
	"context"
	"log"
	"net/http"
	"sync"

	"palaver/internal/api"
	"palaver/internal/auth"
	"palaver/internal/push"
	"palaver/internal/storage"
	"palaver/internal/ws"
	"palaver/static"
)

type APIServer struct {
	server *http.Server
	wg     sync.WaitGroup
}

func NewAPIServer(authService *auth.AuthService, hub *ws.Hub, pushService *push.Service, store *storage.BboltStorage, addr string) *APIServer {
	server := ws.NewServer(authService, hub, nil)
	apiHandlers := api.New(authService, store, pushService)

	mux := NewMux(authService, server, apiHandlers)

	if addr == "" {
		addr = ":8080"
	}

	return &APIServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// NewMux wires routes; split out so the integration test can serve the same
// handler tree on an ephemeral listener.
func NewMux(authService *auth.AuthService, wsServer *ws.Server, apiHandlers *api.API) *http.ServeMux {
	mux := http.NewServeMux()

	// Serve static pages with an auth check on the chat page.
	mux.HandleFunc("/", NewFileServerHandler(authService, static.Content))

	// API endpoints
	mux.HandleFunc("POST /api/login", api.RequireSameOrigin(apiHandlers.LoginHandler))
	mux.HandleFunc("POST /api/signup", api.RequireSameOrigin(apiHandlers.SignupHandler))
	mux.HandleFunc("POST /api/logoff", api.RequireSameOrigin(apiHandlers.LogoffHandler))
	mux.HandleFunc("GET /api/me", apiHandlers.RequireAuth(apiHandlers.MeHandler))
	mux.HandleFunc("GET /api/messages", apiHandlers.RequireAuth(apiHandlers.MessagesHandler))
	mux.HandleFunc("GET /api/push", apiHandlers.RequireAuth(apiHandlers.PushInfoHandler))
	mux.HandleFunc("POST /api/push/subscribe", api.RequireSameOrigin(apiHandlers.RequireAuth(apiHandlers.PushSubscribeHandler)))

	// WebSocket endpoint
	mux.HandleFunc("/ws", wsServer.HandleConnections)

	return mux
}

func (s *APIServer) Start() error {
	log.Printf("Server started on %s", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *APIServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
