// Package api provides the HTTP API server implementation.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/collection-scanner/internal/logging"
	"github.com/collection-scanner/internal/queue"
	"github.com/collection-scanner/internal/service"
	"github.com/collection-scanner/internal/types"
)

// Version is the service version reported on the root endpoint
const Version = "1.0.0"

// EnqueuerInterface defines the enqueue surface for dependency injection and testing
type EnqueuerInterface interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (queue.Decision, error)
}

// StatusProvider defines the collection status surface
type StatusProvider interface {
	Status(ctx context.Context, chainID types.ChainID, address string) (*service.CollectionStatus, error)
}

// Server represents the HTTP API server
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	enqueuer   EnqueuerInterface
	status     StatusProvider
	chains     map[types.ChainID]bool
	config     *ServerConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// NewServer creates a new API server instance. chains is the set of chain ids
// the deployment has providers for; enqueue requests for any other chain are
// rejected.
func NewServer(config *ServerConfig, chains []types.ChainID, enqueuer EnqueuerInterface, status StatusProvider) *Server {
	supported := make(map[types.ChainID]bool, len(chains))
	for _, chainID := range chains {
		supported[chainID] = true
	}

	s := &Server{
		router:   mux.NewRouter(),
		enqueuer: enqueuer,
		status:   status,
		chains:   supported,
		config:   config,
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	s.router.Use(LoggingMiddleware)
	s.router.Use(RecoveryMiddleware)
	s.router.Use(CORSMiddleware)

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/", s.handleRoot).Methods("GET")
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	s.router.HandleFunc("/collection", s.handleEnqueueCollection).Methods("POST")
	s.router.HandleFunc("/collection/{chainId}/{address}", s.handleCollectionStatus).Methods("GET")
}

// handleRoot reports the service name and version
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"service": "collection-scanner",
		"version": Version,
	})
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "collection-scanner",
	})
}

// Start starts the HTTP server
func (s *Server) Start() error {
	logging.WithField("addr", s.httpServer.Addr).Info("Starting API server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	logging.Info("Shutting down API server...")
	return s.httpServer.Shutdown(ctx)
}
