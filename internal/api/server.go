package api

import (
	"context"
	"net"
	"net/http"

	"github.com/charmbracelet/log"

	"github.com/keyrelay/keyrelay/internal/gateway"
	"github.com/keyrelay/keyrelay/internal/registry"
	"github.com/keyrelay/keyrelay/internal/store"
	"github.com/keyrelay/keyrelay/internal/vault"
)

// Server is the HTTP surface over the vault and the proxy gateway. Caller
// identity arrives as trusted headers set by an upstream auth layer; the
// server performs no authentication of its own.
type Server struct {
	vault    *vault.Vault
	gateway  *gateway.Gateway
	registry *registry.Registry
	db       *store.DB
	log      *log.Logger

	mux     *http.ServeMux
	handler http.Handler // full chain: security headers → body limit → mux
	server  *http.Server
}

// New creates the API server.
func New(v *vault.Vault, gw *gateway.Gateway, reg *registry.Registry, db *store.DB, logger *log.Logger, addr string) *Server {
	s := &Server{
		vault:    v,
		gateway:  gw,
		registry: reg,
		db:       db,
		log:      logger,
	}
	s.mux = http.NewServeMux()
	s.registerRoutes()
	s.handler = securityHeadersMiddleware(bodySizeMiddleware(s.mux))
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.handler,
	}
	return s
}

func (s *Server) registerRoutes() {
	// Public endpoints (no caller identity required)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /endpoints", s.handleListEndpoints)

	// Everything else requires a verified caller identity.
	protected := http.NewServeMux()
	protected.HandleFunc("POST /secrets", s.handleStoreSecret)
	protected.HandleFunc("GET /secrets", s.handleListSecrets)
	protected.HandleFunc("PUT /secrets/{name}", s.handleRotateSecret)
	protected.HandleFunc("DELETE /secrets/{name}", s.handleDeleteSecret)
	protected.HandleFunc("POST /custom-secrets", s.handleStoreCustomSecret)
	protected.HandleFunc("GET /custom-secrets", s.handleListCustomSecrets)
	protected.HandleFunc("DELETE /custom-secrets/{name}", s.handleDeleteCustomSecret)
	protected.HandleFunc("GET /usage", s.handleUsage)
	protected.HandleFunc("/proxy/{slug}", s.handleProxy)
	protected.HandleFunc("/proxy/{slug}/{path...}", s.handleProxy)
	protected.HandleFunc("/proxy-custom/{name}", s.handleProxyCustom)
	protected.HandleFunc("/proxy-custom/{name}/{path...}", s.handleProxyCustom)

	s.mux.Handle("/", s.identityMiddleware(protected))
}

// Start begins listening. Returns immediately; use the returned listener to get the actual port.
func (s *Server) Start() (net.Listener, error) {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return nil, err
	}
	go s.server.Serve(ln)
	return ln, nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
