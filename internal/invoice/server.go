package invoice

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Server handles HTTP requests for invoices
type Server struct {
	service *Service
	backups *Backups
	mux     *http.ServeMux

	mu      sync.Mutex
	httpSrv *http.Server
}

// NewServer creates a new Server with default mux. backups may be nil when
// the store cannot be snapshotted.
func NewServer(service *Service, backups *Backups) *Server {
	return NewServerWithMux(service, backups, http.NewServeMux())
}

// NewServerWithMux creates a new Server with a custom mux for testing
func NewServerWithMux(service *Service, backups *Backups, mux *http.ServeMux) *Server {
	s := &Server{
		service: service,
		backups: backups,
		mux:     mux,
	}
	s.registerRoutes()
	return s
}

// corsMiddleware adds CORS headers to responses
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// registerRoutes registers all API routes on the server's mux
func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /api/invoices/{id}/totals", s.handleGetTotals)
	s.mux.HandleFunc("PUT /api/invoices/{id}/lines", s.handleUpdateLines)
	s.mux.HandleFunc("PUT /api/invoices/{id}/tax-rate", s.handleChangeTaxRate)
	s.mux.HandleFunc("POST /api/invoices/{id}/status", s.handleChangeStatus)
	s.mux.HandleFunc("POST /api/invoices/{id}/duplicate", s.handleDuplicateInvoice)
	s.mux.HandleFunc("GET /api/invoices/{id}", s.handleGetInvoice)
	s.mux.HandleFunc("DELETE /api/invoices/{id}", s.handleDeleteInvoice)
	s.mux.HandleFunc("GET /api/invoices", s.handleListInvoices)
	s.mux.HandleFunc("POST /api/invoices", s.handleCreateInvoice)

	s.mux.HandleFunc("GET /api/backups", s.handleListBackups)
	s.mux.HandleFunc("POST /api/backups", s.handleCreateBackup)
}

// Start starts the HTTP server and blocks until it stops
func (s *Server) Start(addr string) error {
	slog.Info("Starting server", "address", addr)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.corsMiddleware(s.mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.httpSrv = srv
	s.mu.Unlock()

	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops a server started with Start
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpSrv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.corsMiddleware(s.mux).ServeHTTP(w, r)
}
