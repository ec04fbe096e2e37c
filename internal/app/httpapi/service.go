package httpapi

import (
	"context"
	"net/http"
	"time"

	core "github.com/devicelab/orchestrator/internal/app/core/service"
	"github.com/devicelab/orchestrator/internal/app/metrics"
	"github.com/devicelab/orchestrator/internal/app/system"
	"github.com/devicelab/orchestrator/pkg/logger"
)

// Service exposes the HTTP API and fits into the system manager lifecycle.
type Service struct {
	addr    string
	server  *http.Server
	handler http.Handler
	log     *logger.Logger
}

// NewService wraps deps' REST and websocket surface behind CORS and metrics
// middleware, ready to attach to the system manager.
func NewService(addr string, deps Deps, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("http")
	}
	handler := NewRouter(deps, log)
	// Order matters: CORS short-circuits preflight before reaching the
	// router, metrics wraps the final handler so it sees the real status.
	handler = wrapWithCORS(handler)
	handler = metrics.InstrumentHandler(handler)
	return &Service{addr: addr, handler: handler, log: log}
}

var _ system.Service = (*Service)(nil)
var _ system.DescriptorProvider = (*Service)(nil)

func (s *Service) Name() string { return "http-api" }

func (s *Service) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("http server stopped unexpectedly")
		}
	}()
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Descriptor implements system.DescriptorProvider.
func (s *Service) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:   s.Name(),
		Domain: "ingress",
		Layer:  core.LayerIngress,
	}.WithCapabilities("rest", "websocket", "metrics")
}

// wrapWithCORS allows cross-origin requests from the dashboard and
// short-circuits preflight requests.
func wrapWithCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
