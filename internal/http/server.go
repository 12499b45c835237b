package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/appforge-backend/internal/platform/logger"
)

// AppRouter answers requests addressed to a deployed app's host.
type AppRouter interface {
	Subdomain(host string) string
	ServeHTTP(w http.ResponseWriter, r *http.Request)
}

type Server struct {
	Engine *gin.Engine
	apps   AppRouter
	log    *logger.Logger
	srv    *http.Server
}

func NewServer(cfg RouterConfig, apps AppRouter) *Server {
	log := cfg.Log
	if log == nil {
		log = logger.Nop()
	}
	return &Server{Engine: NewRouter(cfg), apps: apps, log: log.With("service", "HTTPServer")}
}

// Handler sends app hosts to the routing layer and everything else to the API.
func (s *Server) Handler() http.Handler {
	if s.apps == nil {
		return s.Engine
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apps.Subdomain(r.Host) != "" {
			s.apps.ServeHTTP(w, r)
			return
		}
		s.Engine.ServeHTTP(w, r)
	})
}

// Run serves until ctx is done, then drains in-flight requests.
func (s *Server) Run(ctx context.Context, address string) error {
	s.srv = &http.Server{
		Addr:              address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", "addr", address)
		errCh <- s.srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
