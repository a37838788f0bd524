// Package debug serves a local read-only introspection endpoint for one
// room session.
package debug

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/collabkit/roomkit/internal/domain/model"
)

// StatusSource is the slice of the room surface the debug server reads.
type StatusSource interface {
	ID() string
	Connection() model.Connection
	StorageStatus() model.StorageStatus
	Others() []model.User
	PendingOps() int
}

// Server exposes /healthz and /debug/room on a local listener.
type Server struct {
	logger *slog.Logger
	srv    *http.Server
	group  errgroup.Group
}

func NewServer(addr string, src StatusSource, logger *slog.Logger) *Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/debug/room", func(w http.ResponseWriter, _ *http.Request) {
		conn := src.Connection()
		status := struct {
			Room          string              `json:"room"`
			State         string              `json:"state"`
			Actor         int                 `json:"actor"`
			ReadOnly      bool                `json:"readOnly"`
			StorageStatus model.StorageStatus `json:"storageStatus"`
			PendingOps    int                 `json:"pendingOps"`
			Others        []model.User        `json:"others"`
		}{
			Room:          src.ID(),
			State:         string(conn.State),
			Actor:         conn.Actor,
			ReadOnly:      conn.IsReadOnly,
			StorageStatus: src.StorageStatus(),
			PendingOps:    src.PendingOps(),
			Others:        src.Others(),
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(status)
	})

	return &Server{
		logger: logger,
		srv:    &http.Server{Addr: addr, Handler: r},
	}
}

func (s *Server) Start() {
	s.group.Go(func() error {
		s.logger.Info("debug server listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("debug server failed", "error", err)
			return err
		}
		return nil
	})
}

func (s *Server) Stop(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		return err
	}
	return s.group.Wait()
}
