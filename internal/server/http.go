package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Woutah/configurun/pkg/model"
)

// HTTPServer exposes a read-only status API next to the control endpoint.
// All mutation goes through authenticated control sessions; HTTP is for
// dashboards and probes.
type HTTPServer struct {
	srv       *Server
	startTime time.Time
	http      *http.Server
}

// NewHTTPServer builds the status API for a control server.
func NewHTTPServer(srv *Server) *HTTPServer {
	h := &HTTPServer{srv: srv, startTime: time.Now()}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", h.handleHealth)
	r.Get("/api/queue", h.handleQueue)
	r.Get("/api/items/{id}", h.handleItem)
	r.Get("/api/items/{id}/output", h.handleItemOutput)

	h.http = &http.Server{
		Addr:         srv.cfg.HTTPAddr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return h
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (h *HTTPServer) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		h.srv.logger.Info("status API listening", "addr", h.http.Addr)
		errCh <- h.http.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return h.http.Shutdown(shutCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

type healthResponse struct {
	Status    string `json:"status"`
	GoVersion string `json:"go_version"`
	Uptime    string `json:"uptime"`
	Sessions  int    `json:"sessions"`
	Revision  int64  `json:"revision"`
}

func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.srv.mu.Lock()
	sessions := len(h.srv.sessions)
	h.srv.mu.Unlock()

	respondJSON(w, http.StatusOK, healthResponse{
		Status:    "healthy",
		GoVersion: runtime.Version(),
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
		Sessions:  sessions,
		Revision:  h.srv.engine.Snapshot().Revision,
	})
}

func (h *HTTPServer) handleQueue(w http.ResponseWriter, r *http.Request) {
	snap := h.srv.engine.Snapshot()
	// Config payloads can be large and are not status information.
	for _, it := range snap.Items {
		it.Config = nil
	}
	respondJSON(w, http.StatusOK, snap)
}

func (h *HTTPServer) handleItem(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid item id")
		return
	}
	it, err := h.srv.engine.Item(id)
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, it)
}

func (h *HTTPServer) handleItemOutput(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid item id")
		return
	}
	since := int64(0)
	if q := r.URL.Query().Get("since"); q != "" {
		since, err = strconv.ParseInt(q, 10, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid since offset")
			return
		}
	}
	recs, err := h.srv.out.Read(id, since-1)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if recs == nil {
		recs = []model.OutputRecord{}
	}
	respondJSON(w, http.StatusOK, recs)
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Headers are gone; nothing left to do.
		return
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
