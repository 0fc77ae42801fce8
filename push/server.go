package push

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"aegis/antitheft"
	"aegis/logger"
	"aegis/version"

	"github.com/gorilla/mux"
)

// CommandHandler executes a decoded remote command. Dispatch must not block
// on user interaction for longer than the request deadline allows.
type CommandHandler interface {
	Dispatch(ctx context.Context, cmd antitheft.Command)
}

// Server is the local command intake: the push transport delivers command
// envelopes to it over loopback HTTP. Envelope validation happens here, at
// the boundary, so the dispatcher only ever sees well-formed commands.
type Server struct {
	handler CommandHandler
	http    *http.Server
}

func NewServer(addr string, handler CommandHandler) *Server {
	s := &Server{handler: handler}

	r := mux.NewRouter()
	r.HandleFunc("/v1/commands", s.handleCommand).Methods(http.MethodPost)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	s.http = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// ListenAndServe blocks until Shutdown or a listener failure.
func (s *Server) ListenAndServe() error {
	logger.Infof("Command listener on %s", s.http.Addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 64*1024))
	if err != nil {
		http.Error(w, "read failed", http.StatusBadRequest)
		return
	}
	cmd, err := antitheft.DecodeCommand(body)
	if err != nil {
		logger.Warnf("Rejected command envelope: %v", err)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	s.handler.Dispatch(r.Context(), cmd)
	writeJSON(w, http.StatusAccepted, map[string]string{"command_id": cmd.ID, "status": "accepted"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": version.Version})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Debugf("Failed to encode response: %v", err)
	}
}
