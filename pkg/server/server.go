// Package server exposes the thin HTTP surface over the core use cases.
// Handlers carry no logic of their own; they validate, delegate and map
// errors.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"synapse/pkg/auth"
	"synapse/pkg/event"
	"synapse/pkg/federation"
	"synapse/pkg/types"
)

// PeerLister is the slice of the transport the peers endpoint needs.
type PeerLister interface {
	Peers(ctx context.Context) ([]types.PeerInfo, error)
}

type Server struct {
	federation *federation.Service
	auth       *auth.Service
	peers      PeerLister
	logger     *zap.Logger
	httpServer *http.Server
}

func New(addr string, fed *federation.Service, authSvc *auth.Service, peers PeerLister, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{federation: fed, auth: authSvc, peers: peers, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/events", s.handleEvents)
	mux.HandleFunc("/peers", s.handlePeers)
	mux.HandleFunc("/auth/challenge", s.handleChallenge)
	mux.HandleFunc("/auth/login", s.handleLogin)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("http server listening", zap.String("address", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createEventRequest struct {
	EventType      string `json:"event_type"`
	AgentPublicKey string `json:"agent_public_key"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req createEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ev, err := s.federation.CreateLocalEvent(r.Context(), req.EventType, types.AgentKey(req.AgentPublicKey))
	if err != nil {
		if errors.Is(err, event.ErrEmptyEventType) || errors.Is(err, event.ErrEmptyAgent) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.logger.Error("create event", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	peers, err := s.peers.Peers(r.Context())
	if err != nil {
		s.logger.Error("list peers", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, peers)
}

func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	agent := r.URL.Query().Get("agent")
	if agent == "" {
		http.Error(w, "agent required", http.StatusBadRequest)
		return
	}

	challenge, err := s.auth.CreateChallenge(r.Context(), types.AgentKey(agent))
	if err != nil {
		if errors.Is(err, auth.ErrBadEncoding) {
			http.Error(w, "malformed agent public key", http.StatusBadRequest)
			return
		}
		s.logger.Error("create challenge", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"challenge_id": string(challenge.ID),
		"nonce":        challenge.Nonce,
		"expires_at":   challenge.ExpiresAt.Format(time.RFC3339),
	})
}

type loginRequest struct {
	ChallengeID string `json:"challenge_id"`
	PublicKey   string `json:"public_key"`
	Signature   string `json:"signature"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	session, err := s.auth.VerifyChallenge(r.Context(), types.ChallengeID(req.ChallengeID), req.PublicKey, req.Signature)
	if err != nil {
		if errors.Is(err, auth.ErrBadEncoding) {
			http.Error(w, "malformed key or signature", http.StatusBadRequest)
			return
		}
		if errors.Is(err, auth.ErrChallengeNotFound) ||
			errors.Is(err, auth.ErrChallengeExpired) ||
			errors.Is(err, auth.ErrInvalidSignature) {
			// One opaque body for every authentication failure.
			http.Error(w, "authentication failed", http.StatusUnauthorized)
			return
		}
		s.logger.Error("verify challenge", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"session_id": string(session.ID),
		"agent":      string(session.Agent),
		"expires_at": session.ExpiresAt.Format(time.RFC3339),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
