package signaling

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Server hosts the signaling WebSocket endpoint and a small JSON API
type Server struct {
	registry *Registry
	rooms    *RoomManager
	handler  *Handler
	mux      *http.ServeMux

	httpServer *http.Server

	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	CleanupInterval time.Duration
	StaleTimeout    time.Duration
	ShutdownTimeout time.Duration

	shutdownOnce sync.Once
	done         chan struct{}

	Logger *slog.Logger
}

// Config holds server options
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	CleanupInterval time.Duration
	StaleTimeout    time.Duration
	ShutdownTimeout time.Duration
	MaxRoomPeers    int // 0 = unlimited
	Logger          *slog.Logger
}

func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    15 * time.Second,
		CleanupInterval: time.Minute,
		StaleTimeout:    5 * time.Minute,
		ShutdownTimeout: 30 * time.Second,
		Logger:          slog.Default(),
	}
}

// NewServer creates a server that accepts WebSocket peers through
// gorilla/websocket. A nil Logger discards logs.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With("component", "signaling")

	registry := NewRegistry()
	rooms := NewRoomManager()
	rooms.DefaultMaxPeers = cfg.MaxRoomPeers

	handler := NewHandler(registry, rooms)
	handler.Logger = logger
	handler.SetUpgrader(NewGorillaUpgrader())

	s := &Server{
		registry:        registry,
		rooms:           rooms,
		handler:         handler,
		mux:             http.NewServeMux(),
		Addr:            cfg.Addr,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		CleanupInterval: cfg.CleanupInterval,
		StaleTimeout:    cfg.StaleTimeout,
		ShutdownTimeout: cfg.ShutdownTimeout,
		done:            make(chan struct{}),
		Logger:          logger,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.Handle("/ws", s.handler)

	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/stats", s.handleStats)
	s.mux.HandleFunc("/api/rooms", s.handleRooms)
	s.mux.HandleFunc("/api/rooms/", s.handleRoom) // /api/rooms/{roomID}

	s.mux.HandleFunc("/", s.handleNotFound)
}

// Run listens on Addr and serves until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", s.Addr)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:      s.HTTPHandler(),
		ReadTimeout:  s.ReadTimeout,
		WriteTimeout: s.WriteTimeout,
	}

	go s.cleanupLoop()

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.ShutdownTimeout)
		defer cancel()
		if err := s.Shutdown(shutdownCtx); err != nil {
			s.Logger.Warn("shutdown failed", "error", err.Error())
		}
	})
	defer stop()

	s.Logger.Info("signaling server listening", "addr", ln.Addr().String())
	err := s.httpServer.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and closes every peer
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		s.Logger.Info("shutting down")
		close(s.done)

		// hijacked WebSocket connections are not closed by http.Server
		s.registry.ForEach(func(peer *Peer) {
			peer.Close()
		})
		if s.httpServer != nil {
			err = s.httpServer.Shutdown(ctx)
		}
	})
	return err
}

func (s *Server) cleanupLoop() {
	if s.CleanupInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			stalePeers := s.registry.CleanupStale(s.StaleTimeout)
			emptyRooms := s.rooms.CleanupEmpty()
			if stalePeers > 0 || emptyRooms > 0 {
				s.Logger.Info("cleanup", "stale_peers", stalePeers, "empty_rooms", emptyRooms)
			}
		}
	}
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UnixMilli(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	registryStats := s.registry.Stats()
	roomStats := s.rooms.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"peers": map[string]any{
			"total":        registryStats.TotalPeers,
			"without_room": registryStats.PeersWithoutRoom,
		},
		"rooms": map[string]any{
			"total":       roomStats.TotalRooms,
			"total_peers": roomStats.TotalPeers,
		},
		"timestamp": time.Now().UnixMilli(),
	})
}

func (s *Server) handleRooms(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rooms": s.rooms.Stats().Rooms,
	})
}

func (s *Server) handleRoom(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	roomID := strings.TrimPrefix(r.URL.Path, "/api/rooms/")
	if roomID == "" {
		http.Error(w, "room ID required", http.StatusBadRequest)
		return
	}
	room := s.rooms.Get(roomID)
	if room == nil {
		http.Error(w, "room not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":         room.ID,
		"peers":      room.PeerInfos(),
		"peer_count": room.Count(),
		"max_peers":  room.MaxPeers,
		"created_at": room.CreatedAt.UnixMilli(),
	})
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]any{
		"error": "not found",
		"path":  r.URL.Path,
	})
}

// Handler returns the WebSocket handler
func (s *Server) Handler() *Handler {
	return s.handler
}

func (s *Server) Registry() *Registry {
	return s.registry
}

func (s *Server) Rooms() *RoomManager {
	return s.rooms
}

// HTTPHandler returns the full route tree, for httptest or custom routers
func (s *Server) HTTPHandler() http.Handler {
	return s.corsMiddleware(s.mux)
}
