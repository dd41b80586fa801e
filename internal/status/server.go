// Package status serves the local status surface: current connection health,
// the latest event list per home, and a websocket feed of both.
package status

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/alarmbot/homewatch/internal/alarm"
	"github.com/alarmbot/homewatch/internal/config"
	"github.com/alarmbot/homewatch/internal/health"
)

type Server struct {
	registry    *health.Registry
	store       *Store
	broadcaster *Broadcaster
	metrics     http.Handler
	token       string
	originHosts map[string]bool // empty allows loopback pages only
}

// NewServer builds the status server. metrics may be nil.
func NewServer(registry *health.Registry, store *Store, broadcaster *Broadcaster, cfg config.StatusConfig, metrics http.Handler) *Server {
	s := &Server{
		registry:    registry,
		store:       store,
		broadcaster: broadcaster,
		metrics:     metrics,
		token:       cfg.Token,
		originHosts: make(map[string]bool),
	}
	for _, origin := range cfg.AllowedOrigins {
		origin = strings.TrimSpace(origin)
		host := originHost(origin)
		if host == "" && origin != "" && !strings.ContainsAny(origin, "/:?#") {
			host = origin
		}
		if host != "" {
			s.originHosts[host] = true
		}
	}
	return s
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/events", s.handleEvents)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
}

// Handler returns the routes wrapped in the standard middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	return requestID(securityHeaders(mux))
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}

	log.Printf("WebSocket client connected: %s", r.RemoteAddr)
	c := s.broadcaster.AddClient(conn)

	go func() {
		defer func() {
			s.broadcaster.RemoveClient(c)
			log.Printf("WebSocket client disconnected: %s", r.RemoteAddr)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	writeJSON(w, s.registry.Snapshot())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	name := r.URL.Query().Get("source")
	if name == "" {
		writeJSON(w, s.store.All())
		return
	}
	if !s.registry.Known(name) {
		http.Error(w, "unknown source", http.StatusNotFound)
		return
	}
	events, _ := s.store.Get(name)
	if events == nil {
		events = []alarm.Event{}
	}
	writeJSON(w, events)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("status: encode response: %v", err)
	}
}

// authorize checks the status token. Browsers cannot set headers on a
// websocket upgrade, so the token may also come as ?token=.
func (s *Server) authorize(r *http.Request) bool {
	if s.token == "" {
		return true
	}
	got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		got = r.URL.Query().Get("token")
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) == 1
}

// checkOrigin admits upgrades that carry no Origin or come from the server's
// own host. Other pages must be on loopback, or in allowed_origins once that
// is set.
func (s *Server) checkOrigin(r *http.Request) bool {
	if r.Header.Get("Origin") == "" {
		return true
	}
	host := originHost(r.Header.Get("Origin"))
	switch {
	case host == "":
		return false
	case host == r.Host:
		return true
	case len(s.originHosts) == 0:
		return isLoopback(host)
	default:
		return s.originHosts[host]
	}
}

// originHost returns the host[:port] of an origin URL, or "" if origin has
// none ("null" included).
func originHost(origin string) string {
	u, err := url.Parse(origin)
	if err != nil {
		return ""
	}
	return u.Host
}

func isLoopback(hostport string) bool {
	host := hostport
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		host = h
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(strings.Trim(host, "[]"))
	return ip != nil && ip.IsLoopback()
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Content-Security-Policy", "default-src 'self'")
		next.ServeHTTP(w, r)
	})
}

// requestID echoes X-Request-ID, generating one when the caller sent none.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

// ListenAndServe serves h until ctx is cancelled, then shuts down gracefully.
func ListenAndServe(ctx context.Context, host string, port int, h http.Handler) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("Status server listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("status server shutdown: %w", err)
	}
	return nil
}
