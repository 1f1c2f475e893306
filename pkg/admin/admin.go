// Package admin hosts a small read-only HTTP API (spec §13, enrichment):
// live subscription table, circuit breaker states, and DLQ contents/stats,
// plus a DLQ replay action and a websocket live-tail. Grounded on the
// teacher's services/control-plane/coordinator/main.go for the gorilla/mux
// routing, middleware, and writeJSON shape, and on
// services/crypto-stream/main.go's ticker-driven polling loop for the
// live-tail feed (that file dials websocket.DefaultDialer as a client;
// here the same library serves the connection instead).
package admin

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/nova-labs/smartmessage/pkg/breaker"
	"github.com/nova-labs/smartmessage/pkg/dispatcher"
	"github.com/nova-labs/smartmessage/pkg/dlq"
	"github.com/nova-labs/smartmessage/pkg/smerr"
)

// Dispatcher is the subset of *dispatcher.Dispatcher the admin surface
// needs, kept narrow so tests can fake it.
type Dispatcher interface {
	Subscriptions() []dispatcher.Subscription
}

// Server serves the admin HTTP+websocket surface over a Dispatcher,
// breaker.Registry, and dlq.FileStore. Replay requires a transport map:
// POST /dlq/replay/{n} republishes through the entry named by its
// "transport" query parameter.
type Server struct {
	dispatcher Dispatcher
	breakers   *breaker.Registry
	dlqStore   *dlq.FileStore
	transports map[string]dlq.Publisher

	router *mux.Router

	upgrader     websocket.Upgrader
	pollInterval time.Duration
}

// Options configures a Server.
type Options struct {
	Dispatcher   Dispatcher
	Breakers     *breaker.Registry
	DLQ          *dlq.FileStore
	Transports   map[string]dlq.Publisher
	PollInterval time.Duration // live-tail poll cadence, default 1s
}

// NewServer builds an admin Server and wires its routes.
func NewServer(opts Options) *Server {
	interval := opts.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	s := &Server{
		dispatcher:   opts.Dispatcher,
		breakers:     opts.Breakers,
		dlqStore:     opts.DLQ,
		transports:   opts.Transports,
		pollInterval: interval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/subscriptions", s.handleSubscriptions).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/breakers", s.handleBreakers).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/dlq", s.handleDLQ).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/dlq/stats", s.handleDLQStats).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/dlq/replay/{n}", s.handleDLQReplay).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/stream", s.handleStream).Methods(http.MethodGet)
	s.router = r
	return s
}

// Handler returns the http.Handler to mount, wrapped in CORS the way the
// teacher's coordinator wraps its router.
func (s *Server) Handler() http.Handler {
	return withCORS(s.router)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleSubscriptions(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	var subs []dispatcher.Subscription
	if s.dispatcher != nil {
		subs = s.dispatcher.Subscriptions()
	}
	writeJSON(w, http.StatusOK, subs)
}

func (s *Server) handleBreakers(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	var states []breaker.CircuitState
	if s.breakers != nil {
		states = s.breakers.Snapshot()
	}
	writeJSON(w, http.StatusOK, states)
}

func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if s.dlqStore == nil {
		writeJSON(w, http.StatusOK, []dlq.Record{})
		return
	}

	limit := 100
	if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	var (
		records []dlq.Record
		err     error
	)
	if class := strings.TrimSpace(r.URL.Query().Get("class")); class != "" {
		records, err = s.dlqStore.FilterByClass(class)
	} else if pattern := strings.TrimSpace(r.URL.Query().Get("error")); pattern != "" {
		records, err = s.dlqStore.FilterByErrorPattern(pattern)
	} else {
		records, err = s.dlqStore.InspectMessages(limit)
	}
	if err != nil {
		smerr.WriteHTTP(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleDLQStats(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if s.dlqStore == nil {
		writeJSON(w, http.StatusOK, dlq.Statistics{})
		return
	}
	stats, err := s.dlqStore.Statistics()
	if err != nil {
		smerr.WriteHTTP(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleDLQReplay(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if s.dlqStore == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "dlq_not_configured"})
		return
	}

	n, err := strconv.Atoi(strings.TrimSpace(mux.Vars(r)["n"]))
	if err != nil || n <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_count"})
		return
	}

	transportName := strings.TrimSpace(r.URL.Query().Get("transport"))
	t, ok := s.transports[transportName]
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unknown_transport", "transport": transportName})
		return
	}

	succeeded, replayErr := s.dlqStore.ReplayBatch(n, t)
	resp := map[string]any{"succeeded": succeeded}
	if replayErr != nil {
		resp["error"] = replayErr.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleStream upgrades to a websocket and pushes a JSON snapshot of
// subscriptions and breaker states every pollInterval, one JSON object per
// websocket text message.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for range ticker.C {
		var subs []dispatcher.Subscription
		if s.dispatcher != nil {
			subs = s.dispatcher.Subscriptions()
		}
		var states []breaker.CircuitState
		if s.breakers != nil {
			states = s.breakers.Snapshot()
		}
		frame := map[string]any{
			"ts":            time.Now().UTC(),
			"subscriptions": subs,
			"breakers":      states,
		}
		b, err := json.Marshal(frame)
		if err != nil {
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
