// Package server is the HTTP front of the relay: websocket upgrade, the
// "deliver P to K" control endpoint, health and stats.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"notifyrelay/internal/housekeeping"
	"notifyrelay/internal/relay"
	rtsup "notifyrelay/internal/runtime/supervisor"
	"notifyrelay/internal/storage"
	"notifyrelay/internal/transport/ws"
	logx "notifyrelay/pkg/logx"
)

type Config struct {
	Addr string
	// Path is the websocket endpoint in addition to "/". Default "/ws".
	Path           string
	AllowedOrigins []string

	ControlEnabled bool
	ControlToken   string

	Transport ws.Options

	ReadHeaderTimeout time.Duration
}

// Probe reports the health of an optional dependency (the coordinator store).
type Probe func(ctx context.Context) error

// StatsFunc contributes extra sections to /stats.
type StatsFunc func() map[string]any

// OwnerFunc resolves the "<node>/<conn>" reference holding key.
type OwnerFunc func(ctx context.Context, key string) (owner string, found bool, err error)

// AuditFunc reads back recent audit entries.
type AuditFunc func(ctx context.Context, q storage.Query) ([]storage.AuditEntry, error)

// JobFunc runs a named housekeeping job synchronously.
type JobFunc func(name string) error

type Option func(*Server)

func WithReadiness(p Probe) Option { return func(s *Server) { s.ready = p } }
func WithStats(fn StatsFunc) Option { return func(s *Server) { s.extraStats = fn } }
func WithNodeID(id string) Option { return func(s *Server) { s.nodeID = id } }
func WithLogger(l logx.Logger) Option { return func(s *Server) { s.log = l } }

// The options below add operator routes next to /deliver; they are only
// served when the control endpoint is enabled and share its token.
func WithOwnerLookup(fn OwnerFunc) Option { return func(s *Server) { s.owner = fn } }
func WithAuditLog(fn AuditFunc) Option { return func(s *Server) { s.audit = fn } }
func WithJobRunner(fn JobFunc) Option { return func(s *Server) { s.runJob = fn } }

type Server struct {
	cfg        Config
	relay      *relay.Relay
	log        logx.Logger
	ready      Probe
	extraStats StatsFunc
	owner      OwnerFunc
	audit      AuditFunc
	runJob     JobFunc
	nodeID     string
	upgrader   websocket.Upgrader
	mux        *http.ServeMux
	started    time.Time

	// connCtx outlives individual requests; canceling it closes every
	// websocket, which runs each handler's cleanup.
	connCtx    context.Context
	cancelConn context.CancelFunc

	mu       sync.Mutex
	ln       net.Listener
	srv      *http.Server
	sup      *rtsup.Supervisor
	closing  bool
	handlers sync.WaitGroup
}

func New(cfg Config, r *relay.Relay, opts ...Option) (*Server, error) {
	if r == nil {
		return nil, errors.New("server: relay is required")
	}
	cfg.Transport = withTransportDefaults(cfg.Transport)
	if cfg.Transport.PingTimeout >= cfg.Transport.PingInterval {
		return nil, fmt.Errorf("server: ping_timeout (%s) must be less than ping_interval (%s)", cfg.Transport.PingTimeout, cfg.Transport.PingInterval)
	}
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	if !strings.HasPrefix(cfg.Path, "/") {
		cfg.Path = "/" + cfg.Path
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}

	s := &Server{
		cfg:     cfg,
		relay:   r,
		log:     logx.Nop(),
		started: time.Now(),
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With(logx.String("comp", "server"))
	s.connCtx, s.cancelConn = context.WithCancel(context.Background())
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	s.mux = s.routes()
	return s, nil
}

func withTransportDefaults(o ws.Options) ws.Options {
	if o.PingInterval <= 0 {
		o.PingInterval = 60 * time.Second
	}
	if o.PingTimeout <= 0 {
		o.PingTimeout = 30 * time.Second
	}
	return o
}

func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	if s.cfg.Path != "/" {
		mux.HandleFunc(s.cfg.Path, s.handleWS)
	}
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/readyz", s.handleReady)
	mux.HandleFunc("/stats", s.handleStats)
	if s.cfg.ControlEnabled {
		mux.HandleFunc("/deliver", withAuth(s.cfg.ControlToken, s.handleDeliver))
		if s.owner != nil {
			mux.HandleFunc("/owner", withAuth(s.cfg.ControlToken, s.handleOwner))
		}
		if s.audit != nil {
			mux.HandleFunc("/audit", withAuth(s.cfg.ControlToken, s.handleAudit))
		}
		if s.runJob != nil {
			mux.HandleFunc("/jobs/run", withAuth(s.cfg.ControlToken, s.handleRunJob))
		}
	}
	return mux
}

// Start binds the listener and serves in the background. A bind failure is
// returned to the caller: it is the only error that should stop the process.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}
	addr := strings.TrimSpace(s.cfg.Addr)
	if addr == "" {
		addr = ":8766"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", addr, err)
	}
	s.ln = ln
	s.srv = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))

	srv := s.srv
	s.sup.Go("http.serve", func(context.Context) error {
		err := srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	s.log.Info("relay listening",
		logx.String("addr", ln.Addr().String()),
		logx.String("path", s.cfg.Path),
		logx.Bool("control", s.cfg.ControlEnabled),
		logx.Duration("ping_interval", s.cfg.Transport.PingInterval),
		logx.Duration("ping_timeout", s.cfg.Transport.PingTimeout),
	)
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Shutdown stops accepting, closes every live connection and waits for their
// handlers to finish cleanup, bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	srv := s.srv
	sup := s.sup
	s.mu.Unlock()

	var errs []error
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	s.cancelConn()

	done := make(chan struct{})
	go func() {
		s.handlers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for connection handlers: %w", ctx.Err()))
	}
	if sup != nil {
		if err := sup.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.log.Info("relay stopped", logx.Int64("active", s.relay.Stats().Active))
	return errors.Join(errs...)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	s.handleWS(w, r)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "WebSocket endpoint only", http.StatusNotFound)
		return
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	s.handlers.Add(1)
	s.mu.Unlock()
	defer s.handlers.Done()

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", logx.String("remote", r.RemoteAddr), logx.Err(err))
		return
	}
	conn := ws.New(s.connCtx, wsConn, s.cfg.Transport, s.log)
	if err := s.relay.Handle(s.connCtx, conn); err != nil {
		s.log.Warn("connection ended with error", logx.Uint64("conn_id", uint64(conn.ID())), logx.String("remote", conn.RemoteAddr()), logx.Err(err))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			// Degraded, not down: local delivery still works without the store.
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	st := s.relay.Stats()
	out := map[string]any{
		"connections": st.Registered,
		"node_id":     s.nodeID,
		"uptime":      time.Since(s.started).Round(time.Second).String(),
		"relay":       st,
	}
	if s.extraStats != nil {
		for k, v := range s.extraStats() {
			out[k] = v
		}
	}
	writeJSON(w, http.StatusOK, out)
}

type deliverRequest struct {
	RecipientUUID string `json:"recipient_uuid"`
	Message       string `json:"message"`
}

type deliverResponse struct {
	Outcome relay.Outcome `json:"outcome"`
}

const maxDeliverBody = 1 << 20

func (s *Server) handleDeliver(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req deliverRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxDeliverBody))
	if err := dec.Decode(&req); err != nil {
		http.Error(w, "invalid JSON body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.RecipientUUID) == "" {
		http.Error(w, "recipient_uuid is required", http.StatusBadRequest)
		return
	}
	outcome := s.relay.Deliver(r.Context(), req.RecipientUUID, req.Message)
	s.log.Debug("control delivery", logx.String("recipient", req.RecipientUUID), logx.String("outcome", string(outcome)))
	writeJSON(w, http.StatusAccepted, deliverResponse{Outcome: outcome})
}

func (s *Server) handleOwner(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.URL.Query().Get("key"))
	if key == "" {
		http.Error(w, "key is required", http.StatusBadRequest)
		return
	}
	owner, found, err := s.owner(r.Context(), key)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"key": key, "error": err.Error()})
		return
	}
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]any{"key": key})
		return
	}
	_, local := s.relay.Directory().Find(key)
	writeJSON(w, http.StatusOK, map[string]any{"key": key, "owner": owner, "local": local})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	q := storage.Query{
		Key:  strings.TrimSpace(r.URL.Query().Get("key")),
		Type: strings.TrimSpace(r.URL.Query().Get("type")),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		q.Limit = n
	}
	entries, err := s.audit(r.Context(), q)
	if err != nil {
		http.Error(w, "audit query failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []storage.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	name := strings.TrimSpace(r.URL.Query().Get("name"))
	if name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}
	start := time.Now()
	err := s.runJob(name)
	switch {
	case errors.Is(err, housekeeping.ErrUnknownJob):
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	case err != nil:
		s.log.Warn("operator job failed", logx.String("job", name), logx.Err(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"job": name, "error": err.Error()})
		return
	}
	s.log.Info("operator job ran", logx.String("job", name), logx.Duration("took", time.Since(start)))
	writeJSON(w, http.StatusOK, map[string]any{"job": name, "took": time.Since(start).String()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if ah := r.Header.Get("Authorization"); ah != "" {
			const p = "Bearer "
			if strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
				h(w, r)
				return
			}
		}
		w.Header().Set("WWW-Authenticate", "Bearer")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}
}

// originChecker allows every origin when the list is empty.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[strings.ToLower(strings.TrimRight(strings.TrimSpace(o), "/"))] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[strings.ToLower(strings.TrimRight(origin, "/"))]
		return ok
	}
}
