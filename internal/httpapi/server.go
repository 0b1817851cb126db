package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	nodeerrors "github.com/jeju-network/node/internal/errors"
	"github.com/jeju-network/node/internal/httputil"
	"github.com/jeju-network/node/internal/logging"
	"github.com/jeju-network/node/internal/metrics"
	"github.com/jeju-network/node/internal/middleware"
	"github.com/jeju-network/node/internal/node"
	"github.com/jeju-network/node/internal/ratelimiter"
	"github.com/jeju-network/node/internal/relay"
	"github.com/jeju-network/node/internal/relaysig"
	"github.com/jeju-network/node/internal/sqlengine"
	"github.com/jeju-network/node/pkg/version"
)

// Config configures the Server's own ambient concerns; Node and Relay
// hand it their already-constructed collaborators directly.
type Config struct {
	DataDir       string
	MaxBodyBytes  int64
	CORSOrigins   []string
	RateLimiter   *ratelimiter.Limiter // nil disables rate limiting entirely
	RelayTierName string               // tier name applied to relay routes, e.g. "relay"
}

// Server wires internal/node, internal/relay, and the ambient middleware
// chain into one http.Handler (spec.md §4.8).
type Server struct {
	node      *node.Node
	relay     *relay.Store // nil if the relay subsystem is disabled
	metrics   *metrics.Metrics
	logger    *logging.Logger
	cfg       Config
	startedAt time.Time
	router    chi.Router
}

// New builds a Server. relayStore may be nil if spec.md §4.6's relay
// subsystem is disabled (internal/config.RelayConfig.Enabled == false).
func New(n *node.Node, relayStore *relay.Store, m *metrics.Metrics, logger *logging.Logger, cfg Config) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	s := &Server{
		node:      n,
		relay:     relayStore,
		metrics:   m,
		logger:    logger,
		cfg:       cfg,
		startedAt: time.Now(),
	}
	s.router = s.buildRouter()
	return s
}

// ServeHTTP makes Server an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Recovery(s.logger))
	r.Use(middleware.RequestLog(s.logger))
	r.Use(middleware.CORS(middleware.CORSConfig{AllowedOrigins: s.cfg.CORSOrigins}))
	r.Use(middleware.BodyLimit(s.cfg.MaxBodyBytes, s.logger))
	r.Use(s.recordMetrics)
	if s.cfg.RateLimiter != nil {
		r.Use(middleware.RateLimit(s.cfg.RateLimiter, httputil.ClientIP, s.tierFor, s.logger))
	}

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)

	r.Post("/query", s.handleQuery)
	r.Post("/batch", s.handleBatch)
	r.Get("/wal", s.handleWALRange)
	r.Post("/wal/apply", s.handleWALApply)

	if s.relay != nil {
		r.Post("/send", s.handleSend)
		r.Get("/messages/{address}", s.handleMessages)
		r.Get("/message/{id}", s.handleMessage)
		r.Post("/read/{id}", s.handleRead)
		r.Get("/ws", s.relay.HandleWS)
	}

	return r
}

// tierFor assigns the configured relay tier to relay routes and leaves
// every other route on the limiter's own default tier. It matches on the
// raw request path rather than chi's resolved route pattern: rate
// limiting runs as outer middleware, ahead of chi's route matching, so no
// pattern has been resolved yet at this point in the chain.
func (s *Server) tierFor(r *http.Request) string {
	if s.relay == nil {
		return ""
	}
	path := r.URL.Path
	switch {
	case path == "/send", path == "/ws":
		return s.cfg.RelayTierName
	case strings.HasPrefix(path, "/messages/"), strings.HasPrefix(path, "/message/"), strings.HasPrefix(path, "/read/"):
		return s.cfg.RelayTierName
	default:
		return ""
	}
}

// recordMetrics records every completed request's method/path/status/
// duration onto the process metrics (internal/metrics), the same
// before/after shape as middleware.RequestLog but writing to Prometheus
// instead of the logger.
func (s *Server) recordMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.metrics.RecordHTTPRequest(r.Method, routePattern(r), strconv.Itoa(rec.status), time.Since(start))
	})
}

// routePattern prefers chi's matched route pattern (so "/message/{id}"
// labels every message id the same way) and falls back to the raw path
// before routing has resolved one.
func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if pattern := rc.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics != nil {
		s.metrics.SetEventsDropped(s.node.EventsDropped())
	}
	metrics.Handler().ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var stats healthStats
	if vm, err := mem.VirtualMemoryWithContext(r.Context()); err == nil {
		stats.MemoryUsedBytes = vm.Used
		stats.MemoryTotalBytes = vm.Total
	}
	if du, err := disk.UsageWithContext(r.Context(), s.cfg.DataDir); err == nil {
		stats.DiskUsedBytes = du.Used
		stats.DiskTotalBytes = du.Total
	}
	if percents, err := cpu.PercentWithContext(r.Context(), 0, false); err == nil && len(percents) > 0 {
		stats.CPUPercent = percents[0]
	}
	stats.DatabaseCount = len(s.node.Manager().List())
	stats.EventsDropped = s.node.EventsDropped()

	httputil.WriteJSON(w, http.StatusOK, healthResponse{
		Status:    string(s.node.Status()),
		NodeID:    s.node.ID,
		Version:   version.Version,
		Uptime:    time.Since(s.startedAt).Seconds(),
		Stats:     stats,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if req.DatabaseID == "" || req.SQL == "" {
		httputil.WriteError(w, r, s.logger, nodeerrors.Validation("databaseId and sql are required"))
		return
	}
	res, err := s.node.Execute(r.Context(), node.ExecuteRequest{
		DatabaseID:          req.DatabaseID,
		SQL:                 req.SQL,
		Params:              req.Params,
		RequiredWalPosition: req.RequiredWalPosition,
	})
	if err != nil {
		httputil.WriteError(w, r, s.logger, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, queryResponse{
		Rows:         res.Rows,
		RowsAffected: res.RowsAffected,
		LastInsertID: res.LastInsertID,
		ReadOnly:     res.ReadOnly,
		WalPosition:  res.WalPosition,
	})
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if req.DatabaseID == "" || len(req.Queries) == 0 {
		httputil.WriteError(w, r, s.logger, nodeerrors.Validation("databaseId and at least one query are required"))
		return
	}
	statements := make([]sqlengine.Statement, len(req.Queries))
	for i, q := range req.Queries {
		statements[i] = sqlengine.Statement{SQL: q.SQL, Params: q.Params}
	}
	res, err := s.node.BatchExecute(r.Context(), node.BatchRequest{
		DatabaseID:    req.DatabaseID,
		Statements:    statements,
		Transactional: req.Transactional,
	})
	if err != nil {
		httputil.WriteError(w, r, s.logger, err)
		return
	}
	results := make([]batchResult, len(res.Results))
	for i, row := range res.Results {
		results[i] = batchResult{Rows: row.Rows, RowsAffected: row.RowsAffected, LastInsertID: row.LastInsertID, ReadOnly: row.ReadOnly}
	}
	httputil.WriteJSON(w, http.StatusOK, batchResponse{Results: results, WalPosition: res.WalPosition})
}

func (s *Server) handleWALRange(w http.ResponseWriter, r *http.Request) {
	databaseID := r.URL.Query().Get("databaseId")
	if databaseID == "" {
		httputil.WriteError(w, r, s.logger, nodeerrors.Validation("databaseId is required"))
		return
	}
	from := uint64(httputil.QueryInt64(r, "fromPosition", 1))
	limit := int(httputil.QueryInt64(r, "limit", 256))

	res, err := s.node.GetWALEntries(databaseID, from, limit)
	if err != nil {
		httputil.WriteError(w, r, s.logger, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, walRangeResponse{Entries: res.Entries, CurrentPosition: res.CurrentPosition})
}

func (s *Server) handleWALApply(w http.ResponseWriter, r *http.Request) {
	var req walApplyRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if req.DatabaseID == "" {
		httputil.WriteError(w, r, s.logger, nodeerrors.Validation("databaseId is required"))
		return
	}
	if err := s.node.ApplyWALEntries(r.Context(), req.DatabaseID, req.Entries); err != nil {
		httputil.WriteError(w, r, s.logger, err)
		return
	}
	newPosition, err := s.node.LocalWalPosition(req.DatabaseID)
	if err != nil {
		httputil.WriteError(w, r, s.logger, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, walApplyResponse{Accepted: true, NewPosition: newPosition})
}

// handleSend enforces the size ceiling itself (rather than relying solely
// on the global BodyLimit middleware) so an oversized envelope gets the
// relay's own 413 shape, matching spec.md §6's "413 too large" response
// rather than the generic body-limit rejection.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Body == nil {
		httputil.WriteError(w, r, s.logger, nodeerrors.Validation("request body is required"))
		return
	}
	limited := http.MaxBytesReader(w, r.Body, relay.MaxEnvelopeBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		httputil.WriteError(w, r, s.logger, nodeerrors.PayloadTooLarge("envelope exceeds the size ceiling").WithDetails("limit_bytes", relay.MaxEnvelopeBytes))
		return
	}

	var env relay.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		httputil.WriteError(w, r, s.logger, nodeerrors.Wrap(nodeerrors.KindValidation, "invalid JSON body", err))
		return
	}

	res, err := s.relay.Send(r.Context(), env, len(body))
	if err != nil {
		if s.metrics != nil {
			if ne, ok := nodeerrors.As(err); ok && ne.Kind == nodeerrors.KindRateLimitExceeded {
				s.metrics.RecordRateLimitRejection(s.cfg.RelayTierName)
			}
		}
		httputil.WriteError(w, r, s.logger, err)
		return
	}
	if s.metrics != nil && res.Delivered {
		s.metrics.RecordRelayDelivery("live")
	}
	httputil.WriteJSON(w, http.StatusOK, sendResponse{
		Success:   true,
		MessageID: res.MessageID,
		CID:       res.CID,
		Timestamp: res.Timestamp,
		Delivered: res.Delivered,
	})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	recovered, ok := s.authenticateRelay(w, r, func(ts int64) string { return relay.MailboxChallenge(address, ts) })
	if !ok {
		return
	}
	if err := relay.Authorize(recovered, address); err != nil {
		httputil.WriteError(w, r, s.logger, err)
		return
	}
	messages, err := s.relay.Messages(r.Context(), address)
	if err != nil {
		httputil.WriteError(w, r, s.logger, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, messages)
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	recovered, ok := s.authenticateRelay(w, r, func(ts int64) string { return relay.MessageChallenge(id, ts) })
	if !ok {
		return
	}
	msg, err := s.relay.Message(r.Context(), id)
	if err != nil {
		httputil.WriteError(w, r, s.logger, err)
		return
	}
	if err := relay.Authorize(recovered, msg.From, msg.To); err != nil {
		httputil.WriteError(w, r, s.logger, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, msg)
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	recovered, ok := s.authenticateRelay(w, r, func(ts int64) string { return relay.ReadChallenge(id, ts) })
	if !ok {
		return
	}
	msg, err := s.relay.Message(r.Context(), id)
	if err != nil {
		httputil.WriteError(w, r, s.logger, err)
		return
	}
	if err := relay.Authorize(recovered, msg.To); err != nil {
		httputil.WriteError(w, r, s.logger, err)
		return
	}
	if err := s.relay.MarkRead(r.Context(), id); err != nil {
		httputil.WriteError(w, r, s.logger, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, readResponse{Status: "read"})
}

// authenticateRelay validates the x-jeju-signature/x-jeju-timestamp
// headers spec.md §6 requires on every relay retrieval endpoint, building
// the challenge string from the header's own timestamp (the signature
// covers that exact value, not whatever time the server sees it).
func (s *Server) authenticateRelay(w http.ResponseWriter, r *http.Request, challengeFor func(timestampMillis int64) string) (relaysig.Address, bool) {
	sig := r.Header.Get("x-jeju-signature")
	tsHeader := r.Header.Get("x-jeju-timestamp")
	if sig == "" || tsHeader == "" {
		httputil.WriteError(w, r, s.logger, nodeerrors.Auth("missing signature headers"))
		return relaysig.Address{}, false
	}
	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		httputil.WriteError(w, r, s.logger, nodeerrors.Auth("malformed timestamp header"))
		return relaysig.Address{}, false
	}
	recovered, err := relay.VerifyAuth(challengeFor(ts), sig, ts, time.Now())
	if err != nil {
		httputil.WriteError(w, r, s.logger, err)
		return relaysig.Address{}, false
	}
	return recovered, true
}
