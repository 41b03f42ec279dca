// Package server exposes the changelog's admin HTTP surface: metrics,
// health probes and read-only inspection of replica changelogs and the
// change number index.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/devrev/pairdb/changelog/internal/changelog"
	"github.com/devrev/pairdb/changelog/internal/config"
	clerrors "github.com/devrev/pairdb/changelog/internal/errors"
	"github.com/devrev/pairdb/changelog/internal/filter"
	"github.com/devrev/pairdb/changelog/internal/model"
	"github.com/devrev/pairdb/changelog/internal/storage/diskmanager"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
)

const (
	defaultChangesLimit = 100
	maxChangesLimit     = 1000
)

// AdminServer serves metrics, probes and changelog inspection endpoints.
type AdminServer struct {
	env             *changelog.Environment
	disk            *diskmanager.DiskManager
	router          *mux.Router
	httpServer      *http.Server
	shutdownTimeout time.Duration
	logger          *zap.Logger
}

// NewAdminServer builds the server. disk may be nil, in which case
// readiness only reflects the environment.
func NewAdminServer(
	cfg config.ServerConfig,
	metricsCfg config.MetricsConfig,
	env *changelog.Environment,
	disk *diskmanager.DiskManager,
	gatherer prometheus.Gatherer,
	logger *zap.Logger,
) *AdminServer {
	router := mux.NewRouter().UseEncodedPath()
	s := &AdminServer{
		env:             env,
		disk:            disk,
		router:          router,
		shutdownTimeout: cfg.ShutdownTimeout,
		logger:          logger,
	}
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
	s.setupRoutes(metricsCfg, gatherer)
	return s
}

func (s *AdminServer) setupRoutes(metricsCfg config.MetricsConfig, gatherer prometheus.Gatherer) {
	s.router.Use(s.logRequests)

	if metricsCfg.Enabled && gatherer != nil {
		s.router.Handle(metricsCfg.Path, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)

	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/replicas", s.handleListReplicas).Methods(http.MethodGet)
	v1.HandleFunc("/replicas/{base_dn}/{server_id}", s.handleGetReplica).Methods(http.MethodGet)
	v1.HandleFunc("/replicas/{base_dn}/{server_id}/changes", s.handleReplicaChanges).Methods(http.MethodGet)
	v1.HandleFunc("/cnindex", s.handleChangeNumberIndex).Methods(http.MethodGet)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "endpoint not found")
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
}

// Handler returns the router, for tests and embedding.
func (s *AdminServer) Handler() http.Handler {
	return s.router
}

// Start starts serving in the background.
func (s *AdminServer) Start() error {
	s.logger.Info("Starting admin server", zap.String("addr", s.httpServer.Addr))

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Admin server error", zap.Error(err))
		}
	}()
	return nil
}

// Stop gracefully stops the server.
func (s *AdminServer) Stop() error {
	s.logger.Info("Stopping admin server")

	timeout := s.shutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *AdminServer) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *AdminServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "healthy",
		"changelog_id": s.env.ChangelogID(),
		"timestamp":    time.Now().Unix(),
	})
}

func (s *AdminServer) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.disk != nil {
		usage := s.disk.GetDiskUsage()
		if usage.IsCircuitBroken {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "not_ready",
				"reason": "disk circuit breaker open",
				"disk":   usage,
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ready",
		"replicas":  len(s.env.ReplicaDBs()),
		"timestamp": time.Now().Unix(),
	})
}

func (s *AdminServer) handleListReplicas(w http.ResponseWriter, r *http.Request) {
	dbs := s.env.ReplicaDBs()
	out := make([]changelog.ReplicaStats, 0, len(dbs))
	for _, db := range dbs {
		out = append(out, db.Stats())
	}
	writeJSON(w, http.StatusOK, map[string]any{"replicas": out})
}

func (s *AdminServer) handleGetReplica(w http.ResponseWriter, r *http.Request) {
	db, ok := s.lookupReplica(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, db.Stats())
}

// ChangeView is the JSON rendering of one stored update.
type ChangeView struct {
	CSN       string `json:"csn"`
	Operation string `json:"operation"`
	BaseDN    string `json:"base_dn"`
	DN        string `json:"dn"`
	EntryUUID string `json:"entry_uuid,omitempty"`
	Payload   []byte `json:"payload,omitempty"`
}

func newChangeView(msg *model.UpdateMsg) ChangeView {
	return ChangeView{
		CSN:       msg.CSN.String(),
		Operation: msg.Operation.String(),
		BaseDN:    msg.BaseDN,
		DN:        msg.DN,
		EntryUUID: msg.EntryUUID,
		Payload:   msg.Payload,
	}
}

// handleReplicaChanges pages through a replica changelog. Query parameters:
// from (CSN, exclusive unless inclusive=true), limit and filter (CEL).
func (s *AdminServer) handleReplicaChanges(w http.ResponseWriter, r *http.Request) {
	db, ok := s.lookupReplica(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()

	var from model.CSN
	if v := q.Get("from"); v != "" {
		c, err := model.ParseCSN(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid from: %v", err))
			return
		}
		from = c
	}
	strategy := changelog.AfterMatchingKey
	if inclusive, _ := strconv.ParseBool(q.Get("inclusive")); inclusive {
		strategy = changelog.OnMatchingKey
	}
	limit := defaultChangesLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxChangesLimit)
	}
	f, err := filter.Compile(q.Get("filter"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	cursor, err := db.GenerateCursorFrom(from, strategy)
	if err != nil {
		s.writeChangelogError(w, err)
		return
	}
	defer cursor.Close()

	changes := make([]ChangeView, 0)
	var last string
	msg := cursor.Record()
	for len(changes) < limit {
		if msg == nil {
			more, err := cursor.Next()
			if err != nil {
				s.writeChangelogError(w, err)
				return
			}
			if !more {
				break
			}
			msg = cursor.Record()
		}
		last = msg.CSN.String()
		if f.Match(msg) {
			changes = append(changes, newChangeView(msg))
		}
		msg = nil
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"changes": changes,
		"last":    last,
	})
}

func (s *AdminServer) handleChangeNumberIndex(w http.ResponseWriter, r *http.Request) {
	idx := s.env.ChangeNumberIndexDB()
	st := idx.Stats()
	out := map[string]any{
		"records":  st.Records,
		"segments": st.Segments,
		"bytes":    st.Bytes,
	}
	oldest, err := idx.OldestRecord()
	if err != nil {
		s.writeChangelogError(w, err)
		return
	}
	newest, err := idx.NewestRecord()
	if err != nil {
		s.writeChangelogError(w, err)
		return
	}
	if oldest != nil {
		out["oldest_change_number"] = int64(oldest.ChangeNumber)
	}
	if newest != nil {
		out["newest_change_number"] = int64(newest.ChangeNumber)
		out["newest_csn"] = newest.CSN.String()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *AdminServer) lookupReplica(w http.ResponseWriter, r *http.Request) (*changelog.ReplicaDB, bool) {
	vars := mux.Vars(r)
	baseDN, err := url.PathUnescape(vars["base_dn"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid base DN")
		return nil, false
	}
	sid, err := strconv.ParseInt(vars["server_id"], 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid server id")
		return nil, false
	}
	db := s.env.ReplicaDB(baseDN, int32(sid))
	if db == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no changelog for %s/%d", baseDN, sid))
		return nil, false
	}
	return db, true
}

func (s *AdminServer) writeChangelogError(w http.ResponseWriter, err error) {
	code := httpStatus(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("Admin request failed", zap.Error(err))
	}
	writeError(w, code, clerrors.ToGRPCStatus(err).Message())
}

func httpStatus(err error) int {
	switch clerrors.ToGRPCStatus(err).Code() {
	case codes.OK:
		return http.StatusOK
	case codes.InvalidArgument, codes.OutOfRange:
		return http.StatusBadRequest
	case codes.FailedPrecondition:
		return http.StatusPreconditionFailed
	case codes.ResourceExhausted:
		return http.StatusInsufficientStorage
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"status":  "error",
		"message": message,
	})
}
