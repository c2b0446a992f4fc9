// Copyright 2025 RomVault Authors
// SPDX-License-Identifier: Apache-2.0

// Package vault implements the upload proxy HTTP surface: single-shot object
// PUT/GET/DELETE plus the create/put-parts/complete/abort multipart protocol,
// backed by a pluggable object store.
package vault

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/LeeDigitalWorks/romvault/pkg/logger"
	"github.com/LeeDigitalWorks/romvault/pkg/store"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultAuthHeader carries the shared upload secret when auth is enabled.
const DefaultAuthHeader = "X-Upload-Secret"

// Config holds configuration for the vault server. The plain and
// secret-gated proxy variants collapse into RequireAuth.
type Config struct {
	Store store.ObjectStore

	// RequireAuth gates every request behind a shared-secret header check.
	// The secret comes from configuration, never a compiled-in literal.
	RequireAuth bool
	AuthHeader  string
	Secret      string

	// MaxListKeys caps GET /?prefix= results. Zero means DefaultMaxListKeys.
	MaxListKeys int
}

// DefaultMaxListKeys caps listing results when Config.MaxListKeys is zero.
const DefaultMaxListKeys = 1000

// Server handles the upload proxy HTTP surface.
type Server struct {
	store       store.ObjectStore
	requireAuth bool
	authHeader  string
	secret      string
	maxListKeys int

	metricsRequest         *prometheus.CounterVec
	metricsRequestDuration *prometheus.HistogramVec
}

// NewServer creates a vault server from config.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, errors.New("Store is required")
	}
	if cfg.RequireAuth && cfg.Secret == "" {
		return nil, errors.New("Secret is required when RequireAuth is set")
	}

	authHeader := cfg.AuthHeader
	if authHeader == "" {
		authHeader = DefaultAuthHeader
	}
	maxListKeys := cfg.MaxListKeys
	if maxListKeys <= 0 {
		maxListKeys = DefaultMaxListKeys
	}

	return &Server{
		store:       cfg.Store,
		requireAuth: cfg.RequireAuth,
		authHeader:  authHeader,
		secret:      cfg.Secret,
		maxListKeys: maxListKeys,
		metricsRequest: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_requests_counter",
			Help: "Number of upload proxy requests received",
		}, []string{"op", "status_code"}),
		metricsRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vault_request_duration_seconds",
			Help:    "Duration of upload proxy requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"op", "status_code"}),
	}, nil
}

// RegisterMetrics registers the server's metrics with the given registerer.
func (s *Server) RegisterMetrics(reg prometheus.Registerer) error {
	if err := reg.Register(s.metricsRequest); err != nil {
		return err
	}
	return reg.Register(s.metricsRequestDuration)
}

// statusRecorder captures the response status for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

	reqLogger := logger.Ctx(r.Context()).With().
		Str("request_id", uuid.New().String()).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Logger()
	r = r.WithContext(logger.WithLogger(r.Context(), &reqLogger))

	op := s.route(rec, r)

	status := strconv.Itoa(rec.status)
	s.metricsRequest.WithLabelValues(op, status).Inc()
	s.metricsRequestDuration.WithLabelValues(op, status).Observe(time.Since(start).Seconds())

	reqLogger.Debug().
		Str("op", op).
		Int("status", rec.status).
		Dur("duration", time.Since(start)).
		Msg("request handled")
}

// route dispatches the request and returns the operation name for metrics.
// Keys may contain slashes, so paths are parsed by hand.
func (s *Server) route(w http.ResponseWriter, r *http.Request) string {
	if !s.checkAuth(w, r) {
		return "unauthorized"
	}

	path := strings.TrimPrefix(r.URL.Path, "/")

	if mpuPath, ok := strings.CutPrefix(path, "mpu/"); ok {
		op, key, found := strings.Cut(mpuPath, "/")
		if !found {
			key = ""
		}
		if key != "" && !store.ValidKey(key) {
			writeJSONError(w, http.StatusBadRequest, "invalid key")
			return "invalid_key"
		}

		switch {
		case op == "create" && r.Method == http.MethodPost:
			s.handleCreateUpload(w, r, key)
			return "mpu_create"
		case op == "part" && r.Method == http.MethodPut:
			s.handleUploadPart(w, r, key)
			return "mpu_part"
		case op == "complete" && r.Method == http.MethodPost:
			s.handleCompleteUpload(w, r, key)
			return "mpu_complete"
		case op == "abort" && r.Method == http.MethodDelete:
			s.handleAbortUpload(w, r, key)
			return "mpu_abort"
		}
		writeUsage(w)
		return "usage"
	}

	if path == "" {
		if r.Method == http.MethodGet {
			s.handleList(w, r)
			return "list"
		}
		writeUsage(w)
		return "usage"
	}

	// Keys are opaque but scoped to the bucket: the server sits directly on
	// the listener, so nothing has cleaned traversal segments out of the path.
	if !store.ValidKey(path) {
		writeJSONError(w, http.StatusBadRequest, "invalid key")
		return "invalid_key"
	}

	switch r.Method {
	case http.MethodPut:
		s.handlePutObject(w, r, path)
		return "put_object"
	case http.MethodGet:
		s.handleGetObject(w, r, path)
		return "get_object"
	case http.MethodDelete:
		s.handleDeleteObject(w, r, path)
		return "delete_object"
	}

	writeUsage(w)
	return "usage"
}

// checkAuth enforces the shared-secret header before any storage operation.
func (s *Server) checkAuth(w http.ResponseWriter, r *http.Request) bool {
	if !s.requireAuth {
		return true
	}
	got := r.Header.Get(s.authHeader)
	if subtle.ConstantTimeCompare([]byte(got), []byte(s.secret)) != 1 {
		writeJSONError(w, http.StatusUnauthorized, "missing or invalid upload secret")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

const usageDoc = `romvault upload proxy

  POST   /mpu/create/{key}                    start a multipart upload
  PUT    /mpu/part/{key}?uploadId=&part=N     upload one part (raw bytes)
  POST   /mpu/complete/{key}?uploadId=        assemble object from parts
  DELETE /mpu/abort/{key}?uploadId=           discard an upload session
  PUT    /{key}                               single-shot upload (raw bytes)
  GET    /{key}                               fetch object
  DELETE /{key}                               delete object
  GET    /?prefix=                            list objects
`

func writeUsage(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusMethodNotAllowed)
	w.Write([]byte(usageDoc))
}
