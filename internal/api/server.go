// Package api exposes the S3-compatible HTTP surface of the proxy: the six
// object/bucket operations over one virtual bucket.
package api

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/replicat/replicat/internal/metrics"
	"github.com/replicat/replicat/internal/s3err"
	"github.com/replicat/replicat/internal/sigv4"
	"github.com/replicat/replicat/internal/strategy"
)

// Server wires the strategy engines to the HTTP router.
type Server struct {
	VirtualBucket string
	Reader        *strategy.Reader
	Writer        *strategy.Writer
	Credentials   sigv4.Credentials
	Logger        *slog.Logger
	Metrics       *metrics.Collector

	// Now is replaceable in tests.
	Now func() time.Time
}

// Handler builds the router. Auth applies to every S3 route; /healthz and
// /metrics are exempt.
func (s *Server) Handler() http.Handler {
	if s.Now == nil {
		s.Now = time.Now
	}
	if s.Logger == nil {
		s.Logger = slog.Default()
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	r.Handle("/metrics", s.Metrics.Handler()).Methods(http.MethodGet)

	// Bucket routes, with and without the trailing slash.
	for _, path := range []string{"/{bucket}", "/{bucket}/"} {
		r.HandleFunc(path, s.s3("ListObjects", s.handleListObjects)).Methods(http.MethodGet)
		r.HandleFunc(path, s.s3("HeadBucket", s.handleHeadBucket)).Methods(http.MethodHead)
	}

	// Object routes.
	object := "/{bucket}/{key:.+}"
	r.HandleFunc(object, s.s3("GetObject", s.handleGetObject)).Methods(http.MethodGet)
	r.HandleFunc(object, s.s3("HeadObject", s.handleHeadObject)).Methods(http.MethodHead)
	r.HandleFunc(object, s.s3("PutObject", s.handlePutObject)).Methods(http.MethodPut)
	r.HandleFunc(object, s.s3("DeleteObject", s.handleDeleteObject)).Methods(http.MethodDelete)

	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		s3err.Write(w, newRequestID(), s3err.MethodNotAllowed, req.URL.Path)
	})
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		s3err.Write(w, newRequestID(), s3err.InvalidRequest, req.URL.Path)
	})

	return r
}

// s3 wraps an operation handler with authentication, the virtual-bucket
// gate, error rendering, metrics, and the access log.
func (s *Server) s3(op string, fn func(http.ResponseWriter, *http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := s.Now()
		reqID := newRequestID()
		w.Header().Set("x-amz-request-id", reqID)
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		err := func() error {
			// Authentication first: an invalid signature must be rejected
			// before any backend is contacted.
			if err := sigv4.Verify(r, s.Credentials, s.Now()); err != nil {
				return err
			}
			if bucket := mux.Vars(r)["bucket"]; bucket != s.VirtualBucket {
				return s3err.NoSuchBucket
			}
			return fn(sw, r)
		}()
		if err != nil {
			s3err.Write(sw, reqID, s3err.Map(err), r.URL.Path)
		}

		latency := time.Since(start)
		s.Metrics.RequestsTotal.WithLabelValues(op, strconv.Itoa(sw.status)).Inc()
		s.Metrics.RequestDuration.WithLabelValues(op).Observe(latency.Seconds())
		s.Logger.Info("request complete",
			"request_id", reqID,
			"remote_addr", r.RemoteAddr,
			"method", r.Method,
			"path", r.URL.Path,
			"operation", op,
			"status_code", sw.status,
			"latency_ms", latency.Milliseconds(),
		)
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (s *statusWriter) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func newRequestID() string {
	var entropy [8]byte
	if _, err := rand.Read(entropy[:]); err != nil {
		return fmt.Sprintf("req-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(entropy[:])
}
