// Package api serves the canscope monitor: a REST API over the session
// manager and the signal store, WebSocket trace and event streams, and the
// Prometheus scrape endpoint.
//
// Routes:
//
//	GET    /api/v1/status
//	GET    /api/v1/drivers
//	GET    /api/v1/sessions
//	POST   /api/v1/sessions
//	GET    /api/v1/sessions/{id}
//	DELETE /api/v1/sessions/{id}
//	POST   /api/v1/sessions/{id}/connect
//	POST   /api/v1/sessions/{id}/disconnect
//	POST   /api/v1/sessions/{id}/databases
//	GET    /api/v1/sessions/{id}/databases/{key}
//	DELETE /api/v1/sessions/{id}/databases/{key}
//	GET    /api/v1/sessions/{id}/databases/{key}/decode
//	PUT    /api/v1/sessions/{id}/filters/{key}
//	GET    /api/v1/sessions/{id}/trace
//	GET    /api/v1/sessions/{id}/trace/stream
//	POST   /api/v1/sessions/{id}/tx/raw
//	POST   /api/v1/sessions/{id}/tx/encoded
//	GET    /api/v1/sessions/{id}/tx/periodic
//	POST   /api/v1/sessions/{id}/tx/periodic
//	DELETE /api/v1/sessions/{id}/tx/periodic
//	DELETE /api/v1/sessions/{id}/tx/periodic/{job}
//	GET    /api/v1/sessions/{id}/log
//	POST   /api/v1/sessions/{id}/log/start
//	POST   /api/v1/sessions/{id}/log/stop
//	GET    /api/v1/sessions/{id}/log/tail
//	GET    /api/v1/series
//	GET    /api/v1/series/data
//	GET    /api/v1/series/value
//	GET    /api/v1/series/difference
//	GET    /api/v1/events
//	GET    /metrics
package api

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"canscope/candb"
	"canscope/errs"
	"canscope/series"
	"canscope/session"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     sameOrigin,
}

// Server holds handler dependencies.
type Server struct {
	mgr     *session.Manager
	store   *series.Store
	events  *session.EventBus
	started time.Time
	log     *zap.Logger

	tracePoll time.Duration
}

// NewRouter wires every route. metrics may be nil, in which case /metrics
// is not served.
func NewRouter(mgr *session.Manager, events *session.EventBus, metrics http.Handler, log *zap.Logger) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		mgr:       mgr,
		store:     mgr.App().Store,
		events:    events,
		started:   time.Now(),
		log:       log.Named("api"),
		tracePoll: 50 * time.Millisecond,
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/status", s.status)
	mux.HandleFunc("GET /api/v1/drivers", s.drivers)

	// Sessions
	mux.HandleFunc("GET /api/v1/sessions", s.listSessions)
	mux.HandleFunc("POST /api/v1/sessions", s.createSession)
	mux.HandleFunc("GET /api/v1/sessions/{id}", s.getSession)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}", s.removeSession)
	mux.HandleFunc("POST /api/v1/sessions/{id}/connect", s.connect)
	mux.HandleFunc("POST /api/v1/sessions/{id}/disconnect", s.disconnect)

	// Databases and filters
	mux.HandleFunc("POST /api/v1/sessions/{id}/databases", s.addDatabase)
	mux.HandleFunc("GET /api/v1/sessions/{id}/databases/{key}", s.getDatabase)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}/databases/{key}", s.removeDatabase)
	mux.HandleFunc("GET /api/v1/sessions/{id}/databases/{key}/decode", s.decode)
	mux.HandleFunc("PUT /api/v1/sessions/{id}/filters/{key}", s.configureFilter)

	// Trace
	mux.HandleFunc("GET /api/v1/sessions/{id}/trace", s.trace)
	mux.HandleFunc("GET /api/v1/sessions/{id}/trace/stream", s.traceStream)

	// Transmit
	mux.HandleFunc("POST /api/v1/sessions/{id}/tx/raw", s.sendRaw)
	mux.HandleFunc("POST /api/v1/sessions/{id}/tx/encoded", s.sendEncoded)
	mux.HandleFunc("GET /api/v1/sessions/{id}/tx/periodic", s.listPeriodic)
	mux.HandleFunc("POST /api/v1/sessions/{id}/tx/periodic", s.startPeriodic)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}/tx/periodic", s.stopAllPeriodic)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}/tx/periodic/{job}", s.stopPeriodic)

	// Frame log
	mux.HandleFunc("GET /api/v1/sessions/{id}/log", s.logStatus)
	mux.HandleFunc("POST /api/v1/sessions/{id}/log/start", s.startLog)
	mux.HandleFunc("POST /api/v1/sessions/{id}/log/stop", s.stopLog)
	mux.HandleFunc("GET /api/v1/sessions/{id}/log/tail", s.logTail)

	// Signal series
	mux.HandleFunc("GET /api/v1/series", s.seriesKeys)
	mux.HandleFunc("GET /api/v1/series/data", s.seriesData)
	mux.HandleFunc("GET /api/v1/series/value", s.seriesValue)
	mux.HandleFunc("GET /api/v1/series/difference", s.seriesDifference)

	mux.HandleFunc("GET /api/v1/events", s.eventStream)
	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}

	return withLogging(s.log, withOriginCheck(mux))
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	connected := 0
	sessions := s.mgr.Sessions()
	for _, sess := range sessions {
		if sess.Connected() {
			connected++
		}
	}
	subscribers := 0
	if s.events != nil {
		subscribers = s.events.Len()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"time":        time.Now().UTC().Format(time.RFC3339),
		"uptime_s":    time.Since(s.started).Seconds(),
		"sessions":    len(sessions),
		"connected":   connected,
		"subscribers": subscribers,
	})
}

// ── Middleware ────────────────────────────────────────────────────────────

// sameOrigin accepts requests without an Origin header (CLI tools, scripts)
// and browser requests from a page served by this host.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

// withOriginCheck rejects state-changing requests whose Origin is another
// host.
func withOriginCheck(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead:
		default:
			if !sameOrigin(r) {
				writeJSON(w, http.StatusForbidden, errorBody{Error: "forbidden: cross-origin request"})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func withLogging(log *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rw, r)
		log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rw.code),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	code int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.code = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the WebSocket upgrader take over the connection.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("api: response writer does not support hijacking")
	}
	rw.code = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (rw *responseWriter) Unwrap() http.ResponseWriter { return rw.ResponseWriter }

// ── helpers ───────────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// writeError maps err to a status code by its sentinel or errs.Kind.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.log.Error("request failed", zap.Error(err))
	}
	body := errorBody{Error: err.Error()}
	if errs.KindOf(err) != errs.Internal {
		body.Kind = errs.KindOf(err).String()
	}
	writeJSON(w, code, body)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrSessionNotFound), candb.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, session.ErrNotConnected):
		return http.StatusConflict
	case errors.Is(err, candb.ErrDecode), errors.Is(err, candb.ErrEncode):
		return http.StatusBadRequest
	}
	switch errs.KindOf(err) {
	case errs.Config, errs.Codec:
		return http.StatusBadRequest
	case errs.Collision:
		return http.StatusConflict
	case errs.Transport:
		return http.StatusBadGateway
	case errs.Resource:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: msg})
}

// decodeBody reads a JSON request body. Other content types are refused
// with 415.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err != nil || mt != "application/json" {
		writeJSON(w, http.StatusUnsupportedMediaType, errorBody{Error: "Content-Type must be application/json"})
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		badRequest(w, "invalid JSON body")
		return false
	}
	return true
}

func queryInt(r *http.Request, key string, def, min, max int) (int, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < min || n > max {
		return 0, fmt.Errorf("%s must be %d-%d", key, min, max)
	}
	return n, nil
}

func (s *Server) session(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	sess, err := s.mgr.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return nil, false
	}
	return sess, true
}
