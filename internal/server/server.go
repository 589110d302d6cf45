package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sw33tLie/casefile/pkg/engine"
	"github.com/sw33tLie/casefile/pkg/logger"
)

const (
	maxScanBytes      = 8 << 20
	heartbeatInterval = 15 * time.Second
)

type Server struct {
	Engine   *engine.Engine
	Gatherer prometheus.Gatherer // optional; /metrics is only mounted when set
	Username string
	Password string
	Log      logger.Logger

	heartbeat time.Duration
}

func New(e *engine.Engine, g prometheus.Gatherer, user, pass string, log logger.Logger) *Server {
	return &Server{
		Engine:    e,
		Gatherer:  g,
		Username:  user,
		Password:  pass,
		Log:       logger.OrNop(log),
		heartbeat: heartbeatInterval,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/cases", s.basicAuth(s.handleCaseFiles))
	mux.HandleFunc("GET /api/cases/{owner}", s.basicAuth(s.handleList))
	mux.HandleFunc("POST /api/cases/{owner}/scans", s.basicAuth(s.handleSubmit))
	mux.HandleFunc("GET /api/cases/{owner}/entries/{id}", s.basicAuth(s.handleGet))
	mux.HandleFunc("PATCH /api/cases/{owner}/entries/{id}", s.basicAuth(s.handleUpdate))
	mux.HandleFunc("DELETE /api/cases/{owner}/entries/{id}", s.basicAuth(s.handleDelete))
	mux.HandleFunc("GET /api/cases/{owner}/changes", s.basicAuth(s.handleChanges))
	mux.HandleFunc("GET /api/cases/{owner}/stream", s.basicAuth(s.handleStream))

	if s.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

func (s *Server) basicAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.Username == "" && s.Password == "" {
			next(w, r)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != s.Username || pass != s.Password {
			w.Header().Set("WWW-Authenticate", `Basic realm="Restricted"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}
