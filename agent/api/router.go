package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	contractx "github.com/tanpawarit/chative-pharmacy-agent/agent/contract"
	storex "github.com/tanpawarit/chative-pharmacy-agent/agent/store"
	metricsx "github.com/tanpawarit/chative-pharmacy-agent/pkg/metrics"
)

const (
	HeaderCallerID   = "X-Caller-ID"
	HeaderOperatorID = "X-Operator-ID"

	maxBodyBytes = 64 << 10
)

type Dispatcher interface {
	Handle(ctx context.Context, callerID string, audience contractx.Audience, message, language string) (contractx.Outcome, error)
}

type AlertLister interface {
	Alerts(ctx context.Context, patientID string, status storex.AlertStatus) ([]storex.RefillAlert, error)
}

type Deps struct {
	Dispatcher Dispatcher
	Alerts     AlertLister
	Resolver   contractx.IdentityResolver
	Metrics    *metricsx.Collector
}

type Server struct {
	dispatcher Dispatcher
	alerts     AlertLister
	resolver   contractx.IdentityResolver
	metrics    *metricsx.Collector
	validate   *validator.Validate
}

func NewServer(d Deps) (*Server, error) {
	switch {
	case d.Dispatcher == nil:
		return nil, errors.New("dispatcher is required")
	case d.Alerts == nil:
		return nil, errors.New("alert lister is required")
	case d.Resolver == nil:
		return nil, errors.New("identity resolver is required")
	}
	return &Server{
		dispatcher: d.Dispatcher,
		alerts:     d.Alerts,
		resolver:   d.Resolver,
		metrics:    d.Metrics,
		validate:   validator.New(),
	}, nil
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.observe)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.health)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/agent/chat", s.chat)
		r.Post("/pharmacist/query", s.pharmacistQuery)
		r.Get("/refill-alerts", s.refillAlerts)
	})
	return r
}

// observe attaches a request-scoped logger and records request metrics.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		logger := log.Logger.With().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Logger()
		r = r.WithContext(logger.WithContext(r.Context()))

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		took := time.Since(started)
		s.metrics.ObserveHTTP(r.Method, route, strconv.Itoa(status), took)
		logger.Debug().Int("status", status).Dur("took", took).Msg("request served")
	})
}
