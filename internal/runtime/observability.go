package runtime

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	errspkg "github.com/wuayee/fitbroker/internal/runtime/errors"
	"github.com/wuayee/fitbroker/internal/runtime/identity"
	"github.com/wuayee/fitbroker/internal/runtime/jsoncodec"
	loggingpkg "github.com/wuayee/fitbroker/internal/runtime/logging"
)

// registerObservability mounts the inspection API on the observability
// port.
func (s *Service) registerObservability() {
	port := s.Conf.ObservabilityPort
	if port == 0 {
		return
	}

	s.RegisterHTTPHandler(port, "GET /api/fitables", s.withCORS(s.handleGetFitables))
	s.RegisterHTTPHandler(port, "GET /api/metrics", s.withCORS(s.handleGetCallMetrics))
	s.RegisterHTTPHandler(port, "GET /api/config", s.withCORS(s.handleGetConfig))
	s.RegisterHTTPHandler(port, "GET /api/genericables/{id}", s.withCORS(s.handleGetGenericable))
	if s.store != nil {
		s.RegisterHTTPHandler(port, "GET /api/workers", s.withCORS(s.handleGetWorkers))
	}
	if s.Conf.MetricsEnabled {
		s.RegisterHTTPHandler(port, "/metrics", s.metricsHandler())
	}
}

func (s *Service) metricsHandler() http.Handler {
	if gatherer, ok := s.registerer.(prometheus.Gatherer); ok {
		return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}

func (s *Service) handleGetFitables(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.Fitables())
}

func (s *Service) handleGetCallMetrics(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.callMetrics.GetSnapshot())
}

func (s *Service) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.Conf.Redacted())
}

func (s *Service) handleGetWorkers(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.store.Workers())
}

func (s *Service) handleGetGenericable(w http.ResponseWriter, r *http.Request) {
	genericable := identity.Genericable{ID: r.PathValue("id"), Version: r.URL.Query().Get("version")}
	instances, err := s.resolver.Lookup(r.Context(), genericable)
	if err != nil {
		status := http.StatusBadGateway
		if errspkg.KindOf(err) == errspkg.KindInvalid {
			status = http.StatusBadRequest
		}
		http.Error(w, err.Error(), status)
		return
	}
	s.writeJSON(w, instances)
}

func (s *Service) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := jsoncodec.Encode(w, v); err != nil {
		s.Logger.Error("Failed to encode response", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// withCORS sets CORS headers for allowed origins and answers preflight
// requests.
func (s *Service) withCORS(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.Conf.CORSAllowedOrigins) > 0 {
			if allowed := s.getAllowedCORSOrigin(r.Header.Get("Origin")); allowed != "" {
				w.Header().Set("Access-Control-Allow-Origin", allowed)
				w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			}
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		s.Logger.Trace("Serving inspection request", loggingpkg.LogFields{"path": r.URL.Path})
		next(w, r)
	})
}

// getAllowedCORSOrigin checks if the request origin is allowed and returns the appropriate
// Access-Control-Allow-Origin value.
func (s *Service) getAllowedCORSOrigin(requestOrigin string) string {
	for _, allowed := range s.Conf.CORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}
