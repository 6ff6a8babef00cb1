package backend

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cloudrigs/goworker/internal/handlers"
	"github.com/cloudrigs/goworker/internal/metrics"
)

// Route binds one inbound path to an endpoint adapter. The inbound path may
// differ from the adapter's model-server endpoint.
type Route struct {
	Path    string
	Handler handlers.EndpointHandler
}

// RouterOptions selects the optional surfaces of the HTTP API.
type RouterOptions struct {
	// Healthcheck forwards GET /healthcheck to the model server.
	Healthcheck bool
}

// Router builds the worker's HTTP API: the adapted inference routes plus
// GET /ping, GET /metrics, and optionally the forwarded healthcheck.
func (e *Engine) Router(routes []Route, prom *metrics.Registry, log *slog.Logger, opts RouterOptions) chi.Router {
	if log == nil {
		log = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(recovery(log))
	r.Use(observe(prom))

	for _, route := range routes {
		r.Post(route.Path, e.Handle(route.Handler))
	}

	r.Get("/ping", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("pong"))
	})
	if prom != nil {
		r.Get("/metrics", prom.Handler().ServeHTTP)
	}
	if opts.Healthcheck {
		r.Get("/healthcheck", e.HealthcheckHandler())
	}

	return r
}
