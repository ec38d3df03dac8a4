package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hanko-field/paypal-express/internal/platform/httpx"
)

const (
	defaultAPIPrefix  = "/api/v1"
	requestTimeout    = 45 * time.Second
	errorNotFoundCode = "route_not_found"
)

// RouteRegistrar mounts endpoints on a route group.
type RouteRegistrar func(r chi.Router)

type middlewareChain []func(http.Handler) http.Handler

func (c middlewareChain) apply(r chi.Router) {
	for _, mw := range c {
		if mw != nil {
			r.Use(mw)
		}
	}
}

// group is one mounted area of the API. Areas without a registrar answer 501.
type group struct {
	path        string
	registrar   RouteRegistrar
	middlewares middlewareChain
}

type routerConfig struct {
	global   middlewareChain
	health   *HealthHandlers
	checkout group
	webhooks group
	internal group
}

// Option configures NewRouter.
type Option func(*routerConfig)

// NewRouter builds the gateway router:
//
//	/healthz, /readyz                    probes
//	/api/v1/checkout/...                 buyer redirects, public
//	/api/v1/webhooks/...                 PayPal IPN, public
//	/api/v1/internal/...                 operator payment actions
func NewRouter(opts ...Option) chi.Router {
	cfg := routerConfig{
		global: middlewareChain{
			middleware.RequestID,
			middleware.RealIP,
			middleware.Timeout(requestTimeout),
		},
		checkout: group{path: "/checkout"},
		webhooks: group{path: "/webhooks"},
		internal: group{path: "/internal"},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	health := cfg.health
	if health == nil {
		health = NewHealthHandlers()
	}

	r := chi.NewRouter()
	cfg.global.apply(r)
	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError(errorNotFoundCode, "no route for "+req.URL.Path, http.StatusNotFound))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("method_not_allowed", req.Method+" is not allowed on "+req.URL.Path, http.StatusMethodNotAllowed))
	})

	r.Get("/healthz", health.Healthz)
	r.Get("/readyz", health.Readyz)

	r.Route(defaultAPIPrefix, func(api chi.Router) {
		for _, g := range []group{cfg.checkout, cfg.webhooks, cfg.internal} {
			g := g
			api.Route(g.path, func(sub chi.Router) {
				g.middlewares.apply(sub)
				if g.registrar == nil {
					notImplemented(sub)
					return
				}
				g.registrar(sub)
			})
		}
	})
	return r
}

// WithMiddlewares appends router wide middleware after the request id, real ip and timeout defaults.
func WithMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) { cfg.global = append(cfg.global, mw...) }
}

// WithHealthHandlers replaces the default probe handlers.
func WithHealthHandlers(h *HealthHandlers) Option {
	return func(cfg *routerConfig) { cfg.health = h }
}

// WithCheckoutRoutes mounts the buyer facing PayPal redirect endpoints.
func WithCheckoutRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) { cfg.checkout.registrar = reg }
}

// WithWebhookRoutes mounts the notification listener.
func WithWebhookRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) { cfg.webhooks.registrar = reg }
}

// WithWebhookMiddlewares adds middleware scoped to /webhooks.
func WithWebhookMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) { cfg.webhooks.middlewares = append(cfg.webhooks.middlewares, mw...) }
}

// WithInternalRoutes mounts the operator payment endpoints.
func WithInternalRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) { cfg.internal.registrar = reg }
}

// WithInternalMiddlewares adds middleware scoped to /internal, typically OIDC and idempotency keys.
func WithInternalMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) { cfg.internal.middlewares = append(cfg.internal.middlewares, mw...) }
}

func notImplemented(r chi.Router) {
	handler := func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("not_implemented", req.URL.Path+" is not served by this deployment", http.StatusNotImplemented))
	}
	r.HandleFunc("/*", handler)
	r.NotFound(handler)
}

func writeJSONResponse(w http.ResponseWriter, status int, payload any) {
	httpx.WriteJSON(w, status, payload)
}
