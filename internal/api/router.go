package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/notifyhub/web-push-notification/internal/api/handler"
	apimw "github.com/notifyhub/web-push-notification/internal/api/middleware"
	"github.com/notifyhub/web-push-notification/internal/service"
)

// NewRouter wires the chi router, attaches all middleware, and registers
// every route. It is the single source of truth for the HTTP surface area.
func NewRouter(
	svc *service.PushService,
	reg prometheus.Gatherer,
	adminToken string,
	logger *zap.Logger,
) http.Handler {
	r := chi.NewRouter()

	// --- global middleware (applied to every route) ---
	r.Use(chimw.Recoverer)          // recover panics, return 500
	r.Use(chimw.RealIP)             // trust X-Forwarded-For / X-Real-IP
	r.Use(chimw.RequestSize(1<<20)) // 1 MB max request body
	r.Use(apimw.CorrelationID)      // X-Correlation-ID inject / echo
	r.Use(apimw.RequestLogger(logger))

	// --- handler instances ---
	sh := handler.NewSubscriptionHandler(svc, logger)
	ah := handler.NewAdminHandler(svc, logger)
	hh := handler.NewHealthHandler()

	// --- routes ---
	r.Get("/health", hh.Health)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Get("/service-worker.js", handler.ServiceWorker)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/push/public-key", sh.PublicKey)
		r.Post("/subscriptions", sh.Subscribe)
		r.Delete("/subscriptions", sh.Unsubscribe)

		r.Group(func(r chi.Router) {
			r.Use(apimw.AdminToken(adminToken))

			r.Post("/content/published", ah.ContentPublished)
			r.Route("/admin", func(r chi.Router) {
				r.Post("/test-notification", ah.TestNotification)
				r.Get("/settings", ah.GetSettings)
				r.Put("/settings", ah.UpdateSettings)
				r.Post("/settings/keys", ah.RegenerateKeys)
				r.Get("/queue", ah.Queue)
			})
		})
	})

	return r
}
