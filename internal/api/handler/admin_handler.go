package handler

import (
	"net/http"

	"go.uber.org/zap"

	apimw "github.com/notifyhub/web-push-notification/internal/api/middleware"
	"github.com/notifyhub/web-push-notification/internal/domain"
	"github.com/notifyhub/web-push-notification/internal/service"
)

// AdminHandler serves the operator endpoints: test sends, the content hook,
// settings and queue inspection.
type AdminHandler struct {
	svc    *service.PushService
	logger *zap.Logger
}

func NewAdminHandler(svc *service.PushService, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{svc: svc, logger: logger}
}

// TestNotification handles POST /api/v1/admin/test-notification
//
// @Summary  Send a notification to every subscriber and wait for delivery
// @Tags     admin
// @Accept   json
// @Produce  json
// @Param    body  body      domain.TestNotificationRequest  true  "Notification"
// @Success  200   {object}  service.TestSendReport
// @Failure  422   {object}  map[string]string
// @Failure  503   {object}  map[string]string
// @Router   /api/v1/admin/test-notification [post]
func (h *AdminHandler) TestNotification(w http.ResponseWriter, r *http.Request) {
	var req domain.TestNotificationRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	report, err := h.svc.TestSend(r.Context(), req)
	if err != nil {
		h.logger.Warn("test notification failed",
			zap.String("correlation_id", apimw.GetCorrelationID(r.Context())),
			zap.Error(err),
		)
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

// ContentPublished handles POST /api/v1/content/published
//
// @Summary  Fan a published piece of content out to every subscriber
// @Tags     admin
// @Accept   json
// @Produce  json
// @Param    body  body      domain.ContentEvent    true  "Published content"
// @Success  202   {object}  service.PublishResult
// @Failure  422   {object}  map[string]string
// @Failure  503   {object}  map[string]string
// @Router   /api/v1/content/published [post]
func (h *AdminHandler) ContentPublished(w http.ResponseWriter, r *http.Request) {
	var ev domain.ContentEvent
	if !decodeJSON(w, r, &ev) {
		return
	}

	res, err := h.svc.PublishContent(r.Context(), ev)
	if err != nil {
		h.logger.Warn("content publish failed",
			zap.String("correlation_id", apimw.GetCorrelationID(r.Context())),
			zap.Int("entries", res.Entries),
			zap.Error(err),
		)
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, res)
}

// GetSettings handles GET /api/v1/admin/settings
func (h *AdminHandler) GetSettings(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.svc.Settings())
}

// UpdateSettings handles PUT /api/v1/admin/settings
//
// @Summary  Replace the editable push settings
// @Tags     admin
// @Accept   json
// @Produce  json
// @Param    body  body      settings.Settings  true  "Settings; key fields are ignored"
// @Success  200   {object}  settings.Settings
// @Failure  422   {object}  map[string]string
// @Router   /api/v1/admin/settings [put]
func (h *AdminHandler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	next := h.svc.Settings()
	if !decodeJSON(w, r, &next) {
		return
	}
	saved, err := h.svc.UpdateSettings(next)
	if err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, saved)
}

// RegenerateKeys handles POST /api/v1/admin/settings/keys
//
// @Summary  Generate a new VAPID key pair
// @Tags     admin
// @Produce  json
// @Success  200  {object}  map[string]string
// @Router   /api/v1/admin/settings/keys [post]
func (h *AdminHandler) RegenerateKeys(w http.ResponseWriter, r *http.Request) {
	key, err := h.svc.RegenerateKeys()
	if err != nil {
		h.logger.Error("regenerate vapid keys", zap.Error(err))
		mapError(w, err)
		return
	}
	h.logger.Warn("vapid keys regenerated, existing subscriptions must resubscribe",
		zap.String("correlation_id", apimw.GetCorrelationID(r.Context())),
	)
	respondJSON(w, http.StatusOK, map[string]string{"public_key": key})
}

// Queue handles GET /api/v1/admin/queue
//
// @Summary  Delivery queue depth and subscriber count
// @Tags     admin
// @Produce  json
// @Success  200  {object}  map[string]any
// @Router   /api/v1/admin/queue [get]
func (h *AdminHandler) Queue(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.QueueStats(r.Context())
	if err != nil {
		h.logger.Error("queue stats", zap.Error(err))
		mapError(w, err)
		return
	}
	subs, err := h.svc.CountSubscriptions(r.Context())
	if err != nil {
		h.logger.Error("count subscriptions", zap.Error(err))
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"queue":         stats,
		"subscriptions": subs,
	})
}
