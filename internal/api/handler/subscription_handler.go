package handler

import (
	"net/http"

	"go.uber.org/zap"

	apimw "github.com/notifyhub/web-push-notification/internal/api/middleware"
	"github.com/notifyhub/web-push-notification/internal/domain"
	"github.com/notifyhub/web-push-notification/internal/service"
)

// SubscriptionHandler serves the browser-facing endpoints.
type SubscriptionHandler struct {
	svc    *service.PushService
	logger *zap.Logger
}

func NewSubscriptionHandler(svc *service.PushService, logger *zap.Logger) *SubscriptionHandler {
	return &SubscriptionHandler{svc: svc, logger: logger}
}

// PublicKey handles GET /api/v1/push/public-key
//
// @Summary  VAPID application server key
// @Tags     push
// @Produce  json
// @Success  200  {object}  map[string]string
// @Failure  503  {object}  map[string]string
// @Router   /api/v1/push/public-key [get]
func (h *SubscriptionHandler) PublicKey(w http.ResponseWriter, r *http.Request) {
	key, err := h.svc.PublicKey()
	if err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"public_key": key})
}

// Subscribe handles POST /api/v1/subscriptions
//
// @Summary  Store a browser push subscription
// @Tags     push
// @Accept   json
// @Produce  json
// @Param    body  body      domain.SubscribeRequest  true  "PushSubscription JSON"
// @Success  201   {object}  domain.Subscription
// @Success  200   {object}  domain.Subscription      "Already subscribed"
// @Failure  409   {object}  map[string]string
// @Failure  422   {object}  map[string]string
// @Router   /api/v1/subscriptions [post]
func (h *SubscriptionHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	var req domain.SubscribeRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	sub, created, err := h.svc.Subscribe(r.Context(), req)
	if err != nil {
		h.logger.Warn("subscribe failed",
			zap.String("correlation_id", apimw.GetCorrelationID(r.Context())),
			zap.Error(err),
		)
		mapError(w, err)
		return
	}

	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	respondJSON(w, status, sub)
}

type unsubscribeRequest struct {
	Endpoint string `json:"endpoint"`
}

// Unsubscribe handles DELETE /api/v1/subscriptions
//
// @Summary  Remove a browser push subscription
// @Tags     push
// @Accept   json
// @Param    body  body  unsubscribeRequest  true  "Endpoint to remove"
// @Success  204
// @Failure  404  {object}  map[string]string
// @Router   /api/v1/subscriptions [delete]
func (h *SubscriptionHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	var req unsubscribeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.svc.Unsubscribe(r.Context(), req.Endpoint); err != nil {
		mapError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
