package httpapi

import (
	"errors"
	"net/http"

	"sportloop.org/internal/activity"
	"sportloop.org/internal/audit"
	"sportloop.org/internal/obs"
)

type createOrderRequest struct {
	ActivityID string `json:"activity_id"`
	Notes      string `json:"notes"`
}

func (a *API) createOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondFailure(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if req.ActivityID == "" {
		respondFailure(w, http.StatusUnprocessableEntity, "activity_id is required")
		return
	}
	o, err := a.activities.CreateOrder(r.Context(), callerID(r), req.ActivityID, req.Notes)
	if err != nil {
		respondActivityError(w, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "order.create", map[string]any{
		"order_number": o.OrderNumber,
		"activity_id":  o.ActivityID,
		"amount":       o.Amount,
	})
	respondData(w, http.StatusCreated, o)
}

func (a *API) myOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := a.activities.ListUserOrders(r.Context(), callerID(r), r.URL.Query().Get("status"))
	if err != nil {
		respondActivityError(w, err)
		return
	}
	respondData(w, http.StatusOK, orders)
}

func (a *API) orderStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.activities.OrderStats(r.Context(), callerID(r))
	if err != nil {
		respondActivityError(w, err)
		return
	}
	respondData(w, http.StatusOK, stats)
}

func (a *API) payOrder(w http.ResponseWriter, r *http.Request) {
	orderNumber := trimmedParam(r, "orderNumber")
	o, err := a.activities.PayOrder(r.Context(), orderNumber, callerID(r))
	if err != nil {
		if errors.Is(err, activity.ErrCapacity) {
			obs.CapacityRejected("pay")
		}
		respondActivityError(w, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "order.pay", map[string]any{
		"order_number": o.OrderNumber,
		"activity_id":  o.ActivityID,
		"amount":       o.Amount,
	})
	respondData(w, http.StatusOK, o)
}

func (a *API) cancelOrder(w http.ResponseWriter, r *http.Request) {
	o, err := a.activities.CancelOrder(r.Context(), trimmedParam(r, "orderNumber"), callerID(r))
	if err != nil {
		respondActivityError(w, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "order.cancel", map[string]any{
		"order_number": o.OrderNumber,
		"status":       o.Status,
	})
	respondData(w, http.StatusOK, o)
}

func (a *API) refundOrder(w http.ResponseWriter, r *http.Request) {
	o, err := a.activities.RefundOrder(r.Context(), trimmedParam(r, "orderNumber"), callerID(r))
	if err != nil {
		respondActivityError(w, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "order.refund", map[string]any{
		"order_number": o.OrderNumber,
		"amount":       o.Amount,
	})
	respondData(w, http.StatusOK, o)
}
