package httpapi

import (
	"errors"
	"net/http"

	"sportloop.org/internal/activity"
	"sportloop.org/internal/audit"
	"sportloop.org/internal/obs"
)

type joinRequest struct {
	ActivityID string `json:"activity_id"`
	Notes      string `json:"notes"`
}

func (a *API) join(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondFailure(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if req.ActivityID == "" {
		respondFailure(w, http.StatusUnprocessableEntity, "activity_id is required")
		return
	}
	reg, err := a.activities.Join(r.Context(), callerID(r), req.ActivityID, req.Notes)
	if err != nil {
		if errors.Is(err, activity.ErrCapacity) {
			obs.CapacityRejected("join")
		}
		respondActivityError(w, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "activity.join", map[string]any{
		"activity_id":     req.ActivityID,
		"registration_id": reg.ID,
	})
	respondData(w, http.StatusCreated, reg)
}

func (a *API) cancelRegistration(w http.ResponseWriter, r *http.Request) {
	activityID := trimmedParam(r, "activityId")
	if err := a.activities.CancelRegistration(r.Context(), callerID(r), activityID); err != nil {
		respondActivityError(w, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "activity.leave", map[string]any{
		"activity_id": activityID,
	})
	respondMessage(w, http.StatusOK, "registration cancelled")
}

func (a *API) myRegistrations(w http.ResponseWriter, r *http.Request) {
	regs, err := a.activities.ListUserRegistrations(r.Context(), callerID(r))
	if err != nil {
		respondActivityError(w, err)
		return
	}
	respondData(w, http.StatusOK, regs)
}
