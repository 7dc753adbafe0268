package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"sportloop.org/internal/activity"
	"sportloop.org/internal/audit"
)

type createActivityRequest struct {
	Title           string    `json:"title"`
	Description     string    `json:"description"`
	Location        string    `json:"location"`
	Category        string    `json:"category"`
	StartTime       time.Time `json:"start_time"`
	EndTime         time.Time `json:"end_time"`
	Price           int64     `json:"price"`
	MaxParticipants int       `json:"max_participants"`
	ImageURL        string    `json:"image_url"`
	Requirements    string    `json:"requirements"`
}

type updateActivityRequest struct {
	Title           *string    `json:"title"`
	Description     *string    `json:"description"`
	Location        *string    `json:"location"`
	Category        *string    `json:"category"`
	StartTime       *time.Time `json:"start_time"`
	EndTime         *time.Time `json:"end_time"`
	Price           *int64     `json:"price"`
	MaxParticipants *int       `json:"max_participants"`
	ImageURL        *string    `json:"image_url"`
	Requirements    *string    `json:"requirements"`
}

type activityPage struct {
	Activities []activity.Activity `json:"activities"`
	Total      int                 `json:"total"`
	Page       int                 `json:"page"`
	Limit      int                 `json:"limit"`
}

func (a *API) createActivity(w http.ResponseWriter, r *http.Request) {
	var req createActivityRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondFailure(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	act, err := a.activities.CreateActivity(r.Context(), activity.CreateActivityInput{
		Title:           req.Title,
		Description:     req.Description,
		Location:        req.Location,
		Category:        req.Category,
		StartTime:       req.StartTime,
		EndTime:         req.EndTime,
		Price:           req.Price,
		MaxParticipants: req.MaxParticipants,
		ImageURL:        req.ImageURL,
		Requirements:    req.Requirements,
	}, callerID(r))
	if err != nil {
		respondActivityError(w, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "activity.create", map[string]any{
		"activity_id": act.ID,
		"title":       act.Title,
	})
	respondData(w, http.StatusCreated, act)
}

func (a *API) listActivities(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := activity.ListFilter{
		Search:   q.Get("search"),
		Category: q.Get("category"),
		Status:   q.Get("status"),
		Page:     intQuery(q.Get("page")),
		Limit:    intQuery(q.Get("limit")),
	}
	if v := q.Get("start_date"); v != "" {
		if t, err := time.Parse("2006-01-02", v); err == nil {
			f.StartDate = t
		}
	}
	if v := q.Get("end_date"); v != "" {
		if t, err := time.Parse("2006-01-02", v); err == nil {
			// Inclusive end of day.
			f.EndDate = t.Add(24*time.Hour - time.Nanosecond)
		}
	}
	f.Normalize()

	acts, total, err := a.activities.ListActivities(r.Context(), f)
	if err != nil {
		respondActivityError(w, err)
		return
	}
	respondData(w, http.StatusOK, activityPage{
		Activities: acts,
		Total:      total,
		Page:       f.Page,
		Limit:      f.Limit,
	})
}

func (a *API) getActivity(w http.ResponseWriter, r *http.Request) {
	act, err := a.activities.GetActivity(r.Context(), trimmedParam(r, "id"))
	if err != nil {
		respondActivityError(w, err)
		return
	}
	respondData(w, http.StatusOK, act)
}

func (a *API) myActivities(w http.ResponseWriter, r *http.Request) {
	acts, err := a.activities.ListByCreator(r.Context(), callerID(r))
	if err != nil {
		respondActivityError(w, err)
		return
	}
	respondData(w, http.StatusOK, acts)
}

func (a *API) updateActivity(w http.ResponseWriter, r *http.Request) {
	var req updateActivityRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondFailure(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	act, err := a.activities.UpdateActivity(r.Context(), trimmedParam(r, "id"), activity.UpdateActivityInput{
		Title:           req.Title,
		Description:     req.Description,
		Location:        req.Location,
		Category:        req.Category,
		StartTime:       req.StartTime,
		EndTime:         req.EndTime,
		Price:           req.Price,
		MaxParticipants: req.MaxParticipants,
		ImageURL:        req.ImageURL,
		Requirements:    req.Requirements,
	}, callerID(r))
	if err != nil {
		respondActivityError(w, err)
		return
	}
	respondData(w, http.StatusOK, act)
}

func (a *API) deleteActivity(w http.ResponseWriter, r *http.Request) {
	id := trimmedParam(r, "id")
	if err := a.activities.DeleteActivity(r.Context(), id, callerID(r)); err != nil {
		respondActivityError(w, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "activity.delete", map[string]any{"activity_id": id})
	respondMessage(w, http.StatusOK, "activity deleted")
}

func (a *API) activityRegistrations(w http.ResponseWriter, r *http.Request) {
	regs, err := a.activities.ActivityRegistrations(r.Context(), trimmedParam(r, "id"))
	if err != nil {
		respondActivityError(w, err)
		return
	}
	respondData(w, http.StatusOK, regs)
}

func intQuery(v string) int {
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}
