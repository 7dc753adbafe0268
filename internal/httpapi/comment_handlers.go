package httpapi

import (
	"net/http"
)

type createCommentRequest struct {
	ActivityID string `json:"activity_id"`
	Content    string `json:"content"`
	Rating     int    `json:"rating"`
}

func (a *API) createComment(w http.ResponseWriter, r *http.Request) {
	var req createCommentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondFailure(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if req.ActivityID == "" {
		respondFailure(w, http.StatusUnprocessableEntity, "activity_id is required")
		return
	}
	c, err := a.activities.CreateComment(r.Context(), callerID(r), req.ActivityID, req.Content, req.Rating)
	if err != nil {
		respondActivityError(w, err)
		return
	}
	respondData(w, http.StatusCreated, c)
}

func (a *API) listComments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := a.activities.ListComments(r.Context(), trimmedParam(r, "id"),
		intQuery(q.Get("page")), intQuery(q.Get("limit")))
	if err != nil {
		respondActivityError(w, err)
		return
	}
	respondData(w, http.StatusOK, page)
}

func (a *API) ratingStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.activities.RatingStats(r.Context(), trimmedParam(r, "id"))
	if err != nil {
		respondActivityError(w, err)
		return
	}
	respondData(w, http.StatusOK, stats)
}

func (a *API) deleteComment(w http.ResponseWriter, r *http.Request) {
	if err := a.activities.DeleteComment(r.Context(), trimmedParam(r, "id"), callerID(r)); err != nil {
		respondActivityError(w, err)
		return
	}
	respondMessage(w, http.StatusOK, "comment deleted")
}
