// Package httpapi exposes the directory and activity services over
// JSON HTTP. Every response uses the {success, message, data} envelope;
// domain rejections (full activity, duplicate registration, wrong
// lifecycle state) travel as success:false with HTTP 200, while
// transport-level problems keep their HTTP status codes.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"sportloop.org/internal/activity"
	"sportloop.org/internal/directory"
	"sportloop.org/internal/obs"
)

// ReadyProbe reports readiness, typically by pinging the database.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer over the directory and activity services.
type API struct {
	r          chi.Router
	directory  directory.Service
	activities activity.Service
	readyProbe ReadyProbe
	version    string
}

// New wires the router. Rate limiting and body-size limits are applied
// by the caller around Handler so tests can skip them.
func New(dir directory.Service, acts activity.Service, rp ReadyProbe, version string) *API {
	a := &API{
		r:          chi.NewRouter(),
		directory:  dir,
		activities: acts,
		readyProbe: rp,
		version:    version,
	}

	a.r.Use(Recoverer)
	a.r.Use(RequestID)

	a.r.Get("/healthz", a.healthz)
	a.r.Get("/readyz", a.ready)
	a.r.Handle("/metrics", obs.Handler())

	a.r.Route("/api", func(r chi.Router) {
		r.Post("/users/register", a.register)
		r.Post("/users/login", a.login)
		r.Get("/activities", a.listActivities)
		r.Get("/activities/{id}", a.getActivity)
		r.Get("/activities/{id}/comments", a.listComments)
		r.Get("/activities/{id}/comments/stats", a.ratingStats)

		r.Group(func(r chi.Router) {
			r.Use(a.requireAuth)
			r.Get("/users/profile", a.profile)
			r.Get("/users/{id}", a.getUser)
			r.Put("/users/{id}", a.updateUser)

			r.Post("/activities", a.createActivity)
			r.Get("/activities/my", a.myActivities)
			r.Put("/activities/{id}", a.updateActivity)
			r.Delete("/activities/{id}", a.deleteActivity)
			r.Get("/activities/{id}/registrations", a.activityRegistrations)

			r.Post("/registrations", a.join)
			r.Delete("/registrations/{activityId}", a.cancelRegistration)
			r.Get("/registrations/my", a.myRegistrations)

			r.Post("/orders", a.createOrder)
			r.Get("/orders/my", a.myOrders)
			r.Get("/orders/stats", a.orderStats)
			r.Post("/orders/{orderNumber}/pay", a.payOrder)
			r.Post("/orders/{orderNumber}/cancel", a.cancelOrder)
			r.Post("/orders/{orderNumber}/refund", a.refundOrder)

			r.Post("/comments", a.createComment)
			r.Delete("/comments/{id}", a.deleteComment)
		})
	})

	return a
}

// Handler returns the instrumented root handler.
func (a *API) Handler() http.Handler {
	return obs.Instrument(a.r)
}

func (a *API) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "sportloop-api",
		"version": a.version,
	})
}

func (a *API) ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// --- envelope helpers ---

type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func respondData(w http.ResponseWriter, code int, data any) {
	writeJSON(w, code, envelope{Success: true, Data: data})
}

func respondMessage(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, envelope{Success: true, Message: message})
}

func respondFailure(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, envelope{Success: false, Message: message})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	defer func() {
		_, _ = io.Copy(io.Discard, r.Body)
	}()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// respondActivityError maps domain errors from the activity service.
// Every business rejection — missing record, wrong owner, full
// activity, duplicate, bad lifecycle state — stays HTTP 200 with
// success:false so clients read one envelope shape for every outcome.
// Only malformed input (422) and internal failures keep their codes.
func respondActivityError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, activity.ErrInvalidInput):
		respondFailure(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, activity.ErrNotFound),
		errors.Is(err, activity.ErrForbidden),
		errors.Is(err, activity.ErrCapacity),
		errors.Is(err, activity.ErrDuplicate),
		errors.Is(err, activity.ErrInvalidState):
		respondFailure(w, http.StatusOK, err.Error())
	default:
		respondFailure(w, http.StatusInternalServerError, "internal error")
	}
}

func respondDirectoryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, directory.ErrInvalidInput):
		respondFailure(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, directory.ErrNotFound),
		errors.Is(err, directory.ErrDuplicateUsername),
		errors.Is(err, directory.ErrDuplicateEmail),
		errors.Is(err, directory.ErrInvalidCredentials):
		respondFailure(w, http.StatusOK, err.Error())
	default:
		respondFailure(w, http.StatusInternalServerError, "internal error")
	}
}

func trimmedParam(r *http.Request, name string) string {
	return strings.TrimSpace(chi.URLParam(r, name))
}
