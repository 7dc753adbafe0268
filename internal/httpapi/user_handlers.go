package httpapi

import (
	"net/http"

	"sportloop.org/internal/audit"
	"sportloop.org/internal/auth"
	"sportloop.org/internal/directory"
)

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Phone    string `json:"phone"`
	RealName string `json:"real_name"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string         `json:"token"`
	User  directory.User `json:"user"`
}

type updateUserRequest struct {
	Email    *string `json:"email"`
	Phone    *string `json:"phone"`
	RealName *string `json:"real_name"`
}

func (a *API) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondFailure(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	u, err := a.directory.Register(r.Context(), directory.RegisterInput{
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
		Phone:    req.Phone,
		RealName: req.RealName,
	})
	if err != nil {
		respondDirectoryError(w, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "user.register", map[string]any{
		"user_id":  u.ID,
		"username": u.Username,
	})
	respondData(w, http.StatusCreated, u)
}

func (a *API) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondFailure(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	u, err := a.directory.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		respondDirectoryError(w, err)
		return
	}
	token, err := auth.GenerateToken(u.ID, u.Username, tokenTTL)
	if err != nil {
		respondFailure(w, http.StatusInternalServerError, "token generation failed")
		return
	}
	_ = audit.LogEvent(r.Context(), "user.login", map[string]any{
		"user_id":  u.ID,
		"username": u.Username,
	})
	respondData(w, http.StatusOK, loginResponse{Token: token, User: u})
}

func (a *API) profile(w http.ResponseWriter, r *http.Request) {
	u, err := a.directory.Get(r.Context(), callerID(r))
	if err != nil {
		respondDirectoryError(w, err)
		return
	}
	respondData(w, http.StatusOK, u)
}

func (a *API) getUser(w http.ResponseWriter, r *http.Request) {
	u, err := a.directory.Get(r.Context(), trimmedParam(r, "id"))
	if err != nil {
		respondDirectoryError(w, err)
		return
	}
	respondData(w, http.StatusOK, u)
}

func (a *API) updateUser(w http.ResponseWriter, r *http.Request) {
	id := trimmedParam(r, "id")
	if id != callerID(r) {
		respondFailure(w, http.StatusOK, "can only update your own profile")
		return
	}
	var req updateUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondFailure(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	u, err := a.directory.Update(r.Context(), id, directory.UpdateInput{
		Email:    req.Email,
		Phone:    req.Phone,
		RealName: req.RealName,
	})
	if err != nil {
		respondDirectoryError(w, err)
		return
	}
	respondData(w, http.StatusOK, u)
}
