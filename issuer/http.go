package issuer

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/MrEthical07/goAuthSync/middleware"
	"github.com/MrEthical07/goAuthSync/refresh"
)

const maxRequestBytes = 16 << 10

type loginRequest struct {
	Subject string `json:"subject"`
}

type meResponse struct {
	Subject string `json:"subject"`
	Family  string `json:"family"`
}

// Routes returns the issuer's HTTP surface:
//
//	POST /auth/login   {"subject"}            -> token pair
//	POST /auth/refresh {"refreshCredential"}  -> token pair | 401 | 429 | 503
//	POST /auth/logout  {"refreshCredential"}  -> 204
//	GET  /api/me       (bearer access token)  -> subject of the token
func (i *Issuer) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/auth/login", i.handleLogin)
	r.Post("/auth/refresh", i.handleRefresh)
	r.Post("/auth/logout", i.handleLogout)
	r.With(middleware.RequireAccess(i.tokens)).Get("/api/me", handleMe)
	return r
}

func (i *Issuer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeBody(w, r, &req) {
		return
	}
	pair, err := i.Login(r.Context(), req.Subject)
	if err != nil {
		i.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (i *Issuer) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refresh.Request
	if !decodeBody(w, r, &req) {
		return
	}
	pair, err := i.Refresh(r.Context(), req.RefreshCredential)
	if err != nil {
		i.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (i *Issuer) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req refresh.Request
	if !decodeBody(w, r, &req) {
		return
	}
	if err := i.Logout(r.Context(), req.RefreshCredential); err != nil {
		i.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func handleMe(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, meResponse{Subject: claims.Subject, Family: claims.FID})
}

func (i *Issuer) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidCredential), errors.Is(err, ErrCredentialReused):
		http.Error(w, "invalid refresh credential", http.StatusUnauthorized)
	case errors.Is(err, ErrSubjectRequired):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrRateLimited):
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	case errors.Is(err, ErrUnavailable):
		i.logger.Error("store.unavailable", "err", err)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	default:
		i.logger.Error("request.fail", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(dst); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
