package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/syncwell/recordsync/internal/api"
	"github.com/syncwell/recordsync/internal/common"
	"github.com/syncwell/recordsync/internal/relay/metrics"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, api.ErrorResponse{Error: msg})
}

// writeServiceError maps service sentinels onto HTTP statuses. Anything
// unmapped is an internal error and the detail stays out of the response.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, common.ErrorNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, common.ErrorUnauthorized),
		errors.Is(err, common.ErrInvalidToken),
		errors.Is(err, common.ErrTokenExpired),
		errors.Is(err, common.ErrRefreshTokenExpired):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, common.ErrAuthorizationDenied):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, common.ErrInvalidDelta), errors.Is(err, common.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return false
	}
	return true
}

// account returns the account id the auth middleware stored. The protected
// route group guarantees it is present; the fallback 401 covers handlers
// wired outside that group by mistake.
func (s *Server) account(w http.ResponseWriter, r *http.Request) (string, bool) {
	accountID, ok := AccountFrom(r.Context())
	if !ok || accountID == "" {
		writeError(w, http.StatusUnauthorized, "no account")
		return "", false
	}
	return accountID, true
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req api.RegisterRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Username == "" || len(req.Salt) == 0 || len(req.Verifier) == 0 {
		writeError(w, http.StatusBadRequest, "username, salt and verifier are required")
		return
	}
	if _, err := s.accounts.Register(r.Context(), req.Username, req.Salt, req.Verifier); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleSalt(w http.ResponseWriter, r *http.Request) {
	var req api.SaltRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	salt, err := s.accounts.GetSalt(r.Context(), req.Username)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.SaltResponse{Salt: salt})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req api.LoginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	pair, err := s.accounts.Login(r.Context(), req.Username, req.Verifier)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.TokenPair{AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req api.RefreshRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	pair, err := s.accounts.RefreshToken(r.Context(), req.RefreshToken)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.TokenPair{AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken})
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	accountID, ok := s.account(w, r)
	if !ok {
		return
	}
	var req api.PushRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	resp, err := s.sync.Push(r.Context(), accountID, req.Deltas)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	for _, res := range resp.Results {
		switch {
		case res.Duplicate:
			metrics.DeltasPushedTotal.WithLabelValues("duplicate").Inc()
		case res.Accepted:
			metrics.DeltasPushedTotal.WithLabelValues("accepted").Inc()
		default:
			metrics.DeltasPushedTotal.WithLabelValues("rejected").Inc()
		}
	}
	for i := range req.Deltas {
		if n := len(req.Deltas[i].Ciphertext); n > 0 {
			metrics.DeltaCiphertextBytes.WithLabelValues().Observe(float64(n))
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	accountID, ok := s.account(w, r)
	if !ok {
		return
	}
	var req api.PullRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	resp, err := s.sync.Pull(r.Context(), accountID, &req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if n := len(resp.Deltas); n > 0 {
		metrics.DeltasServedTotal.WithLabelValues("http").Add(float64(n))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleBlobUploadURL(w http.ResponseWriter, r *http.Request) {
	accountID, ok := s.account(w, r)
	if !ok {
		return
	}
	key, url, err := s.blobs.UploadURL(r.Context(), accountID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.BlobUploadURLResponse{BlobKey: key, URL: url})
}

func (s *Server) handleBlobDownloadURL(w http.ResponseWriter, r *http.Request) {
	accountID, ok := s.account(w, r)
	if !ok {
		return
	}
	var req api.BlobDownloadURLRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	url, err := s.blobs.DownloadURL(r.Context(), accountID, req.BlobKey)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.BlobDownloadURLResponse{URL: url})
}

func (s *Server) handleCreateGrant(w http.ResponseWriter, r *http.Request) {
	accountID, ok := s.account(w, r)
	if !ok {
		return
	}
	var req api.CreateGrantRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	grant, err := s.grants.Create(r.Context(), accountID, &req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, grant)
}

func (s *Server) handleListGrants(w http.ResponseWriter, r *http.Request) {
	accountID, ok := s.account(w, r)
	if !ok {
		return
	}
	resp, err := s.grants.List(r.Context(), accountID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAcceptGrant(w http.ResponseWriter, r *http.Request) {
	accountID, ok := s.account(w, r)
	if !ok {
		return
	}
	var req api.AcceptGrantRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	grantID := chi.URLParam(r, "grantID")
	if err := s.grants.Accept(r.Context(), accountID, grantID, req.DevicePublicKey); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUploadGrantKey(w http.ResponseWriter, r *http.Request) {
	accountID, ok := s.account(w, r)
	if !ok {
		return
	}
	var req api.GrantKey
	if !decodeJSON(w, r, &req) {
		return
	}
	grantID := chi.URLParam(r, "grantID")
	if err := s.grants.UploadKey(r.Context(), accountID, grantID, &req); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetGrantKey(w http.ResponseWriter, r *http.Request) {
	accountID, ok := s.account(w, r)
	if !ok {
		return
	}
	grantID := chi.URLParam(r, "grantID")
	key, err := s.grants.GetKey(r.Context(), accountID, grantID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, key)
}

func (s *Server) handleRevokeGrant(w http.ResponseWriter, r *http.Request) {
	accountID, ok := s.account(w, r)
	if !ok {
		return
	}
	grantID := chi.URLParam(r, "grantID")
	if err := s.grants.Revoke(r.Context(), accountID, grantID); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
