package userapi

import (
	"encoding/json"
	"net/http"

	"github.com/quillmail/gate/helpers"
	"github.com/quillmail/gate/logger"
	"github.com/quillmail/gate/session"
)

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req session.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "request body is not valid JSON")
		return
	}

	pair, err := s.manager.Login(r.Context(), &req)
	if err != nil {
		logger.Info("Login failed",
			"username", req.IncomingUsername,
			"password", helpers.MaskSecret(req.IncomingPassword),
			"error", err)
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "token_invalid", "missing bearer refresh token")
		return
	}

	pair, err := s.manager.Refresh(r.Context(), token)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}
