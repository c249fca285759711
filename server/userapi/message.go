package userapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
)

const defaultMessageLimit = 50

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	limit := defaultMessageLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 500 {
			writeError(w, http.StatusBadRequest, "bad_request", "limit must be between 1 and 500")
			return
		}
		limit = parsed
	}

	client, err := s.manager.ResolveClient(r.Context(), requestToken(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	messages, err := client.FetchMessages(r.Context(), name, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"mailbox":  name,
		"messages": messages,
	})
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	mailbox := vars["mailbox"]
	uid64, err := strconv.ParseUint(vars["uid"], 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "uid must be a positive integer")
		return
	}

	client, err := s.manager.ResolveClient(r.Context(), requestToken(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	message, err := client.FetchMessage(r.Context(), mailbox, uint32(uid64))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, message)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		From string   `json:"from,omitempty"`
		To   []string `json:"to"`
		Raw  string   `json:"raw"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "request body is not valid JSON")
		return
	}
	if len(req.To) == 0 || req.Raw == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "to and raw are required")
		return
	}

	sender, defaultFrom, err := s.manager.ResolveSender(r.Context(), requestToken(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	defer sender.Close()

	from := req.From
	if from == "" {
		from = defaultFrom
	}
	if err := sender.Send(r.Context(), from, req.To, []byte(req.Raw)); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}
