package userapi

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/quillmail/gate/mailboxtree"
)

func (s *Server) handleListFolders(w http.ResponseWriter, r *http.Request) {
	client, err := s.manager.ResolveClient(r.Context(), requestToken(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	flat, err := client.ListMailboxes(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"folders": mailboxtree.Nest(flat),
	})
}

func (s *Server) handleCreateFolder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "name is required")
		return
	}

	client, err := s.manager.ResolveClient(r.Context(), requestToken(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if err := client.CreateMailbox(r.Context(), req.Name); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"name": req.Name})
}

func (s *Server) handleDeleteFolder(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	client, err := s.manager.ResolveClient(r.Context(), requestToken(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if err := client.DeleteMailbox(r.Context(), name); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRenameFolder(w http.ResponseWriter, r *http.Request) {
	oldName := mux.Vars(r)["name"]
	var req struct {
		NewName string `json:"new_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.NewName == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "new_name is required")
		return
	}

	client, err := s.manager.ResolveClient(r.Context(), requestToken(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if err := client.RenameMailbox(r.Context(), oldName, req.NewName); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"name": req.NewName})
}
