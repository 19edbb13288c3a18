package api

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
)

const maxFileBytes = 10 << 20

func (api *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		path = "/"
	}

	files, err := api.svc.ListFiles(chi.URLParam(r, "id"), path)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, files)
}

func (api *Server) handleGetFileContent(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		badRequest(w, "missing path")
		return
	}

	content, err := api.svc.ReadFile(chi.URLParam(r, "id"), path)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write(content)
}

func (api *Server) handleSaveFileContent(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		badRequest(w, "missing path")
		return
	}

	content, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxFileBytes))
	if err != nil {
		badRequest(w, "failed to read body")
		return
	}

	if err := api.svc.WriteFile(chi.URLParam(r, "id"), path, content); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (api *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		badRequest(w, "missing path")
		return
	}

	if err := api.svc.DeleteFile(chi.URLParam(r, "id"), path); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
