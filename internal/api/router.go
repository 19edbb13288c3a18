// Package api exposes the manager over HTTP and websockets.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"hostvisor/internal/domain"
	"hostvisor/internal/server"
	"hostvisor/internal/template"
	"hostvisor/internal/ws"
)

// progressLinger keeps a finished progress stream open long enough for
// late subscribers to read the final events.
const progressLinger = 5 * time.Second

const maxBodyBytes = 1 << 20

// Service is the part of server.Manager the API needs.
type Service interface {
	Templates() []template.ServerTemplate
	Template(id string) (template.ServerTemplate, error)

	Create(ctx context.Context, req server.CreateRequest, progress chan<- domain.ProgressEvent) (*domain.Instance, error)
	Get(id string) (domain.Instance, error)
	List() []domain.Instance
	Update(id string, req server.UpdateRequest) (domain.Instance, error)
	Delete(id string) error

	Start(id string) error
	Stop(id string, force bool) error
	Restart(id string) error
	SendCommand(id, line string) error

	CreateBackup(ctx context.Context, instanceID, name string, progress chan<- domain.ProgressEvent) (*domain.BackupRecord, error)
	ListBackups(instanceID string) ([]domain.BackupRecord, error)
	GetBackup(id string) (*domain.BackupRecord, error)
	DeleteBackup(id string) error
	RestoreBackup(ctx context.Context, backupID, instanceID string) error

	ListFiles(instanceID, path string) ([]server.FileEntry, error)
	ReadFile(instanceID, path string) ([]byte, error)
	WriteFile(instanceID, path string, content []byte) error
	DeleteFile(instanceID, path string) error

	GetPortRange() (int, int, error)
	SetPortRange(start, end int) error
}

type Server struct {
	svc      Service
	hubs     *ws.HubManager
	gatherer prometheus.Gatherer
	log      zerolog.Logger
}

// NewServer builds the API. gatherer serves /metrics; nil uses the default
// registry.
func NewServer(svc Service, hubs *ws.HubManager, gatherer prometheus.Gatherer, log zerolog.Logger) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		svc:      svc,
		hubs:     hubs,
		gatherer: gatherer,
		log:      log,
	}
}

func (api *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(api.log))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(api.gatherer, promhttp.HandlerOpts{}))

	r.Get("/templates", api.handleListTemplates)
	r.Get("/templates/{id}", api.handleGetTemplate)

	r.Route("/servers", func(r chi.Router) {
		r.Get("/", api.handleListServers)
		r.Post("/", api.handleCreateServer)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", api.handleGetServer)
			r.Patch("/", api.handleUpdateServer)
			r.Delete("/", api.handleDeleteServer)

			r.Post("/start", api.handleStartServer)
			r.Post("/stop", api.handleStopServer)
			r.Post("/restart", api.handleRestartServer)
			r.Post("/command", api.handleCommand)

			r.Get("/backups", api.handleListBackupsByServer)
			r.Post("/backups", api.handleBackupServer)
			r.Post("/restore", api.handleRestoreBackup)

			r.Get("/files", api.handleListFiles)
			r.Delete("/files", api.handleDeleteFile)
			r.Get("/files/content", api.handleGetFileContent)
			r.Put("/files/content", api.handleSaveFileContent)
		})
	})

	r.Get("/backups", api.handleListAllBackups)
	r.Get("/backups/{id}", api.handleGetBackup)
	r.Delete("/backups/{id}", api.handleDeleteBackup)

	r.Get("/settings/port-range", api.handleGetPortRange)
	r.Put("/settings/port-range", api.handleSetPortRange)

	r.Get("/ws/servers/{id}/console", api.handleConsole)
	r.Get("/ws/events", api.hubs.ServeEvents)
	r.Get("/ws/progress/{requestId}", api.handleProgress)

	return r
}

// Start serves the API on listenAddr until ctx is cancelled, then shuts the
// listener down gracefully.
func (api *Server) Start(ctx context.Context, listenAddr string) error {
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		api.log.Info().Str("addr", listenAddr).Msg("API listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func decode(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	return json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
}

// progressChannel relays events to the progress hub for requestID until the
// returned func is called. An empty requestID disables progress.
func (api *Server) progressChannel(requestID string) (chan<- domain.ProgressEvent, func()) {
	if requestID == "" {
		return nil, func() {}
	}
	ch := make(chan domain.ProgressEvent, 64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ch {
			api.hubs.PublishProgress(requestID, ev)
		}
	}()
	return ch, func() {
		close(ch)
		<-done
		time.AfterFunc(progressLinger, func() { api.hubs.RemoveProgressHub(requestID) })
	}
}

func (api *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, api.svc.Templates())
}

func (api *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	tmpl, err := api.svc.Template(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tmpl)
}

func (api *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, api.svc.List())
}

type createServerRequest struct {
	server.CreateRequest
	RequestID string `json:"requestId,omitempty"`
}

func (api *Server) handleCreateServer(w http.ResponseWriter, r *http.Request) {
	var req createServerRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, "invalid JSON")
		return
	}
	if req.TemplateID == "" {
		badRequest(w, "templateId is required")
		return
	}

	progress, finish := api.progressChannel(req.RequestID)
	inst, err := api.svc.Create(r.Context(), req.CreateRequest, progress)
	finish()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, inst)
}

func (api *Server) handleGetServer(w http.ResponseWriter, r *http.Request) {
	inst, err := api.svc.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (api *Server) handleUpdateServer(w http.ResponseWriter, r *http.Request) {
	var req server.UpdateRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, "invalid JSON")
		return
	}
	inst, err := api.svc.Update(chi.URLParam(r, "id"), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (api *Server) handleDeleteServer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := api.svc.Delete(id); err != nil {
		writeError(w, err)
		return
	}
	api.hubs.RemoveHub(id)
	w.WriteHeader(http.StatusNoContent)
}

func (api *Server) handleStartServer(w http.ResponseWriter, r *http.Request) {
	if err := api.svc.Start(chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "starting"})
}

func (api *Server) handleStopServer(w http.ResponseWriter, r *http.Request) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	if err := api.svc.Stop(chi.URLParam(r, "id"), force); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (api *Server) handleRestartServer(w http.ResponseWriter, r *http.Request) {
	if err := api.svc.Restart(chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "starting"})
}

func (api *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Command string `json:"command"`
	}
	if err := decode(r, &req); err != nil || req.Command == "" {
		badRequest(w, "command is required")
		return
	}
	if err := api.svc.SendCommand(chi.URLParam(r, "id"), req.Command); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (api *Server) handleBackupServer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name      string `json:"name,omitempty"`
		RequestID string `json:"requestId,omitempty"`
	}
	if err := decode(r, &req); err != nil {
		badRequest(w, "invalid JSON")
		return
	}

	progress, finish := api.progressChannel(req.RequestID)
	rec, err := api.svc.CreateBackup(r.Context(), chi.URLParam(r, "id"), req.Name, progress)
	finish()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (api *Server) handleListBackupsByServer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := api.svc.Get(id); err != nil {
		writeError(w, err)
		return
	}
	backups, err := api.svc.ListBackups(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, backups)
}

func (api *Server) handleRestoreBackup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BackupID string `json:"backupId"`
	}
	if err := decode(r, &req); err != nil || req.BackupID == "" {
		badRequest(w, "backupId is required")
		return
	}
	if err := api.svc.RestoreBackup(r.Context(), req.BackupID, chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "restored"})
}

func (api *Server) handleListAllBackups(w http.ResponseWriter, r *http.Request) {
	backups, err := api.svc.ListBackups("")
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, backups)
}

func (api *Server) handleGetBackup(w http.ResponseWriter, r *http.Request) {
	rec, err := api.svc.GetBackup(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (api *Server) handleDeleteBackup(w http.ResponseWriter, r *http.Request) {
	if err := api.svc.DeleteBackup(chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type portRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

func (api *Server) handleGetPortRange(w http.ResponseWriter, r *http.Request) {
	start, end, err := api.svc.GetPortRange()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, portRange{Start: start, End: end})
}

func (api *Server) handleSetPortRange(w http.ResponseWriter, r *http.Request) {
	var req portRange
	if err := decode(r, &req); err != nil {
		badRequest(w, "invalid JSON")
		return
	}
	if err := api.svc.SetPortRange(req.Start, req.End); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (api *Server) handleConsole(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := api.svc.Get(id); err != nil {
		writeError(w, err)
		return
	}
	api.hubs.ServeConsole(w, r, id)
}

func (api *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestId")
	if _, err := uuid.Parse(requestID); err != nil {
		badRequest(w, "requestId must be a UUID")
		return
	}
	api.hubs.ServeProgress(w, r, requestID)
}
