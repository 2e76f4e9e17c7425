// Package admin exposes a local HTTP control surface for the sync engine:
// status inspection, the synchronization toggle, manual sync triggers,
// runtime reconfiguration, and the goto-server script location.
package admin

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"

	"github.com/go-logr/logr"

	"github.com/hl037/nvim-dap-ghidra-sync/internal/config"
	"github.com/hl037/nvim-dap-ghidra-sync/internal/syncer"
	"github.com/hl037/nvim-dap-ghidra-sync/internal/viewer"
)

const (
	PathPrefix         = "/admin/"
	StatusDocument     = "status"
	ToggleDocument     = "toggle"
	SyncDocument       = "sync"
	ConfigDocument     = "config"
	ScriptPathDocument = "script-path"
)

// HandlerConfig wires the admin handler to the rest of the process.
type HandlerConfig struct {
	// Engine is the sync engine being administered.
	Engine *syncer.Engine

	// CurrentConfig returns the configuration currently in effect.
	CurrentConfig func() config.Config

	// ApplyConfig puts a new configuration into effect.
	ApplyConfig func(cfg config.Config)

	// ScriptPath returns the filesystem path of the installed goto-server
	// script. If nil, the script is installed to the user cache directory.
	ScriptPath func() (string, error)

	// Logger for admin operations.
	Logger logr.Logger
}

type adminHttpHandler struct {
	config HandlerConfig
	mux    *http.ServeMux
	log    logr.Logger
}

func NewHandler(hc HandlerConfig) http.Handler {
	if hc.Engine == nil {
		panic("must have a sync engine to administer")
	}
	if hc.CurrentConfig == nil || hc.ApplyConfig == nil {
		panic("must have a way to read and apply configuration")
	}
	if hc.ScriptPath == nil {
		hc.ScriptPath = viewer.InstallGotoServerScript
	}

	mux := http.NewServeMux()
	ahh := &adminHttpHandler{
		config: hc,
		mux:    mux,
		log:    hc.Logger.WithName("adminHttpHandler"),
	}

	mux.HandleFunc(
		fmt.Sprintf("GET %s%s", PathPrefix, StatusDocument),
		func(w http.ResponseWriter, r *http.Request) { ahh.getStatus(w, r) },
	)
	mux.HandleFunc(
		fmt.Sprintf("POST %s%s", PathPrefix, ToggleDocument),
		func(w http.ResponseWriter, r *http.Request) { ahh.toggle(w, r) },
	)
	mux.HandleFunc(
		fmt.Sprintf("POST %s%s", PathPrefix, SyncDocument),
		func(w http.ResponseWriter, r *http.Request) { ahh.syncNow(w, r) },
	)
	mux.HandleFunc(
		fmt.Sprintf("PUT %s%s", PathPrefix, ConfigDocument),
		func(w http.ResponseWriter, r *http.Request) { ahh.putConfig(w, r) },
	)
	mux.HandleFunc(
		fmt.Sprintf("GET %s%s", PathPrefix, ScriptPathDocument),
		func(w http.ResponseWriter, r *http.Request) { ahh.getScriptPath(w, r) },
	)
	mux.Handle("/", http.NotFoundHandler())

	return ahh
}

func (h *adminHttpHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// StatusData is the document returned by GET /admin/status.
type StatusData struct {
	Enabled  bool                   `json:"enabled"`
	Config   config.Config          `json:"config"`
	Sessions []syncer.SessionStatus `json:"sessions"`
}

func (h *adminHttpHandler) getStatus(w http.ResponseWriter, r *http.Request) {
	enabled, sessions := h.config.Engine.Status()
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID < sessions[j].ID })

	h.writeJSON(w, StatusData{
		Enabled:  enabled,
		Config:   h.config.CurrentConfig(),
		Sessions: sessions,
	})
}

func (h *adminHttpHandler) toggle(w http.ResponseWriter, r *http.Request) {
	enabled := h.config.Engine.Toggle()
	h.writeJSON(w, map[string]bool{"enabled": enabled})
}

type syncRequest struct {
	SessionID string `json:"sessionId"`
}

// syncNow triggers an immediate sync. An empty body (or one without a
// sessionId) syncs every active session.
func (h *adminHttpHandler) syncNow(w http.ResponseWriter, r *http.Request) {
	reader := http.MaxBytesReader(w, r.Body, 512)
	body, bodyReadErr := io.ReadAll(reader)
	if bodyReadErr != nil {
		var tooLargeErr *http.MaxBytesError
		if errors.As(bodyReadErr, &tooLargeErr) {
			http.Error(w, "sync request too large", http.StatusRequestEntityTooLarge)
		} else {
			http.Error(w, "could not read sync request", http.StatusInternalServerError)
		}
		return
	}

	var req syncRequest
	if len(body) > 0 {
		if unmarshalErr := json.Unmarshal(body, &req); unmarshalErr != nil {
			http.Error(w, "could not unmarshal sync request", http.StatusBadRequest)
			return
		}
	}

	if syncErr := h.config.Engine.SyncNow(req.SessionID); syncErr != nil {
		if errors.Is(syncErr, syncer.ErrSessionNotFound) {
			http.Error(w, fmt.Sprintf("no debug session with id '%s'", req.SessionID), http.StatusNotFound)
			return
		}
		h.log.Error(syncErr, "Could not trigger sync", "session", req.SessionID)
		http.Error(w, "could not trigger sync", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *adminHttpHandler) putConfig(w http.ResponseWriter, r *http.Request) {
	ctype := r.Header.Get("Content-Type")
	if ctype != "" && ctype != "application/json" {
		http.Error(w, "configuration must be in application/json format", http.StatusUnsupportedMediaType)
		return
	}

	reader := http.MaxBytesReader(w, r.Body, 4096)
	body, bodyReadErr := io.ReadAll(reader)
	if bodyReadErr != nil {
		var tooLargeErr *http.MaxBytesError
		if errors.As(bodyReadErr, &tooLargeErr) {
			http.Error(w, "configuration document too large", http.StatusRequestEntityTooLarge)
		} else {
			http.Error(w, "could not read configuration request", http.StatusInternalServerError)
		}
		return
	}

	cfg, parseErr := config.Parse(body)
	if parseErr != nil {
		http.Error(w, parseErr.Error(), http.StatusUnprocessableEntity)
		return
	}

	h.config.ApplyConfig(cfg)
	h.log.Info("Configuration replaced via admin endpoint", "endpoint", cfg.Endpoint())

	h.writeJSON(w, cfg)
}

func (h *adminHttpHandler) getScriptPath(w http.ResponseWriter, r *http.Request) {
	path, installErr := h.config.ScriptPath()
	if installErr != nil {
		h.log.Error(installErr, "Could not install goto-server script")
		http.Error(w, "could not install goto-server script", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, map[string]string{"path": path})
}

func (h *adminHttpHandler) writeJSON(w http.ResponseWriter, doc any) {
	resp, marshalErr := json.Marshal(doc)
	if marshalErr != nil {
		// Should never happen
		h.log.Error(marshalErr, "Could not serialize admin response")
		http.Error(w, "could not serialize admin response", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if _, writeErr := w.Write(resp); writeErr != nil {
		h.log.Error(writeErr, "Could not write admin response")
	}
}

var _ http.Handler = &adminHttpHandler{}
