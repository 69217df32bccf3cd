package api

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/quistapp/keygate/internal/capture"
)

type keybindStartRequest struct {
	Target string `json:"target" validate:"required,max=64"`
}

func (s *Server) handleKeybindStart(w http.ResponseWriter, r *http.Request) {
	var req keybindStartRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeAPIError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	s.capture.Start(licenseFromContext(r.Context()), req.Target)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleKeybindPoll(w http.ResponseWriter, r *http.Request) {
	res := s.capture.Poll(licenseFromContext(r.Context()))
	if res.Status == capture.StatusCaptured {
		writeJSON(w, http.StatusOK, map[string]any{
			"status": res.Status,
			"vk":     res.VK,
			"name":   res.Name,
			"target": res.Target,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": res.Status})
}

func (s *Server) handleKeybindCancel(w http.ResponseWriter, r *http.Request) {
	cancelled := s.capture.Abort(licenseFromContext(r.Context()))
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "cancelled": cancelled})
}

func (s *Server) handleGetMenuConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.store.GetUserConfig(r.Context(), licenseFromContext(r.Context()))
	if err != nil {
		writeInternalError(w, r, err, "failed to load config")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"config": cfg})
}

type menuConfigRequest struct {
	Config json.RawMessage `json:"config"`
}

func (s *Server) handlePutMenuConfig(w http.ResponseWriter, r *http.Request) {
	var req menuConfigRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeAPIError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	cfg := bytes.TrimSpace(req.Config)
	if len(cfg) == 0 || bytes.Equal(cfg, []byte("null")) {
		cfg = []byte("{}")
	}
	if err := s.store.PutUserConfig(r.Context(), licenseFromContext(r.Context()), json.RawMessage(cfg)); err != nil {
		writeInternalError(w, r, err, "failed to save config")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
