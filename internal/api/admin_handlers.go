package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/quistapp/keygate/internal/auth"
	"github.com/quistapp/keygate/internal/license"
	"github.com/quistapp/keygate/internal/model"
	"github.com/quistapp/keygate/internal/relay"
	"github.com/quistapp/keygate/internal/store"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type changePasswordRequest struct {
	NewPassword string `json:"new_password" validate:"required"`
}

type createKeysRequest struct {
	Count        int    `json:"count"`
	DurationDays int    `json:"duration_days"`
	Label        string `json:"label" validate:"max=100"`
}

type setActiveRequest struct {
	Active *bool `json:"active" validate:"required"`
}

type resetByCodeRequest struct {
	KeyCode string `json:"key_code" validate:"required,max=50"`
}

type licenseView struct {
	ID           int64      `json:"id"`
	KeyCode      string     `json:"key_code"`
	Label        string     `json:"label"`
	DurationDays int        `json:"duration_days"`
	HWID         *string    `json:"hwid"`
	ActivatedAt  *time.Time `json:"activated_at"`
	ExpiresAt    *time.Time `json:"expires_at"`
	CreatedAt    time.Time  `json:"created_at"`
	IsActive     bool       `json:"is_active"`
	IsBanned     bool       `json:"is_banned"`
	State        string     `json:"state"`
}

type usageView struct {
	ID         int64     `json:"id"`
	LicenseID  int64     `json:"license_id"`
	KeyCode    string    `json:"key_code"`
	HWID       string    `json:"hwid"`
	IP         string    `json:"ip"`
	Outcome    string    `json:"outcome"`
	ObservedAt time.Time `json:"observed_at"`
}

type statsView struct {
	TotalKeys       int          `json:"total_keys"`
	ActiveKeys      int          `json:"active_keys"`
	BannedKeys      int          `json:"banned_keys"`
	Validations24h  int          `json:"validations_24h"`
	Relay           relay.Counts `json:"relay"`
	PendingCaptures int          `json:"pending_captures"`
}

func (s *Server) handleAdminLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeAPIError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	token, sess, err := s.auth.Login(r.Context(), clientIP(r), req.Username, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrThrottled):
			writeAPIError(w, r, http.StatusTooManyRequests, "too_many_attempts", "Too many attempts. Wait 5 min.")
		case errors.Is(err, auth.ErrMissingCredentials):
			writeAPIError(w, r, http.StatusBadRequest, "invalid_request", "Username and password required")
		case errors.Is(err, auth.ErrInvalidCredentials):
			writeAPIError(w, r, http.StatusUnauthorized, "invalid_credentials", "Invalid username or password")
		default:
			writeInternalError(w, r, err, "login failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": token, "username": sess.Username})
}

func (s *Server) handleAdminLogout(w http.ResponseWriter, r *http.Request) {
	s.auth.Logout(auth.TokenFromRequest(r))
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	sess, ok := auth.SessionFromContext(r.Context())
	if !ok {
		writeAPIError(w, r, http.StatusUnauthorized, "session_expired", "session expired")
		return
	}
	var req changePasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeAPIError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := s.auth.ChangePassword(r.Context(), sess.AdminID, req.NewPassword); err != nil {
		if errors.Is(err, auth.ErrWeakPassword) {
			writeAPIError(w, r, http.StatusBadRequest, "weak_password", "Min 6 characters")
			return
		}
		s.writeStoreError(w, r, err, "failed to change password")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleCreateKeys(w http.ResponseWriter, r *http.Request) {
	var req createKeysRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeAPIError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	codes, err := s.licenses.Issue(r.Context(), license.IssueRequest{
		Count:        req.Count,
		DurationDays: req.DurationDays,
		Label:        req.Label,
	})
	if err != nil {
		if errors.Is(err, license.ErrInvalidInput) {
			writeAPIError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		writeInternalError(w, r, err, "failed to create keys")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "keys": codes})
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListLicenses(r.Context())
	if err != nil {
		writeInternalError(w, r, err, "failed to list keys")
		return
	}
	now := time.Now()
	out := make([]licenseView, 0, len(list))
	for _, lic := range list {
		out = append(out, toLicenseView(lic, now))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.store.DeleteLicense(r.Context(), id); err != nil {
		s.writeStoreError(w, r, err, "failed to delete key")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleToggleBan(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	banned, err := s.store.ToggleBan(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, r, err, "failed to toggle ban")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "banned": banned})
}

func (s *Server) handleSetActive(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req setActiveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeAPIError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	active, err := s.store.SetActive(r.Context(), id, *req.Active)
	if err != nil {
		s.writeStoreError(w, r, err, "failed to update key")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "active": active})
}

func (s *Server) handleResetKey(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.store.ResetLicense(r.Context(), id); err != nil {
		s.writeStoreError(w, r, err, "failed to reset key")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleResetByCode(w http.ResponseWriter, r *http.Request) {
	var req resetByCodeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeAPIError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	err := s.store.ResetLicenseByCode(r.Context(), license.NormalizeCode(req.KeyCode))
	if err != nil {
		if errors.Is(err, store.ErrNotHWIDLocked) {
			writeAPIError(w, r, http.StatusBadRequest, "not_hwid_locked", "Key is not HWID locked")
			return
		}
		s.writeStoreError(w, r, err, "failed to reset key")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.store.GetStats(r.Context())
	if err != nil {
		writeInternalError(w, r, err, "failed to load stats")
		return
	}
	writeJSON(w, http.StatusOK, statsView{
		TotalKeys:       st.TotalKeys,
		ActiveKeys:      st.ActiveKeys,
		BannedKeys:      st.BannedKeys,
		Validations24h:  st.ValidationsDay,
		Relay:           s.hub.Counts(),
		PendingCaptures: s.capture.Pending(),
	})
}

func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			writeAPIError(w, r, http.StatusBadRequest, "invalid_request", "limit must be between 1 and 1000")
			return
		}
		limit = n
	}
	entries, err := s.store.ListUsage(r.Context(), limit)
	if err != nil {
		writeInternalError(w, r, err, "failed to list logs")
		return
	}
	out := make([]usageView, 0, len(entries))
	for _, e := range entries {
		out = append(out, usageView{
			ID:         e.ID,
			LicenseID:  e.LicenseID,
			KeyCode:    e.Code,
			HWID:       e.HWID,
			IP:         e.IP,
			Outcome:    e.Outcome,
			ObservedAt: e.ObservedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePurgeLogs(w http.ResponseWriter, r *http.Request) {
	n, err := s.store.PurgeUsage(r.Context())
	if err != nil {
		writeInternalError(w, r, err, "failed to purge logs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "removed": n})
}

func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	if errors.Is(err, store.ErrNotFound) {
		writeAPIError(w, r, http.StatusNotFound, "not_found", "Key not found")
		return
	}
	writeInternalError(w, r, err, msg)
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeAPIError(w, r, http.StatusBadRequest, "invalid_request", "id must be a positive integer")
		return 0, false
	}
	return id, true
}

func toLicenseView(lic model.License, now time.Time) licenseView {
	return licenseView{
		ID:           lic.ID,
		KeyCode:      lic.Code,
		Label:        lic.Label,
		DurationDays: lic.DurationDays,
		HWID:         lic.HWID,
		ActivatedAt:  lic.ActivatedAt,
		ExpiresAt:    lic.ExpiresAt,
		CreatedAt:    lic.CreatedAt,
		IsActive:     lic.Active,
		IsBanned:     lic.Banned,
		State:        string(lic.State(now)),
	}
}
