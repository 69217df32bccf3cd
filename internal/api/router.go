package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/quistapp/keygate/internal/auth"
	"github.com/quistapp/keygate/internal/capture"
	"github.com/quistapp/keygate/internal/config"
	"github.com/quistapp/keygate/internal/license"
	"github.com/quistapp/keygate/internal/metrics"
	"github.com/quistapp/keygate/internal/model"
	"github.com/quistapp/keygate/internal/relay"
)

type Store interface {
	ListLicenses(ctx context.Context) ([]model.License, error)
	ResetLicense(ctx context.Context, id int64) error
	ResetLicenseByCode(ctx context.Context, code string) error
	ToggleBan(ctx context.Context, id int64) (bool, error)
	SetActive(ctx context.Context, id int64, active bool) (bool, error)
	DeleteLicense(ctx context.Context, id int64) error
	ListUsage(ctx context.Context, limit int) ([]model.UsageEntry, error)
	PurgeUsage(ctx context.Context) (int64, error)
	GetStats(ctx context.Context) (*model.Stats, error)
	GetUserConfig(ctx context.Context, code string) (json.RawMessage, error)
	PutUserConfig(ctx context.Context, code string, cfg json.RawMessage) error
	Ping(ctx context.Context) error
}

type Licenses interface {
	Validate(ctx context.Context, code, hwid string, meta license.Meta) (license.Grant, error)
	CheckUsable(ctx context.Context, code string) (*model.License, error)
	Issue(ctx context.Context, req license.IssueRequest) ([]string, error)
}

type AdminAuth interface {
	Login(ctx context.Context, ip, username, password string) (string, auth.Session, error)
	Logout(token string)
	ChangePassword(ctx context.Context, adminID int64, newPassword string) error
}

type Dependencies struct {
	Store    Store
	Licenses Licenses
	Auth     AdminAuth
	Sessions *auth.Sessions
	Hub      *relay.Hub
	Capture  *capture.Coordinator
	Logger   zerolog.Logger
}

type Server struct {
	cfg      config.Config
	store    Store
	licenses Licenses
	auth     AdminAuth
	hub      *relay.Hub
	capture  *capture.Coordinator
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

func NewRouter(cfg config.Config, deps Dependencies) http.Handler {
	s := &Server{
		cfg:      cfg,
		store:    deps.Store,
		licenses: deps.Licenses,
		auth:     deps.Auth,
		hub:      deps.Hub,
		capture:  deps.Capture,
		log:      deps.Logger.With().Str("component", "api").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Observer panels are served from other origins; the key is the credential.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	validateLimiter := newIPRateLimiter(cfg.ValidateRPS, cfg.ValidateBurst)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.log))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", metrics.Default().Handler().ServeHTTP)
	// Upgraded connections outlive any request timeout.
	r.Get("/ws", s.handleWS)

	r.Route("/api", func(api chi.Router) {
		api.Use(middleware.Timeout(30 * time.Second))

		api.With(validateLimiter.Handler).Post("/auth/validate", s.handleValidate)

		api.Route("/menu", func(menu chi.Router) {
			menu.Use(s.requireLicense)
			menu.Post("/keybind/start", s.handleKeybindStart)
			menu.Get("/keybind/poll", s.handleKeybindPoll)
			menu.Post("/keybind/cancel", s.handleKeybindCancel)
			menu.Get("/config", s.handleGetMenuConfig)
			menu.Post("/config", s.handlePutMenuConfig)
		})

		api.Route("/admin", func(admin chi.Router) {
			admin.Post("/login", s.handleAdminLogin)
			admin.Group(func(authed chi.Router) {
				authed.Use(auth.Middleware(deps.Sessions))
				authed.Post("/logout", s.handleAdminLogout)
				authed.Post("/change-password", s.handleChangePassword)
				authed.Post("/keys/create", s.handleCreateKeys)
				authed.Get("/keys", s.handleListKeys)
				authed.Post("/keys/reset-by-code", s.handleResetByCode)
				authed.Delete("/keys/{id}", s.handleDeleteKey)
				authed.Post("/keys/{id}/ban", s.handleToggleBan)
				authed.Post("/keys/{id}/active", s.handleSetActive)
				authed.Post("/keys/{id}/reset", s.handleResetKey)
				authed.Get("/stats", s.handleStats)
				authed.Get("/logs", s.handleListLogs)
				authed.Post("/purge-logs", s.handlePurgeLogs)
			})
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		zerolog.Ctx(r.Context()).Warn().Err(err).Msg("health check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

type apiError struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"request_id,omitempty"`
	} `json:"error"`
}

func writeAPIError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	var payload apiError
	payload.Error.Code = code
	payload.Error.Message = message
	payload.Error.RequestID = middleware.GetReqID(r.Context())
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeInternalError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	logError(r, err, msg)
	writeAPIError(w, r, http.StatusInternalServerError, "internal_error", msg)
}

func logError(r *http.Request, err error, msg string) {
	zerolog.Ctx(r.Context()).Error().Err(err).Msg(msg)
}
