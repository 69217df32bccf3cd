package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/quistapp/keygate/internal/auth"
	"github.com/quistapp/keygate/internal/capture"
	"github.com/quistapp/keygate/internal/config"
	"github.com/quistapp/keygate/internal/license"
	"github.com/quistapp/keygate/internal/model"
	"github.com/quistapp/keygate/internal/relay"
	"github.com/quistapp/keygate/internal/store"
)

type mockStore struct {
	listLicensesFn       func(context.Context) ([]model.License, error)
	resetLicenseFn       func(context.Context, int64) error
	resetLicenseByCodeFn func(context.Context, string) error
	toggleBanFn          func(context.Context, int64) (bool, error)
	setActiveFn          func(context.Context, int64, bool) (bool, error)
	deleteLicenseFn      func(context.Context, int64) error
	listUsageFn          func(context.Context, int) ([]model.UsageEntry, error)
	purgeUsageFn         func(context.Context) (int64, error)
	getStatsFn           func(context.Context) (*model.Stats, error)
	getUserConfigFn      func(context.Context, string) (json.RawMessage, error)
	putUserConfigFn      func(context.Context, string, json.RawMessage) error
	pingFn               func(context.Context) error
}

func (m *mockStore) ListLicenses(ctx context.Context) ([]model.License, error) {
	if m.listLicensesFn != nil {
		return m.listLicensesFn(ctx)
	}
	return nil, nil
}

func (m *mockStore) ResetLicense(ctx context.Context, id int64) error {
	if m.resetLicenseFn != nil {
		return m.resetLicenseFn(ctx, id)
	}
	return nil
}

func (m *mockStore) ResetLicenseByCode(ctx context.Context, code string) error {
	if m.resetLicenseByCodeFn != nil {
		return m.resetLicenseByCodeFn(ctx, code)
	}
	return nil
}

func (m *mockStore) ToggleBan(ctx context.Context, id int64) (bool, error) {
	if m.toggleBanFn != nil {
		return m.toggleBanFn(ctx, id)
	}
	return false, store.ErrNotFound
}

func (m *mockStore) SetActive(ctx context.Context, id int64, active bool) (bool, error) {
	if m.setActiveFn != nil {
		return m.setActiveFn(ctx, id, active)
	}
	return active, nil
}

func (m *mockStore) DeleteLicense(ctx context.Context, id int64) error {
	if m.deleteLicenseFn != nil {
		return m.deleteLicenseFn(ctx, id)
	}
	return nil
}

func (m *mockStore) ListUsage(ctx context.Context, limit int) ([]model.UsageEntry, error) {
	if m.listUsageFn != nil {
		return m.listUsageFn(ctx, limit)
	}
	return nil, nil
}

func (m *mockStore) PurgeUsage(ctx context.Context) (int64, error) {
	if m.purgeUsageFn != nil {
		return m.purgeUsageFn(ctx)
	}
	return 0, nil
}

func (m *mockStore) GetStats(ctx context.Context) (*model.Stats, error) {
	if m.getStatsFn != nil {
		return m.getStatsFn(ctx)
	}
	return &model.Stats{}, nil
}

func (m *mockStore) GetUserConfig(ctx context.Context, code string) (json.RawMessage, error) {
	if m.getUserConfigFn != nil {
		return m.getUserConfigFn(ctx, code)
	}
	return json.RawMessage(`{}`), nil
}

func (m *mockStore) PutUserConfig(ctx context.Context, code string, cfg json.RawMessage) error {
	if m.putUserConfigFn != nil {
		return m.putUserConfigFn(ctx, code, cfg)
	}
	return nil
}

func (m *mockStore) Ping(ctx context.Context) error {
	if m.pingFn != nil {
		return m.pingFn(ctx)
	}
	return nil
}

type mockLicenses struct {
	validateFn    func(context.Context, string, string, license.Meta) (license.Grant, error)
	checkUsableFn func(context.Context, string) (*model.License, error)
	issueFn       func(context.Context, license.IssueRequest) ([]string, error)
}

func (m *mockLicenses) Validate(ctx context.Context, code, hwid string, meta license.Meta) (license.Grant, error) {
	if m.validateFn != nil {
		return m.validateFn(ctx, code, hwid, meta)
	}
	return license.Grant{}, &license.DenialError{Reason: license.ReasonInvalidKey}
}

func (m *mockLicenses) CheckUsable(ctx context.Context, code string) (*model.License, error) {
	if m.checkUsableFn != nil {
		return m.checkUsableFn(ctx, code)
	}
	return &model.License{Code: code, Active: true}, nil
}

func (m *mockLicenses) Issue(ctx context.Context, req license.IssueRequest) ([]string, error) {
	if m.issueFn != nil {
		return m.issueFn(ctx, req)
	}
	return nil, nil
}

type mockAuth struct {
	loginFn          func(context.Context, string, string, string) (string, auth.Session, error)
	changePasswordFn func(context.Context, int64, string) error
	loggedOut        []string
}

func (m *mockAuth) Login(ctx context.Context, ip, username, password string) (string, auth.Session, error) {
	if m.loginFn != nil {
		return m.loginFn(ctx, ip, username, password)
	}
	return "", auth.Session{}, auth.ErrInvalidCredentials
}

func (m *mockAuth) Logout(token string) {
	m.loggedOut = append(m.loggedOut, token)
}

func (m *mockAuth) ChangePassword(ctx context.Context, adminID int64, newPassword string) error {
	if m.changePasswordFn != nil {
		return m.changePasswordFn(ctx, adminID, newPassword)
	}
	return nil
}

type testEnv struct {
	handler  http.Handler
	store    *mockStore
	licenses *mockLicenses
	auth     *mockAuth
	sessions *auth.Sessions
	hub      *relay.Hub
	capture  *capture.Coordinator
	token    string
}

func testConfig() config.Config {
	return config.Config{
		ListenAddr:        ":0",
		DatabaseURL:       "postgres://unused",
		SessionSecret:     "test-secret",
		KeyPrefix:         "QUIST",
		SessionMaxAge:     24 * time.Hour,
		RelayPingInterval: time.Hour,
		RelayMaxMessage:   64 * 1024,
		ValidateRPS:       100,
		ValidateBurst:     100,
		LogFormat:         "json",
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithConfig(t, testConfig())
}

func newTestEnvWithConfig(t *testing.T, cfg config.Config) *testEnv {
	t.Helper()
	env := &testEnv{
		store:    &mockStore{},
		licenses: &mockLicenses{},
		auth:     &mockAuth{},
		sessions: auth.NewSessions(cfg.SessionSecret, cfg.SessionMaxAge),
	}
	env.capture = capture.NewCoordinator(nil, zerolog.Nop())
	env.hub = relay.NewHub(env.capture, cfg.RelayPingInterval, zerolog.Nop())
	env.capture.SetSender(env.hub)
	t.Cleanup(env.hub.Stop)

	token, _, err := env.sessions.Create(1, "admin")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	env.token = token
	env.handler = NewRouter(cfg, Dependencies{
		Store:    env.store,
		Licenses: env.licenses,
		Auth:     env.auth,
		Sessions: env.sessions,
		Hub:      env.hub,
		Capture:  env.capture,
		Logger:   zerolog.Nop(),
	})
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf *bytes.Reader
	switch v := body.(type) {
	case nil:
		buf = bytes.NewReader(nil)
	case string:
		buf = bytes.NewReader([]byte(v))
	default:
		buf = bytes.NewReader(jsonBody(t, v))
	}
	req := httptest.NewRequest(method, path, buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) admin(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, method, path, body, map[string]string{"X-Admin-Token": e.token})
}

func jsonBody(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	return out
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	body := decodeBody(t, rr)
	errObj, ok := body["error"].(map[string]any)
	if !ok {
		t.Fatalf("expected error object, got %s", rr.Body.String())
	}
	code, _ := errObj["code"].(string)
	return code
}

func decodeList(t *testing.T, rr *httptest.ResponseRecorder) []map[string]any {
	t.Helper()
	var out []map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	return out
}
