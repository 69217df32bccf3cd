package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/quistapp/keygate/internal/model"
	"github.com/quistapp/keygate/internal/store"
)

type memAdminStore struct {
	admin   *model.AdminUser
	lookups atomic.Int32
	err     error
}

func (m *memAdminStore) GetAdminByUsername(_ context.Context, username string) (*model.AdminUser, error) {
	m.lookups.Add(1)
	if m.err != nil {
		return nil, m.err
	}
	if m.admin == nil || m.admin.Username != username {
		return nil, store.ErrNotFound
	}
	cp := *m.admin
	return &cp, nil
}

func (m *memAdminStore) UpdateAdminPassword(_ context.Context, id int64, hash string) error {
	if m.admin == nil || m.admin.ID != id {
		return store.ErrNotFound
	}
	m.admin.PasswordHash = hash
	return nil
}

func (m *memAdminStore) SeedAdmin(_ context.Context, username, hash string) error {
	m.admin = &model.AdminUser{ID: 1, Username: username, PasswordHash: hash, CreatedAt: time.Now()}
	return nil
}

func newTestAuthenticator(t *testing.T) (*Authenticator, *memAdminStore) {
	t.Helper()
	st := &memAdminStore{}
	a := NewAuthenticator(st, NewHasher(bcrypt.MinCost), NewSessions("secret", time.Hour), NewLoginThrottle(5, 5*time.Minute), zerolog.Nop())
	require.NoError(t, a.SeedAdmin(context.Background(), "admin", "hunter22"))
	return a, st
}

func TestLogin_Succeeds(t *testing.T) {
	a, _ := newTestAuthenticator(t)
	token, sess, err := a.Login(context.Background(), "1.1.1.1", "admin", "hunter22")
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.Equal(t, "admin", sess.Username)

	got, err := a.Sessions().Authorize(token)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
}

func TestLogin_ThrottledEvenWithCorrectPassword(t *testing.T) {
	a, _ := newTestAuthenticator(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, _, err := a.Login(ctx, "1.1.1.1", "admin", "wrong")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	}
	for i := 0; i < 2; i++ {
		_, _, err := a.Login(ctx, "1.1.1.1", "nobody", "wrong")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	}
	_, _, err := a.Login(ctx, "1.1.1.1", "admin", "hunter22")
	assert.ErrorIs(t, err, ErrThrottled)

	_, _, err = a.Login(ctx, "2.2.2.2", "admin", "hunter22")
	assert.NoError(t, err)
}

func TestLogin_ConcurrentGuessesCappedPerWindow(t *testing.T) {
	a, st := newTestAuthenticator(t)
	ctx := context.Background()

	var throttled atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := a.Login(ctx, "6.6.6.6", "admin", "wrong-guess")
			if errors.Is(err, ErrThrottled) {
				throttled.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(5), st.lookups.Load(), "only the allowed attempts reach the password check")
	assert.Equal(t, int32(35), throttled.Load())
}

func TestLogin_StoreFailureDoesNotConsumeAttempt(t *testing.T) {
	a, st := newTestAuthenticator(t)
	ctx := context.Background()
	st.err = errors.New("db down")
	for i := 0; i < 10; i++ {
		_, _, err := a.Login(ctx, "1.1.1.1", "admin", "hunter22")
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrThrottled)
	}
	st.err = nil
	_, _, err := a.Login(ctx, "1.1.1.1", "admin", "hunter22")
	assert.NoError(t, err)
}

func TestLogin_SuccessClearsCounter(t *testing.T) {
	a, _ := newTestAuthenticator(t)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_, _, _ = a.Login(ctx, "1.1.1.1", "admin", "wrong")
	}
	_, _, err := a.Login(ctx, "1.1.1.1", "admin", "hunter22")
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		_, _, _ = a.Login(ctx, "1.1.1.1", "admin", "wrong")
	}
	_, _, err = a.Login(ctx, "1.1.1.1", "admin", "hunter22")
	assert.NoError(t, err)
}

func TestChangePassword(t *testing.T) {
	a, _ := newTestAuthenticator(t)
	ctx := context.Background()

	assert.ErrorIs(t, a.ChangePassword(ctx, 1, "short"), ErrWeakPassword)
	require.NoError(t, a.ChangePassword(ctx, 1, "longer-secret"))

	_, _, err := a.Login(ctx, "1.1.1.1", "admin", "hunter22")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, _, err = a.Login(ctx, "1.1.1.1", "admin", "longer-secret")
	assert.NoError(t, err)
}

func TestMiddleware(t *testing.T) {
	sessions := NewSessions("secret", time.Hour)
	token, _, err := sessions.Create(1, "admin")
	require.NoError(t, err)

	var seen Session
	h := Middleware(sessions)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = SessionFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		header string
		value  string
		status int
	}{
		{name: "admin header", header: "X-Admin-Token", value: token, status: http.StatusNoContent},
		{name: "bearer", header: "Authorization", value: "Bearer " + token, status: http.StatusNoContent},
		{name: "missing", status: http.StatusUnauthorized},
		{name: "unknown", header: "X-Admin-Token", value: "garbage", status: http.StatusUnauthorized},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/admin/keys", nil)
			if tc.header != "" {
				req.Header.Set(tc.header, tc.value)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tc.status, rec.Code)
		})
	}
	assert.Equal(t, "admin", seen.Username)
}
