package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/quistapp/keygate/internal/metrics"
	"github.com/quistapp/keygate/internal/model"
	"github.com/quistapp/keygate/internal/store"
)

const MinPasswordLength = 6

var (
	ErrThrottled          = errors.New("too many login attempts")
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrMissingCredentials = errors.New("username and password required")
	ErrWeakPassword       = fmt.Errorf("password must be at least %d characters", MinPasswordLength)
)

type AdminStore interface {
	GetAdminByUsername(ctx context.Context, username string) (*model.AdminUser, error)
	UpdateAdminPassword(ctx context.Context, id int64, passwordHash string) error
	SeedAdmin(ctx context.Context, username, passwordHash string) error
}

type Authenticator struct {
	store    AdminStore
	hasher   *Hasher
	sessions *Sessions
	throttle *LoginThrottle
	now      func() time.Time
	log      zerolog.Logger
}

func NewAuthenticator(st AdminStore, hasher *Hasher, sessions *Sessions, throttle *LoginThrottle, logger zerolog.Logger) *Authenticator {
	if hasher == nil {
		hasher = NewHasher(0)
	}
	return &Authenticator{
		store:    st,
		hasher:   hasher,
		sessions: sessions,
		throttle: throttle,
		now:      time.Now,
		log:      logger.With().Str("component", "auth").Logger(),
	}
}

func (a *Authenticator) Sessions() *Sessions {
	return a.sessions
}

func (a *Authenticator) Throttle() *LoginThrottle {
	return a.throttle
}

// Login reserves a throttle slot before touching the store, so a throttled
// address is refused even with the right password and concurrent guesses from
// one address cannot exceed the limit.
func (a *Authenticator) Login(ctx context.Context, ip, username, password string) (string, Session, error) {
	now := a.now()
	if username == "" || password == "" {
		if !a.throttle.Allow(ip, now) {
			metrics.Default().IncAdminLogin("throttled")
			return "", Session{}, ErrThrottled
		}
		return "", Session{}, ErrMissingCredentials
	}
	if !a.throttle.Acquire(ip, now) {
		metrics.Default().IncAdminLogin("throttled")
		return "", Session{}, ErrThrottled
	}

	admin, err := a.store.GetAdminByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			a.fail(ip, username)
			return "", Session{}, ErrInvalidCredentials
		}
		a.throttle.Release(ip)
		return "", Session{}, fmt.Errorf("load admin: %w", err)
	}
	if err := a.hasher.Compare(admin.PasswordHash, password); err != nil {
		a.fail(ip, username)
		return "", Session{}, ErrInvalidCredentials
	}

	a.throttle.Clear(ip)
	token, sess, err := a.sessions.Create(admin.ID, admin.Username)
	if err != nil {
		return "", Session{}, fmt.Errorf("create session: %w", err)
	}
	metrics.Default().IncAdminLogin("ok")
	a.log.Info().Str("username", admin.Username).Str("ip", ip).Msg("admin login")
	return token, sess, nil
}

// fail records a rejected password; the attempt was already counted by Acquire.
func (a *Authenticator) fail(ip, username string) {
	metrics.Default().IncAdminLogin("invalid")
	a.log.Warn().Str("username", username).Str("ip", ip).Msg("admin login failed")
}

func (a *Authenticator) Logout(token string) {
	a.sessions.Revoke(token)
}

func (a *Authenticator) ChangePassword(ctx context.Context, adminID int64, newPassword string) error {
	if len(newPassword) < MinPasswordLength {
		return ErrWeakPassword
	}
	hash, err := a.hasher.Hash(newPassword)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := a.store.UpdateAdminPassword(ctx, adminID, hash); err != nil {
		return err
	}
	a.log.Info().Int64("admin_id", adminID).Msg("admin password changed")
	return nil
}

// SeedAdmin replaces the stored admin account with username and password.
func (a *Authenticator) SeedAdmin(ctx context.Context, username, password string) error {
	hash, err := a.hasher.Hash(password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	return a.store.SeedAdmin(ctx, username, hash)
}
