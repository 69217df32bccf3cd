package auth

import (
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const DefaultSessionMaxAge = 24 * time.Hour

var ErrSessionExpired = errors.New("session expired")

type Session struct {
	ID        string
	AdminID   int64
	Username  string
	CreatedAt time.Time
}

type Claims struct {
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// Sessions holds admin sessions in memory. Tokens are signed so forged ids are
// rejected before the map lookup, but only ids present in the map are honoured.
// Age is measured from creation; use does not extend a session.
type Sessions struct {
	secret []byte
	maxAge time.Duration
	now    func() time.Time

	mu   sync.Mutex
	byID map[string]Session
}

func NewSessions(secret string, maxAge time.Duration) *Sessions {
	if maxAge <= 0 {
		maxAge = DefaultSessionMaxAge
	}
	return &Sessions{
		secret: []byte(secret),
		maxAge: maxAge,
		now:    time.Now,
		byID:   make(map[string]Session),
	}
}

func (s *Sessions) Create(adminID int64, username string) (string, Session, error) {
	now := s.now()
	sess := Session{
		ID:        uuid.NewString(),
		AdminID:   adminID,
		Username:  username,
		CreatedAt: now,
	}
	claims := Claims{
		SessionID: sess.ID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.maxAge)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", Session{}, err
	}

	s.mu.Lock()
	s.byID[sess.ID] = sess
	s.mu.Unlock()
	return token, sess, nil
}

func (s *Sessions) Authorize(token string) (Session, error) {
	sid, ok := s.sessionID(token)
	if !ok {
		return Session{}, ErrSessionExpired
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.byID[sid]
	if !ok {
		return Session{}, ErrSessionExpired
	}
	if now.Sub(sess.CreatedAt) > s.maxAge {
		delete(s.byID, sid)
		return Session{}, ErrSessionExpired
	}
	return sess, nil
}

func (s *Sessions) Revoke(token string) {
	sid, ok := s.sessionID(token)
	if !ok {
		return
	}
	s.mu.Lock()
	delete(s.byID, sid)
	s.mu.Unlock()
}

// Sweep evicts sessions older than the max age and returns how many were removed.
func (s *Sessions) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, sess := range s.byID {
		if now.Sub(sess.CreatedAt) > s.maxAge {
			delete(s.byID, id)
			removed++
		}
	}
	return removed
}

func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

// sessionID verifies the signature only; age is checked against the map.
func (s *Sessions) sessionID(token string) (string, bool) {
	if token == "" {
		return "", false
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.secret, nil
	}, jwt.WithoutClaimsValidation())
	if err != nil || !parsed.Valid || claims.SessionID == "" {
		return "", false
	}
	return claims.SessionID, true
}
