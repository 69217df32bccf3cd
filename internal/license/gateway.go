package license

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/quistapp/keygate/internal/metrics"
	"github.com/quistapp/keygate/internal/model"
	"github.com/quistapp/keygate/internal/store"
)

const (
	MinDurationDays = 1
	MaxDurationDays = 3650
	MinIssueCount   = 1
	MaxIssueCount   = 100

	day = 24 * time.Hour

	// activationRounds bounds re-reads after losing the activation race.
	activationRounds = 3
)

const (
	OutcomeGranted   = "granted"
	OutcomeActivated = "activated"
)

type Store interface {
	GetLicenseByCode(ctx context.Context, code string) (*model.License, error)
	ActivateLicense(ctx context.Context, id int64, hwid string, activatedAt, expiresAt time.Time) (bool, error)
	RecordUsage(ctx context.Context, in store.UsageInput) error
	IssueLicenses(ctx context.Context, in store.IssueInput) ([]string, error)
}

// Meta carries request attributes recorded with each validation attempt.
type Meta struct {
	IP string
}

type Grant struct {
	Expiry    time.Time
	DaysLeft  int
	Activated bool
}

type IssueRequest struct {
	Count        int
	DurationDays int
	Label        string
}

type Gateway struct {
	store Store
	codes *CodeGenerator
	now   func() time.Time
	log   zerolog.Logger
}

type Option func(*Gateway)

func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		g.now = now
	}
}

func NewGateway(st Store, codes *CodeGenerator, logger zerolog.Logger, opts ...Option) *Gateway {
	if codes == nil {
		codes = NewCodeGenerator(DefaultPrefix)
	}
	g := &Gateway{
		store: st,
		codes: codes,
		now:   time.Now,
		log:   logger.With().Str("component", "license").Logger(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Validate evaluates code for the presenting machine. An unused key is bound to
// hwid on first sight; every later call must present the same hwid.
func (g *Gateway) Validate(ctx context.Context, code, hwid string, meta Meta) (Grant, error) {
	code = NormalizeCode(code)
	if code == "" || hwid == "" {
		return Grant{}, fmt.Errorf("%w: key and hwid required", ErrInvalidInput)
	}
	if len(code) > maxCodeLength || len(hwid) > maxHWIDLength {
		return Grant{}, fmt.Errorf("%w: input too long", ErrInvalidInput)
	}

	for round := 0; round < activationRounds; round++ {
		lic, err := g.store.GetLicenseByCode(ctx, code)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				metrics.Default().IncValidation(string(ReasonInvalidKey))
				return Grant{}, deny(ReasonInvalidKey)
			}
			return Grant{}, fmt.Errorf("load license: %w", err)
		}

		now := g.now()
		switch lic.State(now) {
		case model.LicenseBanned:
			return Grant{}, g.refuse(ctx, lic, hwid, meta, ReasonBanned)
		case model.LicenseDisabled:
			return Grant{}, g.refuse(ctx, lic, hwid, meta, ReasonDisabled)
		case model.LicenseUnused:
			activatedAt := now.UTC().Truncate(time.Microsecond)
			expiresAt := activatedAt.Add(time.Duration(lic.DurationDays) * day)
			won, err := g.store.ActivateLicense(ctx, lic.ID, hwid, activatedAt, expiresAt)
			if err != nil {
				return Grant{}, fmt.Errorf("activate license: %w", err)
			}
			if !won {
				continue
			}
			g.record(ctx, lic.ID, hwid, meta, OutcomeActivated, now)
			g.log.Info().Str("key", code).Int("days", lic.DurationDays).Msg("key activated")
			return Grant{Expiry: expiresAt, DaysLeft: lic.DurationDays, Activated: true}, nil
		case model.LicenseExpired:
			if !lic.BoundTo(hwid) {
				return Grant{}, g.refuse(ctx, lic, hwid, meta, ReasonHWIDMismatch)
			}
			return Grant{}, g.refuse(ctx, lic, hwid, meta, ReasonExpired)
		default:
			if !lic.BoundTo(hwid) {
				return Grant{}, g.refuse(ctx, lic, hwid, meta, ReasonHWIDMismatch)
			}
			g.record(ctx, lic.ID, hwid, meta, OutcomeGranted, now)
			return Grant{Expiry: *lic.ExpiresAt, DaysLeft: DaysLeft(*lic.ExpiresAt, now)}, nil
		}
	}
	return Grant{}, ErrActivationContended
}

// CheckUsable reports whether code may be used right now without binding it.
// Unused keys pass; banned, disabled and expired keys are denied.
func (g *Gateway) CheckUsable(ctx context.Context, code string) (*model.License, error) {
	code = NormalizeCode(code)
	if code == "" {
		return nil, deny(ReasonInvalidKey)
	}
	lic, err := g.store.GetLicenseByCode(ctx, code)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, deny(ReasonInvalidKey)
		}
		return nil, fmt.Errorf("load license: %w", err)
	}
	switch lic.State(g.now()) {
	case model.LicenseBanned:
		return nil, deny(ReasonBanned)
	case model.LicenseDisabled:
		return nil, deny(ReasonDisabled)
	case model.LicenseExpired:
		return nil, deny(ReasonExpired)
	}
	return lic, nil
}

func (g *Gateway) Issue(ctx context.Context, req IssueRequest) ([]string, error) {
	if req.DurationDays < MinDurationDays || req.DurationDays > MaxDurationDays {
		return nil, fmt.Errorf("%w: duration_days must be between %d and %d", ErrInvalidInput, MinDurationDays, MaxDurationDays)
	}
	if req.Count < MinIssueCount || req.Count > MaxIssueCount {
		return nil, fmt.Errorf("%w: count must be between %d and %d", ErrInvalidInput, MinIssueCount, MaxIssueCount)
	}
	codes, err := g.store.IssueLicenses(ctx, store.IssueInput{
		Count:        req.Count,
		DurationDays: req.DurationDays,
		Label:        req.Label,
		NextCode:     g.codes.Next,
	})
	if err != nil {
		if errors.Is(err, store.ErrCodeCollision) {
			g.log.Error().Int("count", req.Count).Msg("key code space exhausted")
			return nil, fmt.Errorf("%w: %v", ErrCodeSpaceExhausted, err)
		}
		return nil, fmt.Errorf("issue licenses: %w", err)
	}
	metrics.Default().AddKeysIssued(len(codes))
	g.log.Info().Int("count", len(codes)).Int("days", req.DurationDays).Str("label", req.Label).Msg("keys issued")
	return codes, nil
}

// DaysLeft rounds the remaining entitlement up to whole days.
func DaysLeft(expiry, now time.Time) int {
	remaining := expiry.Sub(now)
	if remaining <= 0 {
		return 0
	}
	return int(math.Ceil(float64(remaining) / float64(day)))
}

func (g *Gateway) refuse(ctx context.Context, lic *model.License, hwid string, meta Meta, r Reason) error {
	g.record(ctx, lic.ID, hwid, meta, string(r), g.now())
	return deny(r)
}

// record is best-effort; a failed usage insert never changes the validation result.
func (g *Gateway) record(ctx context.Context, licenseID int64, hwid string, meta Meta, outcome string, at time.Time) {
	metrics.Default().IncValidation(outcome)
	err := g.store.RecordUsage(ctx, store.UsageInput{
		LicenseID:  licenseID,
		HWID:       hwid,
		IP:         meta.IP,
		Outcome:    outcome,
		ObservedAt: at.UTC(),
	})
	if err != nil {
		g.log.Warn().Err(err).Int64("license_id", licenseID).Msg("record usage")
	}
}
