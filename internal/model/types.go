package model

import (
	"encoding/json"
	"time"
)

type LicenseState string

const (
	LicenseUnused   LicenseState = "unused"
	LicenseActive   LicenseState = "active"
	LicenseExpired  LicenseState = "expired"
	LicenseBanned   LicenseState = "banned"
	LicenseDisabled LicenseState = "disabled"
)

type License struct {
	ID           int64
	Code         string
	Label        string
	DurationDays int
	HWID         *string
	ActivatedAt  *time.Time
	ExpiresAt    *time.Time
	CreatedAt    time.Time
	Active       bool
	Banned       bool
}

// State derives the lifecycle stage from the stored flags and timestamps.
// Ban outranks every other field, then the active flag.
func (l License) State(now time.Time) LicenseState {
	switch {
	case l.Banned:
		return LicenseBanned
	case !l.Active:
		return LicenseDisabled
	case l.ActivatedAt == nil:
		return LicenseUnused
	case l.ExpiresAt != nil && now.After(*l.ExpiresAt):
		return LicenseExpired
	default:
		return LicenseActive
	}
}

// BoundTo reports whether the license is bound to exactly hwid.
func (l License) BoundTo(hwid string) bool {
	return l.HWID != nil && *l.HWID == hwid
}

type UsageEntry struct {
	ID         int64
	LicenseID  int64
	Code       string
	HWID       string
	IP         string
	Outcome    string
	ObservedAt time.Time
}

type Stats struct {
	TotalKeys      int
	ActiveKeys     int
	BannedKeys     int
	ValidationsDay int
}

type UserConfig struct {
	Code      string
	Config    json.RawMessage
	UpdatedAt time.Time
}

type AdminUser struct {
	ID           int64
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}
