package license

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrCodeSpaceExhausted  = errors.New("could not generate a unique key code")
	ErrActivationContended = errors.New("activation did not settle")
)

type Reason string

const (
	ReasonInvalidKey   Reason = "INVALID_KEY"
	ReasonDisabled     Reason = "DISABLED"
	ReasonBanned       Reason = "BANNED"
	ReasonHWIDMismatch Reason = "HWID_MISMATCH"
	ReasonExpired      Reason = "EXPIRED"
)

var reasonMessages = map[Reason]string{
	ReasonInvalidKey:   "Invalid key",
	ReasonDisabled:     "Key is disabled",
	ReasonBanned:       "Key is banned",
	ReasonHWIDMismatch: "Key is locked to another PC",
	ReasonExpired:      "Key expired",
}

// DenialError is returned when a key exists in some form but may not be used.
type DenialError struct {
	Reason Reason
}

func (e *DenialError) Error() string {
	return fmt.Sprintf("license denied: %s", e.Reason)
}

// Message is the human readable text shown to clients.
func (e *DenialError) Message() string {
	if msg, ok := reasonMessages[e.Reason]; ok {
		return msg
	}
	return string(e.Reason)
}

func deny(r Reason) error {
	return &DenialError{Reason: r}
}

// DenialReason extracts the reason from err, if err is a denial.
func DenialReason(err error) (Reason, bool) {
	var d *DenialError
	if errors.As(err, &d) {
		return d.Reason, true
	}
	return "", false
}
