package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/quistapp/keygate/internal/license"
)

type validateRequest struct {
	Key  string `json:"key" validate:"required,max=50"`
	HWID string `json:"hwid" validate:"required,max=255"`
}

type validateResponse struct {
	Granted  bool   `json:"granted"`
	Valid    bool   `json:"valid"`
	Message  string `json:"message"`
	Expires  string `json:"expires"`
	DaysLeft int    `json:"days_left"`
}

// validateError is the fixed error shape consumed by the desktop client.
type validateError struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		msg := "Key and HWID required"
		var fe *fieldError
		if errors.As(err, &fe) && fe.Tag == "max" {
			msg = "Input too long"
		}
		writeJSON(w, http.StatusBadRequest, validateError{Error: msg, Code: "INVALID_INPUT"})
		return
	}

	grant, err := s.licenses.Validate(r.Context(), req.Key, req.HWID, license.Meta{IP: clientIP(r)})
	if err != nil {
		var denial *license.DenialError
		switch {
		case errors.As(err, &denial):
			writeJSON(w, http.StatusUnauthorized, validateError{Error: denial.Message(), Code: string(denial.Reason)})
		case errors.Is(err, license.ErrInvalidInput):
			writeJSON(w, http.StatusBadRequest, validateError{Error: "Invalid input", Code: "INVALID_INPUT"})
		default:
			logError(r, err, "key validation failed")
			writeJSON(w, http.StatusInternalServerError, validateError{Error: "Server error"})
		}
		return
	}

	msg := "Access granted"
	if grant.Activated {
		msg = "Key activated!"
	}
	writeJSON(w, http.StatusOK, validateResponse{
		Granted:  true,
		Valid:    true,
		Message:  msg,
		Expires:  grant.Expiry.UTC().Format(time.RFC3339),
		DaysLeft: grant.DaysLeft,
	})
}
