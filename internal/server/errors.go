package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"navidai/internal/chat"
	"navidai/internal/onboarding"
	"navidai/internal/session"
	"navidai/internal/signup"
	"navidai/internal/util"
	"navidai/pkg/auth"
)

const (
	codeValidation        = "VALIDATION_ERROR"
	codeUnauthorized      = "UNAUTHORIZED"
	codeForbidden         = "FORBIDDEN"
	codeNotFound          = "NOT_FOUND"
	codeMethodNotAllowed  = "METHOD_NOT_ALLOWED"
	codeRateLimited       = "RATE_LIMITED"
	codeUpstream          = "UPSTREAM_ERROR"
	codeInternal          = "INTERNAL_ERROR"
	codeExportUnavailable = "EXPORT_UNAVAILABLE"
	codeUnderage          = "UNDERAGE"

	underageMessage = "You must be at least %d years old to use Navid AI."
)

// errorBody is the uniform error envelope.
type errorBody struct {
	Message string         `json:"message"`
	Code    string         `json:"code"`
	Details map[string]any `json:"details"`
}

type errorMapping struct {
	err     error
	status  int
	code    string
	message string
	field   string
}

// errorTable maps service sentinels onto the wire. An empty message falls
// back to the sentinel's text; a field puts the message under details.
var errorTable = []errorMapping{
	{signup.ErrEmailAlreadyExists, http.StatusConflict, "EMAIL_ALREADY_EXISTS", "Email already exists", ""},
	{signup.ErrSignupTokenExpired, http.StatusGone, "SIGNUP_TOKEN_EXPIRED", "Signup token expired or invalid", ""},
	{signup.ErrInvalidToken, http.StatusBadRequest, "INVALID_TOKEN", "Invalid signup token", ""},
	{signup.ErrCodeExpired, http.StatusGone, "CODE_EXPIRED", "Verification code expired", ""},
	{signup.ErrInvalidCode, http.StatusBadRequest, "INVALID_CODE", "Incorrect verification code", ""},
	{signup.ErrUnderage, http.StatusUnprocessableEntity, codeUnderage, "You are below the minimum age to use Navid AI.", ""},
	{signup.ErrBirthDateInFuture, http.StatusBadRequest, codeValidation, "Birth date cannot be in the future.", "birthDate"},
	{signup.ErrResendTooSoon, http.StatusTooManyRequests, "RESEND_TOO_SOON", "Please wait before requesting another code", ""},
	{session.ErrInvalidCredentials, http.StatusUnauthorized, "INVALID_CREDENTIALS", "", ""},
	{onboarding.ErrUserNotFound, http.StatusUnauthorized, codeUnauthorized, "Authentication credentials were not provided.", ""},
	{chat.ErrConversationNotFound, http.StatusNotFound, codeNotFound, "Not found.", ""},
	{chat.ErrEmptyContent, http.StatusBadRequest, codeValidation, "This field may not be blank.", "content"},
	{chat.ErrInvalidTitle, http.StatusBadRequest, codeValidation, "Ensure this field has between 1 and 255 characters.", "title"},
	{chat.ErrInvalidCursor, http.StatusBadRequest, codeValidation, "Invalid cursor", "cursor"},
	{chat.ErrUpstream, http.StatusBadGateway, codeUpstream, "The assistant is unavailable right now. Please try again.", ""},
	{chat.ErrExportDisabled, http.StatusServiceUnavailable, codeExportUnavailable, "", ""},
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, msg string, details map[string]any) {
	if details == nil {
		details = map[string]any{}
	}
	writeJSON(w, status, errorBody{Message: msg, Code: code, Details: details})
}

func writeValidation(w http.ResponseWriter, details map[string]any) {
	writeError(w, http.StatusBadRequest, codeValidation, "Validation Error", details)
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	for _, m := range allowed {
		w.Header().Add("Allow", m)
	}
	writeError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed, "Method not allowed.", nil)
}

func unauthorized(w http.ResponseWriter) {
	writeError(w, http.StatusUnauthorized, codeUnauthorized, "Authentication credentials were not provided.", nil)
}

// writeServiceError renders err through errorTable. Anything unmapped is
// logged and reported as a 500 without internals.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	if problems := auth.ProblemsOf(err); len(problems) > 0 {
		writeValidation(w, map[string]any{"password": problems})
		return
	}
	for _, m := range errorTable {
		if !errors.Is(err, m.err) {
			continue
		}
		msg := m.message
		if msg == "" {
			msg = m.err.Error()
		}
		if m.status >= http.StatusInternalServerError {
			util.LoggerFromContext(r.Context()).Warn("request failed", "code", m.code, "err", err)
		}
		if m.field != "" {
			writeError(w, m.status, m.code, "Validation Error", map[string]any{m.field: []string{msg}})
			return
		}
		writeError(w, m.status, m.code, msg, nil)
		return
	}
	util.LoggerFromContext(r.Context()).Error("unhandled error", "path", r.URL.Path, "err", err)
	writeError(w, http.StatusInternalServerError, codeInternal, "Internal server error.", nil)
}
