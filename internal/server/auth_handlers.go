package server

import (
	"errors"
	"fmt"
	"net/http"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"

	"navidai/internal/security"
	"navidai/internal/signup"
	"navidai/pkg/domain"
)

const maxNameLength = 255

type userView struct {
	UserID             string `json:"userId"`
	Email              string `json:"email"`
	Name               string `json:"name"`
	OnboardingComplete bool   `json:"onboardingComplete"`
}

func newUserView(u domain.User) userView {
	return userView{
		UserID:             "usr_" + u.ID,
		Email:              u.Email,
		Name:               u.FullName,
		OnboardingComplete: u.OnboardingComplete,
	}
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type signupStartResponse struct {
	SignupToken  string              `json:"signupToken"`
	Email        string              `json:"email"`
	Verification signup.Verification `json:"verification"`
}

type signupTokenRequest struct {
	SignupToken string `json:"signupToken"`
	Code        string `json:"code"`
	FullName    string `json:"fullName"`
	BirthDate   string `json:"birthDate"`
}

func (s *Server) handleSignupStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req credentialsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	details := map[string]any{}
	requireEmail(details, req.Email)
	requireField(details, "password", req.Password)
	if len(details) > 0 {
		writeValidation(w, details)
		return
	}
	attempt, verification, err := s.signup.Start(r.Context(), req.Email, req.Password)
	if err != nil {
		s.audit(r, security.EventSignupStart, security.OutcomeFail)
		writeServiceError(w, r, err)
		return
	}
	s.audit(r, security.EventSignupStart, security.OutcomeSuccess)
	writeJSON(w, http.StatusCreated, signupStartResponse{
		SignupToken:  attempt.Token,
		Email:        attempt.Email,
		Verification: verification,
	})
}

func (s *Server) handleSignupResend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req signupTokenRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if _, err := s.signup.ResendCode(r.Context(), req.SignupToken); err != nil {
		s.audit(r, security.EventSignupResend, security.OutcomeFail)
		writeServiceError(w, r, err)
		return
	}
	s.audit(r, security.EventSignupResend, security.OutcomeSuccess)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSignupVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req signupTokenRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	details := map[string]any{}
	requireField(details, "signupToken", req.SignupToken)
	requireField(details, "code", req.Code)
	if len(details) > 0 {
		writeValidation(w, details)
		return
	}
	attempt, err := s.signup.VerifyCode(r.Context(), req.SignupToken, req.Code)
	if err != nil {
		s.audit(r, security.EventSignupVerify, security.OutcomeFail)
		writeServiceError(w, r, err)
		return
	}
	s.audit(r, security.EventSignupVerify, security.OutcomeSuccess)
	writeJSON(w, http.StatusOK, map[string]any{
		"signupToken":   attempt.Token,
		"emailVerified": true,
	})
}

func (s *Server) handleSignupComplete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req signupTokenRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	details := map[string]any{}
	requireField(details, "signupToken", req.SignupToken)
	requireField(details, "fullName", req.FullName)
	if utf8.RuneCountInString(strings.TrimSpace(req.FullName)) > maxNameLength {
		details["fullName"] = []string{"Ensure this field has no more than 255 characters."}
	}
	birthDate, ok := parseBirthDate(details, req.BirthDate)
	if len(details) > 0 || !ok {
		writeValidation(w, details)
		return
	}
	user, err := s.signup.Complete(r.Context(), req.SignupToken, req.FullName, birthDate)
	if errors.Is(err, signup.ErrUnderage) {
		writeError(w, http.StatusUnprocessableEntity, codeUnderage, fmt.Sprintf(underageMessage, s.signup.MinAge()), nil)
		return
	}
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	token, err := s.sessions.Open(user.ID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	s.setSessionCookie(w, token)
	s.audit(r, "auth.signup.complete", security.OutcomeSuccess, "user_id", user.ID)
	writeJSON(w, http.StatusCreated, newUserView(user))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req credentialsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	details := map[string]any{}
	requireEmail(details, req.Email)
	requireField(details, "password", req.Password)
	if len(details) > 0 {
		writeValidation(w, details)
		return
	}
	user, token, err := s.sessions.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		s.audit(r, security.EventLogin, security.OutcomeFail)
		writeServiceError(w, r, err)
		return
	}
	s.setSessionCookie(w, token)
	s.audit(r, security.EventLogin, security.OutcomeSuccess, "user_id", user.ID)
	writeJSON(w, http.StatusOK, newUserView(user))
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if err := s.sessions.Logout(sessionToken(r)); err != nil {
		writeServiceError(w, r, err)
		return
	}
	s.clearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

// handleMe answers null for anonymous callers; DELETE removes the account.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		user, ok, err := s.sessions.CurrentUser(r.Context(), sessionToken(r))
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		if !ok {
			writeJSON(w, http.StatusOK, nil)
			return
		}
		writeJSON(w, http.StatusOK, newUserView(user))
	case http.MethodDelete:
		user, ok := s.currentUser(w, r)
		if !ok {
			return
		}
		if err := s.sessions.DeleteAccount(r.Context(), user, sessionToken(r)); err != nil {
			writeServiceError(w, r, err)
			return
		}
		s.clearSessionCookie(w)
		s.audit(r, "auth.account.delete", security.OutcomeSuccess, "user_id", user.ID)
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, http.MethodGet, http.MethodDelete)
	}
}

// Password reset is accepted at the boundary without effect.
func (s *Server) handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req struct {
		Email string `json:"email"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	details := map[string]any{}
	requireEmail(details, req.Email)
	if len(details) > 0 {
		writeValidation(w, details)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req struct {
		Token    string `json:"token"`
		Password string `json:"password"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	details := map[string]any{}
	requireField(details, "token", req.Token)
	requireField(details, "password", req.Password)
	if len(details) > 0 {
		writeValidation(w, details)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func requireField(details map[string]any, field, value string) {
	if strings.TrimSpace(value) == "" {
		details[field] = []string{"This field is required."}
	}
}

func requireEmail(details map[string]any, email string) {
	email = strings.TrimSpace(email)
	if email == "" {
		details["email"] = []string{"This field is required."}
		return
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || addr.Name != "" {
		details["email"] = []string{"Enter a valid email address."}
	}
}

func parseBirthDate(details map[string]any, raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		details["birthDate"] = []string{"This field is required."}
		return time.Time{}, false
	}
	d, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		details["birthDate"] = []string{"Date has wrong format. Use YYYY-MM-DD."}
		return time.Time{}, false
	}
	return d, true
}
