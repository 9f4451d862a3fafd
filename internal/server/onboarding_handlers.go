package server

import (
	"net/http"

	"navidai/internal/onboarding"
	"navidai/pkg/domain"
)

type onboardingRequest struct {
	Intent *string   `json:"intent"`
	Goals  *[]string `json:"goals"`
}

func (req onboardingRequest) fields() onboarding.Fields {
	return onboarding.Fields{Intent: req.Intent, Goals: req.Goals}
}

type progressView struct {
	Intent             string   `json:"intent"`
	Goals              []string `json:"goals"`
	OnboardingComplete bool     `json:"onboardingComplete"`
}

func newProgressView(p domain.OnboardingProgress, complete bool) progressView {
	goals := p.Goals
	if goals == nil {
		goals = []string{}
	}
	return progressView{Intent: p.Intent, Goals: goals, OnboardingComplete: complete}
}

func (s *Server) handleOnboardingProgress(w http.ResponseWriter, r *http.Request, user domain.User) {
	switch r.Method {
	case http.MethodGet:
		p, err := s.onboarding.Progress(r.Context(), user)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, newProgressView(p, user.OnboardingComplete))
	case http.MethodPatch:
		var req onboardingRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		p, err := s.onboarding.PatchProgress(r.Context(), user, req.fields())
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, newProgressView(p, user.OnboardingComplete))
	default:
		methodNotAllowed(w, http.MethodGet, http.MethodPatch)
	}
}

func (s *Server) handleOnboardingComplete(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req onboardingRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	updated, err := s.onboarding.Complete(r.Context(), user, req.fields())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newUserView(updated))
}
