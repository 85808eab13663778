// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/g1dev/g1d/internal/auth"
	"github.com/g1dev/g1d/internal/config"
)

func (s *Server) handleConfigGet(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "module")
	section, err := s.holder.Section(name)
	if err != nil {
		if errors.Is(err, config.ErrUnknownSection) {
			s.respondError(w, r, errCode(CodeNotFound, "unknown config section "+name))
			return
		}
		s.respondError(w, r, err)
		return
	}

	// Secrets never leave the process.
	if name == "security" {
		sec := section.(config.SecurityConfig)
		sec.JWTSecret = ""
		for i := range sec.APIKeys {
			sec.APIKeys[i].Key = "***"
		}
		section = sec
	}

	s.respond(w, r, http.StatusOK, "config section", map[string]any{
		"module": name,
		"config": section,
	})
}

type configUpdateRequest struct {
	Module          string          `json:"module"`
	Config          json.RawMessage `json:"config"`
	RestartRequired bool            `json:"restart_required,omitempty"`
}

func (s *Server) handleConfigUpdate(w http.ResponseWriter, r *http.Request) {
	var req configUpdateRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	if req.Module == "" || len(req.Config) == 0 {
		s.respondError(w, r, errValidation("module", "module and config are required"))
		return
	}

	updated, err := s.holder.UpdateSection(req.Module, req.Config)
	if err != nil {
		if errors.Is(err, config.ErrUnknownSection) {
			s.respondError(w, r, errCode(CodeNotFound, "unknown config section "+req.Module))
			return
		}
		s.respondError(w, r, errValidation("config", err.Error()))
		return
	}

	p, _ := auth.FromContext(r.Context())
	s.logger.Info().
		Str("event", "api.config_updated").
		Str("section", req.Module).
		Str("subject", p.Subject).
		Msg("config section updated over API")

	section, _ := sectionOf(updated, req.Module)
	s.respond(w, r, http.StatusOK, "config updated", map[string]any{
		"module":           req.Module,
		"config":           section,
		"restart_required": req.RestartRequired,
	})
}

// sectionOf re-extracts the named section from an updated document.
func sectionOf(c config.Config, name string) (any, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(doc[name], &out); err != nil {
		return nil, err
	}
	return out, nil
}

type tokenRequest struct {
	Subject string `json:"subject"`
	Role    string `json:"role"`
}

// handleIssueToken mints a JWT for service accounts. The requested role may
// not exceed the caller's own role.
func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	role := auth.Role(req.Role)
	if req.Subject == "" || !role.Valid() {
		s.respondError(w, r, errValidation("role", "subject and a valid role are required"))
		return
	}

	p, _ := auth.FromContext(r.Context())
	if !p.Role.AtLeast(role) {
		s.respondError(w, r, errCode(CodeAuthorization, "cannot issue a token above your own role"))
		return
	}

	token, err := s.auth.IssueToken(req.Subject, role)
	if err != nil {
		s.respondError(w, r, errCode(CodeInternal, "token generation failed"))
		return
	}
	s.respond(w, r, http.StatusOK, "token issued", map[string]any{
		"token":      token,
		"subject":    req.Subject,
		"role":       role,
		"expires_in": s.cfg().Security.TokenTTL.Seconds(),
	})
}
