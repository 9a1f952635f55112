package server

import (
	"net/http"
	"strconv"

	"github.com/buymybills/Incollabe-BE-sub001/pkg/auth"
	"github.com/buymybills/Incollabe-BE-sub001/pkg/autherr"
	"github.com/buymybills/Incollabe-BE-sub001/pkg/vault"
)

const (
	defaultNotificationLimit = 20
	maxNotificationLimit     = 100
)

// wrapResponse decodes the request body into Req, runs logic and writes its result as JSON.
func wrapResponse[Req any](s *Server, w http.ResponseWriter, r *http.Request, status int, logic func(req Req) (any, error)) {
	var req Req
	if err := decode(r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}

	reply, err := logic(req)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	writeJSON(w, status, reply)
}

type codeRequest struct {
	Channel    vault.IdentifierKind `json:"channel"`
	Identifier string               `json:"identifier"`
}

type verifyRequest struct {
	Channel    vault.IdentifierKind `json:"channel"`
	Identifier string               `json:"identifier"`
	Code       string               `json:"code"`
	DeviceID   string               `json:"deviceId"`
}

type creatorSignupRequest struct {
	Phone    string `json:"phone"`
	Username string `json:"username"`
	DeviceID string `json:"deviceId"`
}

type organizationSignupRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
	DeviceID string `json:"deviceId"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	DeviceID string `json:"deviceId"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type forgotPasswordRequest struct {
	Email string `json:"email"`
}

type resetPasswordRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

func channel(kind vault.IdentifierKind) (vault.IdentifierKind, error) {
	if !kind.Valid() {
		return "", autherr.New(autherr.KindInvalidInput, "channel must be phone or email")
	}
	return kind, nil
}

func (s *Server) requestCode(w http.ResponseWriter, r *http.Request) {
	wrapResponse(s, w, r, http.StatusOK, func(req codeRequest) (any, error) {
		kind, err := channel(req.Channel)
		if err != nil {
			return nil, err
		}
		return s.auth.RequestCode(r.Context(), kind, req.Identifier)
	})
}

func (s *Server) verifyCode(w http.ResponseWriter, r *http.Request) {
	wrapResponse(s, w, r, http.StatusOK, func(req verifyRequest) (any, error) {
		kind, err := channel(req.Channel)
		if err != nil {
			return nil, err
		}
		return s.auth.VerifyCode(r.Context(), kind, req.Identifier, req.Code, deviceFrom(r, req.DeviceID))
	})
}

func (s *Server) signupCreator(w http.ResponseWriter, r *http.Request) {
	wrapResponse(s, w, r, http.StatusCreated, func(req creatorSignupRequest) (any, error) {
		return s.auth.SignupCreator(r.Context(), auth.CreatorSignup{
			Phone:    req.Phone,
			Username: req.Username,
			Device:   deviceFrom(r, req.DeviceID),
		})
	})
}

func (s *Server) signupOrganization(w http.ResponseWriter, r *http.Request) {
	wrapResponse(s, w, r, http.StatusCreated, func(req organizationSignupRequest) (any, error) {
		return s.auth.SignupOrganization(r.Context(), auth.OrganizationSignup{
			Email:    req.Email,
			Username: req.Username,
			Password: req.Password,
			Device:   deviceFrom(r, req.DeviceID),
		})
	})
}

func (s *Server) loginOrganization(w http.ResponseWriter, r *http.Request) {
	wrapResponse(s, w, r, http.StatusOK, func(req loginRequest) (any, error) {
		return s.auth.LoginOrganization(r.Context(), req.Email, req.Password, deviceFrom(r, req.DeviceID))
	})
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	wrapResponse(s, w, r, http.StatusOK, func(req refreshRequest) (any, error) {
		return s.tokens.Rotate(r.Context(), req.RefreshToken)
	})
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	wrapResponse(s, w, r, http.StatusOK, func(req refreshRequest) (any, error) {
		if err := s.tokens.Logout(r.Context(), req.RefreshToken); err != nil {
			return nil, err
		}
		return map[string]bool{"loggedOut": true}, nil
	})
}

// forgotPassword answers identically for known and unknown addresses.
func (s *Server) forgotPassword(w http.ResponseWriter, r *http.Request) {
	wrapResponse(s, w, r, http.StatusAccepted, func(req forgotPasswordRequest) (any, error) {
		resetToken, err := s.auth.RequestPasswordReset(r.Context(), req.Email)
		if err != nil {
			return nil, err
		}

		reply := map[string]string{"status": "accepted"}
		if s.opts.ExposeResetTokens && resetToken != "" {
			reply["resetToken"] = resetToken
		}
		return reply, nil
	})
}

func (s *Server) resetPassword(w http.ResponseWriter, r *http.Request) {
	wrapResponse(s, w, r, http.StatusOK, func(req resetPasswordRequest) (any, error) {
		if err := s.auth.ResetPassword(r.Context(), req.Token, req.Password); err != nil {
			return nil, err
		}
		return map[string]bool{"reset": true}, nil
	})
}

func (s *Server) logoutAll(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFrom(r.Context())

	revoked, err := s.tokens.LogoutAll(r.Context(), principal)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"revoked": revoked})
}

func (s *Server) sessionCount(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFrom(r.Context())

	count, err := s.tokens.CurrentSessionCount(r.Context(), principal)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]int64{"sessions": count})
}

func (s *Server) deleteAccount(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFrom(r.Context())

	if err := s.auth.DeleteAccount(r.Context(), principal); err != nil {
		writeError(w, s.logger, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listNotifications(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFrom(r.Context())

	limit := defaultNotificationLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, s.logger, autherr.New(autherr.KindInvalidInput, "limit must be a positive integer"))
			return
		}
		limit = min(n, maxNotificationLimit)
	}

	notifications, err := s.notifications.List(r.Context(), principal, limit)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"notifications": notifications})
}
