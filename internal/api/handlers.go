package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/kaichat/internal/auth"
	"github.com/npezzotti/kaichat/internal/database"
	"github.com/npezzotti/kaichat/internal/server"
	"github.com/npezzotti/kaichat/internal/types"
)

const maxBodyBytes = 4096

type RequestCodeRequest struct {
	Phone string `json:"phone" validate:"required,e164"`
}

type VerifyCodeRequest struct {
	Phone string `json:"phone" validate:"required,e164"`
	Code  string `json:"code" validate:"required,len=6,numeric"`
}

type VerifyCodeResponse struct {
	Token     string     `json:"token"`
	ExpiresAt time.Time  `json:"expires_at"`
	User      types.User `json:"user"`
}

func (s *App) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Errorw("json encode", "error", err)
	}
}

func (s *App) writeError(w http.ResponseWriter, errResp *ApiError) {
	if errResp.StatusCode >= http.StatusInternalServerError {
		s.log.Errorw("request failed", "status", errResp.StatusCode, "error", errResp)
	}
	s.writeJson(w, errResp.StatusCode, errResp)
}

// decodeBody decodes and validates a JSON request body into v.
func (s *App) decodeBody(w http.ResponseWriter, r *http.Request, v any) *ApiError {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		return NewBadRequestError("")
	}

	if err := s.validate.Struct(v); err != nil {
		return NewBadRequestError(server.ValidationMessage(err))
	}

	return nil
}

func (s *App) healthCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(r.Context()); err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// requestCode asks the verifier to send a one-time code. It answers the same
// way whether or not an account exists for the number.
func (s *App) requestCode(w http.ResponseWriter, r *http.Request) {
	var req RequestCodeRequest
	if errResp := s.decodeBody(w, r, &req); errResp != nil {
		s.writeError(w, errResp)
		return
	}

	if err := s.verifier.RequestCode(r.Context(), req.Phone); err != nil {
		if errors.Is(err, auth.ErrVerifierUnavailable) {
			s.writeError(w, NewServiceUnavailableError(err))
			return
		}
		s.writeError(w, NewInternalServerError(err))
		return
	}

	s.writeJson(w, http.StatusAccepted, nil)
}

func (s *App) verifyCode(w http.ResponseWriter, r *http.Request) {
	var req VerifyCodeRequest
	if errResp := s.decodeBody(w, r, &req); errResp != nil {
		s.writeError(w, errResp)
		return
	}

	ok, err := s.verifier.CheckCode(r.Context(), req.Phone, req.Code)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrCodeNotFound),
			errors.Is(err, auth.ErrCodeExpired),
			errors.Is(err, auth.ErrTooManyAttempts):
			s.log.Infow("code verification failed", "phone", req.Phone, "error", err)
			s.writeError(w, NewAuthenticationError(err))
		case errors.Is(err, auth.ErrVerifierUnavailable):
			s.writeError(w, NewServiceUnavailableError(err))
		default:
			s.writeError(w, NewInternalServerError(err))
		}
		return
	}
	if !ok {
		s.log.Infow("code verification failed", "phone", req.Phone, "error", "code mismatch")
		s.writeError(w, NewAuthenticationError(nil))
		return
	}

	user, err := s.db.GetUserByPhone(r.Context(), req.Phone)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			s.writeError(w, NewNotFoundError())
			return
		}
		s.writeError(w, NewInternalServerError(err))
		return
	}

	token, exp, err := s.tokens.Issue(user.Id)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     auth.TokenCookieKey,
		Value:    token,
		Path:     "/",
		Expires:  exp,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})

	s.writeJson(w, http.StatusOK, VerifyCodeResponse{
		Token:     token,
		ExpiresAt: exp,
		User:      user,
	})
}

// serveWs authenticates the request and only then upgrades it. Every
// credential failure gets the same 401.
func (s *App) serveWs(w http.ResponseWriter, r *http.Request) {
	user, err := s.authn.Authenticate(r.Context(), auth.TokenFromRequest(r))
	if err != nil {
		if auth.IsAuthError(err) {
			s.log.Infow("websocket authentication failed", "remote_addr", r.RemoteAddr, "error", err)
			s.writeError(w, NewAuthenticationError(err))
			return
		}
		s.writeError(w, NewInternalServerError(err))
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already written an error response
		s.log.Warnw("error upgrading connection", "error", err)
		return
	}

	client := server.NewClient(user, conn, s.cs, s.log)
	if err := s.cs.RegisterClient(client); err != nil {
		s.log.Errorw("register client", "user_id", user.Id, "error", err)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "server busy"), time.Now().Add(time.Second))
		conn.Close()
		return
	}

	go client.Write()
	go client.Read()
}
