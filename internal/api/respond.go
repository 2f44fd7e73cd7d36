package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"VPN-Outline-backend/internal/apperr"
)

const maxBody = 1 << 20

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    apperr.Kind `json:"kind"`
	Code    string      `json:"code"`
	Message string      `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders err with its stable kind and code. Internal details are logged only.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	e, ok := apperr.As(err)
	if !ok {
		e = apperr.Internal(err)
	}
	msg := e.Message
	switch e.Kind {
	case apperr.KindInternal:
		s.log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	case apperr.KindExternal:
		s.log.Warn("upstream failure", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeJSON(w, e.HTTPStatus(), errorBody{Error: errorDetail{Kind: e.Kind, Code: e.Code, Message: msg}})
}

// decode reads a JSON body into v and validates its struct tags.
func (s *Server) decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperr.Validation("invalid request body: %v", err)
	}
	if err := s.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return apperr.Validation("field %s failed %q", verrs[0].Field(), verrs[0].Tag())
		}
		return apperr.Validation("%v", err)
	}
	return nil
}

func pathInt(r *http.Request, name string) (int64, error) {
	v, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil {
		return 0, apperr.Validation("path parameter %s must be an integer", name)
	}
	return v, nil
}

func pathUint(r *http.Request, name string) (uint, error) {
	v, err := strconv.ParseUint(chi.URLParam(r, name), 10, 64)
	if err != nil {
		return 0, apperr.Validation("path parameter %s must be a positive integer", name)
	}
	return uint(v), nil
}

// allow applies the per-user rate for op and renders a 429 when exceeded.
func (s *Server) allow(w http.ResponseWriter, r *http.Request, userID int64, op string) bool {
	rate := rateFor(op)
	ok, err := s.Limiter.Allow(r.Context(), limitKey(userID, op), rate.Limit, rate.Window)
	if err != nil {
		// The limiter store is down; serve the request.
		s.log.Warn("rate limiter unavailable", zap.Error(err))
		return true
	}
	if !ok {
		writeJSON(w, http.StatusTooManyRequests, errorBody{Error: errorDetail{Kind: "rate_limited", Code: "rate_limited", Message: "too many requests"}})
		return false
	}
	return true
}
