package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/kzi-nastava/mrs-team26-Pekari-sub001/internal/logging"
	"github.com/kzi-nastava/mrs-team26-Pekari-sub001/internal/rideerr"
)

const (
	userHeader   = "X-User-ID"
	maxBodyBytes = 1 << 20
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func statusFor(k rideerr.Kind) int {
	switch k {
	case rideerr.KindValidation:
		return http.StatusBadRequest
	case rideerr.KindState, rideerr.KindConflict:
		return http.StatusConflict
	case rideerr.KindForbidden:
		return http.StatusForbidden
	case rideerr.KindNotFound:
		return http.StatusNotFound
	case rideerr.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err as {"code","message"}. Internal details are logged,
// never returned.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	e := rideerr.From(r.Method+" "+routeTemplate(r), err)
	status := statusFor(e.Kind)
	if status >= http.StatusInternalServerError {
		logging.FromContext(r.Context(), s.logger).Error("request_failed", "code", e.Code, "error", e)
	} else if e.Err != nil {
		logging.FromContext(r.Context(), s.logger).Debug("request_rejected", "code", e.Code, "error", e.Err)
	}
	writeJSON(w, status, errorBody{Code: e.Code, Message: e.Message})
}

// callerID reads the identity set by the upstream gateway.
func (s *Server) callerID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(r.Header.Get(userHeader))
	if id == "" {
		writeJSON(w, http.StatusUnauthorized, errorBody{Code: "UNAUTHENTICATED", Message: "missing " + userHeader + " header"})
		return "", false
	}
	return id, true
}

// decode reads a JSON body; an empty body leaves v untouched when optional.
func decode(r *http.Request, v any, optional bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		verr := rideerr.Validation("body", "malformed JSON")
		verr.Err = err
		return verr
	}
	return nil
}
