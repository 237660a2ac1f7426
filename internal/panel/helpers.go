package panel

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/rendis/invoiceflow/internal/runs"
	"github.com/rendis/invoiceflow/pkg/schema"
)

// Caller identity headers. Authentication happens in front of the panel.
const (
	headerCompanyID   = "X-Company-ID"
	headerCompanyName = "X-Company-Name"
	headerUserID      = "X-User-ID"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 10 << 20

// callerFrom reads the caller identity from the request headers.
func callerFrom(r *http.Request) runs.Caller {
	return runs.Caller{
		CompanyID:   r.Header.Get(headerCompanyID),
		CompanyName: r.Header.Get(headerCompanyName),
		UserID:      r.Header.Get(headerUserID),
	}
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeFlowError maps a service error to its HTTP status. Errors that are
// not a *schema.FlowError become 500.
func writeFlowError(w http.ResponseWriter, err error) {
	var fe *schema.FlowError
	if !errors.As(err, &fe) {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	body := map[string]any{"error": fe.Message, "code": fe.Code}
	if fe.NodeID != "" {
		body["node_id"] = fe.NodeID
	}
	if len(fe.Details) > 0 {
		body["details"] = fe.Details
	}
	writeJSON(w, statusFor(fe.Code), body)
}

// statusFor maps an error code to an HTTP status.
func statusFor(code string) int {
	switch code {
	case schema.ErrCodeValidation, schema.ErrCodeInvalidAction:
		return http.StatusBadRequest
	case schema.ErrCodeForbidden:
		return http.StatusForbidden
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody decodes the JSON request body into v. An empty body leaves v
// untouched.
func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return fmt.Errorf("invalid JSON: %w", err)
}

// queryInt extracts an integer query param with a default value.
func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
