// Package httpx holds the JSON and error-mapping helpers shared by the
// service handlers.
package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"checkoutledger/internal/inventory"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// RetryAfter is advertised on contention and store-unavailable responses.
var RetryAfter = time.Second

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Field     string `json:"field,omitempty"`
	Remaining *int   `json:"remaining,omitempty"`
}

// JSON writes v with the given status.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

// Decode reads a JSON body into v. Malformed bodies and unknown fields are
// validation failures.
func Decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return inventory.Invalid("body", "request body is empty")
		}
		return inventory.Invalid("body", "malformed JSON: %v", err)
	}
	return nil
}

// DecodeOptional is Decode that accepts an empty body.
func DecodeOptional(r *http.Request, v any) error {
	if r.Body == nil || r.Body == http.NoBody || r.ContentLength == 0 {
		return nil
	}
	return Decode(r, v)
}

// PathUUID parses the named chi URL parameter.
func PathUUID(r *http.Request, name string) (uuid.UUID, error) {
	raw := chi.URLParam(r, name)
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, inventory.Invalid(name, "invalid id %q", raw)
	}
	return id, nil
}

// QueryTime parses an RFC 3339 query parameter, falling back to def when absent.
func QueryTime(r *http.Request, name string, def time.Time) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, inventory.Invalid(name, "must be RFC 3339, got %q", raw)
	}
	return t, nil
}

// Status maps a ledger error to its HTTP status and machine-readable code.
func Status(err error) (int, string) {
	switch {
	case errors.Is(err, inventory.ErrValidation):
		return http.StatusBadRequest, "validation"
	case errors.Is(err, inventory.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, inventory.ErrInsufficientStock):
		return http.StatusConflict, "insufficient_stock"
	case errors.Is(err, inventory.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, inventory.ErrInvariantViolation):
		return http.StatusUnprocessableEntity, "invariant_violation"
	case errors.Is(err, inventory.ErrContention):
		return http.StatusServiceUnavailable, "contention"
	case errors.Is(err, inventory.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "store_unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// Error writes err as a JSON error response. Unclassified errors are logged
// and their text withheld from the client.
func Error(w http.ResponseWriter, r *http.Request, log logrus.FieldLogger, err error) {
	status, code := Status(err)
	body := ErrorBody{Error: err.Error(), Code: code}

	var verr *inventory.ValidationError
	if errors.As(err, &verr) {
		body.Field = verr.Field
	}
	var serr *inventory.InsufficientStockError
	if errors.As(err, &serr) {
		remaining := serr.Remaining
		body.Remaining = &remaining
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", strconv.Itoa(int(RetryAfter.Seconds())))
	}
	if status == http.StatusInternalServerError {
		log.WithError(err).WithField("path", r.URL.Path).Error("unhandled error")
		body.Error = http.StatusText(status)
	} else {
		log.WithError(err).WithFields(logrus.Fields{
			"path":   r.URL.Path,
			"status": status,
		}).Debug("request rejected")
	}
	JSON(w, status, body)
}

// Message writes a simple {"error": msg} body, used by middleware.
func Message(w http.ResponseWriter, status int, code, format string, args ...any) {
	JSON(w, status, ErrorBody{Error: fmt.Sprintf(format, args...), Code: code})
}
