// Package apierr writes the worker's wire-level error responses.
//
// The contract is small: field-validation failures return 422 with a JSON map
// of field name to error message, authentication failures return 401 with an
// empty body, and upstream/cancellation failures return 500 with an empty
// body.
package apierr

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// FieldErrors maps a request field to its validation error. Values are either
// strings ("missing parameter", "field missing") or nested FieldErrors for
// structured payload fields.
type FieldErrors map[string]any

// Error renders the map deterministically (sorted keys) for logs and tests.
func (e FieldErrors) Error() string {
	keys := make([]string, 0, len(e))
	for k := range e {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteString("; ")
		}
		fmt.Fprintf(&b, "%s: %v", k, e[k])
	}
	return b.String()
}

// WriteFieldErrors writes a 422 response with the error map as the body.
func WriteFieldErrors(w http.ResponseWriter, errs FieldErrors) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnprocessableEntity)
	_ = json.NewEncoder(w).Encode(errs)
}

// WriteJSON writes v as a JSON body with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteStatus writes a bare status code with an empty body.
func WriteStatus(w http.ResponseWriter, status int) {
	w.WriteHeader(status)
}
