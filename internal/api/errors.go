// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/getouch/smsgw/internal/store"
)

// Error codes surfaced in JSON error bodies.
const (
	codeAuthMissing = "auth_missing"
	codeAuthInvalid = "auth_invalid"
	codeAuthScope   = "auth_scope"
	codeRateLimited = "rate_limited"
	codeValidation  = "validation"
	codeNotFound    = "not_found"
	codeConflict    = "conflict"
	codeInternal    = "internal"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeErr writes the standard error envelope.
func writeErr(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	writeErr(w, http.StatusUnauthorized, codeAuthInvalid, message)
}

func writeForbidden(w http.ResponseWriter) {
	writeErr(w, http.StatusForbidden, codeAuthScope, "missing required scope")
}

func writeNotFound(w http.ResponseWriter) {
	writeErr(w, http.StatusNotFound, codeNotFound, "not found")
}

func writeValidation(w http.ResponseWriter, message string) {
	writeErr(w, http.StatusBadRequest, codeValidation, message)
}

func writeInternal(w http.ResponseWriter) {
	writeErr(w, http.StatusInternalServerError, codeInternal, "internal error")
}

// writeStoreErr maps store sentinel errors onto the HTTP taxonomy.
func writeStoreErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeNotFound(w)
	case errors.Is(err, store.ErrConflict):
		writeErr(w, http.StatusConflict, codeConflict, "resource already exists")
	case errors.Is(err, store.ErrInvalidPairCode):
		writeErr(w, http.StatusBadRequest, codeValidation, "invalid code")
	default:
		writeInternal(w)
	}
}

// decodeJSON decodes a bounded JSON request body.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	return dec.Decode(v)
}
