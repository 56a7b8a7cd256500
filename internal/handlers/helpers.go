package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/ternarybob/scriba/internal/models"
)

// RequireMethod validates that the HTTP request uses the specified method.
// Returns true if the method matches, false otherwise (and writes error response).
func RequireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		w.Header().Set("Allow", method)
		WriteJSON(w, http.StatusMethodNotAllowed, models.NewAPIError(models.ErrKindBadRequest, "method not allowed"))
		return false
	}
	return true
}

// WriteJSON writes a JSON response with the specified status code and data.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(data)
}

// WriteAPIError writes an error in the stable wire shape
// {error_kind, message, retry_after?}, with Retry-After mirrored as a
// header for RateLimited responses.
func WriteAPIError(w http.ResponseWriter, err error) error {
	apiErr := models.AsAPIError(err)
	if apiErr.Kind == models.ErrKindRateLimited && apiErr.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(apiErr.RetryAfter))
	}
	return WriteJSON(w, apiErr.Kind.HTTPStatus(), apiErr)
}

// PathSuffix returns the path segment after prefix, or "" when the path
// does not match or has trailing segments.
func PathSuffix(r *http.Request, prefix string) string {
	rest := strings.TrimPrefix(r.URL.Path, prefix)
	if rest == r.URL.Path || rest == "" || strings.Contains(rest, "/") {
		return ""
	}
	return rest
}

// CallerKey identifies the caller for rate limiting: the API key header
// when present, the client address otherwise.
func CallerKey(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return "key:" + key
	}
	// Honor the standard proxy header so all callers behind one proxy are
	// not pooled into a single bucket.
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first, _, found := strings.Cut(fwd, ","); found || first != "" {
			return "ip:" + strings.TrimSpace(first)
		}
	}
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i > 0 {
		host = host[:i]
	}
	return "ip:" + host
}
