package api

import (
	"net/http"
	"net/url"
)

// RequireSameOrigin rejects cross-origin browser requests on mutating
// endpoints. Requests without an Origin or Referer (curl, native clients)
// pass through; token auth still applies.
func RequireSameOrigin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = r.Header.Get("Referer")
		}
		if origin != "" {
			u, err := url.Parse(origin)
			if err != nil || u.Host != r.Host {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
		}
		next(w, r)
	}
}
