package middleware

import (
	"net/http"
)

// Session copies the capture session id from the named cookie into the
// request context so outgoing calls made while serving the request can be
// attributed to it. Requests without the cookie pass through unchanged.
func Session(cookieName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			c, err := r.Cookie(cookieName)
			if err != nil || c.Value == "" {
				next.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithSessionID(r.Context(), c.Value)))
		})
	}
}
