package middleware

import (
	"net/http"

	villenauth "github.com/rahulkumar-andc/villen-auth"
)

// CSRF enforces the double-submit check on state-changing requests. Safe
// methods pass through, and when the caller is authenticated but has no
// token cookie yet, one is issued on the way out. Must run after [Guard]
// so the session binding is available.
func CSRF(engine *villenauth.Engine, cookieName, headerName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if engine == nil {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}

			claims, _ := ClaimsFromContext(r.Context())

			if safeMethod(r.Method) {
				if claims != nil {
					if _, err := r.Cookie(cookieName); err != nil {
						issueCookie(w, engine, cookieName, claims.SessionID)
					}
				}
				next.ServeHTTP(w, r)
				return
			}

			if claims == nil {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}

			var cookieValue string
			if cookie, err := r.Cookie(cookieName); err == nil {
				cookieValue = cookie.Value
			}
			echoed := r.Header.Get(headerName)

			if err := engine.ValidateCSRF(r.Context(), claims.SessionID, cookieValue, echoed); err != nil {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func safeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	default:
		return false
	}
}

func issueCookie(w http.ResponseWriter, engine *villenauth.Engine, cookieName, sessionID string) {
	token, err := engine.IssueCSRF(sessionID)
	if err != nil {
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    token,
		Path:     "/",
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
		// Not HttpOnly: the client must read it to echo it in the header.
	})
}
