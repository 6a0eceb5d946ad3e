// Package session pairs a client with the server-side calls made on its
// behalf. The identity lives in a cookie; on the server it travels through
// the request context so the interceptor can attribute outbound calls.
package session

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
)

const (
	// CookieName is the cookie carrying the session identity
	CookieName = "__reqwatch_sid"

	// CookieMaxAge is how long an issued identity stays stable
	CookieMaxAge = 30 * 24 * time.Hour
)

type contextKey struct{}

// NewID generates an opaque random session identity
func NewID() string {
	return uuid.NewString()
}

// WithSession returns a copy of ctx carrying the session identity
func WithSession(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the session identity carried by ctx. Absence is the
// normal case for work running outside a request, such as background jobs.
func FromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	id, ok := ctx.Value(contextKey{}).(string)
	return id, ok && id != ""
}

// FromRequest reads the session cookie from an inbound request
func FromRequest(r *http.Request) (string, bool) {
	if r == nil {
		return "", false
	}
	c, err := r.Cookie(CookieName)
	if err != nil || c.Value == "" {
		return "", false
	}
	return c.Value, true
}

// Middleware copies the session cookie of each inbound request into its
// context. Requests without the cookie pass through unchanged.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id, ok := FromRequest(r); ok {
			r = r.WithContext(WithSession(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}

// Issue returns the request's session identity, creating one and setting
// the cookie on the response when the request has none.
func Issue(w http.ResponseWriter, r *http.Request) string {
	if id, ok := FromRequest(r); ok {
		return id
	}
	id := NewID()
	http.SetCookie(w, newCookie(id, time.Now()))
	return id
}

// EnsureClient returns the identity stored for u in jar, creating and
// storing a new one when absent. It is the client-side resolver for Go
// programs that hold a cookie jar the way a browser does.
func EnsureClient(jar http.CookieJar, u *url.URL) string {
	if jar == nil || u == nil {
		return NewID()
	}
	for _, c := range jar.Cookies(u) {
		if c.Name == CookieName && c.Value != "" {
			return c.Value
		}
	}
	id := NewID()
	jar.SetCookies(u, []*http.Cookie{newCookie(id, time.Now())})
	return id
}

func newCookie(id string, now time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    id,
		Path:     "/",
		Expires:  now.Add(CookieMaxAge),
		MaxAge:   int(CookieMaxAge / time.Second),
		SameSite: http.SameSiteLaxMode,
	}
}
