package middleware

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gorilla/sessions"
	"github.com/sirupsen/logrus"

	"ticketing-checkout/internal/models"
)

type contextKey string

const (
	IdentityContextKey  contextKey = "identity"
	RequestIDContextKey contextKey = "request_id"
)

// IdentityMiddleware resolves the signed-in buyer from a cookie session.
// Sessions are issued elsewhere; this service only reads them.
type IdentityMiddleware struct {
	store       sessions.Store
	sessionName string
}

// NewIdentityMiddleware creates a new identity middleware
func NewIdentityMiddleware(store sessions.Store, sessionName string) *IdentityMiddleware {
	if sessionName == "" {
		sessionName = "session"
	}
	return &IdentityMiddleware{
		store:       store,
		sessionName: sessionName,
	}
}

// NewCookieStore creates the session store used to read identities
func NewCookieStore(secret string, secure bool) *sessions.CookieStore {
	store := sessions.NewCookieStore([]byte(secret))
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   86400 * 7,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
	return store
}

// LoadIdentity adds the session identity to the context. A missing or invalid
// session leaves the request anonymous.
func (m *IdentityMiddleware) LoadIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session, err := m.store.Get(r, m.sessionName)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"request_id": GetRequestID(r.Context()),
				"error":      err,
			}).Debug("Ignoring unreadable session")
			next.ServeHTTP(w, r)
			return
		}

		userID := sessionUserID(session.Values["user_id"])
		if userID <= 0 {
			next.ServeHTTP(w, r)
			return
		}

		identity := &models.Identity{UserID: userID}
		identity.Email, _ = session.Values["email"].(string)
		identity.Name, _ = session.Values["name"].(string)

		ctx := context.WithValue(r.Context(), IdentityContextKey, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireIdentity rejects anonymous requests with 401
func RequireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !GetIdentity(r.Context()).IsAuthenticated() {
			writeError(w, http.StatusUnauthorized, "unauthorized", "Please sign in to continue.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GetIdentity returns the identity from the context, or nil when anonymous
func GetIdentity(ctx context.Context) *models.Identity {
	if identity, ok := ctx.Value(IdentityContextKey).(*models.Identity); ok {
		return identity
	}
	return nil
}

// WithIdentity returns a copy of ctx carrying identity
func WithIdentity(ctx context.Context, identity *models.Identity) context.Context {
	return context.WithValue(ctx, IdentityContextKey, identity)
}

// sessionUserID accepts the numeric types session codecs produce
func sessionUserID(value interface{}) int64 {
	switch v := value.(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	case string:
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			return id
		}
	}
	return 0
}
