package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/sessions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ticketing-checkout/internal/models"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// sessionCookie issues a session cookie the way the sign-in service would
func sessionCookie(t *testing.T, store sessions.Store, values map[interface{}]interface{}) *http.Cookie {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rr := httptest.NewRecorder()

	session, err := store.Get(req, "checkout_session")
	require.NoError(t, err)
	for k, v := range values {
		session.Values[k] = v
	}
	require.NoError(t, session.Save(req, rr))

	cookies := rr.Result().Cookies()
	require.Len(t, cookies, 1)
	return cookies[0]
}

func identityProbe(got **models.Identity) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*got = GetIdentity(r.Context())
		w.WriteHeader(http.StatusOK)
	})
}

func TestIdentityMiddleware_LoadIdentity(t *testing.T) {
	store := NewCookieStore(testSecret, false)
	mw := NewIdentityMiddleware(store, "checkout_session")

	tests := []struct {
		name   string
		values map[interface{}]interface{}
		wantID int64
	}{
		{name: "int64 user id", values: map[interface{}]interface{}{"user_id": int64(5), "email": "buyer@example.com", "name": "Ada"}, wantID: 5},
		{name: "int user id", values: map[interface{}]interface{}{"user_id": 7}, wantID: 7},
		{name: "string user id", values: map[interface{}]interface{}{"user_id": "9"}, wantID: 9},
		{name: "zero user id", values: map[interface{}]interface{}{"user_id": 0}},
		{name: "no user id", values: map[interface{}]interface{}{"email": "x@example.com"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/cart/1", nil)
			req.AddCookie(sessionCookie(t, store, tt.values))

			var got *models.Identity
			mw.LoadIdentity(identityProbe(&got)).ServeHTTP(httptest.NewRecorder(), req)

			if tt.wantID == 0 {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.wantID, got.UserID)
			assert.True(t, got.IsAuthenticated())
		})
	}
}

func TestIdentityMiddleware_CarriesContact(t *testing.T) {
	store := NewCookieStore(testSecret, false)
	mw := NewIdentityMiddleware(store, "checkout_session")

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(sessionCookie(t, store, map[interface{}]interface{}{"user_id": int64(5), "email": "buyer@example.com", "name": "Ada Buyer"}))

	var got *models.Identity
	mw.LoadIdentity(identityProbe(&got)).ServeHTTP(httptest.NewRecorder(), req)

	require.NotNil(t, got)
	assert.Equal(t, "buyer@example.com", got.Email)
	assert.Equal(t, "Ada Buyer", got.Name)
}

func TestIdentityMiddleware_TamperedCookieIsAnonymous(t *testing.T) {
	store := NewCookieStore(testSecret, false)
	mw := NewIdentityMiddleware(store, "checkout_session")

	other := NewCookieStore("fedcba9876543210fedcba9876543210", false)
	cookie := sessionCookie(t, other, map[interface{}]interface{}{"user_id": int64(5)})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookie)

	var got *models.Identity
	rr := httptest.NewRecorder()
	mw.LoadIdentity(identityProbe(&got)).ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Nil(t, got)
}

func TestRequireIdentity(t *testing.T) {
	handler := RequireIdentity(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/orders", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Contains(t, rr.Body.String(), `"unauthorized"`)

	req := httptest.NewRequest(http.MethodPost, "/api/orders", nil)
	req = req.WithContext(WithIdentity(req.Context(), &models.Identity{UserID: 5}))
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusCreated, rr.Code)
}
