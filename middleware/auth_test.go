package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

type staticSession string

func (s staticSession) UserID() string { return string(s) }

func TestRequireSession(t *testing.T) {
	var seen string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = UserIDFromContext(r)
	})

	rec := httptest.NewRecorder()
	RequireSession(staticSession(""))(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, seen)

	rec = httptest.NewRecorder()
	RequireSession(staticSession("u1"))(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "u1", seen)
}

func TestUserIDFromContextWithoutSession(t *testing.T) {
	assert.Empty(t, UserIDFromContext(httptest.NewRequest(http.MethodGet, "/", nil)))
}
