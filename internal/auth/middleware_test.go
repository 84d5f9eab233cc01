package auth_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wuwenbin0122/perps.ai/internal/auth"
)

func identityRouter(gate gin.HandlerFunc, extra ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()

	handlers := append(extra, gate, func(c *gin.Context) {
		identity := auth.IdentityFrom(c)
		if identity == nil {
			c.JSON(http.StatusOK, gin.H{"guest": true})
			return
		}
		c.JSON(http.StatusOK, gin.H{"userId": identity.UserID, "email": identity.Email})
	})
	router.GET("/whoami", handlers...)
	return router
}

func issueToken(t *testing.T, svc *auth.Service) (string, string) {
	t.Helper()
	result, err := svc.Register(context.Background(), auth.RegisterInput{
		Email:    "dana@example.com",
		Password: "secret1",
		Name:     "Dana",
	})
	require.NoError(t, err)
	return result.Token, result.User.ID
}

func TestRequireAuth(t *testing.T) {
	svc := newTestService(t, time.Hour)
	token, userID := issueToken(t, svc)
	router := identityRouter(auth.RequireAuth(svc))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/whoami", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"message":"Access token required"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"message":"Invalid or expired token"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "bearer "+token)
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), userID)
}

func TestOptionalAuthFallsBackToGuest(t *testing.T) {
	svc := newTestService(t, time.Hour)
	token, userID := issueToken(t, svc)
	router := identityRouter(auth.OptionalAuth(svc, zap.NewNop()))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/whoami", nil))
	assert.JSONEq(t, `{"guest":true}`, rec.Body.String())

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer expired.or.bogus")
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"guest":true}`, rec.Body.String())

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	router.ServeHTTP(rec, req)
	assert.Contains(t, rec.Body.String(), userID)
}

func TestQueryTokenFeedsGate(t *testing.T) {
	svc := newTestService(t, time.Hour)
	token, userID := issueToken(t, svc)
	router := identityRouter(auth.RequireAuth(svc), auth.QueryToken())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/whoami?token="+token, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), userID)
}

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "abc", auth.BearerToken("Bearer abc"))
	assert.Equal(t, "abc", auth.BearerToken("BEARER  abc "))
	assert.Empty(t, auth.BearerToken("Basic abc"))
	assert.Empty(t, auth.BearerToken("abc"))
	assert.Empty(t, auth.BearerToken(""))
}
