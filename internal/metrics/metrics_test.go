package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMiddlewareLabelsByRouteTemplate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(Middleware())
	router.GET("/api/conversations/:id", func(c *gin.Context) { c.Status(http.StatusNotFound) })
	router.GET("/metrics", Handler())

	before := testutil.ToFloat64(RequestsTotal.WithLabelValues(http.MethodGet, "/api/conversations/:id", "404"))

	for _, id := range []string{"a", "b"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/conversations/"+id, nil))
		require.Equal(t, http.StatusNotFound, rec.Code)
	}

	after := testutil.ToFloat64(RequestsTotal.WithLabelValues(http.MethodGet, "/api/conversations/:id", "404"))
	assert.Equal(t, before+2, after)

	GenerationsTotal.WithLabelValues(OutcomeFallback).Inc()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "perps_api_requests_total"))
	assert.True(t, strings.Contains(body, `perps_chat_generations_total{outcome="fallback"}`))
}
