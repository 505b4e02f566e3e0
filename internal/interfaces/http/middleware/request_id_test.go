package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestID(t *testing.T) {
	router := gin.New()
	router.Use(RequestID())
	router.GET("/test", func(c *gin.Context) {
		c.String(http.StatusOK, requestIDOf(c))
	})

	call := func(incoming string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		if incoming != "" {
			req.Header.Set(RequestIDHeader, incoming)
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	t.Run("assigns a uuid", func(t *testing.T) {
		rec := call("")
		id := rec.Header().Get(RequestIDHeader)
		_, err := uuid.Parse(id)
		require.NoError(t, err)
		assert.Equal(t, id, rec.Body.String())
	})

	t.Run("keeps caller id", func(t *testing.T) {
		rec := call("req-123")
		assert.Equal(t, "req-123", rec.Header().Get(RequestIDHeader))
		assert.Equal(t, "req-123", rec.Body.String())
	})

	t.Run("replaces unusable ids", func(t *testing.T) {
		for _, bad := range []string{strings.Repeat("a", maxRequestIDLength+1), "has space"} {
			rec := call(bad)
			assert.NotEqual(t, bad, rec.Header().Get(RequestIDHeader))
			assert.Len(t, rec.Header().Get(RequestIDHeader), 36)
		}
	})
}
