package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lexmeter/backend/internal/infrastructure/auth"
	"github.com/lexmeter/backend/internal/infrastructure/config"
	"github.com/lexmeter/backend/internal/interfaces/http/dto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestJWTService() *auth.JWTService {
	return auth.NewJWTService(config.JWTConfig{
		Secret:                "test-secret-key-at-least-32-chars",
		Issuer:                "test-issuer",
		AccessTokenExpiration: 15 * time.Minute,
	})
}

type stubRevocations struct {
	revoked map[string]bool
	err     error
}

func (b *stubRevocations) Revoke(_ context.Context, jti string, _ time.Duration) error {
	b.revoked[jti] = true
	return nil
}

func (b *stubRevocations) IsRevoked(_ context.Context, jti string) (bool, error) {
	return b.revoked[jti], b.err
}

func newAuthRouter(cfg JWTMiddlewareConfig) *gin.Engine {
	router := gin.New()
	router.Use(JWTAuthMiddlewareWithConfig(cfg))
	router.GET("/api/v1/usage/summary", func(c *gin.Context) {
		userID, err := GetUserUUID(c)
		if err != nil {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.JSON(http.StatusOK, gin.H{"user_id": userID.String()})
	})
	router.GET("/health", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return router
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) *dto.ErrorInfo {
	t.Helper()
	var resp dto.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	return resp.Error
}

func TestJWTAuthMiddleware_ValidToken(t *testing.T) {
	jwtService := newTestJWTService()
	userID := uuid.New()
	token, err := jwtService.GenerateAccessToken(userID, auth.RoleAdmin)
	require.NoError(t, err)

	router := gin.New()
	router.Use(JWTAuthMiddleware(jwtService))
	router.GET("/test", func(c *gin.Context) {
		claims := GetJWTClaims(c)
		require.NotNil(t, claims)
		assert.Equal(t, userID.String(), claims.UserID)
		assert.True(t, claims.IsAdmin())
		assert.Equal(t, userID.String(), GetJWTUserID(c))
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set(AuthHeaderKey, BearerPrefix+token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestJWTAuthMiddleware_Rejections(t *testing.T) {
	jwtService := newTestJWTService()
	other := auth.NewJWTService(config.JWTConfig{Secret: "another-secret-key-at-least-32-chars", Issuer: "test-issuer"})
	foreign, err := other.GenerateAccessToken(uuid.New())
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		code   string
	}{
		{name: "missing header", header: "", code: dto.ErrCodeTokenInvalid},
		{name: "not bearer", header: "Basic dXNlcjpwYXNz", code: dto.ErrCodeTokenInvalid},
		{name: "empty token", header: "Bearer ", code: dto.ErrCodeTokenInvalid},
		{name: "garbage token", header: "Bearer not-a-jwt", code: dto.ErrCodeTokenInvalid},
		{name: "wrong signature", header: "Bearer " + foreign, code: dto.ErrCodeTokenInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newAuthRouter(DefaultJWTConfig(jwtService))

			req := httptest.NewRequest(http.MethodGet, "/api/v1/usage/summary", nil)
			if tt.header != "" {
				req.Header.Set(AuthHeaderKey, tt.header)
			}
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Equal(t, tt.code, decodeError(t, rec).Code)
		})
	}
}

func TestJWTAuthMiddleware_SkipPaths(t *testing.T) {
	router := newAuthRouter(DefaultJWTConfig(newTestJWTService()))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestJWTAuthMiddleware_DevUserHeader(t *testing.T) {
	userID := uuid.New()

	t.Run("accepted when allowed", func(t *testing.T) {
		cfg := DefaultJWTConfig(newTestJWTService())
		cfg.AllowDevUserHeader = true
		router := newAuthRouter(cfg)

		req := httptest.NewRequest(http.MethodGet, "/api/v1/usage/summary", nil)
		req.Header.Set(DevUserHeader, userID.String())
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), userID.String())
	})

	t.Run("ignored when not allowed", func(t *testing.T) {
		router := newAuthRouter(DefaultJWTConfig(newTestJWTService()))

		req := httptest.NewRequest(http.MethodGet, "/api/v1/usage/summary", nil)
		req.Header.Set(DevUserHeader, userID.String())
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("malformed id rejected", func(t *testing.T) {
		cfg := DefaultJWTConfig(newTestJWTService())
		cfg.AllowDevUserHeader = true
		router := newAuthRouter(cfg)

		req := httptest.NewRequest(http.MethodGet, "/api/v1/usage/summary", nil)
		req.Header.Set(DevUserHeader, "bob")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestJWTAuthMiddleware_Blacklist(t *testing.T) {
	jwtService := newTestJWTService()
	token, err := jwtService.GenerateAccessToken(uuid.New())
	require.NoError(t, err)
	claims, err := jwtService.ValidateAccessToken(token)
	require.NoError(t, err)

	t.Run("revoked token rejected", func(t *testing.T) {
		cfg := DefaultJWTConfig(jwtService)
		cfg.Revocations = &stubRevocations{revoked: map[string]bool{claims.ID: true}}
		router := newAuthRouter(cfg)

		req := httptest.NewRequest(http.MethodGet, "/api/v1/usage/summary", nil)
		req.Header.Set(AuthHeaderKey, BearerPrefix+token)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, dto.ErrCodeTokenRevoked, decodeError(t, rec).Code)
	})

	t.Run("revocation store outage fails open", func(t *testing.T) {
		cfg := DefaultJWTConfig(jwtService)
		cfg.Revocations = &stubRevocations{revoked: map[string]bool{}, err: errors.New("redis down")}
		router := newAuthRouter(cfg)

		req := httptest.NewRequest(http.MethodGet, "/api/v1/usage/summary", nil)
		req.Header.Set(AuthHeaderKey, BearerPrefix+token)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestJWTAuthMiddleware_OnError(t *testing.T) {
	var got error
	cfg := DefaultJWTConfig(newTestJWTService())
	cfg.OnError = func(c *gin.Context, err error) {
		got = err
		c.JSON(http.StatusTeapot, gin.H{})
	}
	router := newAuthRouter(cfg)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/usage/summary", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.ErrorIs(t, got, auth.ErrInvalidToken)
}

func TestRequireAdmin(t *testing.T) {
	jwtService := newTestJWTService()
	admin, err := jwtService.GenerateAccessToken(uuid.New(), auth.RoleAdmin)
	require.NoError(t, err)
	user, err := jwtService.GenerateAccessToken(uuid.New())
	require.NoError(t, err)

	router := gin.New()
	router.Use(JWTAuthMiddleware(jwtService))
	router.POST("/billing/rollover", RequireAdmin(), func(c *gin.Context) {
		c.Status(http.StatusAccepted)
	})

	tests := []struct {
		name   string
		token  string
		status int
	}{
		{name: "admin", token: admin, status: http.StatusAccepted},
		{name: "regular user", token: user, status: http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/billing/rollover", nil)
			req.Header.Set(AuthHeaderKey, BearerPrefix+tt.token)
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
		})
	}

	t.Run("no claims", func(t *testing.T) {
		r := gin.New()
		r.GET("/admin", RequireAdmin(), func(c *gin.Context) { c.Status(http.StatusOK) })
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestGetUserUUID_Missing(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	_, err := GetUserUUID(c)
	assert.ErrorIs(t, err, auth.ErrMissingUserID)
}
