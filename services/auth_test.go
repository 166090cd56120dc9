package services

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/lac-hong-legacy/block-bots/shared"
	"github.com/stretchr/testify/require"
)

func TestJWTRoundTrip(t *testing.T) {
	jwtSvc := NewJWTService("secret", time.Hour)

	pair, err := jwtSvc.GenerateToken("user-1", shared.RoleAdmin)
	require.NoError(t, err)
	require.Equal(t, int64(3600), pair.ExpiresIn)

	claims, err := jwtSvc.VerifyJWTToken(pair.AccessToken)
	require.NoError(t, err)
	require.Equal(t, "user-1", claims.UserID)
	require.Equal(t, shared.RoleAdmin, claims.Role)

	_, err = NewJWTService("other", time.Hour).VerifyJWTToken(pair.AccessToken)
	require.Error(t, err)
}

func TestJWTExpired(t *testing.T) {
	jwtSvc := NewJWTService("secret", -time.Minute)

	token, err := jwtSvc.ToJWT("user-1", "")
	require.NoError(t, err)

	_, err = jwtSvc.VerifyJWTToken(token)
	require.Error(t, err)
}

func TestExtractTokenFromHeader(t *testing.T) {
	jwtSvc := NewJWTService("secret", time.Hour)

	token, err := jwtSvc.ExtractTokenFromHeader("Bearer abc")
	require.NoError(t, err)
	require.Equal(t, "abc", token)

	_, err = jwtSvc.ExtractTokenFromHeader("")
	require.Error(t, err)
	_, err = jwtSvc.ExtractTokenFromHeader("Basic abc")
	require.Error(t, err)
}

func newAuthApp(t *testing.T) (*fiber.App, *JWTService) {
	t.Helper()

	jwtSvc := NewJWTService("secret", time.Hour)
	auth := NewAuthMiddleware(jwtSvc)

	app := fiber.New()
	app.Get("/whoami", auth.OptionalAuth(), func(c *fiber.Ctx) error {
		user, _ := c.Locals(shared.UserID).(string)
		return c.SendString(user)
	})
	app.Get("/admin", auth.RequiredAuth(), auth.RequireAdmin(), func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})
	return app, jwtSvc
}

func authRequest(t *testing.T, app *fiber.App, path, token string) *http.Response {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func TestOptionalAuth(t *testing.T) {
	app, jwtSvc := newAuthApp(t)

	token, err := jwtSvc.ToJWT("user-1", "")
	require.NoError(t, err)

	resp := authRequest(t, app, "/whoami", token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "user-1", readBody(t, resp))

	resp = authRequest(t, app, "/whoami", "garbage")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Empty(t, readBody(t, resp))
}

func TestRequireAdmin(t *testing.T) {
	app, jwtSvc := newAuthApp(t)

	require.Equal(t, http.StatusUnauthorized, authRequest(t, app, "/admin", "").StatusCode)

	userToken, err := jwtSvc.ToJWT("user-1", "")
	require.NoError(t, err)
	require.Equal(t, http.StatusForbidden, authRequest(t, app, "/admin", userToken).StatusCode)

	adminToken, err := jwtSvc.ToJWT("ops", shared.RoleAdmin)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, authRequest(t, app, "/admin", adminToken).StatusCode)
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}
