package web

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rockenbf/oxen/lib/repo"
)

func newTestServer(t *testing.T) (*Server, *fiber.App) {
	t.Helper()
	server, err := NewServer(t.TempDir())
	require.NoError(t, err)
	return server, server.App()
}

func TestCreateAndDeleteRepo(t *testing.T) {
	server, app := newTestServer(t)

	req := httptest.NewRequest("POST", "/repos/ox/cats", nil)
	res, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusCreated, res.StatusCode)

	// The bare repo exists on disk.
	_, err = repo.Open(server.repoPath("ox", "cats"))
	require.NoError(t, err)

	// Creating it again conflicts.
	res, err = app.Test(httptest.NewRequest("POST", "/repos/ox/cats", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusConflict, res.StatusCode)

	res, err = app.Test(httptest.NewRequest("DELETE", "/repos/ox/cats", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, res.StatusCode)

	_, err = repo.Open(server.repoPath("ox", "cats"))
	assert.Error(t, err)
}

func TestTransferRepoNamespace(t *testing.T) {
	server, app := newTestServer(t)

	res, err := app.Test(httptest.NewRequest("POST", "/repos/ox/data", nil), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusCreated, res.StatusCode)

	body := strings.NewReader(`{"namespace":"herd"}`)
	req := httptest.NewRequest("PATCH", "/repos/ox/data/transfer", body)
	req.Header.Set("Content-Type", "application/json")
	res, err = app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, res.StatusCode)

	var view repoView
	require.NoError(t, jsoniter.NewDecoder(res.Body).Decode(&view))
	assert.Equal(t, "herd", view.Namespace)
	assert.Equal(t, "data", view.Name)

	_, err = repo.Open(server.repoPath("herd", "data"))
	assert.NoError(t, err)
	record, err := server.Registry.Get("herd", "data")
	require.NoError(t, err)
	assert.Equal(t, "data", record.Name)
}

func TestUnknownRepoIs404(t *testing.T) {
	_, app := newTestServer(t)
	res, err := app.Test(httptest.NewRequest("GET", "/repos/ox/nope/branches/main", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNotFound, res.StatusCode)
}

func TestAuthMiddleware(t *testing.T) {
	viper.Set("server.api_key", "sekrit")
	t.Cleanup(func() { viper.Set("server.api_key", "") })

	_, app := newTestServer(t)

	// No token: rejected.
	res, err := app.Test(httptest.NewRequest("POST", "/repos/ox/locked", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, res.StatusCode)

	// Wrong token: rejected.
	req := httptest.NewRequest("POST", "/repos/ox/locked", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	res, err = app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, res.StatusCode)

	// The configured token passes.
	req = httptest.NewRequest("POST", "/repos/ox/locked", nil)
	req.Header.Set("Authorization", "Bearer sekrit")
	res, err = app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusCreated, res.StatusCode)
}

func TestBranchViewRoundTrip(t *testing.T) {
	_, app := newTestServer(t)

	res, err := app.Test(httptest.NewRequest("POST", "/repos/ox/refs", nil), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusCreated, res.StatusCode)

	// Unknown branch 404s.
	res, err = app.Test(httptest.NewRequest("GET", "/repos/ox/refs/branches/main", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNotFound, res.StatusCode)

	// Advancing a branch to an unknown commit is refused.
	body := strings.NewReader(`{"commit_id":"0123456789abcdef0123456789abcdef"}`)
	req := httptest.NewRequest("POST", "/repos/ox/refs/branches/main", body)
	req.Header.Set("Content-Type", "application/json")
	res, err = app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNotFound, res.StatusCode)
}
