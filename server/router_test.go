package server

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"github.com/saiset-co/sai-market/types"
)

func okHandler(ctx *fasthttp.RequestCtx) { ctx.SetStatusCode(fasthttp.StatusOK) }

// TestRouter_AddAndLookup verifies exact matching with trailing slash normalization.
func TestRouter_AddAndLookup(t *testing.T) {
	r := NewRouter()
	require.NoError(t, r.GET("/api/v1/prices/", okHandler, &types.RouteConfig{CacheControl: "public, max-age=60"}))

	info, ok := r.Lookup([]byte("GET"), []byte("/api/v1/prices"))
	require.True(t, ok)
	require.Equal(t, "/api/v1/prices", info.Config.Path)
	require.Equal(t, "public, max-age=60", info.Config.CacheControl)

	_, ok = r.Lookup([]byte("GET"), []byte("/api/v1/prices/"))
	require.True(t, ok)

	_, ok = r.Lookup([]byte("DELETE"), []byte("/api/v1/prices"))
	require.False(t, ok)

	require.Equal(t, []types.RouteDefinition{{Method: "GET", Path: "/api/v1/prices"}}, r.Routes())
}

// TestRouter_AddErrors verifies duplicate routes, nil handlers and unknown methods are rejected.
func TestRouter_AddErrors(t *testing.T) {
	r := NewRouter()
	require.NoError(t, r.GET("/health", okHandler, nil))

	require.ErrorIs(t, r.GET("/health/", okHandler, nil), types.ErrRouteExists)
	require.ErrorIs(t, r.GET("/version", nil, nil), types.ErrHandlerIsNil)
	require.ErrorIs(t, r.Add("BREW", "/coffee", okHandler, nil), types.ErrInvalidParameter)
}

// TestRouter_AllowedIsSorted verifies the allow list for a path.
func TestRouter_AllowedIsSorted(t *testing.T) {
	r := NewRouter()
	require.NoError(t, r.GET("/api/v1/cache", okHandler, nil))
	require.NoError(t, r.DELETE("/api/v1/cache", okHandler, nil))

	require.Equal(t, []string{"DELETE", "GET"}, r.Allowed([]byte("/api/v1/cache")))
	require.Empty(t, r.Allowed([]byte("/api/v1/other")))
}

// TestGroup_MergesSettings verifies prefixing and merged route configuration.
func TestGroup_MergesSettings(t *testing.T) {
	r := NewRouter()
	g := NewGroup(r, "/api/v1/", &types.RouteConfig{
		DisabledMiddlewares: []string{"compression"},
		CacheControl:        "no-store",
	})

	require.NoError(t, g.GET("/cache/stats", okHandler, nil))
	require.NoError(t, g.DELETE("/cache", okHandler, &types.RouteConfig{
		DisabledMiddlewares: []string{"cors"},
		CacheControl:        "private",
	}))

	info, ok := r.Lookup([]byte("GET"), []byte("/api/v1/cache/stats"))
	require.True(t, ok)
	require.Equal(t, "no-store", info.Config.CacheControl)
	require.Equal(t, []string{"compression"}, info.Config.DisabledMiddlewares)

	info, ok = r.Lookup([]byte("DELETE"), []byte("/api/v1/cache"))
	require.True(t, ok)
	require.Equal(t, "private", info.Config.CacheControl)
	require.Equal(t, []string{"compression", "cors"}, info.Config.DisabledMiddlewares)
	require.True(t, info.Config.Disables("cors"))
}
