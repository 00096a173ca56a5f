package telemetry

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTaggedRequest() *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/Videos/501/stream.mkv", nil)
	return InjectTags(r)
}

func TestInjectTags_DefaultsCacheResultToBypass(t *testing.T) {
	r := newTaggedRequest()
	tags := GetTags(r)
	require.NotNil(t, tags)
	require.Equal(t, CacheBypass, tags.CacheResult)
}

func TestInjectTags_DefaultsRouteEmpty(t *testing.T) {
	r := newTaggedRequest()
	tags := GetTags(r)
	require.Empty(t, tags.Route)
}

func TestGetTags_NilWithoutInject(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	require.Nil(t, GetTags(r))
}

func TestSetRoute(t *testing.T) {
	r := newTaggedRequest()
	SetRoute(r, RouteRedirect)
	require.Equal(t, RouteRedirect, GetTags(r).Route)
}

func TestSetRoute_NoopWithoutInject(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	SetRoute(r, RouteRelay) // should not panic
}

func TestSetCacheResult_OverridesDefault(t *testing.T) {
	r := newTaggedRequest()
	require.Equal(t, CacheBypass, GetTags(r).CacheResult)
	SetCacheResult(r, CacheMiss)
	require.Equal(t, CacheMiss, GetTags(r).CacheResult)
}

func TestTagsMutationVisibleThroughPointer(t *testing.T) {
	r := newTaggedRequest()
	tags := GetTags(r)

	SetRoute(r, RoutePlayback)
	SetCacheResult(r, CacheHit)
	SetEndpoint(r, "playbackinfo")

	require.Equal(t, RoutePlayback, tags.Route)
	require.Equal(t, CacheHit, tags.CacheResult)
	require.Equal(t, "playbackinfo", tags.Endpoint)
}

func TestSetResolution(t *testing.T) {
	r := newTaggedRequest()
	SetResolution(r, "501", "hot")
	tags := GetTags(r)
	require.Equal(t, "501", tags.ItemID)
	require.Equal(t, "hot", tags.Step)

	SetResolution(httptest.NewRequest(http.MethodGet, "/test", nil), "1", "fast")
}
