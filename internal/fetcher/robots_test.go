package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRobotsGuardHonorsDisallow(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			hits.Add(1)
			_, _ = w.Write([]byte("User-agent: *\nDisallow: /intern/\n"))
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	guard := NewRobotsGuard(true, "dnocrawler-test", srv.Client(), nil)
	ctx := context.Background()
	assert.True(t, guard.Allowed(ctx, srv.URL+"/netzentgelte"))
	assert.False(t, guard.Allowed(ctx, srv.URL+"/intern/preise.pdf"))
	assert.Equal(t, int32(1), hits.Load(), "robots.txt is cached per host")
}

func TestRobotsGuardMissingFileAllows(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	guard := NewRobotsGuard(true, "dnocrawler-test", srv.Client(), nil)
	assert.True(t, guard.Allowed(context.Background(), srv.URL+"/anything"))
}

func TestRobotsGuardDisabled(t *testing.T) {
	t.Parallel()

	guard := NewRobotsGuard(false, "", nil, nil)
	assert.True(t, guard.Allowed(context.Background(), "https://unreachable.invalid/x"))

	var nilGuard *RobotsGuard
	assert.True(t, nilGuard.Allowed(context.Background(), "https://unreachable.invalid/x"))
}

func TestRobotsGuardRejectsBadURL(t *testing.T) {
	t.Parallel()

	guard := NewRobotsGuard(true, "", nil, nil)
	assert.False(t, guard.Allowed(context.Background(), "not a url"))
}
