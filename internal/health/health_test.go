package health

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serverPort(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	_, port, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	n, err := strconv.Atoi(port)
	require.NoError(t, err)
	return n
}

func countingSleep(n *int32) func(context.Context, time.Duration) error {
	return func(context.Context, time.Duration) error {
		atomic.AddInt32(n, 1)
		return nil
	}
}

func TestCheck_HealthyOnFirstAttempt(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		assert.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	var sleeps int32
	c := NewChecker(WithSleep(countingSleep(&sleeps)))
	res := c.Check(context.Background(), Probe{Host: "127.0.0.1", Port: serverPort(t, srv), Path: "/health", MaxAttempts: 5, Interval: time.Second})

	assert.Equal(t, Healthy, res.Status)
	assert.Equal(t, 1, res.Attempts)
	assert.EqualValues(t, 1, atomic.LoadInt32(&hits))
	assert.Zero(t, atomic.LoadInt32(&sleeps))
}

func TestCheck_BecomesHealthy(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	var sleeps int32
	c := NewChecker(WithSleep(countingSleep(&sleeps)))
	res := c.Check(context.Background(), Probe{Host: "127.0.0.1", Port: serverPort(t, srv), Path: "/health", MaxAttempts: 5, Interval: time.Second})

	assert.Equal(t, Healthy, res.Status)
	assert.Equal(t, 3, res.Attempts)
	assert.EqualValues(t, 2, atomic.LoadInt32(&sleeps))
}

func TestCheck_UnhealthyAfterExactlyMaxAttempts(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	var sleeps int32
	c := NewChecker(WithSleep(countingSleep(&sleeps)))
	res := c.Check(context.Background(), Probe{Host: "127.0.0.1", Port: serverPort(t, srv), Path: "/health", MaxAttempts: 4, Interval: time.Second})

	assert.Equal(t, Unhealthy, res.Status)
	assert.Equal(t, 4, res.Attempts)
	assert.EqualValues(t, 4, atomic.LoadInt32(&hits))
	assert.EqualValues(t, 3, atomic.LoadInt32(&sleeps), "no wait after the final attempt")
	assert.ErrorContains(t, res.LastErr, "500")
}

func TestCheck_ConnectionRefusedCountsAsAttempt(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	port := serverPort(t, srv)
	srv.Close()

	start := time.Now()
	res := NewChecker().Check(context.Background(), Probe{Host: "127.0.0.1", Port: port, Path: "/health", MaxAttempts: 3, Interval: 20 * time.Millisecond})

	assert.Equal(t, Unhealthy, res.Status)
	assert.Equal(t, 3, res.Attempts)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond, "two intervals elapse before giving up")
}

func TestCheck_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := NewChecker().Check(ctx, Probe{Port: 1, Path: "/", MaxAttempts: 10, Interval: time.Hour})
	assert.Equal(t, Unhealthy, res.Status)
	assert.Equal(t, 1, res.Attempts)
	assert.ErrorIs(t, res.LastErr, context.Canceled)
}

func TestProbeURL(t *testing.T) {
	assert.Equal(t, "http://localhost:4000/health", Probe{Port: 4000, Path: "/health"}.URL())
	assert.Equal(t, "healthy", Healthy.String())
	assert.Equal(t, "unhealthy", Unhealthy.String())
}
