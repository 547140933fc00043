package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/trackr/internal/acquire"
	"github.com/loykin/trackr/internal/collector"
	"github.com/loykin/trackr/internal/emergency"
	"github.com/loykin/trackr/internal/location"
	"github.com/loykin/trackr/internal/location/locationtest"
	"github.com/loykin/trackr/internal/recorder"
	"github.com/loykin/trackr/internal/server"
	"github.com/loykin/trackr/internal/session"
)

func startDaemon(t *testing.T, state location.AuthorizationState) (*locationtest.Provider, *Client) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	p := locationtest.New(state)
	stream := location.NewStream(p, nil)
	remote := collector.NewLog(nil)
	toggle := emergency.New("user-1", remote, nil)
	tracker := session.New(p, stream, session.Config{
		UserID:          "user-1",
		Recorder:        recorder.New(recorder.Config{UserID: "user-1"}),
		Remote:          remote,
		Emergency:       toggle,
		PermissionGrace: 20 * time.Millisecond,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = tracker.Shutdown(ctx)
	})
	r := server.NewRouter(tracker, acquire.New(p, stream), toggle, server.Options{
		BasePath:       "/api",
		DefaultTimeout: 100 * time.Millisecond,
		MaxTimeout:     time.Second,
	})
	srv := httptest.NewServer(r.Handler())
	t.Cleanup(srv.Close)
	return p, New(Config{BaseURL: srv.URL + "/api", Timeout: 2 * time.Second})
}

func TestSessionLifecycle(t *testing.T) {
	p, c := startDaemon(t, location.AuthorizationAlways)
	ctx := context.Background()

	require.True(t, c.IsReachable(ctx))

	h, err := c.Start(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, h.SessionID)

	again, err := c.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, h.SessionID, again.SessionID, "start while active keeps the session")

	p.Emit(location.Sample{Latitude: 37.5, Longitude: 127, CapturedAt: time.Now()})
	require.Eventually(t, func() bool {
		st, err := c.Status(ctx)
		return err == nil && st.Sequence == 1
	}, time.Second, 5*time.Millisecond)

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "active", st.State)
	require.NotNil(t, st.FirstSample)
	assert.Equal(t, 37.5, st.FirstSample.Latitude)

	sum, err := c.Stop(ctx)
	require.NoError(t, err)
	assert.Equal(t, h.SessionID, sum.SessionID)
	assert.Equal(t, uint64(1), sum.Samples)

	st, err = c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "idle", st.State)
}

func TestStartPermissionDenied(t *testing.T) {
	_, c := startDaemon(t, location.AuthorizationDenied)
	_, err := c.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, http.StatusForbidden, StatusCode(err))
}

func TestAcquire(t *testing.T) {
	p, c := startDaemon(t, location.AuthorizationWhenInUse)
	p.OnOneShot(func() { p.Emit(location.Sample{Latitude: 1, Longitude: 2, CapturedAt: time.Now()}) })

	s, err := c.Acquire(context.Background(), 500*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1.0, s.Latitude)
	assert.Equal(t, 2.0, s.Longitude)
}

func TestAcquireTimeout(t *testing.T) {
	_, c := startDaemon(t, location.AuthorizationAlways)
	_, err := c.Acquire(context.Background(), 0)
	assert.Equal(t, http.StatusGatewayTimeout, StatusCode(err))

	_, err = c.Acquire(context.Background(), time.Hour)
	assert.Equal(t, http.StatusBadRequest, StatusCode(err))
}

func TestEmergency(t *testing.T) {
	_, c := startDaemon(t, location.AuthorizationAlways)
	ctx := context.Background()

	st, err := c.SetEmergency(ctx, true)
	require.NoError(t, err)
	assert.True(t, st.Acknowledged)
	assert.True(t, st.Active)

	active, err := c.Emergency(ctx)
	require.NoError(t, err)
	assert.True(t, active)

	st, err = c.SetEmergency(ctx, false)
	require.NoError(t, err)
	assert.False(t, st.Active)
}

func TestWatch(t *testing.T) {
	p, c := startDaemon(t, location.AuthorizationAlways)
	_, err := c.Start(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var got []Accepted
	watchErr := make(chan error, 1)
	go func() {
		watchErr <- c.Watch(ctx, func(a Accepted) {
			mu.Lock()
			got = append(got, a)
			mu.Unlock()
		})
	}()

	require.Eventually(t, func() bool {
		p.Emit(location.Sample{Latitude: 5, Longitude: 6, CapturedAt: time.Now()})
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-watchErr:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not return after cancel")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 5.0, got[0].Sample.Latitude)
	assert.GreaterOrEqual(t, got[0].Sequence, uint64(1))
}

func TestStreamURL(t *testing.T) {
	u, err := streamURL("http://localhost:8787/api")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8787/api/session/stream", u)

	u, err = streamURL("https://example.com")
	require.NoError(t, err)
	assert.Equal(t, "wss://example.com/session/stream", u)

	_, err = streamURL("ftp://example.com")
	assert.Error(t, err)
}

func TestUnreachable(t *testing.T) {
	c := New(Config{BaseURL: "http://127.0.0.1:1", Timeout: 200 * time.Millisecond})
	assert.False(t, c.IsReachable(context.Background()))
	_, err := c.Status(context.Background())
	assert.Error(t, err)
	assert.Zero(t, StatusCode(err))
}
