package server

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/trackr/internal/acquire"
	"github.com/loykin/trackr/internal/collector"
	"github.com/loykin/trackr/internal/collector/stub"
	"github.com/loykin/trackr/internal/emergency"
	"github.com/loykin/trackr/internal/location"
	"github.com/loykin/trackr/internal/location/locationtest"
	"github.com/loykin/trackr/internal/recorder"
	"github.com/loykin/trackr/internal/session"
	srvtls "github.com/loykin/trackr/internal/tls"
)

type fixture struct {
	provider *locationtest.Provider
	tracker  *session.Tracker
	stub     *stub.Server
	handler  http.Handler
}

func setupRouter(t *testing.T, base string, state location.AuthorizationState) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	collectorStub := stub.New("", nil)
	cs := httptest.NewServer(collectorStub.Handler())
	t.Cleanup(cs.Close)
	remote, err := collector.NewHTTP(collector.Config{BaseURL: cs.URL, Timeout: time.Second})
	require.NoError(t, err)

	p := locationtest.New(state)
	stream := location.NewStream(p, nil)
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
	coord := acquire.New(p, stream)

	r := NewRouter(tracker, coord, toggle, Options{
		BasePath:       base,
		DefaultTimeout: 200 * time.Millisecond,
		MaxTimeout:     time.Second,
		Metrics:        true,
	})
	return &fixture{provider: p, tracker: tracker, stub: collectorStub, handler: r.Handler()}
}

func doReq(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestStartStopStatus(t *testing.T) {
	f := setupRouter(t, "/api", location.AuthorizationAlways)

	rec := doReq(t, f.handler, http.MethodPost, "/api/session/start", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	h := decode[session.Handle](t, rec)
	assert.NotEmpty(t, h.SessionID)

	f.provider.Emit(location.Sample{Latitude: 1, Longitude: 2, CapturedAt: time.Now()})
	require.Eventually(t, func() bool { return f.tracker.Status().Sequence == 1 }, time.Second, time.Millisecond)

	rec = doReq(t, f.handler, http.MethodGet, "/api/session/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	st := decode[session.Status](t, rec)
	assert.Equal(t, session.StateActive, st.State)
	assert.Equal(t, h.SessionID, st.SessionID)
	assert.Equal(t, uint64(1), st.Sequence)
	assert.Equal(t, "always", st.Authorization)

	rec = doReq(t, f.handler, http.MethodPost, "/api/session/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	sum := decode[session.Summary](t, rec)
	assert.Equal(t, h.SessionID, sum.SessionID)
	assert.Equal(t, uint64(1), sum.Samples)
	require.NotNil(t, sum.FirstSample)
	assert.Equal(t, 1.0, sum.FirstSample.Latitude)

	require.Eventually(t, func() bool {
		w := f.stub.Writes()
		return len(w.Terminations) == 1 && len(w.Positions) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestStartDenied(t *testing.T) {
	f := setupRouter(t, "", location.AuthorizationDenied)
	rec := doReq(t, f.handler, http.MethodPost, "/session/start", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, decode[errorResp](t, rec).Error, "denied")
	assert.Zero(t, f.provider.StartCalls())
}

func TestStopWhileIdle(t *testing.T) {
	f := setupRouter(t, "", location.AuthorizationAlways)
	rec := doReq(t, f.handler, http.MethodPost, "/session/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[session.Summary](t, rec).SessionID)
}

func TestAcquire(t *testing.T) {
	f := setupRouter(t, "", location.AuthorizationWhenInUse)
	f.provider.OnOneShot(func() {
		f.provider.Emit(location.Sample{Latitude: 10, Longitude: 20, CapturedAt: time.Now()})
	})
	rec := doReq(t, f.handler, http.MethodPost, "/acquire?timeout=500ms", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	s := decode[location.Sample](t, rec)
	assert.Equal(t, 10.0, s.Latitude)
	assert.Equal(t, 20.0, s.Longitude)
	assert.False(t, f.provider.Continuous(), "one-shot never toggles continuous updates")
}

func TestAcquireErrors(t *testing.T) {
	t.Run("timeout", func(t *testing.T) {
		f := setupRouter(t, "", location.AuthorizationAlways)
		rec := doReq(t, f.handler, http.MethodPost, "/acquire?timeout=30ms", nil)
		assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	})
	t.Run("default timeout", func(t *testing.T) {
		f := setupRouter(t, "", location.AuthorizationAlways)
		start := time.Now()
		rec := doReq(t, f.handler, http.MethodPost, "/acquire", nil)
		assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
		assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	})
	t.Run("permission", func(t *testing.T) {
		f := setupRouter(t, "", location.AuthorizationRestricted)
		rec := doReq(t, f.handler, http.MethodPost, "/acquire", nil)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
	t.Run("provider", func(t *testing.T) {
		f := setupRouter(t, "", location.AuthorizationAlways)
		f.provider.OnOneShot(func() { f.provider.Fail(io.ErrUnexpectedEOF) })
		rec := doReq(t, f.handler, http.MethodPost, "/acquire", nil)
		assert.Equal(t, http.StatusBadGateway, rec.Code)
	})
	t.Run("bad timeout", func(t *testing.T) {
		f := setupRouter(t, "", location.AuthorizationAlways)
		for _, q := range []string{"soon", "-1s", "5s"} {
			rec := doReq(t, f.handler, http.MethodPost, "/acquire?timeout="+q, nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code, q)
		}
	})
}

func TestEmergency(t *testing.T) {
	f := setupRouter(t, "/api", location.AuthorizationAlways)

	rec := doReq(t, f.handler, http.MethodPost, "/api/emergency", map[string]bool{"active": true})
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[emergencyResp](t, rec)
	require.NotNil(t, resp.Acknowledged)
	assert.True(t, *resp.Acknowledged)
	assert.True(t, resp.Active)
	assert.True(t, f.stub.EmergencyActive("user-1"))

	rec = doReq(t, f.handler, http.MethodGet, "/api/emergency", nil)
	assert.True(t, decode[emergencyResp](t, rec).Active)

	// refused acknowledgment leaves the flag untouched
	f.stub.RefuseEmergency(true)
	rec = doReq(t, f.handler, http.MethodPost, "/api/emergency", map[string]bool{"active": false})
	require.Equal(t, http.StatusOK, rec.Code)
	resp = decode[emergencyResp](t, rec)
	assert.False(t, *resp.Acknowledged)
	assert.True(t, resp.Active)
}

func TestEmergencyBadRequest(t *testing.T) {
	f := setupRouter(t, "", location.AuthorizationAlways)
	rec := doReq(t, f.handler, http.MethodPost, "/emergency", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/emergency", strings.NewReader("{"))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestEmergencyResetOnStart(t *testing.T) {
	f := setupRouter(t, "", location.AuthorizationAlways)
	rec := doReq(t, f.handler, http.MethodPost, "/emergency", map[string]bool{"active": true})
	require.True(t, decode[emergencyResp](t, rec).Active)

	rec = doReq(t, f.handler, http.MethodPost, "/session/start", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doReq(t, f.handler, http.MethodGet, "/emergency", nil)
	assert.False(t, decode[emergencyResp](t, rec).Active)
}

func TestMetricsMounted(t *testing.T) {
	f := setupRouter(t, "/api", location.AuthorizationAlways)
	rec := doReq(t, f.handler, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStream(t *testing.T) {
	f := setupRouter(t, "/api", location.AuthorizationAlways)
	srv := httptest.NewServer(f.handler)
	t.Cleanup(srv.Close)

	rec := doReq(t, f.handler, http.MethodPost, "/api/session/start", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	h := decode[session.Handle](t, rec)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/session/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	// the observer registers right after the handshake; keep emitting until one arrives
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				f.provider.Emit(location.Sample{Latitude: 3, Longitude: 4, CapturedAt: time.Now()})
			}
		}
	}()
	defer func() {
		close(stop)
		wg.Wait()
	}()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var a session.Accepted
	require.NoError(t, conn.ReadJSON(&a))
	assert.Equal(t, h.SessionID, a.SessionID)
	assert.GreaterOrEqual(t, a.Sequence, uint64(1))
	assert.Equal(t, 3.0, a.Sample.Latitude)
}

func TestNewServerBindError(t *testing.T) {
	r := NewRouter(nil, nil, nil, Options{})
	srv, err := NewServer("127.0.0.1:0", r)
	require.NoError(t, err)
	defer srv.Close()

	_, err = NewServer(srv.Addr, r)
	assert.Error(t, err)
}

func TestNewServerTLS(t *testing.T) {
	dir := t.TempDir()
	tc, err := srvtls.Setup(srvtls.Config{Enabled: true, Dir: dir, AutoGenerate: true})
	require.NoError(t, err)

	r := NewRouter(nil, nil, nil, Options{Metrics: true, TLS: tc})
	srv, err := NewServer("127.0.0.1:0", r)
	require.NoError(t, err)
	defer srv.Close()

	ca, err := os.ReadFile(filepath.Join(dir, srvtls.CAName))
	require.NoError(t, err)
	pool := x509.NewCertPool()
	require.True(t, pool.AppendCertsFromPEM(ca))
	hc := &http.Client{Transport: &http.Transport{TLSClientConfig: &tls.Config{RootCAs: pool}}}

	resp, err := hc.Get("https://" + srv.Addr + "/metrics")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	plain, err := http.Get("http://" + srv.Addr + "/metrics")
	require.NoError(t, err)
	_ = plain.Body.Close()
	assert.Equal(t, http.StatusBadRequest, plain.StatusCode)
}
