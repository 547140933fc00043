package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/trackr"
	"github.com/loykin/trackr/internal/location"
	"github.com/loykin/trackr/internal/location/locationtest"
	"github.com/loykin/trackr/pkg/client"
)

func startDaemon(t *testing.T, state location.AuthorizationState) (*locationtest.Provider, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg, err := trackr.DefaultConfig("cli-user")
	require.NoError(t, err)
	cfg.Session.PermissionGrace = 20 * time.Millisecond
	cfg.Acquire.DefaultTimeout = 100 * time.Millisecond

	p := locationtest.New(state)
	co, err := trackr.New(cfg, trackr.WithProvider(p))
	require.NoError(t, err)
	srv := httptest.NewServer(co.Router().Handler())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = co.Close(ctx)
	})
	return p, srv.URL + cfg.Server.BasePath
}

func newCommand(url string) (command, *bytes.Buffer) {
	var buf bytes.Buffer
	return command{
		flags: &GlobalFlags{APIUrl: url, APITimeout: 2 * time.Second},
		out:   func() io.Writer { return &buf },
	}, &buf
}

func TestStartStatusStopCommands(t *testing.T) {
	p, url := startDaemon(t, location.AuthorizationAlways)
	c, out := newCommand(url)
	ctx := context.Background()

	require.NoError(t, c.Start(ctx))
	var h client.Handle
	require.NoError(t, json.Unmarshal(out.Bytes(), &h))
	assert.NotEmpty(t, h.SessionID)

	p.Emit(location.Sample{Latitude: 1, Longitude: 1, CapturedAt: time.Now()})
	require.Eventually(t, func() bool {
		out.Reset()
		if c.Status(ctx) != nil {
			return false
		}
		var st client.Status
		return json.Unmarshal(out.Bytes(), &st) == nil && st.Sequence == 1
	}, time.Second, 10*time.Millisecond)

	out.Reset()
	require.NoError(t, c.Stop(ctx))
	var sum client.Summary
	require.NoError(t, json.Unmarshal(out.Bytes(), &sum))
	assert.Equal(t, h.SessionID, sum.SessionID)

	out.Reset()
	require.NoError(t, c.Stop(ctx))
	assert.Contains(t, out.String(), "no active session")
}

func TestStartCommandDenied(t *testing.T) {
	_, url := startDaemon(t, location.AuthorizationDenied)
	c, _ := newCommand(url)
	err := c.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permission denied")
}

func TestAcquireCommand(t *testing.T) {
	p, url := startDaemon(t, location.AuthorizationAlways)
	c, out := newCommand(url)

	err := c.Acquire(context.Background(), AcquireFlags{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no position within timeout")

	p.OnOneShot(func() { p.Emit(location.Sample{Latitude: 4, Longitude: 5, CapturedAt: time.Now()}) })
	require.NoError(t, c.Acquire(context.Background(), AcquireFlags{Timeout: time.Second}))
	var s client.Sample
	require.NoError(t, json.Unmarshal(out.Bytes(), &s))
	assert.Equal(t, 4.0, s.Latitude)
}

func TestEmergencyCommand(t *testing.T) {
	_, url := startDaemon(t, location.AuthorizationAlways)
	c, out := newCommand(url)
	ctx := context.Background()

	require.NoError(t, c.Emergency(ctx, EmergencyFlags{On: true}))
	var st client.EmergencyState
	require.NoError(t, json.Unmarshal(out.Bytes(), &st))
	assert.True(t, st.Acknowledged)
	assert.True(t, st.Active)

	out.Reset()
	require.NoError(t, c.Emergency(ctx, EmergencyFlags{}))
	require.NoError(t, json.Unmarshal(out.Bytes(), &st))
	assert.True(t, st.Active)
}

func TestWatchCommandCount(t *testing.T) {
	p, url := startDaemon(t, location.AuthorizationAlways)
	c, out := newCommand(url)
	require.NoError(t, c.Start(context.Background()))
	out.Reset()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-time.After(10 * time.Millisecond):
				p.Emit(location.Sample{Latitude: 2, Longitude: 2, CapturedAt: time.Now()})
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, c.Watch(ctx, WatchFlags{Count: 2}))
	require.NoError(t, ctx.Err(), "watch should stop after count samples")
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	assert.Len(t, lines, 2)
}

func TestUnreachableDaemon(t *testing.T) {
	c, _ := newCommand("http://127.0.0.1:1/api")
	err := c.Status(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trackr serve")
}

func freePort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestResolveAPI(t *testing.T) {
	cc, err := resolveAPI(&GlobalFlags{APIUrl: "http://remote:1/x", APITimeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, "http://remote:1/x", cc.BaseURL)
	assert.Equal(t, time.Second, cc.Timeout)
	assert.Nil(t, cc.TLS)

	cc, err = resolveAPI(&GlobalFlags{})
	require.NoError(t, err)
	assert.Equal(t, client.DefaultConfig().BaseURL, cc.BaseURL)

	dir := t.TempDir()
	path := filepath.Join(dir, "trackr.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
user_id = "u"
[server]
listen = "0.0.0.0:9911"
base_path = "/v2"
`), 0o644))
	cc, err = resolveAPI(&GlobalFlags{ConfigPath: path})
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:9911/v2", cc.BaseURL)

	certs := filepath.Join(dir, "certs")
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(`
user_id = "u"
[server]
listen = "127.0.0.1:9912"
[server.tls]
enabled = true
dir = %q
`, certs)), 0o644))
	cc, err = resolveAPI(&GlobalFlags{ConfigPath: path})
	require.NoError(t, err)
	assert.Equal(t, "https://127.0.0.1:9912/api", cc.BaseURL)
	require.NotNil(t, cc.TLS)
	assert.Equal(t, filepath.Join(certs, "ca.crt"), cc.TLS.CACert)

	cc, err = resolveAPI(&GlobalFlags{ConfigPath: path, CACert: "/etc/trackr/ca.pem"})
	require.NoError(t, err)
	assert.Equal(t, "/etc/trackr/ca.pem", cc.TLS.CACert)
}

func TestServeTLS(t *testing.T) {
	addr := freePort(t)
	dir := t.TempDir()
	certs := filepath.Join(dir, "certs")
	path := filepath.Join(dir, "trackr.toml")
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(`
user_id = "tls-user"
[server]
listen = %q
[server.tls]
enabled = true
dir = %q
auto_generate = true
[log]
level = "error"
`, addr, certs)), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runServe(ctx, ServeFlags{ConfigPath: path}, io.Discard) }()
	defer func() {
		cancel()
		<-done
	}()

	c, out := newCommand("")
	c.flags.ConfigPath = path
	require.Eventually(t, func() bool {
		out.Reset()
		return c.Status(context.Background()) == nil
	}, 5*time.Second, 50*time.Millisecond)
	assert.Contains(t, out.String(), `"state"`)
}

func TestServeNonBlocking(t *testing.T) {
	addr := freePort(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "trackr.toml")
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(`
user_id = "smoke"
[server]
listen = %q
[log]
level = "error"
`, addr)), 0o644))
	pidFile := filepath.Join(dir, "trackr.pid")

	var out bytes.Buffer
	err := runServe(context.Background(), ServeFlags{ConfigPath: path, PidFile: pidFile, NonBlocking: true}, &out)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "listening on "+addr)
	_, statErr := os.Stat(pidFile)
	assert.True(t, os.IsNotExist(statErr), "pid file removed on shutdown")

	// the port is released
	ln, err := net.Listen("tcp", addr)
	require.NoError(t, err)
	_ = ln.Close()
}

func TestServeRequiresUser(t *testing.T) {
	err := runServe(context.Background(), ServeFlags{NonBlocking: true}, io.Discard)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--user")
}

func TestCollectorCommand(t *testing.T) {
	addr := freePort(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runCollector(ctx, CollectorFlags{Listen: addr}, io.Discard) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/debug/writes")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("collector did not shut down")
	}
}

func TestRootHelp(t *testing.T) {
	root := buildRoot()
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetArgs([]string{"--help"})
	require.NoError(t, root.Execute())
	for _, sub := range []string{"serve", "collector", "start", "stop", "status", "acquire", "emergency", "watch"} {
		assert.Contains(t, buf.String(), sub)
	}
}

func TestEmergencyFlagsExclusive(t *testing.T) {
	root := buildRoot()
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	root.SetArgs([]string{"emergency", "--on", "--off", "--api-url", "http://127.0.0.1:1/api"})
	assert.Error(t, root.Execute())
}
