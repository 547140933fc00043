package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/loykin/trackr/internal/location"
	"github.com/loykin/trackr/internal/metrics"
	"github.com/loykin/trackr/internal/session"
)

// Sessions is the tracking session owner.
type Sessions interface {
	Start(ctx context.Context) (session.Handle, error)
	Stop(ctx context.Context) (session.Summary, error)
	Status() session.Status
	Subscribe(buffer int) *session.Observer
}

// Acquirer serves single-shot location reads.
type Acquirer interface {
	AcquireOnce(ctx context.Context, timeout time.Duration) (location.Sample, error)
}

// EmergencySwitch is the remotely acknowledged emergency flag.
type EmergencySwitch interface {
	Set(ctx context.Context, active bool) bool
	Active() bool
}

// Options configures the Router.
type Options struct {
	// BasePath may be empty or start with '/'; no trailing slash.
	BasePath       string
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	// StreamBuffer is the per-connection backlog of the websocket stream.
	StreamBuffer int
	// Metrics mounts /metrics on the same handler.
	Metrics bool
	// TLS makes NewServer serve HTTPS.
	TLS    *tls.Config
	Logger *slog.Logger
}

// Router provides embeddable HTTP handlers for the tracking session.
// Endpoints:
//
//	POST {basePath}/session/start
//	POST {basePath}/session/stop
//	GET  {basePath}/session/status
//	GET  {basePath}/session/stream   websocket of accepted samples
//	POST {basePath}/acquire          query: timeout=2s (optional)
//	POST {basePath}/emergency        body: {"active": bool}
//	GET  {basePath}/emergency
type Router struct {
	sessions  Sessions
	acquirer  Acquirer
	emergency EmergencySwitch
	opts      Options
	logger    *slog.Logger
	upgrader  websocket.Upgrader
}

// NewRouter constructs a new Router.
func NewRouter(s Sessions, a Acquirer, e EmergencySwitch, opts Options) *Router {
	opts.BasePath = sanitizeBase(opts.BasePath)
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 10 * time.Second
	}
	if opts.MaxTimeout < opts.DefaultTimeout {
		opts.MaxTimeout = opts.DefaultTimeout
	}
	if opts.StreamBuffer <= 0 {
		opts.StreamBuffer = 64
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Router{
		sessions:  s,
		acquirer:  a,
		emergency: e,
		opts:      opts,
		logger:    opts.Logger.With("component", "server"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Local API; the stream carries no credentials.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery(), r.logRequests())
	if r.opts.Metrics {
		g.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	group := g.Group(r.opts.BasePath)
	group.POST("/session/start", r.handleStart)
	group.POST("/session/stop", r.handleStop)
	group.GET("/session/status", r.handleStatus)
	group.GET("/session/stream", r.handleStream)
	group.POST("/acquire", r.handleAcquire)
	group.POST("/emergency", r.handleSetEmergency)
	group.GET("/emergency", r.handleGetEmergency)
	return g
}

// NewServer binds addr and serves the router in the background. Bind errors are returned;
// the caller shuts the server down with Shutdown or Close.
func NewServer(addr string, r *Router) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	if r.opts.TLS != nil {
		ln = tls.NewListener(ln, r.opts.TLS)
	}
	server := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// acquire may block up to MaxTimeout
		WriteTimeout: r.opts.MaxTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
		TLSConfig:    r.opts.TLS,
	}
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server stopped", "error", err)
		}
	}()
	return server, nil
}

func (r *Router) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		r.logger.Debug("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type emergencyReq struct {
	Active *bool `json:"active"`
}

type emergencyResp struct {
	Acknowledged *bool `json:"acknowledged,omitempty"`
	Active       bool  `json:"active"`
}

func (r *Router) fail(c *gin.Context, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		r.logger.Error("request failed", "path", c.FullPath(), "error", err)
	}
	writeJSON(c, code, errorResp{Error: err.Error()})
}

func (r *Router) handleStart(c *gin.Context) {
	h, err := r.sessions.Start(c.Request.Context())
	if err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, h)
}

func (r *Router) handleStop(c *gin.Context) {
	sum, err := r.sessions.Stop(c.Request.Context())
	if err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, sum)
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.sessions.Status())
}

func (r *Router) handleAcquire(c *gin.Context) {
	timeout, err := parseTimeout(c.Query("timeout"), r.opts.DefaultTimeout, r.opts.MaxTimeout)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	sample, err := r.acquirer.AcquireOnce(c.Request.Context(), timeout)
	if err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, sample)
}

func (r *Router) handleSetEmergency(c *gin.Context) {
	var req emergencyReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if req.Active == nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "active required"})
		return
	}
	ack := r.emergency.Set(c.Request.Context(), *req.Active)
	writeJSON(c, http.StatusOK, emergencyResp{Acknowledged: &ack, Active: r.emergency.Active()})
}

func (r *Router) handleGetEmergency(c *gin.Context) {
	writeJSON(c, http.StatusOK, emergencyResp{Active: r.emergency.Active()})
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// handleStream pushes every accepted sample to the websocket peer as a JSON text message.
// Samples are dropped for a peer that falls more than StreamBuffer messages behind.
func (r *Router) handleStream(c *gin.Context) {
	conn, err := r.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already replied to the client.
		r.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	obs := r.sessions.Subscribe(r.opts.StreamBuffer)
	defer obs.Cancel()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case a, ok := <-obs.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "tracker closed"))
				return
			}
			if err := conn.WriteJSON(a); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}
