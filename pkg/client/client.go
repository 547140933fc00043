package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Client provides HTTP client functionality to communicate with the trackr daemon
type Client struct {
	baseURL   string
	client    *http.Client
	tlsConfig *tls.Config
	logger    *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL  string
	Timeout  time.Duration
	Logger   *slog.Logger // Optional logger for client operations
	TLS      *TLSClientConfig
	Insecure bool // Skip TLS verification
}

// TLSClientConfig holds TLS configuration for client
type TLSClientConfig struct {
	Enabled    bool   // Enable TLS
	CACert     string // CA certificate file path
	ClientCert string // Client certificate file
	ClientKey  string // Client private key file
	ServerName string // Server name for verification
	SkipVerify bool   // Skip certificate verification
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:8787/api",
		Timeout: 10 * time.Second,
	}
}

// New creates a new trackr API client
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultConfig().BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := &http.Transport{}
	var tlsConfig *tls.Config
	if config.TLS != nil && config.TLS.Enabled || config.Insecure {
		cfg, err := setupClientTLS(config)
		if err != nil {
			config.Logger.Error("TLS setup failed", "error", err)
		} else {
			tlsConfig = cfg
			transport.TLSClientConfig = cfg
		}
	}

	return &Client{
		baseURL:   strings.TrimRight(config.BaseURL, "/"),
		tlsConfig: tlsConfig,
		logger:    config.Logger,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/session/status", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("Daemon unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// Start begins a tracking session, or returns the one already running.
func (c *Client) Start(ctx context.Context) (Handle, error) {
	var h Handle
	err := c.doJSON(ctx, c.client, http.MethodPost, "/session/start", nil, &h)
	return h, err
}

// Stop ends the running session.
func (c *Client) Stop(ctx context.Context) (Summary, error) {
	var s Summary
	err := c.doJSON(ctx, c.client, http.MethodPost, "/session/stop", nil, &s)
	return s, err
}

func (c *Client) Status(ctx context.Context) (Status, error) {
	var s Status
	err := c.doJSON(ctx, c.client, http.MethodGet, "/session/status", nil, &s)
	return s, err
}

// Acquire asks the daemon for a single position. A zero timeout uses the daemon default.
func (c *Client) Acquire(ctx context.Context, timeout time.Duration) (Sample, error) {
	path := "/acquire"
	hc := c.client
	if timeout > 0 {
		path += "?timeout=" + url.QueryEscape(timeout.String())
		// the request blocks server-side for up to timeout
		if budget := timeout + 5*time.Second; hc.Timeout > 0 && hc.Timeout < budget {
			cp := *hc
			cp.Timeout = budget
			hc = &cp
		}
	}
	var s Sample
	err := c.doJSON(ctx, hc, http.MethodPost, path, nil, &s)
	return s, err
}

// SetEmergency requests the emergency flag value.
func (c *Client) SetEmergency(ctx context.Context, active bool) (EmergencyState, error) {
	var st EmergencyState
	err := c.doJSON(ctx, c.client, http.MethodPost, "/emergency", emergencyRequest{Active: active}, &st)
	return st, err
}

// Emergency reports the current emergency flag.
func (c *Client) Emergency(ctx context.Context) (bool, error) {
	var st EmergencyState
	err := c.doJSON(ctx, c.client, http.MethodGet, "/emergency", nil, &st)
	return st.Active, err
}

// Watch streams accepted samples to fn until ctx is done or the connection drops.
// It returns nil when ctx ends the stream.
func (c *Client) Watch(ctx context.Context, fn func(Accepted)) error {
	wsURL, err := streamURL(c.baseURL)
	if err != nil {
		return err
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: c.client.Timeout,
		TLSClientConfig:  c.tlsConfig,
	}
	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dial stream: %w", err)
	}
	defer func() { _ = conn.Close() }()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		var a Accepted
		if err := conn.ReadJSON(&a); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read stream: %w", err)
		}
		if ctx.Err() != nil {
			return nil
		}
		fn(a)
	}
}

func streamURL(base string) (string, error) {
	u, err := url.Parse(base + "/session/stream")
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return u.String(), nil
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{}

	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true
		return tlsConfig, nil
	}

	if config.TLS != nil {
		if config.TLS.SkipVerify {
			tlsConfig.InsecureSkipVerify = true
		}
		if config.TLS.ServerName != "" {
			tlsConfig.ServerName = config.TLS.ServerName
		}
		if config.TLS.CACert != "" {
			if err := loadCACert(tlsConfig, config.TLS.CACert); err != nil {
				return nil, fmt.Errorf("failed to load CA certificate: %w", err)
			}
		}
		if config.TLS.ClientCert != "" && config.TLS.ClientKey != "" {
			cert, err := tls.LoadX509KeyPair(config.TLS.ClientCert, config.TLS.ClientKey)
			if err != nil {
				return nil, fmt.Errorf("failed to load client certificate: %w", err)
			}
			tlsConfig.Certificates = []tls.Certificate{cert}
		}
	}

	return tlsConfig, nil
}

// loadCACert loads CA certificate from file and adds it to TLS config
func loadCACert(tlsConfig *tls.Config, caCertPath string) error {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate file: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return fmt.Errorf("failed to parse CA certificate")
	}

	tlsConfig.RootCAs = caCertPool
	return nil
}

// doJSON sends body (if any) as JSON and decodes a 200 answer into out.
func (c *Client) doJSON(ctx context.Context, hc *http.Client, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := hc.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "path", path)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := c.handleErrorResponse(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// handleErrorResponse turns a non-200 answer into an *APIError.
func (c *Client) handleErrorResponse(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err == nil {
		apiErr.Message = errorResp.Error
	}
	c.logger.Debug("API request failed", "error", apiErr.Message, "status", resp.StatusCode)
	return apiErr
}

// StatusCode returns the HTTP status of an *APIError, or 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}
