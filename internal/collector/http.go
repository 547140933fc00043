package collector

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/loykin/trackr/internal/history"
	"github.com/loykin/trackr/internal/metrics"
)

// Config holds HTTP collector configuration.
type Config struct {
	BaseURL  string
	Token    string // sent as a bearer token when set
	Timeout  time.Duration
	Logger   *slog.Logger
	Insecure bool // skip TLS verification
}

// HTTPClient implements Collector over JSON/HTTP. It also satisfies history.Sink so a
// second collector can mirror the historic route.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

func NewHTTP(config Config) (*HTTPClient, error) {
	u, err := url.Parse(strings.TrimSpace(config.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("collector url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("collector url must be http or https, got %q", config.BaseURL)
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := &http.Transport{}
	if config.Insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &HTTPClient{
		baseURL: strings.TrimRight(u.String(), "/"),
		token:   config.Token,
		logger:  config.Logger.With("component", "collector"),
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}, nil
}

func (c *HTTPClient) SubmitPosition(ctx context.Context, userID string, lat, lon float64) error {
	_, err := c.post(ctx, OpPosition, PathPositions, PositionRequest{UserID: userID, Latitude: lat, Longitude: lon})
	return err
}

func (c *HTTPClient) SubmitHistoricPoint(ctx context.Context, p history.Point) error {
	_, err := c.post(ctx, OpHistory, PathHistory, p)
	return err
}

func (c *HTTPClient) SubmitEmergency(ctx context.Context, userID string, active bool) (bool, error) {
	body, err := c.post(ctx, OpEmergency, PathEmergency, EmergencyRequest{UserID: userID, Active: active})
	if err != nil {
		return false, err
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return true, nil
	}
	var resp EmergencyResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		// a 2xx without a JSON body is still an acknowledgment
		return true, nil
	}
	if resp.OK != nil && !*resp.OK {
		return false, nil
	}
	return true, nil
}

func (c *HTTPClient) TerminateTracking(ctx context.Context, userID string) error {
	_, err := c.post(ctx, OpTerminate, PathTerminate, TerminateRequest{UserID: userID})
	return err
}

// Send implements history.Sink.
func (c *HTTPClient) Send(ctx context.Context, p history.Point) error {
	return c.SubmitHistoricPoint(ctx, p)
}

func (c *HTTPClient) Name() string { return "collector" }

// post sends v as JSON and returns the response body of a 2xx reply.
func (c *HTTPClient) post(ctx context.Context, op, path string, v any) ([]byte, error) {
	start := time.Now()
	body, err := c.doRequest(ctx, op, path, v)
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.ObserveDelivery(op, result, time.Since(start).Seconds())
	return body, err
}

func (c *HTTPClient) doRequest(ctx context.Context, op, path string, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, &DeliveryError{Op: op, Err: fmt.Errorf("marshal request: %w", err)}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, &DeliveryError{Op: op, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "op", op, "error", err)
		return nil, &DeliveryError{Op: op, Err: fmt.Errorf("do request: %w", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, &DeliveryError{Op: op, StatusCode: resp.StatusCode, Err: errors.New(msg)}
	}
	if err != nil {
		return nil, &DeliveryError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}
	return body, nil
}
