package collector_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/trackr/internal/collector"
	"github.com/loykin/trackr/internal/collector/stub"
	"github.com/loykin/trackr/internal/history"
)

func newStub(t *testing.T, token string) (*stub.Server, *collector.HTTPClient) {
	t.Helper()
	s := stub.New(token, nil)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	c, err := collector.NewHTTP(collector.Config{BaseURL: srv.URL + "/", Token: token, Timeout: time.Second})
	require.NoError(t, err)
	return s, c
}

func TestHTTPClientWrites(t *testing.T) {
	s, c := newStub(t, "secret")
	ctx := context.Background()

	require.NoError(t, c.SubmitPosition(ctx, "u1", 37.1, 127.2))
	p := history.NewPoint("u1", "sess", 1, 37.1, 127.2, time.Now(), time.UTC)
	require.NoError(t, c.SubmitHistoricPoint(ctx, p))
	require.NoError(t, c.Send(ctx, p))
	require.NoError(t, c.TerminateTracking(ctx, "u1"))

	w := s.Writes()
	assert.Equal(t, []collector.PositionRequest{{UserID: "u1", Latitude: 37.1, Longitude: 127.2}}, w.Positions)
	assert.Equal(t, []history.Point{p, p}, w.History)
	assert.Equal(t, []collector.TerminateRequest{{UserID: "u1"}}, w.Terminations)
}

func TestHTTPClientEmergencyAcknowledgment(t *testing.T) {
	s, c := newStub(t, "")
	ctx := context.Background()

	s.RefuseEmergency(true)
	ack, err := c.SubmitEmergency(ctx, "u1", true)
	require.NoError(t, err)
	assert.False(t, ack)
	assert.False(t, s.EmergencyActive("u1"))

	s.RefuseEmergency(false)
	ack, err = c.SubmitEmergency(ctx, "u1", true)
	require.NoError(t, err)
	assert.True(t, ack)
	assert.True(t, s.EmergencyActive("u1"))
}

func TestHTTPClientEmergencyEmptyBodyIsAck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	c, err := collector.NewHTTP(collector.Config{BaseURL: srv.URL})
	require.NoError(t, err)

	ack, err := c.SubmitEmergency(context.Background(), "u1", false)
	require.NoError(t, err)
	assert.True(t, ack)
}

func TestHTTPClientDeliveryError(t *testing.T) {
	s, c := newStub(t, "")
	s.FailWith(http.StatusServiceUnavailable)

	err := c.SubmitPosition(context.Background(), "u1", 1, 2)
	var de *collector.DeliveryError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, collector.OpPosition, de.Op)
	assert.Equal(t, http.StatusServiceUnavailable, de.Status())

	ack, err := c.SubmitEmergency(context.Background(), "u1", true)
	assert.False(t, ack)
	require.ErrorAs(t, err, &de)
	assert.Equal(t, collector.OpEmergency, de.Op)
}

func TestHTTPClientRejectsBadToken(t *testing.T) {
	s := stub.New("secret", nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	c, err := collector.NewHTTP(collector.Config{BaseURL: srv.URL, Token: "wrong"})
	require.NoError(t, err)

	err = c.TerminateTracking(context.Background(), "u1")
	var de *collector.DeliveryError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, http.StatusUnauthorized, de.StatusCode)
	assert.Empty(t, s.Writes().Terminations)
}

func TestHTTPClientUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	c, err := collector.NewHTTP(collector.Config{BaseURL: url, Timeout: 200 * time.Millisecond})
	require.NoError(t, err)

	err = c.SubmitPosition(context.Background(), "u1", 0, 0)
	var de *collector.DeliveryError
	require.ErrorAs(t, err, &de)
	assert.Zero(t, de.StatusCode)
	assert.NotNil(t, errors.Unwrap(de))
}

func TestNewHTTPRejectsBadURL(t *testing.T) {
	_, err := collector.NewHTTP(collector.Config{BaseURL: "ftp://example.com"})
	assert.Error(t, err)
	_, err = collector.NewHTTP(collector.Config{BaseURL: ""})
	assert.Error(t, err)
}

func TestLogCollectorAcknowledges(t *testing.T) {
	l := collector.NewLog(nil)
	ctx := context.Background()
	ack, err := l.SubmitEmergency(ctx, "u1", true)
	require.NoError(t, err)
	assert.True(t, ack)
	assert.NoError(t, l.SubmitPosition(ctx, "u1", 1, 2))
	assert.NoError(t, l.Send(ctx, history.Point{UserID: "u1"}))
	assert.NoError(t, l.TerminateTracking(ctx, "u1"))
}
