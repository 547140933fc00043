// Package natsink publishes historic points as JSON messages on a NATS subject.
package natsink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loykin/trackr/internal/history"
)

const (
	DefaultSubject = "trackr.history"
	flushTimeout   = 5 * time.Second
)

type Sink struct {
	conn    *nats.Conn
	subject string
}

// New connects to url (nats://host:port) and publishes on subject.
func New(url, subject string) (*Sink, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("empty NATS URL")
	}
	if subject == "" {
		subject = DefaultSubject
	}
	conn, err := nats.Connect(url, nats.Name("trackr"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &Sink{conn: conn, subject: subject}, nil
}

// NewWithConn wraps an existing connection. The caller keeps ownership of conn.
func NewWithConn(conn *nats.Conn, subject string) *Sink {
	if subject == "" {
		subject = DefaultSubject
	}
	return &Sink{conn: conn, subject: subject}
}

// Send publishes p and flushes the connection so a delivery failure is reported to the
// caller.
func (s *Sink) Send(ctx context.Context, p history.Point) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	if err := s.conn.Publish(s.subject, b); err != nil {
		return err
	}
	if _, ok := ctx.Deadline(); !ok {
		return s.conn.FlushTimeout(flushTimeout)
	}
	return s.conn.FlushWithContext(ctx)
}

func (s *Sink) Subject() string { return s.subject }

func (s *Sink) Name() string { return "nats" }

func (s *Sink) Close() error {
	if s.conn != nil {
		s.conn.Close()
	}
	return nil
}
