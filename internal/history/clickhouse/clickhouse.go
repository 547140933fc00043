package clickhouse

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/loykin/trackr/internal/history"
)

// Sink sends historic points to ClickHouse using the official ClickHouse Go client.
type Sink struct {
	conn  driver.Conn
	table string
}

// New connects to addr (host:port of the native protocol) and creates table if missing.
func New(addr, table string) (*Sink, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: "default",
			Username: "default",
			Password: "",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	ctx := context.Background()
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	s := &Sink{conn: conn, table: table}
	if err := s.ensureTable(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) ensureTable(ctx context.Context) error {
	err := s.conn.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			user_id String,
			session_id String,
			sequence UInt64,
			local_date String,
			local_datetime String,
			latitude Float64,
			longitude Float64
		) ENGINE = MergeTree()
		ORDER BY (session_id, sequence)`, s.table))
	if err != nil {
		return fmt.Errorf("failed to create ClickHouse table: %w", err)
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, p history.Point) error {
	query := fmt.Sprintf(`INSERT INTO %s (user_id, session_id, sequence, local_date, local_datetime, latitude, longitude) VALUES (?, ?, ?, ?, ?, ?, ?)`, s.table)
	err := s.conn.Exec(ctx, query,
		p.UserID,
		p.SessionID,
		p.Sequence,
		p.LocalDate,
		p.LocalDateTime,
		p.Latitude,
		p.Longitude,
	)
	if err != nil {
		return fmt.Errorf("failed to insert point into ClickHouse: %w", err)
	}
	return nil
}

func (s *Sink) Name() string { return "clickhouse" }

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
