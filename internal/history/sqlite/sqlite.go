package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/trackr/internal/history"
)

// Sink writes historic points to a SQLite database.
type Sink struct {
	db *sql.DB
}

// New creates a new SQLite history sink.
// DSN format:
//   - "sqlite:///path/to/file.db"
//   - "sqlite://:memory:"
//   - "/path/to/file.db" (without prefix)
//   - ":memory:" (in-memory database)
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// :memory: databases are per connection
	db.SetMaxOpenConns(1)

	sink := &Sink{db: db}
	if err := sink.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return sink, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS route_history(
			recorded_at TIMESTAMP NOT NULL DEFAULT (CURRENT_TIMESTAMP),
			user_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			local_date TEXT NOT NULL,
			local_datetime TEXT NOT NULL,
			latitude REAL NOT NULL,
			longitude REAL NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_route_history_session ON route_history(session_id, sequence);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, p history.Point) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO route_history(user_id, session_id, sequence, local_date, local_datetime, latitude, longitude)
		VALUES(?, ?, ?, ?, ?, ?, ?);`,
		p.UserID, p.SessionID, int64(p.Sequence), p.LocalDate, p.LocalDateTime, p.Latitude, p.Longitude)
	return err
}

// Points returns the stored points of a session ordered by sequence.
func (s *Sink) Points(ctx context.Context, sessionID string) ([]history.Point, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, session_id, sequence, local_date, local_datetime, latitude, longitude
		FROM route_history WHERE session_id = ? ORDER BY sequence;`, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []history.Point
	for rows.Next() {
		var (
			p   history.Point
			seq int64
		)
		if err := rows.Scan(&p.UserID, &p.SessionID, &seq, &p.LocalDate, &p.LocalDateTime, &p.Latitude, &p.Longitude); err != nil {
			return nil, err
		}
		p.Sequence = uint64(seq)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Sink) Name() string { return "sqlite" }

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
