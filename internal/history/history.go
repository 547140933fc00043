package history

import (
	"context"
	"time"
)

// Layouts of the local-time fields of a Point.
const (
	DateLayout     = "2006-01-02"
	DateTimeLayout = "2006-01-02 15:04:05.000"
)

// Point is one historic route entry. LocalDate and LocalDateTime are rendered in the
// device's local time zone when the sample is recorded.
type Point struct {
	UserID        string  `json:"user_id"`
	SessionID     string  `json:"session_id"`
	Sequence      uint64  `json:"sequence"`
	LocalDate     string  `json:"local_date"`
	LocalDateTime string  `json:"local_datetime"`
	Latitude      float64 `json:"latitude"`
	Longitude     float64 `json:"longitude"`
}

// NewPoint renders t in loc (time.Local when nil).
func NewPoint(userID, sessionID string, seq uint64, lat, lon float64, t time.Time, loc *time.Location) Point {
	if loc == nil {
		loc = time.Local
	}
	lt := t.In(loc)
	return Point{
		UserID:        userID,
		SessionID:     sessionID,
		Sequence:      seq,
		LocalDate:     lt.Format(DateLayout),
		LocalDateTime: lt.Format(DateTimeLayout),
		Latitude:      lat,
		Longitude:     lon,
	}
}

// Sink is a destination for historic points.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, p Point) error
}

// Named is implemented by sinks that report a name for logs and metrics.
type Named interface {
	Name() string
}

// NameOf returns the sink's name or "sink" when it has none.
func NameOf(s Sink) string {
	if n, ok := s.(Named); ok {
		return n.Name()
	}
	return "sink"
}
