package collector

import (
	"context"
	"log/slog"

	"github.com/loykin/trackr/internal/history"
)

// LogCollector writes every submission to the logger and acknowledges everything. It is
// used when no collector URL is configured.
type LogCollector struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) *LogCollector {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogCollector{logger: logger.With("component", "collector")}
}

func (l *LogCollector) SubmitPosition(_ context.Context, userID string, lat, lon float64) error {
	l.logger.Info("position", "user_id", userID, "lat", lat, "lon", lon)
	return nil
}

func (l *LogCollector) SubmitHistoricPoint(_ context.Context, p history.Point) error {
	l.logger.Info("historic point",
		"user_id", p.UserID, "session_id", p.SessionID, "sequence", p.Sequence,
		"local_datetime", p.LocalDateTime, "lat", p.Latitude, "lon", p.Longitude)
	return nil
}

func (l *LogCollector) SubmitEmergency(_ context.Context, userID string, active bool) (bool, error) {
	l.logger.Info("emergency", "user_id", userID, "active", active)
	return true, nil
}

func (l *LogCollector) TerminateTracking(_ context.Context, userID string) error {
	l.logger.Info("terminate tracking", "user_id", userID)
	return nil
}

func (l *LogCollector) Send(ctx context.Context, p history.Point) error {
	return l.SubmitHistoricPoint(ctx, p)
}

func (l *LogCollector) Name() string { return "log" }
