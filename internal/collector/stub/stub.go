// Package stub is an in-memory remote collector served with echo. It accepts the
// collector write contract and keeps every write for inspection.
package stub

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/labstack/echo/v4"

	"github.com/loykin/trackr/internal/collector"
	"github.com/loykin/trackr/internal/history"
)

// Writes is everything the stub has received.
type Writes struct {
	Positions    []collector.PositionRequest  `json:"positions"`
	History      []history.Point              `json:"history"`
	Emergency    []collector.EmergencyRequest `json:"emergency"`
	Terminations []collector.TerminateRequest `json:"terminations"`
}

// Server is the collector stub.
type Server struct {
	echo   *echo.Echo
	token  string
	logger *slog.Logger

	mu              sync.Mutex
	writes          Writes
	emergencyActive map[string]bool
	refuseEmergency bool
	failStatus      int
}

// New builds the stub. When token is set every write must carry it as a bearer token.
func New(token string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		echo:            echo.New(),
		token:           token,
		logger:          logger.With("component", "collector-stub"),
		emergencyActive: make(map[string]bool),
	}
	s.echo.HideBanner = true
	s.echo.HidePort = true

	g := s.echo.Group("", s.auth)
	g.POST(collector.PathPositions, s.positions)
	g.POST(collector.PathHistory, s.history)
	g.POST(collector.PathEmergency, s.emergency)
	g.POST(collector.PathTerminate, s.terminate)
	s.echo.GET("/debug/writes", s.debugWrites)
	return s
}

// Handler exposes the stub for httptest or mounting.
func (s *Server) Handler() http.Handler { return s.echo }

// Start listens on addr until Shutdown.
func (s *Server) Start(addr string) error {
	err := s.echo.Start(addr)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error { return s.echo.Shutdown(ctx) }

// RefuseEmergency makes emergency writes answer {"ok":false}.
func (s *Server) RefuseEmergency(refuse bool) {
	s.mu.Lock()
	s.refuseEmergency = refuse
	s.mu.Unlock()
}

// FailWith makes every write answer status. Zero restores normal operation.
func (s *Server) FailWith(status int) {
	s.mu.Lock()
	s.failStatus = status
	s.mu.Unlock()
}

// Writes returns a copy of what was received.
func (s *Server) Writes() Writes {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Writes{
		Positions:    append([]collector.PositionRequest(nil), s.writes.Positions...),
		History:      append([]history.Point(nil), s.writes.History...),
		Emergency:    append([]collector.EmergencyRequest(nil), s.writes.Emergency...),
		Terminations: append([]collector.TerminateRequest(nil), s.writes.Terminations...),
	}
}

// EmergencyActive returns the acknowledged flag for a user.
func (s *Server) EmergencyActive(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emergencyActive[userID]
}

func (s *Server) auth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.token != "" && c.Request().Header.Get(echo.HeaderAuthorization) != "Bearer "+s.token {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
		}
		s.mu.Lock()
		fail := s.failStatus
		s.mu.Unlock()
		if fail != 0 {
			return echo.NewHTTPError(fail, "collector unavailable")
		}
		return next(c)
	}
}

func (s *Server) positions(c echo.Context) error {
	var req collector.PositionRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if req.UserID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "user_id required")
	}
	s.mu.Lock()
	s.writes.Positions = append(s.writes.Positions, req)
	s.mu.Unlock()
	s.logger.Debug("position", "user_id", req.UserID, "lat", req.Latitude, "lon", req.Longitude)
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) history(c echo.Context) error {
	var p history.Point
	if err := c.Bind(&p); err != nil {
		return err
	}
	if p.UserID == "" || p.SessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "user_id and session_id required")
	}
	s.mu.Lock()
	s.writes.History = append(s.writes.History, p)
	s.mu.Unlock()
	s.logger.Debug("historic point", "session_id", p.SessionID, "sequence", p.Sequence)
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) emergency(c echo.Context) error {
	var req collector.EmergencyRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	s.mu.Lock()
	s.writes.Emergency = append(s.writes.Emergency, req)
	refuse := s.refuseEmergency
	if !refuse {
		s.emergencyActive[req.UserID] = req.Active
	}
	active := s.emergencyActive[req.UserID]
	s.mu.Unlock()

	ok := !refuse
	return c.JSON(http.StatusOK, collector.EmergencyResponse{OK: &ok, Active: active})
}

func (s *Server) terminate(c echo.Context) error {
	var req collector.TerminateRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	s.mu.Lock()
	s.writes.Terminations = append(s.writes.Terminations, req)
	s.mu.Unlock()
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) debugWrites(c echo.Context) error {
	return c.JSON(http.StatusOK, s.Writes())
}
