package server

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/TheEterna/real-agent-sub001/pkg/turns"
)

const (
	HeaderSessionID = "X-Session-ID"
	HeaderTurnID    = "X-Turn-ID"
)

type StartTurnRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

type InteractionRequest struct {
	RequestID        string `json:"request_id"`
	SelectedOptionID string `json:"selected_option_id"`
	Feedback         string `json:"feedback,omitempty"`
}

type InteractionResponse struct {
	Accepted bool `json:"accepted"`
}

type HealthResponse struct {
	Status      string `json:"status"`
	ActiveTurns int    `json:"active_turns"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", ActiveTurns: s.turns.ActiveTurns()})
}

// handleStartTurn starts a turn and streams its events until the terminal one.
func (s *Server) handleStartTurn(c echo.Context) error {
	var req StartTurnRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Message) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message is required")
	}

	sub, err := s.turns.StartTurn(c.Request().Context(), req.SessionID, req.Message)
	if err != nil {
		if errors.Is(err, turns.ErrManagerClosed) {
			return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
		}
		log.Error().Err(err).Msg("failed to start turn")
		return echo.NewHTTPError(http.StatusInternalServerError, "could not start turn")
	}
	return streamSSE(c, sub)
}

// handleAttach re-attaches to a live turn, replaying what was produced so far.
func (s *Server) handleAttach(c echo.Context) error {
	sub, err := s.turns.Attach(c.Param("turn_id"))
	if err != nil {
		if errors.Is(err, turns.ErrTurnNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "turn not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return streamSSE(c, sub)
}

func (s *Server) handleGetTurn(c echo.Context) error {
	t, ok := s.turns.Snapshot(c.Param("turn_id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "turn not found")
	}
	return c.JSON(http.StatusOK, t)
}

func (s *Server) handleInteraction(c echo.Context) error {
	var req InteractionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.SelectedOptionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "selected_option_id is required")
	}
	accepted := s.turns.SubmitInteractionResponse(c.Param("turn_id"), req.RequestID, req.SelectedOptionID, req.Feedback)
	status := http.StatusOK
	if !accepted {
		status = http.StatusConflict
	}
	return c.JSON(status, InteractionResponse{Accepted: accepted})
}

func (s *Server) handleCloseTurn(c echo.Context) error {
	if !s.turns.CloseTurn(c.Param("turn_id")) {
		return echo.NewHTTPError(http.StatusNotFound, "turn not found")
	}
	return c.NoContent(http.StatusNoContent)
}

// streamSSE writes envelopes as they arrive. A client that goes away only
// detaches its subscription; the turn keeps running and can be re-attached.
func streamSSE(c echo.Context, sub *turns.Subscription) error {
	defer sub.Cancel()

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set(HeaderSessionID, sub.SessionID)
	w.Header().Set(HeaderTurnID, sub.TurnID)
	w.WriteHeader(http.StatusOK)
	w.Flush()

	ctx := c.Request().Context()
	for {
		select {
		case env, ok := <-sub.Events:
			if !ok {
				return nil
			}
			if err := env.WriteSSE(w); err != nil {
				log.Debug().Err(err).Str("turn_id", sub.TurnID).Msg("sse client write failed")
				return nil
			}
			w.Flush()
		case <-ctx.Done():
			log.Debug().Str("turn_id", sub.TurnID).Msg("sse client disconnected")
			return nil
		}
	}
}
