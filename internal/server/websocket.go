package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tjfontaine/npc-trainer/internal/core/domain"
	"github.com/tjfontaine/npc-trainer/internal/orchestrator"
)

const (
	frameInit       = "init"
	frameMessage    = "message"
	frameEnd        = "end"
	frameTurnResult = "turn_result"
	frameError      = "error"

	writeWait = 10 * time.Second
	evictWait = 30 * time.Second
)

// inboundFrame is what clients send over the socket.
type inboundFrame struct {
	Type    string `json:"type" validate:"required,oneof=message end"`
	Content string `json:"content" validate:"required_if=Type message"`
}

type initFrame struct {
	Type       string `json:"type"`
	SessionID  string `json:"session_id"`
	LastTurnID int64  `json:"last_turn_id"`
	Stage      string `json:"stage"`
	Resumed    bool   `json:"resumed"`
}

// turnResultFrame carries Code and Message when the turn failed to persist,
// so the client knows which turn to send again.
type turnResultFrame struct {
	Type string `json:"type"`
	*domain.TurnResult
	Code    domain.ErrorCode `json:"code,omitempty"`
	Message string           `json:"message,omitempty"`
}

type errorFrame struct {
	Type    string           `json:"type"`
	Code    domain.ErrorCode `json:"code,omitempty"`
	Message string           `json:"message"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     sameOrigin,
}

// sameOrigin accepts non-browser clients and browsers on the serving host.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Host == r.Host
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sessionID := q.Get("session_id")
	resume, _ := strconv.ParseBool(q.Get("resume"))
	if resume && sessionID == "" {
		writeError(w, r, invalidRequest("session_id is required to resume"))
		return
	}
	if !resume && q.Get("user_id") == "" {
		writeError(w, r, invalidRequest("user_id is required"))
		return
	}

	s.handlers.Add(1)
	defer s.handlers.Done()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()
	conn.SetReadLimit(s.maxBytes)

	s.metrics.ConnectionOpened()
	defer s.metrics.ConnectionClosed()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-s.connCtx.Done():
			conn.Close()
		case <-done:
		}
	}()

	ctx := r.Context()
	var ack *domain.InitAck
	if resume {
		ack, err = s.sessions.Resume(ctx, sessionID)
	} else {
		ack, err = s.sessions.StartSession(ctx, orchestrator.StartParams{
			SessionID:  sessionID,
			UserID:     q.Get("user_id"),
			TenantID:   q.Get("tenant_id"),
			ScenarioID: q.Get("scenario_id"),
			PersonaID:  q.Get("persona_id"),
			Stage:      q.Get("stage"),
		})
	}
	if err != nil {
		s.sendError(conn, err)
		s.closeSocket(conn, websocket.ClosePolicyViolation)
		return
	}
	sessionID = ack.SessionID
	AddLogField(ctx, "session_id", sessionID)
	logger := s.logger.With(slog.String("session_id", sessionID))

	if err := s.send(conn, initFrame{
		Type:       frameInit,
		SessionID:  ack.SessionID,
		LastTurnID: ack.LastTurnID,
		Stage:      ack.Stage,
		Resumed:    ack.Resumed,
	}); err != nil {
		s.evict(ctx, logger, sessionID)
		return
	}
	logger.Info("websocket session attached", slog.Bool("resumed", ack.Resumed))

	limiter := s.limiter.ConnLimiter()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Info("websocket read ended", slog.String("error", err.Error()))
			}
			s.evict(ctx, logger, sessionID)
			return
		}

		var in inboundFrame
		if err := json.Unmarshal(data, &in); err != nil {
			if s.sendError(conn, invalidRequest("malformed message")) != nil {
				s.evict(ctx, logger, sessionID)
				return
			}
			continue
		}
		if err := s.validate.Struct(in); err != nil {
			if s.sendError(conn, invalidRequest(err.Error())) != nil {
				s.evict(ctx, logger, sessionID)
				return
			}
			continue
		}
		if !limiter.Allow() {
			if s.sendError(conn, domain.ErrRateLimited) != nil {
				s.evict(ctx, logger, sessionID)
				return
			}
			continue
		}

		if in.Type == frameEnd {
			if err := s.sessions.CloseSession(ctx, sessionID); err != nil {
				logger.Warn("close session failed", slog.String("error", err.Error()))
				s.sendError(conn, err)
			}
			s.closeSocket(conn, websocket.CloseNormalClosure)
			return
		}

		res, err := s.sessions.SubmitTurn(ctx, sessionID, in.Content)
		switch {
		case res != nil:
			AddLogField(ctx, "turn_id", strconv.FormatInt(res.TurnID, 10))
			frame := turnResultFrame{Type: frameTurnResult, TurnResult: res}
			if err != nil {
				logger.Warn("turn not persisted", slog.Int64("turn_id", res.TurnID), slog.String("error", err.Error()))
				te := domain.AsTrainerError(err)
				frame.Code, frame.Message = te.Code, te.Message
			}
			err = s.send(conn, frame)
		case err != nil:
			err = s.sendError(conn, err)
		}
		if err != nil {
			s.evict(ctx, logger, sessionID)
			return
		}
	}
}

func (s *Server) send(conn *websocket.Conn, v any) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteJSON(v)
}

func (s *Server) sendError(conn *websocket.Conn, err error) error {
	te := domain.AsTrainerError(err)
	return s.send(conn, errorFrame{Type: frameError, Code: te.Code, Message: te.Message})
}

func (s *Server) closeSocket(conn *websocket.Conn, code int) {
	msg := websocket.FormatCloseMessage(code, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

// evict detaches the session after the client goes away so it can resume
// from its snapshot later.
func (s *Server) evict(ctx context.Context, logger *slog.Logger, sessionID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), evictWait)
	defer cancel()

	err := s.sessions.Evict(ctx, sessionID)
	switch {
	case err == nil:
		logger.Info("websocket session evicted")
	case errors.Is(err, domain.ErrSessionNotFound), errors.Is(err, domain.ErrSessionClosed):
	default:
		logger.Warn("evict failed", slog.String("error", err.Error()))
	}
}
