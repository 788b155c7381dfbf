package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/gcastellani/mentora/internal/config"
	"github.com/gcastellani/mentora/internal/engine"
	"github.com/gcastellani/mentora/internal/observability"
	"github.com/gcastellani/mentora/internal/protocol"
	"github.com/gcastellani/mentora/internal/session"
)

// TurnEngine is the orchestration surface the gateway drives.
type TurnEngine interface {
	ProcessTurn(ctx context.Context, turn engine.Turn) (engine.TurnResult, error)
	CancelInFlight(sessionID string) int
	InvalidateTopic(topic string) int
	Metrics() engine.Metrics
}

type Server struct {
	cfg      config.Config
	sessions *session.Manager
	engine   TurnEngine
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
}

func New(cfg config.Config, sessions *session.Manager, turns TurnEngine, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		engine:   turns,
		metrics:  metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only allow browser websocket connections from the same
				// origin unless explicitly opened up. This prevents other
				// websites from driving a learner's session if Mentora is
				// ever exposed beyond localhost.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/tutor/session", s.handleCreateSession)
	r.Post("/v1/tutor/session/{id}/end", s.handleEndSession)
	r.Post("/v1/tutor/session/{id}/cancel", s.handleCancelTurn)
	r.Get("/v1/tutor/session/ws", s.handleSessionWS)
	r.Post("/v1/tutor/cache/invalidate", s.handleInvalidateCache)
	r.Get("/v1/tutor/metrics", s.handleEngineMetrics)
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.LearnerID) == "" {
		req.LearnerID = "anonymous"
	}

	sess := s.sessions.Create(req.LearnerID, req.Subject, req.Topic)
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.SessionEvents.WithLabelValues("created").Inc()

	respondJSON(w, http.StatusCreated, session.CreateResponse{
		SessionID:       sess.ID,
		LearnerID:       sess.LearnerID,
		Status:          sess.Status,
		Subject:         sess.Subject,
		Topic:           sess.Topic,
		StartedAt:       sess.StartedAt,
		LastActivityAt:  sess.LastActivityAt,
		InactivityTTLMS: s.cfg.SessionInactivityTimeout.Milliseconds(),
	})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	sess, err := s.sessions.End(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	if s.engine != nil {
		s.engine.CancelInFlight(id)
	}
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.SessionEvents.WithLabelValues("ended").Inc()
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleCancelTurn(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	if _, err := s.sessions.Get(id); err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	if s.engine == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "turn engine not configured")
		return
	}

	cancelled := s.engine.CancelInFlight(id)
	_ = s.sessions.BargeIn(id)
	s.metrics.SessionEvents.WithLabelValues("turn_cancelled").Inc()
	respondJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"cancelled":  cancelled,
	})
}

func (s *Server) handleInvalidateCache(w http.ResponseWriter, r *http.Request) {
	topic := strings.TrimSpace(r.URL.Query().Get("topic"))
	if topic == "" {
		respondError(w, http.StatusBadRequest, "missing_topic", "query parameter topic is required")
		return
	}
	if s.engine == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "turn engine not configured")
		return
	}
	evicted := s.engine.InvalidateTopic(topic)
	respondJSON(w, http.StatusOK, map[string]any{
		"topic":   topic,
		"evicted": evicted,
	})
}

func (s *Server) handleEngineMetrics(w http.ResponseWriter, _ *http.Request) {
	if s.engine == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "turn engine not configured")
		return
	}
	respondJSON(w, http.StatusOK, s.engine.Metrics())
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}
	if s.engine == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "turn engine not configured")
		return
	}

	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	outbound := make(chan any, 256)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-outbound:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					s.metrics.WSWriteErrors.WithLabelValues("write_json").Inc()
					cancel()
					return
				}
				if t, ok := messageTypeOf(msg); ok {
					s.metrics.WSMessages.WithLabelValues("outbound", string(t)).Inc()
				}
			}
		}
	}()

	send := func(msg any) {
		select {
		case outbound <- msg:
		default:
			// Keep websocket writes single-threaded; drop if the outbound
			// queue is saturated.
			s.metrics.WSWriteErrors.WithLabelValues("drop_full").Inc()
		}
	}

	// Turns in flight on this connection. A finalized utterance arriving
	// while one is active is a barge-in.
	var inFlight int32

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			send(protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sessionID,
				Code:      "invalid_client_message",
				Source:    "gateway",
				Retryable: false,
				Detail:    err.Error(),
			})
			continue
		}
		if t, ok := messageTypeOf(parsed); ok {
			s.metrics.WSMessages.WithLabelValues("inbound", string(t)).Inc()
		}
		_ = s.sessions.Touch(sessionID)

		switch msg := parsed.(type) {
		case protocol.ClientControl:
			if msg.Action == "cancel" {
				s.engine.CancelInFlight(sessionID)
				_ = s.sessions.BargeIn(sessionID)
				s.metrics.SessionEvents.WithLabelValues("turn_cancelled").Inc()
			}
		case protocol.ClientTurn:
			turnID := uuid.NewString()
			bargeIn := msg.EndOfSpeech && atomic.LoadInt32(&inFlight) > 0
			if bargeIn {
				_ = s.sessions.BargeIn(sessionID)
				s.metrics.SessionEvents.WithLabelValues("barge_in").Inc()
			}
			_ = s.sessions.StartTurn(sessionID, turnID)
			send(protocol.TurnAccepted{
				Type:      protocol.TypeTurnAccepted,
				SessionID: sessionID,
				TurnID:    turnID,
			})

			turn := engine.Turn{
				TurnID:      turnID,
				SessionID:   sessionID,
				Subject:     sess.Subject,
				Topic:       sess.Topic,
				Text:        msg.Text,
				DurationMS:  int64(msg.DurationMS),
				Confidence:  msg.Confidence,
				EndOfSpeech: msg.EndOfSpeech,
				BargeIn:     bargeIn,
			}
			atomic.AddInt32(&inFlight, 1)
			go func() {
				defer atomic.AddInt32(&inFlight, -1)
				result, err := s.engine.ProcessTurn(ctx, turn)
				if err != nil {
					send(protocol.ErrorEvent{
						Type:      protocol.TypeErrorEvent,
						SessionID: sessionID,
						Code:      "turn_failed",
						Source:    "engine",
						Retryable: true,
						Detail:    err.Error(),
					})
					return
				}
				for _, msg := range resultMessages(sessionID, result) {
					send(msg)
				}
			}()
		}
	}

	cancel()
	<-writerDone
	s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
}

// resultMessages maps one turn outcome onto the wire events the client sees.
func resultMessages(sessionID string, result engine.TurnResult) []any {
	if result.Gated {
		return []any{protocol.TurnGated{
			Type:      protocol.TypeTurnGated,
			SessionID: sessionID,
			Reason:    result.GateReason,
		}}
	}
	if result.Superseded {
		return []any{protocol.TurnSuperseded{
			Type:      protocol.TypeTurnSuperseded,
			SessionID: sessionID,
			TurnID:    result.TurnID,
		}}
	}

	var msgs []any
	if result.Question != nil {
		msgs = append(msgs, protocol.QuestionEvaluated{
			Type:      protocol.TypeQuestionEvaluated,
			SessionID: sessionID,
			TurnID:    result.TurnID,
			Correct:   result.Question.Correct,
		})
	}
	msgs = append(msgs, protocol.TutorReply{
		Type:        protocol.TypeTutorReply,
		SessionID:   sessionID,
		TurnID:      result.TurnID,
		Text:        result.Text,
		DialogState: result.DialogState,
		FromCache:   result.FromCache,
		Degraded:    result.Degraded,
		Citations:   result.Citations,
	})
	return msgs
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ClientTurn:
		return m.Type, true
	case protocol.ClientControl:
		return m.Type, true
	case protocol.TurnAccepted:
		return m.Type, true
	case protocol.TurnGated:
		return m.Type, true
	case protocol.TurnSuperseded:
		return m.Type, true
	case protocol.TutorReply:
		return m.Type, true
	case protocol.QuestionEvaluated:
		return m.Type, true
	case protocol.SystemEvent:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
