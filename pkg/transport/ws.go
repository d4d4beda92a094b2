// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	scerrors "github.com/stacklok/shared-context-server/pkg/errors"
	"github.com/stacklok/shared-context-server/pkg/logger"
	"github.com/stacklok/shared-context-server/pkg/notify"
	"github.com/stacklok/shared-context-server/pkg/session"
	"github.com/stacklok/shared-context-server/pkg/tokens"
)

const (
	// wsSendBuffer is the per-subscriber event queue. A subscriber whose
	// queue stays full past wsSendGrace is dropped as lagging.
	wsSendBuffer = 64
	wsSendGrace  = 2 * time.Second

	wsPingInterval = 30 * time.Second
	wsPongWait     = 60 * time.Second
	wsWriteWait    = 10 * time.Second
	wsReadLimit    = 4096

	// wsReplayLimit bounds the catch-up delivered for a hello frame.
	wsReplayLimit = 100
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The transport key middleware already gated the handshake.
	CheckOrigin: func(*http.Request) bool { return true },
}

// clientFrame is the only frame clients send. A hello with since_id asks for
// a bounded replay of messages the caller is allowed to see.
type clientFrame struct {
	Op      string `json:"op"`
	SinceID int64  `json:"since_id"`
}

// wsSubscriber adapts one WebSocket connection to the notification bus.
type wsSubscriber struct {
	id   string
	ch   chan notify.Event
	done chan struct{}
}

func newWSSubscriber() *wsSubscriber {
	return &wsSubscriber{
		id:   uuid.NewString(),
		ch:   make(chan notify.Event, wsSendBuffer),
		done: make(chan struct{}),
	}
}

func (s *wsSubscriber) ID() string { return s.id }

// Send queues ev for the write loop. It blocks at most wsSendGrace when the
// queue is full; the bus drops the subscriber on error.
func (s *wsSubscriber) Send(ev notify.Event) error {
	select {
	case s.ch <- ev:
		return nil
	default:
	}
	select {
	case s.ch <- ev:
		return nil
	case <-s.done:
		return errors.New("subscriber closed")
	case <-time.After(wsSendGrace):
		return errors.New("send buffer full")
	}
}

func (s *wsSubscriber) close() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

// handleWebSocket upgrades the connection and streams session events. An
// optional auth_token query parameter selects the caller's visibility
// projection for replay; without one only public messages replay.
func (h *HTTPServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	if _, err := h.sessions.GetSession(r.Context(), sessionID); err != nil {
		status := http.StatusInternalServerError
		if scerrors.IsCode(err, scerrors.ErrSessionNotFound) {
			status = http.StatusNotFound
		}
		writeJSON(w, status, scerrors.From(err).Envelope())
		return
	}
	claims := h.wsClaims(r)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		logger.Warnw("websocket upgrade failed", "session_id", sessionID, "error", err)
		return
	}

	sub := newWSSubscriber()
	unsubscribe := h.bus.Subscribe(sessionID, sub)
	defer func() {
		unsubscribe()
		sub.close()
		_ = conn.Close()
	}()

	logger.Infow("websocket subscribed",
		"session_id", sessionID, "subscriber", sub.id, "agent_id", claims.AgentID)

	helloCh := make(chan int64, 1)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writeLoop(conn, sub, claims, sessionID, helloCh)
	}()

	h.readLoop(conn, helloCh)
	sub.close()
	<-writerDone
}

// wsClaims resolves the optional auth_token query parameter. Zero claims mean
// the anonymous public-only projection.
func (h *HTTPServer) wsClaims(r *http.Request) tokens.Claims {
	raw := r.URL.Query().Get("auth_token")
	if raw == "" {
		return tokens.Claims{}
	}
	token, err := tokens.ParseProtectedToken(raw)
	if err != nil {
		return tokens.Claims{}
	}
	claims, err := h.vault.Validate(r.Context(), token)
	if err != nil {
		return tokens.Claims{}
	}
	return claims
}

// readLoop consumes client frames and keeps the pong deadline fresh. It
// returns when the peer goes away.
func (h *HTTPServer) readLoop(conn *websocket.Conn, helloCh chan<- int64) {
	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		if frame.Op == "hello" {
			select {
			case helloCh <- frame.SinceID:
			default:
			}
		}
	}
}

// writeLoop owns all writes on the connection: replays, live events, and
// heartbeat pings.
func (h *HTTPServer) writeLoop(conn *websocket.Conn, sub *wsSubscriber,
	claims tokens.Claims, sessionID string, helloCh <-chan int64) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case ev := <-sub.ch:
			// Subscribers who may not read the message get the bare
			// id-and-timestamp heartbeat.
			if !session.CanReadEvent(&claims, ev) {
				ev = ev.Redacted()
			}
			if err := h.writeFrame(conn, map[string]any{"type": "event", "event": ev}); err != nil {
				return
			}
		case sinceID := <-helloCh:
			if err := h.replay(conn, claims, sessionID, sinceID); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case <-sub.done:
			return
		}
	}
}

// replay streams up to wsReplayLimit messages after sinceID through the
// visibility-checked read path and closes with a replay_complete frame.
func (h *HTTPServer) replay(conn *websocket.Conn, claims tokens.Claims, sessionID string, sinceID int64) error {
	ctx, cancel := context.WithTimeout(context.Background(), readTimeout)
	defer cancel()

	msgs, err := h.sessions.MessagesSince(ctx, &claims, sessionID, sinceID, wsReplayLimit)
	if err != nil {
		return h.writeFrame(conn, map[string]any{"type": "error", "error": scerrors.From(err).Envelope()})
	}
	for _, msg := range msgs {
		if err := h.writeFrame(conn, map[string]any{"type": "replay", "message": msg}); err != nil {
			return err
		}
	}
	return h.writeFrame(conn, map[string]any{
		"type": "replay_complete", "count": len(msgs), "since_id": sinceID,
	})
}

func (h *HTTPServer) writeFrame(conn *websocket.Conn, v any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(v)
}
