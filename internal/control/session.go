// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ManuGH/m3u8d/internal/engine"
	xglog "github.com/ManuGH/m3u8d/internal/log"
	"github.com/ManuGH/m3u8d/internal/metrics"
	pnet "github.com/ManuGH/m3u8d/internal/platform/net"
	"github.com/ManuGH/m3u8d/internal/task"
)

// session is one WebSocket connection. The reader runs on the HTTP handler
// goroutine; every task started on the session runs on its own goroutine
// and shares the session context, so losing the connection cancels them all.
type session struct {
	id     string
	srv    *Server
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	logger zerolog.Logger

	writeMu   sync.Mutex
	runs      sync.WaitGroup
	closeOnce sync.Once
}

func newSession(srv *Server, conn *websocket.Conn) *session {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(xglog.ContextWithSessionID(srv.baseCtx, id))
	return &session{
		id:     id,
		srv:    srv,
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
		logger: xglog.WithComponentFromContext(ctx, "control"),
	}
}

func (s *session) serve() {
	metrics.IncControlSessions()
	defer metrics.DecControlSessions()
	s.logger.Info().Str("remote_addr", s.conn.RemoteAddr().String()).Msg("session opened")

	pingDone := make(chan struct{})
	go s.pingLoop(pingDone)

	s.readLoop()

	s.cancel()
	s.runs.Wait()
	<-pingDone
	s.closeConn()
	s.logger.Info().Msg("session closed")
}

func (s *session) readLoop() {
	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug().Err(err).Msg("session read ended")
			}
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		s.handle(data)
	}
}

func (s *session) pingLoop(done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (s *session) handle(data []byte) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		metrics.IncControlMessage("malformed")
		s.reply(Reply{Type: ReplyError, Message: "malformed request: " + err.Error()})
		return
	}

	switch req.MessageType {
	case MsgDownloadVideo:
		metrics.IncControlMessage(req.MessageType)
		s.startDownload(req)
	case MsgQueuePop:
		metrics.IncControlMessage(req.MessageType)
		s.popQueue(req)
	case MsgRetryDownload:
		metrics.IncControlMessage(req.MessageType)
		s.pushQueue(req)
	default:
		metrics.IncControlMessage("unknown")
		s.reply(Reply{ID: req.ID, Type: ReplyError, Message: fmt.Sprintf("unknown messageType %q", req.MessageType)})
	}
}

func (s *session) startDownload(req Request) {
	if req.DownloadTaskInfo == nil {
		s.reply(Reply{ID: req.ID, Type: ReplyError, Message: "downloadTaskInfo is required"})
		return
	}
	d := *req.DownloadTaskInfo
	u, err := pnet.ValidateSourceURL(d.URL)
	if err != nil {
		s.reply(Reply{ID: req.ID, Type: ReplyError, Message: err.Error()})
		return
	}
	d.URL = u.String()

	tc, err := task.NewContext(s.srv.deps.SaveRoot(), d)
	if err != nil {
		s.reply(Reply{ID: req.ID, Type: ReplyError, Message: err.Error()})
		return
	}

	registry := s.srv.deps.Registry
	if err := registry.TryAcquire(d.ID, tc.Dir, s.id); err != nil {
		s.reply(Reply{ID: req.ID, Type: ReplyRejected, Message: err.Error()})
		return
	}

	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		defer registry.Release(d.ID)

		ctx := xglog.ContextWithTaskID(s.ctx, d.Key())
		err := s.srv.deps.Engine.Run(ctx, d, s)
		switch {
		case err == nil:
		case errors.Is(err, context.Canceled):
			s.logger.Info().Int64("task", d.ID).Msg("task run cancelled with its session")
		default:
			s.logger.Warn().Err(err).Int64("task", d.ID).Msg("task run aborted")
		}
	}()
}

func (s *session) popQueue(req Request) {
	d, ok, err := s.srv.deps.Queue.Pop(s.ctx)
	switch {
	case err != nil:
		metrics.IncQueueOp("pop", "error")
		s.logger.Error().Err(err).Msg("queue pop failed")
		s.reply(Reply{ID: req.ID, Type: ReplyError, Message: "queue unavailable"})
	case !ok:
		metrics.IncQueueOp("pop", "empty")
		s.reply(Reply{ID: req.ID, Type: ReplyQueueItem})
	default:
		metrics.IncQueueOp("pop", "ok")
		s.reply(Reply{ID: req.ID, Type: ReplyQueueItem, DownloadTaskInfo: &d})
	}
}

func (s *session) pushQueue(req Request) {
	if req.DownloadTaskInfo == nil {
		s.reply(Reply{ID: req.ID, Type: ReplyError, Message: "downloadTaskInfo is required"})
		return
	}
	if err := s.srv.deps.Queue.Push(s.ctx, *req.DownloadTaskInfo); err != nil {
		metrics.IncQueueOp("push", "error")
		s.logger.Error().Err(err).Msg("queue push failed")
		s.reply(Reply{ID: req.ID, Type: ReplyError, Message: "queue unavailable"})
		return
	}
	metrics.IncQueueOp("push", "ok")
	s.reply(Reply{ID: req.ID, Type: ReplyQueued})
}

// Emit implements engine.Sink. Nothing is written once the session is
// closing.
func (s *session) Emit(_ context.Context, ev engine.Event) error {
	if err := s.ctx.Err(); err != nil {
		return err
	}
	metrics.IncControlEvent(ev.Type)
	return s.write(ev)
}

func (s *session) reply(r Reply) {
	if err := s.write(r); err != nil {
		s.logger.Debug().Err(err).Str("mes_type", r.Type).Msg("reply not delivered")
	}
}

func (s *session) write(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(v)
}

func (s *session) closeConn() {
	s.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = s.conn.Close()
	})
}
