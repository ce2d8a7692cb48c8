package api

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"
)

const wsWriteTimeout = 10 * time.Second

// wsHandler upgrades to WebSocket and streams bus events to the client.
// The stream is push-only: client frames are drained and discarded. A
// `since` query parameter replays retained events after that ID before
// live delivery; a gap sentinel is emitted by the bus if the ID has
// already been evicted from the ring.
func (s *Server) wsHandler(c *echo.Context) error {
	// No `since` means a fresh client: live delivery only, no replay.
	since := s.deps.Bus.LastID()
	if raw := c.QueryParam("since"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return badRequest(c, "invalid since: must be an event id")
		}
		since = id
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	sub := s.deps.Bus.Subscribe(since)
	defer s.deps.Bus.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()

	// Reader goroutine: the stream is one-way, so the only thing to learn
	// from reads is that the peer went away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	s.logger.Info("WebSocket client connected", "since", since)
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return nil
		case ev, ok := <-sub.Events():
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "")
				return nil
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("Failed to marshal event", "type", ev.Type, "error", err)
				continue
			}
			writeCtx, writeCancel := context.WithTimeout(ctx, wsWriteTimeout)
			err = conn.Write(writeCtx, websocket.MessageText, payload)
			writeCancel()
			if err != nil {
				return nil
			}
		}
	}
}
