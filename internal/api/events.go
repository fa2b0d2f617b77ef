package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"PulseNebula/internal/ledger"
	"PulseNebula/internal/logger"
)

// eventBuffer is the per-connection backlog before events are dropped.
const eventBuffer = 64

// handleEvents streams SampleLogged events over a websocket until the
// client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Hub == nil {
		writeError(w, fmt.Errorf("%w: event stream disabled", ledger.ErrNotFound))
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		logger.Debug("websocket accept failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub := s.cfg.Hub.Subscribe(eventBuffer)
	defer s.cfg.Hub.Unsubscribe(sub)

	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}

			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()

			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write failed")
				return
			}
		}
	}
}
