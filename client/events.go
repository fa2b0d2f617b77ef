package client

import (
	"context"
	"fmt"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"PulseNebula/internal/events"
	"PulseNebula/internal/logger"
)

// Subscribe streams SampleLogged events until ctx ends or the node closes
// the stream. The returned channel is closed when the stream stops.
func (c *Client) Subscribe(ctx context.Context) (<-chan events.SampleLogged, error) {
	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/events"

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s:\n%w", wsURL, err)
	}

	out := make(chan events.SampleLogged, 16)

	go func() {
		defer close(out)
		defer conn.Close(websocket.StatusNormalClosure, "closed")

		for {
			var evt events.SampleLogged
			if err := wsjson.Read(ctx, conn, &evt); err != nil {
				if ctx.Err() == nil {
					logger.Debug("event stream ended", "error", err)
				}
				return
			}

			select {
			case out <- evt:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}
