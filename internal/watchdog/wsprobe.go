package watchdog

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

// probeWebsocket dials the venue's public websocket endpoint and sends a
// ping control frame. Market-data connectivity can die independently of the
// REST surface, so the REST ping alone is not a sufficient liveness signal.
func probeWebsocket(ctx context.Context, url string, timeout time.Duration) error {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, url, nil)
	if err != nil {
		return fmt.Errorf("watchdog: dial %s: %w", url, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(timeout)
	if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		return fmt.Errorf("watchdog: ping %s: %w", url, err)
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return nil
}
