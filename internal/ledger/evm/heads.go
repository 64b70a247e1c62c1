package evm

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"pkt.systems/pslog"
)

// headWatcher holds an eth_subscribe("newHeads") websocket open and closes
// a broadcast channel on every new block.
type headWatcher struct {
	url    string
	logger pslog.Logger

	mu     sync.Mutex
	signal chan struct{}
}

func newHeadWatcher(url string, logger pslog.Logger) *headWatcher {
	return &headWatcher{url: url, logger: logger, signal: make(chan struct{})}
}

// next returns a channel closed on the next head.
func (h *headWatcher) next() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.signal
}

func (h *headWatcher) fire() {
	h.mu.Lock()
	close(h.signal)
	h.signal = make(chan struct{})
	h.mu.Unlock()
}

func (h *headWatcher) run(ctx context.Context) {
	backoff := time.Second
	for ctx.Err() == nil {
		err := h.subscribe(ctx)
		if ctx.Err() != nil {
			return
		}
		h.logger.Warn("evm.heads.disconnected", "url", h.url, "error", err, "retry_in", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

type subscriptionMessage struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Error  *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (h *headWatcher) subscribe(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, h.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	req := map[string]any{"jsonrpc": "2.0", "id": 1, "method": "eth_subscribe", "params": []string{"newHeads"}}
	if err := conn.WriteJSON(req); err != nil {
		return err
	}
	h.logger.Debug("evm.heads.subscribed", "url", h.url)
	for {
		var msg subscriptionMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		if msg.Error != nil {
			h.logger.Warn("evm.heads.error", "url", h.url, "error", msg.Error.Message)
			continue
		}
		if msg.Method == "eth_subscription" {
			h.fire()
		}
	}
}
