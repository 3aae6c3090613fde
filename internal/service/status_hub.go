package service

import (
	"context"
	"net/http"
	"sync"
	"time"

	"invoiceq/internal/constants"
	"invoiceq/internal/models"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/sirupsen/logrus"
)

// StatusHub pushes queue statistics to websocket subscribers so a UI can show
// the pending count live instead of polling.
type StatusHub struct {
	logger *logrus.Logger

	mu   sync.Mutex
	subs map[chan models.QueueStats]struct{}
	last *models.QueueStats
}

func NewStatusHub(logger *logrus.Logger) *StatusHub {
	return &StatusHub{
		logger: logger,
		subs:   make(map[chan models.QueueStats]struct{}),
	}
}

// Publish fans the stats out to all subscribers. Slow subscribers drop
// intermediate updates; only the most recent state matters for display.
func (h *StatusHub) Publish(stats models.QueueStats) {
	h.mu.Lock()
	h.last = &stats
	for sub := range h.subs {
		select {
		case sub <- stats:
		default:
		}
	}
	h.mu.Unlock()
}

func (h *StatusHub) subscribe() (chan models.QueueStats, func()) {
	ch := make(chan models.QueueStats, constants.StatusHubBroadcastDepth)

	h.mu.Lock()
	h.subs[ch] = struct{}{}
	if h.last != nil {
		ch <- *h.last
	}
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		delete(h.subs, ch)
		h.mu.Unlock()
	}
}

// SubscriberCount reports the number of connected clients.
func (h *StatusHub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// ServeHTTP upgrades the request to a websocket and streams queue stats until
// the client disconnects.
func (h *StatusHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("Failed to accept status stream connection")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	// CloseRead processes control frames and cancels the context when the
	// peer goes away; we never expect inbound data frames.
	ctx := conn.CloseRead(r.Context())

	sub, cancel := h.subscribe()
	defer cancel()

	h.logger.Debug("Status stream client connected")

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case stats := <-sub:
			writeCtx, writeCancel := context.WithTimeout(ctx, constants.StatusStreamWriteSec*time.Second)
			err := wsjson.Write(writeCtx, conn, stats)
			writeCancel()
			if err != nil {
				h.logger.WithError(err).Debug("Status stream write failed")
				return
			}
		}
	}
}
