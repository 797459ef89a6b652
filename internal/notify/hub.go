package notify

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

const (
	defaultSubscriberBuffer = 64
	wsWriteTimeout          = 5 * time.Second
)

// Hub tracks WebSocket subscribers per operation. A subscriber whose buffer
// is full is disconnected instead of slowing delivery.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[*Subscription]struct{}
	buffer int
	logger *zap.Logger

	// OriginPatterns is passed to websocket.Accept.
	OriginPatterns []string
}

// Subscription is one subscriber's delivery channel.
type Subscription struct {
	operationID string
	C           chan []byte
	closed      bool
}

func NewHub(buffer int, logger *zap.Logger) *Hub {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{subs: map[string]map[*Subscription]struct{}{}, buffer: buffer, logger: logger.Named("hub")}
}

func (h *Hub) Subscribe(operationID string) *Subscription {
	s := &Subscription{operationID: operationID, C: make(chan []byte, h.buffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[operationID]
	if !ok {
		set = map[*Subscription]struct{}{}
		h.subs[operationID] = set
	}
	set[s] = struct{}{}
	return s
}

func (h *Hub) Unsubscribe(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(s)
}

func (h *Hub) removeLocked(s *Subscription) {
	if s.closed {
		return
	}
	s.closed = true
	close(s.C)
	if set, ok := h.subs[s.operationID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.subs, s.operationID)
		}
	}
}

// Subscribers returns the number of live subscribers for an operation.
func (h *Hub) Subscribers(operationID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[operationID])
}

// Deliver implements Target.
func (h *Hub) Deliver(_ context.Context, m Message) error {
	b, err := m.Encode()
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs[m.OperationID] {
		select {
		case s.C <- b:
		default:
			h.logger.Debug("dropping slow subscriber", zap.String("operation_id", m.OperationID))
			h.removeLocked(s)
		}
	}
	return nil
}

// ServeWS upgrades the request and streams the operation's events until the
// client goes away or the subscription is dropped.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, operationID string) {
	opts := &websocket.AcceptOptions{}
	if len(h.OriginPatterns) > 0 {
		opts.OriginPatterns = h.OriginPatterns
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := h.Subscribe(operationID)
	defer h.Unsubscribe(sub)

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
		case b, ok := <-sub.C:
			if !ok {
				_ = conn.Close(websocket.StatusPolicyViolation, "too slow")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, wsWriteTimeout)
			err := conn.Write(writeCtx, websocket.MessageText, b)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}
