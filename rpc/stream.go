package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"nhooyr.io/websocket"

	"cipherpool/core/events"
)

const (
	wsWriteTimeout   = 10 * time.Second
	streamBufferSize = 64
)

// StreamEvent is a committed event pushed to websocket subscribers.
type StreamEvent struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	Timestamp  int64             `json:"ts"`
}

type subscriber struct {
	updates   chan StreamEvent
	eventType string
	pool      string
}

// Hub fans committed events out to websocket subscribers. A subscriber with a
// full buffer misses the event so the emitting operation never blocks.
type Hub struct {
	mu      sync.Mutex
	nextID  uint64
	subs    map[uint64]*subscriber
	nowFn   func() time.Time
	dropped metric.Int64Counter
}

// NewHub constructs an empty hub.
func NewHub() *Hub {
	meter := otel.GetMeterProvider().Meter("cipherpool/rpc")
	counter, err := meter.Int64Counter("cipherpool.rpc.stream.dropped")
	if err != nil {
		fallback := noop.NewMeterProvider().Meter("cipherpool/rpc")
		counter, _ = fallback.Int64Counter("cipherpool.rpc.stream.dropped")
	}
	return &Hub{subs: make(map[uint64]*subscriber), nowFn: time.Now, dropped: counter}
}

// Emit implements events.Emitter.
func (h *Hub) Emit(evt events.Event) {
	if h == nil || evt == nil {
		return
	}
	payload := evt.Event()
	if payload == nil {
		return
	}
	msg := StreamEvent{Type: payload.Type, Attributes: payload.Attributes, Timestamp: h.nowFn().Unix()}

	h.mu.Lock()
	defer h.mu.Unlock()
	var dropped int64
	for _, sub := range h.subs {
		if sub.eventType != "" && sub.eventType != msg.Type {
			continue
		}
		if sub.pool != "" && msg.Attributes["pool"] != sub.pool {
			continue
		}
		select {
		case sub.updates <- msg:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		h.dropped.Add(context.Background(), dropped, metric.WithAttributes(attribute.String("type", msg.Type)))
	}
}

// Subscribe registers a subscriber for events matching eventType and pool.
// Empty filters match everything. The returned cancel closes the channel.
func (h *Hub) Subscribe(eventType, pool string) (<-chan StreamEvent, func()) {
	sub := &subscriber{
		updates:   make(chan StreamEvent, streamBufferSize),
		eventType: strings.TrimSpace(eventType),
		pool:      strings.TrimSpace(pool),
	}
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = sub
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			close(sub.updates)
			h.mu.Unlock()
		})
	}
	return sub.updates, cancel
}

// Subscribers reports the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if s.stream == nil {
		http.Error(w, "event stream unavailable", http.StatusServiceUnavailable)
		return
	}
	query := r.URL.Query()
	pool := ""
	if raw := strings.TrimSpace(query.Get("pool")); raw != "" {
		id, err := parseHash("pool", raw)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		pool = strings.TrimPrefix(hex32(id), "0x")
	}
	updates, cancel := s.stream.Subscribe(query.Get("type"), pool)
	defer cancel()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	ctx := conn.CloseRead(r.Context())
	if err := streamEvents(ctx, conn, updates); err != nil {
		if status := websocket.CloseStatus(err); status == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func streamEvents(ctx context.Context, conn *websocket.Conn, updates <-chan StreamEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if err := writeStreamEvent(ctx, conn, update); err != nil {
				return err
			}
		}
	}
}

func writeStreamEvent(ctx context.Context, conn *websocket.Conn, update StreamEvent) error {
	data, err := json.Marshal(update)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
