package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ecoscale/ecoscale/server/internal/alerts"
	"github.com/ecoscale/ecoscale/server/internal/api"
	"github.com/ecoscale/ecoscale/server/internal/store"
)

const (
	writeTimeout = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10 // must stay below pongWait
	queueDepth   = 16
	maxInbound   = 512
)

// Message events.
const (
	EventSnapshot = "snapshot" // periodic tick and initial push on connect
	EventUpdate   = "update"   // pushed early via Notify
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Origins are not checked; restrict them at the reverse proxy.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Message is the JSON envelope sent to clients.
type Message struct {
	Event  string               `json:"event"`
	Seq    uint64               `json:"seq"`
	Device string               `json:"device,omitempty"`
	Data   api.SnapshotResponse `json:"data"`
	Alerts []*alerts.Alert      `json:"alerts"`
}

// Hub streams the device snapshot to WebSocket subscribers. A subscriber
// connecting with ?device=<id> only receives that device and its alerts.
type Hub struct {
	store    *store.Store
	alerts   *alerts.Engine
	interval time.Duration
	trigger  chan struct{}
	seq      atomic.Uint64

	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

type subscriber struct {
	conn   *websocket.Conn
	device string
	queue  chan []byte
	once   sync.Once
}

// New creates a Hub over st. eng may be nil.
func New(st *store.Store, eng *alerts.Engine, interval time.Duration) *Hub {
	return &Hub{
		store:    st,
		alerts:   eng,
		interval: interval,
		trigger:  make(chan struct{}, 1),
		subs:     make(map[*subscriber]struct{}),
	}
}

// Run pushes a snapshot every interval and an update after each Notify until
// ctx is cancelled, then disconnects every subscriber.
func (h *Hub) Run(ctx context.Context) {
	t := time.NewTicker(h.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			h.dropAll()
			return
		case <-t.C:
			h.publish(EventSnapshot)
		case <-h.trigger:
			h.publish(EventUpdate)
		}
	}
}

// Notify requests an immediate update. Calls coalesce while one is pending.
func (h *Hub) Notify() {
	select {
	case h.trigger <- struct{}{}:
	default:
	}
}

// ServeHTTP upgrades the request and serves one subscriber until it
// disconnects. The current snapshot is queued before anything else.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("ws: upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	s := &subscriber{
		conn:   conn,
		device: r.URL.Query().Get("device"),
		queue:  make(chan []byte, queueDepth),
	}
	if data, err := h.encode(EventSnapshot, s.device, api.BuildSnapshot(h.store)); err == nil {
		s.queue <- data
	}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	defer h.drop(s)

	go s.writeLoop()
	s.readLoop()
}

// Count returns the number of connected subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) publish(event string) {
	snap := api.BuildSnapshot(h.store)

	// Queues are only closed under the write lock, so sends under the read
	// lock never hit a closed channel.
	var slow []*subscriber
	encoded := make(map[string][]byte) // one encoding per distinct filter
	h.mu.RLock()
	for s := range h.subs {
		data, ok := encoded[s.device]
		if !ok {
			var err error
			if data, err = h.encode(event, s.device, snap); err != nil {
				h.mu.RUnlock()
				slog.Error("ws: encode message", "err", err)
				return
			}
			encoded[s.device] = data
		}
		select {
		case s.queue <- data:
		default:
			slow = append(slow, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range slow {
		slog.Warn("ws: subscriber too slow, disconnecting", "device_filter", s.device)
		h.drop(s)
	}
}

func (h *Hub) encode(event, device string, snap api.SnapshotResponse) ([]byte, error) {
	msg := Message{
		Event:  event,
		Seq:    h.seq.Add(1),
		Device: device,
		Data:   snap,
		Alerts: []*alerts.Alert{},
	}
	if h.alerts != nil {
		msg.Alerts = append(msg.Alerts, h.alerts.Active()...)
	}
	if device != "" {
		msg.Data.Devices = filterDevices(snap.Devices, device)
		msg.Alerts = filterAlerts(msg.Alerts, device)
	}
	return json.Marshal(msg)
}

func filterDevices(in []api.DeviceResponse, device string) []api.DeviceResponse {
	out := make([]api.DeviceResponse, 0, 1)
	for _, d := range in {
		if d.DeviceID == device {
			out = append(out, d)
		}
	}
	return out
}

func filterAlerts(in []*alerts.Alert, device string) []*alerts.Alert {
	out := in[:0:0]
	for _, a := range in {
		if a.DeviceID == device {
			out = append(out, a)
		}
	}
	return out
}

func (h *Hub) drop(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, s)
	s.once.Do(func() { close(s.queue) })
}

func (h *Hub) dropAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		delete(h.subs, s)
		s.once.Do(func() { close(s.queue) })
	}
}

// writeLoop owns all writes to the connection: queued messages and pings. A
// closed queue ends the session with a close frame.
func (s *subscriber) writeLoop() {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		s.conn.Close()
	}()

	for {
		var (
			kind    = websocket.TextMessage
			payload []byte
		)
		select {
		case msg, ok := <-s.queue:
			if !ok {
				kind = websocket.CloseMessage
			}
			payload = msg
		case <-ping.C:
			kind = websocket.PingMessage
		}

		s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
		if err := s.conn.WriteMessage(kind, payload); err != nil || kind == websocket.CloseMessage {
			return
		}
	}
}

// readLoop discards inbound frames and returns once the peer goes away or
// stops answering pings.
func (s *subscriber) readLoop() {
	defer s.conn.Close()
	s.conn.SetReadLimit(maxInbound)
	s.conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}
