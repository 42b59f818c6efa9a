package chart

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"ecg-relay/internal/cache"
	"ecg-relay/internal/dispatch"
	"ecg-relay/internal/dsp"
	"ecg-relay/internal/models"
)

// Frame types sent to chart clients
const (
	FrameHistory = "history"
	FramePoints  = "points"
	FrameReset   = "reset"
)

// Point is one plotted sample
type Point struct {
	X        int64   `json:"x"`
	Raw      int     `json:"raw"`
	Filtered float64 `json:"filtered"`
}

// Frame is the JSON message pushed to chart clients
type Frame struct {
	Type   string            `json:"type"`
	Points []Point           `json:"points,omitempty"`
	Level  *dsp.LevelMetrics `json:"level,omitempty"`
}

// Config holds configuration for the chart hub
type Config struct {
	Interval     time.Duration // Minimum time between chart updates
	Window       int           // Points kept for display
	SampleRate   float64
	NotchFreq    float64
	NotchQ       float64
	CarryState   bool // Keep filter state across updates instead of cold-starting
	ClientBuffer int  // Frames buffered per client before it is dropped
	WriteTimeout time.Duration
}

// DefaultConfig returns default chart configuration
func DefaultConfig() Config {
	return Config{
		Interval:     100 * time.Millisecond,
		Window:       200,
		SampleRate:   360,
		NotchFreq:    50,
		NotchQ:       30,
		ClientBuffer: 16,
		WriteTimeout: 10 * time.Second,
	}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// writePump pumps frames from the hub to the websocket connection
func (c *client) writePump(timeout time.Duration) {
	defer c.conn.Close()

	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(timeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

// Hub is the chart consumer. Units are buffered as they arrive and folded
// into the display window at most once per Interval, notch-filtered, then
// pushed to every connected websocket client.
type Hub struct {
	config     Config
	logger     *slog.Logger
	notch      *dsp.Notch
	level      dsp.LevelConfig
	dispatcher *dispatch.Dispatcher
	upgrader   websocket.Upgrader

	mu       sync.Mutex
	pending  []models.Unit
	window   *cache.Ring[Point]
	streamer *dsp.Streamer
	x        int64
	skipped  int64 // samples trimmed from pending before a flush
	clients  map[*client]struct{}
	ticket   dispatch.Ticket
}

// NewHub creates a chart hub. If dispatcher is non-nil the hub registers
// itself as the chart consumer while at least one client is connected.
func NewHub(config Config, dispatcher *dispatch.Dispatcher, logger *slog.Logger) (*Hub, error) {
	defaults := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.Window <= 0 {
		config.Window = defaults.Window
	}
	if config.ClientBuffer <= 0 {
		config.ClientBuffer = defaults.ClientBuffer
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	notch, err := dsp.DesignNotch(config.SampleRate, config.NotchFreq, config.NotchQ)
	if err != nil {
		return nil, fmt.Errorf("failed to design chart filter: %w", err)
	}

	return &Hub{
		config:     config,
		logger:     logger,
		notch:      notch,
		level:      dsp.DefaultLevelConfig(),
		dispatcher: dispatcher,
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 16384,
		},
		window:   cache.NewRing[Point](config.Window),
		streamer: notch.NewStreamer(),
		clients:  make(map[*client]struct{}),
	}, nil
}

// OnUnit buffers a unit for the next chart update
func (h *Hub) OnUnit(unit models.Unit) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.pending = append(h.pending, unit)

	if h.config.CarryState {
		return nil
	}

	// Without carried filter state only the newest Window samples matter
	total := 0
	for i := len(h.pending) - 1; i > 0; i-- {
		total += len(h.pending[i].Samples)
		if total >= h.config.Window {
			for _, u := range h.pending[:i] {
				h.skipped += int64(len(u.Samples))
			}
			h.pending = append(h.pending[:0], h.pending[i:]...)
			break
		}
	}
	return nil
}

// Run flushes pending units every Interval until ctx is cancelled, then
// disconnects all clients
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("ChartHub: starting", "interval", h.config.Interval, "window", h.config.Window)

	ticker := time.NewTicker(h.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			h.logger.Info("ChartHub: context cancelled, shutting down")
			return
		case <-ticker.C:
			h.Flush()
		}
	}
}

// Flush folds pending units into the window and broadcasts the new points.
// Returns the number of points added.
func (h *Hub) Flush() int {
	h.mu.Lock()
	if len(h.pending) == 0 {
		h.mu.Unlock()
		return 0
	}

	var raw []int
	for _, u := range h.pending {
		raw = append(raw, u.Samples...)
	}
	h.pending = h.pending[:0]

	var filtered []float64
	if h.config.CarryState {
		filtered = h.streamer.ProcessBlock(dsp.ToFloat(raw))
	} else {
		filtered = h.notch.ApplyInts(raw)
	}

	start := max(0, len(raw)-h.config.Window)
	points := make([]Point, 0, len(raw)-start)
	h.x += h.skipped + int64(start)
	h.skipped = 0
	for i := start; i < len(raw); i++ {
		points = append(points, Point{X: h.x, Raw: raw[i], Filtered: filtered[i]})
		h.x++
	}
	h.window.PushAll(points...)

	level := dsp.AnalyzeLevel(raw, h.level)
	h.mu.Unlock()

	if level.IsClipping {
		h.logger.Warn("ChartHub: signal clipping", "peak", level.Peak)
	}

	h.broadcast(Frame{Type: FramePoints, Points: points, Level: &level})
	return len(points)
}

// Reset clears the window and pending units and tells clients to clear
func (h *Hub) Reset() {
	h.mu.Lock()
	h.pending = h.pending[:0]
	h.window.Reset()
	h.streamer.Reset()
	h.x = 0
	h.skipped = 0
	h.mu.Unlock()

	h.broadcast(Frame{Type: FrameReset})
}

// Window returns the displayed points, oldest first
func (h *Hub) Window() []Point {
	return h.window.All()
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeWS upgrades the request and streams chart frames until the client
// disconnects. Clients may send {"type":"reset"} to clear the chart.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ChartHub: upgrade failed", "error", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, h.config.ClientBuffer)}
	h.attach(c)
	go c.writePump(h.config.WriteTimeout)

	defer h.detach(c)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("ChartHub: client read error", "error", err)
			}
			return
		}

		var control struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(msg, &control) == nil && control.Type == FrameReset {
			h.Reset()
		}
	}
}

// attach queues the current window for c and adds it to the broadcast set
func (h *Hub) attach(c *client) {
	h.mu.Lock()
	history, err := json.Marshal(Frame{Type: FrameHistory, Points: h.window.All()})
	if err == nil {
		c.send <- history
	}
	h.clients[c] = struct{}{}
	first := len(h.clients) == 1
	if first && h.dispatcher != nil {
		h.ticket = h.dispatcher.Register(dispatch.RoleChart, h)
	}
	n := len(h.clients)
	h.mu.Unlock()

	h.logger.Info("ChartHub: client connected", "clients", n)
}

func (h *Hub) detach(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	close(c.send)
	n := len(h.clients)
	if n == 0 && h.dispatcher != nil {
		h.dispatcher.Unregister(h.ticket)
		h.ticket = dispatch.Ticket{}
	}
	h.mu.Unlock()

	h.logger.Info("ChartHub: client disconnected", "clients", n)
}

// broadcast sends frame to every client; a client whose buffer is full is
// disconnected
func (h *Hub) broadcast(frame Frame) {
	msg, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error("ChartHub: failed to marshal frame", "error", err)
		return
	}

	h.mu.Lock()
	var slow []*client
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.Unlock()

	for _, c := range slow {
		h.logger.Warn("ChartHub: client too slow, disconnecting")
		h.detach(c)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.detach(c)
	}
}
