// Package inspect publishes engine state to browsers: a websocket feed of tick reports
// and image snapshots of node textures.
package inspect

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"k8s.io/klog/v2"

	"k8s.io/examples/AI/texturenet/pkg/engine"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const writeTimeout = 5 * time.Second

// Broadcaster pushes the state of one engine to connected websocket clients.
type Broadcaster struct {
	log klog.Logger

	source atomic.Pointer[engine.Engine]

	mu      sync.Mutex
	clients map[*websocket.Conn]bool
}

func NewBroadcaster(ctx context.Context) *Broadcaster {
	return &Broadcaster{
		log:     klog.FromContext(ctx),
		clients: make(map[*websocket.Conn]bool),
	}
}

// Attach subscribes to e's ticks. Only the first call has any effect; later calls
// return false so that a broadcaster never reports the same tick twice.
func (b *Broadcaster) Attach(e *engine.Engine) bool {
	if !b.source.CompareAndSwap(nil, e) {
		return false
	}
	e.Observe(func(report engine.TickReport) {
		if !report.Progress() {
			return
		}
		b.Broadcast(&Event{
			Type:   "tick",
			Tick:   newTickState(report),
			Counts: newCounts(report.Counts),
			Nodes:  e.Inspect(),
		})
	})
	return true
}

// Clients returns the number of connected clients.
func (b *Broadcaster) Clients() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// HandleWS upgrades the request and sends the current graph state as the first message.
func (b *Broadcaster) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Error(err, "websocket upgrade failed", "remote", r.RemoteAddr)
		return
	}

	var first *Event
	if e := b.source.Load(); e != nil {
		first = snapshot(e)
	}

	b.mu.Lock()
	b.clients[conn] = true
	if first != nil {
		b.send(conn, first)
	}
	n := len(b.clients)
	b.mu.Unlock()
	b.log.Info("inspector connected", "remote", r.RemoteAddr, "clients", n)

	// Reads only detect disconnects.
	go func() {
		defer func() {
			b.mu.Lock()
			delete(b.clients, conn)
			n := len(b.clients)
			b.mu.Unlock()
			conn.Close()
			b.log.Info("inspector disconnected", "remote", r.RemoteAddr, "clients", n)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func snapshot(e *engine.Engine) *Event {
	return &Event{
		Type:   "snapshot",
		Counts: newCounts(e.Counts()),
		Nodes:  e.Inspect(),
	}
}

// Broadcast sends ev to every client, dropping clients whose write fails.
func (b *Broadcaster) Broadcast(ev *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for conn := range b.clients {
		b.send(conn, ev)
	}
}

func (b *Broadcaster) send(conn *websocket.Conn, ev *Event) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(ev); err != nil {
		b.log.V(2).Info("dropping inspector", "remote", conn.RemoteAddr().String(), "err", err)
		conn.Close()
		delete(b.clients, conn)
	}
}

// Event is the JSON payload pushed to inspectors.
type Event struct {
	Type   string              `json:"type"`
	Tick   *TickState          `json:"tick,omitempty"`
	Counts CountsState         `json:"counts"`
	Nodes  []engine.NodeStatus `json:"-"`
}

type TickState struct {
	Tick       int      `json:"tick"`
	Evaluated  []string `json:"evaluated"`
	Failed     []string `json:"failed,omitempty"`
	DurationMs float64  `json:"duration_ms"`
}

type CountsState struct {
	Ready        int `json:"ready"`
	Missing      int `json:"missing"`
	Failed       int `json:"failed"`
	NotSupported int `json:"not_supported"`
}

type NodeState struct {
	Name   string   `json:"name"`
	Op     string   `json:"op"`
	Status string   `json:"status"`
	Error  string   `json:"error,omitempty"`
	Shape  []int    `json:"shape,omitempty"`
	Width  int      `json:"width,omitempty"`
	Height int      `json:"height,omitempty"`
	Inputs []string `json:"inputs,omitempty"`
}

func newTickState(r engine.TickReport) *TickState {
	return &TickState{
		Tick:       r.Tick,
		Evaluated:  r.Evaluated,
		Failed:     r.Failed,
		DurationMs: float64(r.Duration.Microseconds()) / 1000,
	}
}

func newCounts(c engine.Counts) CountsState {
	return CountsState{Ready: c.Ready, Missing: c.Missing, Failed: c.Failed, NotSupported: c.NotSupported}
}

// MarshalJSON flattens node statuses into NodeState.
func (ev *Event) MarshalJSON() ([]byte, error) {
	type plain Event
	nodes := make([]NodeState, len(ev.Nodes))
	for i, n := range ev.Nodes {
		nodes[i] = NodeState{
			Name:   n.Name,
			Op:     n.Op,
			Status: n.Status,
			Error:  n.Error,
			Shape:  n.Shape,
			Width:  n.Width,
			Height: n.Height,
			Inputs: n.Inputs,
		}
	}
	return json.Marshal(struct {
		*plain
		Nodes []NodeState `json:"nodes"`
	}{plain: (*plain)(ev), Nodes: nodes})
}
