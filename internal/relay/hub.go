// Package relay brokers traffic between the single privileged client holding a
// license key and any number of observers watching the same key.
package relay

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/quistapp/keygate/internal/capture"
	"github.com/quistapp/keygate/internal/metrics"
)

type Role string

const (
	RolePrivileged Role = "privileged"
	RoleObserver   Role = "observer"
)

func ParseRole(s string) (Role, bool) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RolePrivileged:
		return RolePrivileged, true
	case RoleObserver:
		return RoleObserver, true
	}
	return "", false
}

// Close codes sent when refusing or evicting a connection.
const (
	CloseMissingParams = 4001
	CloseInvalidKey    = 4002
	CloseReplaced      = 4003
)

const (
	DefaultPingInterval = 30 * time.Second

	msgTypeStatus = "status"
)

type Peer interface {
	ID() string
	// Send queues data without blocking and reports whether it was accepted.
	Send(data []byte) bool
	Close(code int, reason string)
	Ping() error
	Open() bool
}

// CaptureSink receives capture results reported by the privileged client.
type CaptureSink interface {
	Resolve(code string, vk int, name string) bool
	Cancel(code string) bool
}

type statusMessage struct {
	Type   string `json:"type"`
	Online bool   `json:"online"`
}

type capturedMessage struct {
	VK   int    `json:"vk"`
	Name string `json:"name"`
}

type Hub struct {
	capture      CaptureSink
	pingInterval time.Duration
	log          zerolog.Logger

	mu         sync.Mutex
	privileged map[string]Peer
	observers  map[string]map[Peer]struct{}
	stopped    bool

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

func NewHub(sink CaptureSink, pingInterval time.Duration, logger zerolog.Logger) *Hub {
	if pingInterval <= 0 {
		pingInterval = DefaultPingInterval
	}
	return &Hub{
		capture:      sink,
		pingInterval: pingInterval,
		log:          logger.With().Str("component", "relay").Logger(),
		privileged:   make(map[string]Peer),
		observers:    make(map[string]map[Peer]struct{}),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Admit registers peer for code. A privileged peer replaces any previous one,
// which is closed with CloseReplaced. Presence notices are queued under the
// registry lock so observers see them in registry order. A stopped hub refuses
// the peer and returns false.
func (h *Hub) Admit(code string, role Role, peer Peer) bool {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		peer.Close(websocket.CloseGoingAway, "server shutting down")
		return false
	}
	var prev Peer
	switch role {
	case RolePrivileged:
		prev = h.privileged[code]
		h.privileged[code] = peer
		h.broadcast(h.observerSnapshot(code), status(true))
	case RoleObserver:
		set := h.observers[code]
		if set == nil {
			set = make(map[Peer]struct{})
			h.observers[code] = set
		}
		set[peer] = struct{}{}
		peer.Send(status(h.onlineLocked(code)))
	}
	h.mu.Unlock()

	metrics.Default().RelayConnected(string(role))
	if prev != nil && prev != peer {
		prev.Close(CloseReplaced, "Replaced by new connection")
		h.log.Info().Str("key", shortKey(code)).Str("peer", prev.ID()).Msg("privileged connection replaced")
	}
	h.log.Info().Str("key", shortKey(code)).Str("peer", peer.ID()).Str("role", string(role)).Msg("peer connected")
	return true
}

// Relay routes one inbound message. Anything that is not a JSON object is
// dropped, as are peer attempts to send the registry's own status message.
func (h *Hub) Relay(code string, role Role, peer Peer, data []byte) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil || fields == nil {
		metrics.Default().IncRelayMessage(string(role), "malformed")
		return
	}
	var msgType string
	if raw, ok := fields["type"]; ok {
		_ = json.Unmarshal(raw, &msgType)
	}
	if msgType == msgTypeStatus {
		metrics.Default().IncRelayMessage(string(role), "reserved")
		return
	}

	switch role {
	case RoleObserver:
		h.mu.Lock()
		target := h.privileged[code]
		h.mu.Unlock()
		if target == nil || !target.Open() || !target.Send(data) {
			metrics.Default().IncRelayMessage(string(role), "dropped")
			return
		}
		metrics.Default().IncRelayMessage(string(role), "relayed")
	case RolePrivileged:
		h.mu.Lock()
		current := h.privileged[code] == peer
		observers := h.observerSnapshot(code)
		h.mu.Unlock()
		if !current {
			metrics.Default().IncRelayMessage(string(role), "dropped")
			return
		}
		if h.intercept(code, msgType, data) {
			metrics.Default().IncRelayMessage(string(role), "intercepted")
			return
		}
		h.broadcast(observers, data)
		metrics.Default().IncRelayMessage(string(role), "relayed")
	}
}

// intercept consumes capture results addressed to the coordinator.
func (h *Hub) intercept(code, msgType string, data []byte) bool {
	if h.capture == nil {
		return false
	}
	switch msgType {
	case capture.MsgCaptured:
		var msg capturedMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return true
		}
		h.capture.Resolve(code, msg.VK, msg.Name)
		return true
	case capture.MsgCancelled:
		h.capture.Cancel(code)
		return true
	}
	return false
}

// Depart unregisters an admitted peer. Only the currently registered
// privileged peer triggers an offline notice.
func (h *Hub) Depart(code string, role Role, peer Peer) {
	metrics.Default().RelayDisconnected(string(role))
	switch role {
	case RolePrivileged:
		h.mu.Lock()
		if h.privileged[code] != peer {
			h.mu.Unlock()
			return
		}
		delete(h.privileged, code)
		h.broadcast(h.observerSnapshot(code), status(false))
		h.mu.Unlock()
		h.log.Info().Str("key", shortKey(code)).Str("peer", peer.ID()).Msg("privileged disconnected")
	case RoleObserver:
		h.mu.Lock()
		if set := h.observers[code]; set != nil {
			delete(set, peer)
			if len(set) == 0 {
				delete(h.observers, code)
			}
		}
		h.mu.Unlock()
	}
}

// SendToPrivileged encodes msg and queues it for the privileged peer of code.
func (h *Hub) SendToPrivileged(code string, msg any) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		return false
	}
	h.mu.Lock()
	target := h.privileged[code]
	h.mu.Unlock()
	if target == nil || !target.Open() {
		return false
	}
	return target.Send(data)
}

func (h *Hub) Online(code string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.onlineLocked(code)
}

type Counts struct {
	Privileged int `json:"privileged"`
	Observers  int `json:"observers"`
}

func (h *Hub) Counts() Counts {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := Counts{Privileged: len(h.privileged)}
	for _, set := range h.observers {
		out.Observers += len(set)
	}
	return out
}

// Start launches the keepalive loop.
func (h *Hub) Start() {
	h.startOnce.Do(func() {
		go h.pingLoop()
	})
}

// Stop ends the keepalive loop, closes every connected peer and refuses later
// admissions. A hub that was never started cannot be started afterwards.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.stop)
		h.startOnce.Do(func() { close(h.done) })
		<-h.done

		h.mu.Lock()
		h.stopped = true
		h.mu.Unlock()
		for _, p := range h.allPeers() {
			p.Close(websocket.CloseGoingAway, "server shutting down")
		}
	})
}

func (h *Hub) pingLoop() {
	defer close(h.done)
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			for _, p := range h.allPeers() {
				if !p.Open() {
					continue
				}
				_ = p.Ping()
			}
		}
	}
}

func (h *Hub) allPeers() []Peer {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Peer, 0, len(h.privileged))
	for _, p := range h.privileged {
		out = append(out, p)
	}
	for _, set := range h.observers {
		for p := range set {
			out = append(out, p)
		}
	}
	return out
}

func (h *Hub) onlineLocked(code string) bool {
	p := h.privileged[code]
	return p != nil && p.Open()
}

func (h *Hub) observerSnapshot(code string) []Peer {
	set := h.observers[code]
	out := make([]Peer, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	return out
}

// broadcast is best effort; a peer that cannot accept the message is skipped.
// Send never blocks, so callers may hold h.mu.
func (h *Hub) broadcast(peers []Peer, data []byte) {
	for _, p := range peers {
		if !p.Open() {
			continue
		}
		p.Send(data)
	}
}

func status(online bool) []byte {
	data, _ := json.Marshal(statusMessage{Type: msgTypeStatus, Online: online})
	return data
}

func shortKey(code string) string {
	if len(code) > 16 {
		return code[:16]
	}
	return code
}
