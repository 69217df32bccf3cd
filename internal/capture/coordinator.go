// Package capture coordinates keybind capture requests between an observer,
// which arms and polls a request, and the privileged client, which reports the
// captured input over the relay.
package capture

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/quistapp/keygate/internal/metrics"
)

type Status string

const (
	StatusIdle      Status = "idle"
	StatusWaiting   Status = "waiting"
	StatusCaptured  Status = "captured"
	StatusCancelled Status = "cancelled"
)

// Message types exchanged with the privileged client.
const (
	MsgStart     = "keybind_start"
	MsgCancel    = "keybind_cancel"
	MsgCaptured  = "keybind_captured"
	MsgCancelled = "keybind_cancelled"
)

// Sender delivers a message to the privileged connection for a key, reporting
// whether one was connected.
type Sender interface {
	SendToPrivileged(code string, msg any) bool
}

type Result struct {
	Status Status `json:"status"`
	VK     int    `json:"vk,omitempty"`
	Name   string `json:"name,omitempty"`
	Target string `json:"target,omitempty"`
}

type entry struct {
	target string
	status Status
	vk     int
	name   string
}

type Coordinator struct {
	sender Sender
	log    zerolog.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

func NewCoordinator(sender Sender, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		sender:  sender,
		log:     logger.With().Str("component", "capture").Logger(),
		entries: make(map[string]*entry),
	}
}

// SetSender wires the relay after construction; the hub and the coordinator
// reference each other.
func (c *Coordinator) SetSender(sender Sender) {
	c.mu.Lock()
	c.sender = sender
	c.mu.Unlock()
}

// Start arms a fresh request for code, replacing any previous one, and forwards
// it to the privileged client if one is connected.
func (c *Coordinator) Start(code, target string) bool {
	c.mu.Lock()
	c.entries[code] = &entry{target: target, status: StatusWaiting}
	sender := c.sender
	c.mu.Unlock()

	metrics.Default().IncCaptureEvent("start")
	if sender == nil {
		return false
	}
	forwarded := sender.SendToPrivileged(code, map[string]any{"type": MsgStart, "target": target})
	c.log.Debug().Str("key", code).Str("target", target).Bool("forwarded", forwarded).Msg("capture armed")
	return forwarded
}

// Poll reports the request state. A terminal result is returned once and the
// entry is discarded.
func (c *Coordinator) Poll(code string) Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[code]
	if !ok {
		return Result{Status: StatusIdle}
	}
	switch e.status {
	case StatusWaiting:
		return Result{Status: StatusWaiting}
	case StatusCancelled:
		delete(c.entries, code)
		return Result{Status: StatusCancelled}
	case StatusCaptured:
		delete(c.entries, code)
		return Result{Status: StatusCaptured, VK: e.vk, Name: e.name, Target: e.target}
	}
	return Result{Status: StatusIdle}
}

// Resolve completes a waiting request with the captured key.
func (c *Coordinator) Resolve(code string, vk int, name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[code]
	if !ok || e.status != StatusWaiting {
		return false
	}
	e.status, e.vk, e.name = StatusCaptured, vk, name
	metrics.Default().IncCaptureEvent("captured")
	return true
}

func (c *Coordinator) Cancel(code string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[code]
	if !ok || e.status != StatusWaiting {
		return false
	}
	e.status = StatusCancelled
	metrics.Default().IncCaptureEvent("cancelled")
	return true
}

// Abort cancels a waiting request on behalf of an observer and tells the
// privileged client to stop listening.
func (c *Coordinator) Abort(code string) bool {
	if !c.Cancel(code) {
		return false
	}
	c.mu.Lock()
	sender := c.sender
	c.mu.Unlock()
	if sender != nil {
		sender.SendToPrivileged(code, map[string]any{"type": MsgCancel})
	}
	return true
}

func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
