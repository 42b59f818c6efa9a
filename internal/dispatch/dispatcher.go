package dispatch

import (
	"fmt"
	"log/slog"
	"sync"

	"ecg-relay/internal/cache"
	"ecg-relay/internal/models"
)

// Role identifies a consumer slot
type Role int

const (
	RoleChart Role = iota
	RoleLog
	RoleUpload

	roleCount
)

// Roles lists every role in dispatch order
var Roles = [...]Role{RoleChart, RoleLog, RoleUpload}

func (r Role) String() string {
	switch r {
	case RoleChart:
		return "chart"
	case RoleLog:
		return "log"
	case RoleUpload:
		return "upload"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// Handler consumes decoded units. OnUnit must not block; a consumer that
// needs to queue work does so internally.
type Handler interface {
	OnUnit(unit models.Unit) error
}

// HandlerFunc adapts a plain function to Handler
type HandlerFunc func(unit models.Unit) error

// OnUnit calls f(unit)
func (f HandlerFunc) OnUnit(unit models.Unit) error {
	return f(unit)
}

// Ticket identifies one registration. Only the holder of the current
// ticket for a role can clear that role's slot.
type Ticket struct {
	role Role
	id   uint64
}

// Role returns the role the ticket was issued for
func (t Ticket) Role() Role {
	return t.role
}

// Valid reports whether the ticket was issued by Register
func (t Ticket) Valid() bool {
	return t.id != 0
}

type slot struct {
	handler Handler
	ticket  Ticket
}

// Stats counts dispatch activity
type Stats struct {
	Dispatched uint64            `json:"dispatched"`
	Failures   map[string]uint64 `json:"failures"`
}

// Dispatcher routes each unit to the history cache and then to at most
// one handler per role.
type Dispatcher struct {
	history *cache.Ring[models.Unit]
	logger  *slog.Logger

	mu       sync.RWMutex
	slots    [roleCount]slot
	lastID   uint64
	sent     uint64
	failures [roleCount]uint64
}

// New creates a dispatcher that records every dispatched unit in history
func New(history *cache.Ring[models.Unit], logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		history: history,
		logger:  logger,
	}
}

// Register installs handler for role, replacing any previous handler.
// No backlog is delivered; callers wanting history read History first.
func (d *Dispatcher) Register(role Role, handler Handler) Ticket {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.lastID++
	ticket := Ticket{role: role, id: d.lastID}

	if d.slots[role].handler != nil {
		d.logger.Info("Dispatcher: replacing handler", "role", role)
	}
	d.slots[role] = slot{handler: handler, ticket: ticket}

	return ticket
}

// Unregister clears the ticket's slot if the ticket is still the current
// registration. It reports whether the slot was cleared.
func (d *Dispatcher) Unregister(ticket Ticket) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	current := &d.slots[ticket.role]
	if !ticket.Valid() || current.ticket != ticket {
		return false
	}

	*current = slot{}
	return true
}

// Registered reports whether role currently has a handler
func (d *Dispatcher) Registered(role Role) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.slots[role].handler != nil
}

// History returns up to max of the most recent units, oldest first
func (d *Dispatcher) History(max int) []models.Unit {
	if d.history == nil {
		return []models.Unit{}
	}
	return d.history.Snapshot(max)
}

// Dispatch records unit in history and hands it to each present handler
// in role order. Handler errors and panics are logged and never propagate.
func (d *Dispatcher) Dispatch(unit models.Unit) {
	if d.history != nil {
		d.history.Push(unit)
	}

	d.mu.Lock()
	handlers := [roleCount]Handler{}
	for _, role := range Roles {
		handlers[role] = d.slots[role].handler
	}
	d.sent++
	d.mu.Unlock()

	for _, role := range Roles {
		h := handlers[role]
		if h == nil {
			continue
		}
		if err := d.deliver(h, unit); err != nil {
			d.mu.Lock()
			d.failures[role]++
			d.mu.Unlock()
			d.logger.Warn("Dispatcher: handler failed", "role", role, "error", err)
		}
	}
}

// deliver invokes h, converting a panic into an error
func (d *Dispatcher) deliver(h Handler, unit models.Unit) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.OnUnit(unit)
}

// Stats returns dispatch counters
func (d *Dispatcher) Stats() Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	failures := make(map[string]uint64, roleCount)
	for _, role := range Roles {
		failures[role.String()] = d.failures[role]
	}
	return Stats{Dispatched: d.sent, Failures: failures}
}
