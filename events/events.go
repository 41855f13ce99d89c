/*
Package events delivers balance audit events.

PURPOSE:
  After a balance write commits, the service publishes an AuditEvent
  describing the appended transactions. Consumers (reporting, the PRN
  service) read them from NATS JetStream.

SUBJECTS:
  waste.balance.events.{action}

  action is one of recalculate, ring_fence, issue, cancel.

DELIVERY:
  Events are published after persistence. A failed publish is reported
  to the caller, which logs it; the balance write is never rolled back.
  Consumers that miss an event can re-read the balance.
*/
package events

import (
	"context"
	"sync"

	"github.com/warp/waste-balance-engine/balance"
)

// SubjectPrefix is prepended to the event action.
const SubjectPrefix = "waste.balance.events"

// Subject returns the subject an event is published on.
func Subject(e balance.AuditEvent) string {
	return SubjectPrefix + "." + e.Action
}

// Memory collects events in process. Used by tests and when no broker is
// configured.
type Memory struct {
	mu     sync.Mutex
	events []balance.AuditEvent
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Publish(_ context.Context, e balance.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

// Events returns a copy of everything published so far.
func (m *Memory) Events() []balance.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]balance.AuditEvent, len(m.events))
	copy(out, m.events)
	return out
}
