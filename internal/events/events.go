package events

import (
	"context"
	"time"

	"linkmonitor/internal/models"
)

// Type identifies an event.
type Type string

const (
	TypeTicketEvaluated Type = "ticket_evaluated"
	TypeCycleFinished   Type = "cycle_finished"
)

// Event is emitted by the scheduler for downstream observers.
type Event struct {
	Type    Type                `json:"type"`
	CycleID string              `json:"cycleId"`
	At      time.Time           `json:"at"`
	Ticket  *TicketEvent        `json:"ticket,omitempty"`
	Report  *models.CycleReport `json:"report,omitempty"`
}

// TicketEvent describes the outcome for one ticket.
type TicketEvent struct {
	TicketID    string         `json:"ticketId"`
	ExternalID  string         `json:"externalId,omitempty"`
	Verdict     models.Verdict `json:"verdict"`
	Updated     bool           `json:"updated"`
	NoCerrar    *bool          `json:"noCerrar,omitempty"`
	BajoConsumo *bool          `json:"bajoConsumo,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// Sink receives events. Implementations must not block the caller for long.
type Sink interface {
	Publish(ctx context.Context, ev Event)
}

// Multi fans an event out to every sink.
type Multi []Sink

// Publish implements Sink.
func (m Multi) Publish(ctx context.Context, ev Event) {
	for _, s := range m {
		if s != nil {
			s.Publish(ctx, ev)
		}
	}
}

// Nop discards events.
type Nop struct{}

// Publish implements Sink.
func (Nop) Publish(context.Context, Event) {}
