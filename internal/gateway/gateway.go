package gateway

import (
	"context"
	"errors"
	"fmt"

	"linkmonitor/internal/models"
)

// TicketGateway supplies pending tickets and accepts monitoring patches.
type TicketGateway interface {
	FetchPending(ctx context.Context) ([]models.Ticket, error)
	ApplyMonitoringUpdate(ctx context.Context, ticketID string, update models.MonitoringUpdate) error
}

// Error reports that the ticket store was unreachable or rejected a request.
type Error struct {
	Op       string
	TicketID string
	Status   int
	Err      error
}

func (e *Error) Error() string {
	msg := "gateway " + e.Op
	if e.TicketID != "" {
		msg += " ticket " + e.TicketID
	}
	if e.Status != 0 {
		msg += fmt.Sprintf(": http %d", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// IsError reports whether err is a gateway failure.
func IsError(err error) bool {
	var gerr *Error
	return errors.As(err, &gerr)
}

// Wrap converts err to a gateway *Error unless it already is one.
func Wrap(op, ticketID string, err error) error {
	if err == nil {
		return nil
	}
	var gerr *Error
	if errors.As(err, &gerr) {
		return err
	}
	return &Error{Op: op, TicketID: ticketID, Err: err}
}
