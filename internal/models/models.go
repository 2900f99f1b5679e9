package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Status is the closed connectivity taxonomy written to tickets.
type Status string

const (
	StatusOnline         Status = "online"
	StatusOffline        Status = "offline"
	StatusError          Status = "error"
	StatusNoMonitoreable Status = "no_monitoreable"
)

// Valid reports whether s is one of the four known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusOnline, StatusOffline, StatusError, StatusNoMonitoreable:
		return true
	}
	return false
}

func (s Status) String() string { return string(s) }

// MarshalJSON refuses to serialise a status outside the taxonomy.
func (s Status) MarshalJSON() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid status %q", string(s))
	}
	return json.Marshal(string(s))
}

// UnmarshalJSON accepts only the known statuses.
func (s *Status) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed := Status(strings.ToLower(strings.TrimSpace(raw)))
	if !parsed.Valid() {
		return fmt.Errorf("invalid status %q", raw)
	}
	*s = parsed
	return nil
}

// Target identifies what is checked in one evaluation. Router port and
// credentials are process-wide and live in the router client configuration.
type Target struct {
	RouterAddress string `json:"ipRouter"`
	ClientIP      string `json:"clientIp"`
	SessionID     string `json:"pppUser,omitempty"`
}

// Ticket is a support ticket as supplied by the ticket store.
type Ticket struct {
	ID            string `json:"id" bson:"-"`
	ExternalID    string `json:"externalId" bson:"external_id"`
	RouterAddress string `json:"routerAddress" bson:"router_address"`
	ClientIP      string `json:"clientIp" bson:"client_ip"`
	SessionID     string `json:"sessionId" bson:"session_id"`
	State         string `json:"state" bson:"state"`
}

// Target returns the connection target described by the ticket.
func (t Ticket) Target() Target {
	return Target{
		RouterAddress: strings.TrimSpace(t.RouterAddress),
		ClientIP:      strings.TrimSpace(t.ClientIP),
		SessionID:     strings.TrimSpace(t.SessionID),
	}
}

// Monitorable reports whether the ticket carries enough addressing to contact a router.
func (t Ticket) Monitorable() bool {
	target := t.Target()
	return target.RouterAddress != "" && target.ClientIP != ""
}

// CycleTrigger tells what started a reconciliation cycle.
type CycleTrigger string

const (
	TriggerSchedule CycleTrigger = "schedule"
	TriggerManual   CycleTrigger = "manual"
)

// TicketFailure records why a ticket was not updated during a cycle.
type TicketFailure struct {
	TicketID string `json:"ticketId"`
	Stage    string `json:"stage"`
	Error    string `json:"error"`
}

// CycleReport summarises one reconciliation cycle.
type CycleReport struct {
	ID         string          `json:"id"`
	Trigger    CycleTrigger    `json:"trigger"`
	StartedAt  time.Time       `json:"startedAt"`
	FinishedAt time.Time       `json:"finishedAt"`
	Processed  int             `json:"processed"`
	Updated    int             `json:"updated"`
	Skipped    int             `json:"skipped"`
	Errors     int             `json:"errors"`
	Failures   []TicketFailure `json:"failures,omitempty"`
}
