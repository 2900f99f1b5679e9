package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"linkmonitor/internal/gateway"
	"linkmonitor/internal/models"
)

// TicketRecord is a ticket as kept in the JSON file store.
type TicketRecord struct {
	models.Ticket
	Monitoring *Monitoring `json:"monitoring,omitempty"`
}

// Monitoring is the monitoring block the reconciler maintains on a ticket.
type Monitoring struct {
	LastStatus  *models.LastStatus    `json:"lastStatus,omitempty"`
	History     []models.HistoryEntry `json:"history"`
	NoCerrar    *bool                 `json:"noCerrar,omitempty"`
	BajoConsumo *bool                 `json:"bajoConsumo,omitempty"`
	UpdatedAt   time.Time             `json:"updatedAt"`
}

// FileGateway keeps tickets in a local JSON file. Writes are serialised and
// persisted with a temp file and rename.
type FileGateway struct {
	mu      sync.Mutex
	path    string
	states  map[string]struct{}
	tickets []TicketRecord
}

// NewFileGateway opens the store at path, creating its directory if needed.
// With no states every ticket is pending.
func NewFileGateway(path string, states []string) (*FileGateway, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ensure data directory: %w", err)
	}

	g := &FileGateway{path: path, states: make(map[string]struct{})}
	for _, s := range states {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			g.states[s] = struct{}{}
		}
	}
	if err := g.load(); err != nil {
		return nil, err
	}
	return g, nil
}

// FetchPending reloads the file and returns tickets in a pending state.
func (g *FileGateway) FetchPending(context.Context) ([]models.Ticket, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.load(); err != nil {
		return nil, &gateway.Error{Op: "fetch", Err: err}
	}

	out := make([]models.Ticket, 0, len(g.tickets))
	for _, rec := range g.tickets {
		if g.pending(rec.State) {
			out = append(out, rec.Ticket)
		}
	}
	return out, nil
}

// ApplyMonitoringUpdate appends history, overwrites the last status and sets
// the flags present in the update.
func (g *FileGateway) ApplyMonitoringUpdate(_ context.Context, ticketID string, update models.MonitoringUpdate) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	idx := g.indexOf(ticketID)
	if idx < 0 {
		return &gateway.Error{Op: "update", TicketID: ticketID, Err: errors.New("ticket not found")}
	}

	rec := &g.tickets[idx]
	if rec.Monitoring == nil {
		rec.Monitoring = &Monitoring{}
	}
	last := update.LastStatus
	rec.Monitoring.LastStatus = &last
	rec.Monitoring.History = append(rec.Monitoring.History, update.HistoryAppend...)
	if update.NoCerrar != nil {
		rec.Monitoring.NoCerrar = update.NoCerrar
	}
	if update.BajoConsumo != nil {
		rec.Monitoring.BajoConsumo = update.BajoConsumo
	}
	rec.Monitoring.UpdatedAt = time.Now().UTC()

	if err := g.persist(); err != nil {
		return &gateway.Error{Op: "update", TicketID: ticketID, Err: err}
	}
	return nil
}

// Ticket returns a stored ticket with its monitoring block.
func (g *FileGateway) Ticket(id string) (TicketRecord, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	idx := g.indexOf(id)
	if idx < 0 {
		return TicketRecord{}, false
	}
	rec := g.tickets[idx]
	if rec.Monitoring != nil {
		m := *rec.Monitoring
		m.History = append([]models.HistoryEntry(nil), m.History...)
		rec.Monitoring = &m
	}
	return rec, true
}

func (g *FileGateway) pending(state string) bool {
	if len(g.states) == 0 {
		return true
	}
	_, ok := g.states[strings.ToLower(strings.TrimSpace(state))]
	return ok
}

func (g *FileGateway) indexOf(id string) int {
	for i := range g.tickets {
		if g.tickets[i].ID == id {
			return i
		}
	}
	return -1
}

func (g *FileGateway) load() error {
	data, err := os.ReadFile(g.path)
	if err != nil {
		if os.IsNotExist(err) {
			g.tickets = nil
			return nil
		}
		return fmt.Errorf("read tickets: %w", err)
	}
	if len(data) == 0 {
		g.tickets = nil
		return nil
	}

	var records []TicketRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("parse tickets: %w", err)
	}
	g.tickets = records
	return nil
}

func (g *FileGateway) persist() error {
	bytes, err := json.MarshalIndent(g.tickets, "", "  ")
	if err != nil {
		return fmt.Errorf("encode tickets: %w", err)
	}
	return writeFileAtomic(g.path, bytes)
}

func writeFileAtomic(path string, data []byte) error {
	tmpPath := fmt.Sprintf("%s.%d.tmp", path, time.Now().UnixNano())
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("replace %s: %w", filepath.Base(path), err)
	}
	return nil
}
