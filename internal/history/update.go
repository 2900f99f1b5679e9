package history

import (
	"math"
	"time"

	"linkmonitor/internal/models"
	"linkmonitor/internal/uptime"
)

const (
	// MinStableHours is the uptime below which an online ticket must stay open.
	MinStableHours = 1
	// LowUsageMegabytes is the traffic threshold, per direction, for low usage.
	LowUsageMegabytes = 100.0
)

// NoCerrar reports whether closing the ticket should be blocked: the link is
// online but came up less than an hour ago. Unknown uptime does not block.
func NoCerrar(v models.Verdict) bool {
	if v.Status != models.StatusOnline {
		return false
	}
	raw, ok := v.BestUptime()
	if !ok {
		return false
	}
	hours, ok := uptime.Hours(raw)
	if !ok {
		return false
	}
	return hours < MinStableHours
}

// BajoConsumo reports whether both traffic counters are below the low-usage threshold.
func BajoConsumo(snap models.InterfaceSnapshot) bool {
	return snap.RxMegabytes < LowUsageMegabytes && snap.TxMegabytes < LowUsageMegabytes
}

// Entry converts a verdict into the history point appended to a ticket.
func Entry(v models.Verdict) models.HistoryEntry {
	ts := v.CheckedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	entry := models.HistoryEntry{
		Timestamp: ts.UTC(),
		Status:    v.Status,
		Message:   v.Message,
	}
	if up, ok := v.BestUptime(); ok {
		entry.Uptime = &up
	}
	if v.ConnectionInfo != nil {
		rx, tx := v.ConnectionInfo.RxMegabytes, v.ConnectionInfo.TxMegabytes
		entry.RxMegabytes = &rx
		entry.TxMegabytes = &tx
	}
	if v.Probe != nil {
		latency := v.Probe.AverageLatencyMs
		loss := round2(v.Probe.PacketLossPercent)
		entry.LatencyMs = &latency
		entry.PacketLoss = &loss
	}
	return entry
}

// LastStatus builds the overwrite-only summary for a ticket.
func LastStatus(v models.Verdict) models.LastStatus {
	last := models.LastStatus{
		HistoryEntry: Entry(v),
		Warning:      v.Warning,
	}
	if v.SessionInfo != nil {
		last.SessionIP = v.SessionInfo.SessionIP
		last.IPMismatch = v.SessionInfo.IPMismatch
	}
	return last
}

// BuildUpdate assembles the patch for one ticket. Derived flags are only set
// when the router was actually evaluated; bajoConsumo additionally needs
// interface counters.
func BuildUpdate(v models.Verdict, evaluated bool) models.MonitoringUpdate {
	last := LastStatus(v)
	update := models.MonitoringUpdate{
		LastStatus:    last,
		HistoryAppend: []models.HistoryEntry{last.HistoryEntry},
	}
	if !evaluated {
		return update
	}
	noCerrar := NoCerrar(v)
	update.NoCerrar = &noCerrar
	if v.ConnectionInfo != nil {
		bajo := BajoConsumo(*v.ConnectionInfo)
		update.BajoConsumo = &bajo
	}
	return update
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
