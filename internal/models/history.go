package models

import "time"

// HistoryEntry is one appended point in a ticket's monitoring history.
type HistoryEntry struct {
	Timestamp   time.Time `json:"timestamp" bson:"timestamp"`
	Status      Status    `json:"status" bson:"status"`
	Message     string    `json:"message,omitempty" bson:"message,omitempty"`
	Uptime      *string   `json:"uptime" bson:"uptime"`
	RxMegabytes *float64  `json:"rxMegabytes" bson:"rx_megabytes"`
	TxMegabytes *float64  `json:"txMegabytes" bson:"tx_megabytes"`
	LatencyMs   *int      `json:"latencyMs,omitempty" bson:"latency_ms,omitempty"`
	PacketLoss  *float64  `json:"packetLoss,omitempty" bson:"packet_loss,omitempty"`
}

// LastStatus is overwritten on every update.
type LastStatus struct {
	HistoryEntry `bson:",inline"`
	Warning      *string `json:"warning,omitempty" bson:"warning,omitempty"`
	SessionIP    *string `json:"sessionIp,omitempty" bson:"session_ip,omitempty"`
	IPMismatch   bool    `json:"ipMismatch" bson:"ip_mismatch"`
}

// MonitoringUpdate is pushed to the ticket store once per ticket per cycle.
type MonitoringUpdate struct {
	LastStatus    LastStatus     `json:"lastStatus" bson:"last_status"`
	HistoryAppend []HistoryEntry `json:"historyAppend" bson:"-"`
	NoCerrar      *bool          `json:"noCerrar,omitempty" bson:"no_cerrar,omitempty"`
	BajoConsumo   *bool          `json:"bajoConsumo,omitempty" bson:"bajo_consumo,omitempty"`
}
