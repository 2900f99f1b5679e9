package models

import "time"

// SessionRecord is the result of a PPP active-session lookup.
type SessionRecord struct {
	Active        bool    `json:"active"`
	SessionIP     *string `json:"sessionIp"`
	ExpectedIP    string  `json:"expectedIp"`
	IPMismatch    bool    `json:"ipMismatch"`
	CallerID      *string `json:"callerId"`
	SessionUptime *string `json:"sessionUptime"`
}

// NewSessionRecord builds a record for an active session. An empty address is
// kept as unknown and counts as a mismatch.
func NewSessionRecord(expectedIP, sessionIP, callerID, uptime string) SessionRecord {
	rec := SessionRecord{
		Active:        true,
		ExpectedIP:    expectedIP,
		SessionIP:     optional(sessionIP),
		CallerID:      optional(callerID),
		SessionUptime: optional(uptime),
	}
	rec.IPMismatch = rec.SessionIP == nil || *rec.SessionIP != expectedIP
	return rec
}

// InactiveSession is the record for a session id with no active entry.
func InactiveSession(expectedIP string) SessionRecord {
	return SessionRecord{ExpectedIP: expectedIP}
}

// InterfaceSnapshot holds counters for the PPPoE interface of a subscriber.
type InterfaceSnapshot struct {
	Name           string  `json:"name"`
	LastLinkUpTime *string `json:"lastLinkUpTime"`
	Uptime         *string `json:"uptime"`
	LinkDownCount  int     `json:"linkDowns"`
	RxMegabytes    float64 `json:"rxMegabytes"`
	TxMegabytes    float64 `json:"txMegabytes"`
	Running        bool    `json:"running"`
	Disabled       bool    `json:"disabled"`
}

// ProbeResult aggregates a fixed-count ping issued from the router.
type ProbeResult struct {
	Sent              int        `json:"sent"`
	Received          int        `json:"received"`
	AverageLatencyMs  int        `json:"averageLatencyMs"`
	PacketLossPercent float64    `json:"packetLoss"`
	RTTs              []*float64 `json:"rtts,omitempty"`
}

// Verdict is the connectivity determination for one target.
type Verdict struct {
	Status         Status             `json:"status"`
	ClientIP       string             `json:"clientIp"`
	Message        string             `json:"message"`
	Warning        *string            `json:"warning,omitempty"`
	ConnectionInfo *InterfaceSnapshot `json:"connectionInfo,omitempty"`
	SessionInfo    *SessionRecord     `json:"sessionInfo,omitempty"`
	Probe          *ProbeResult       `json:"probe,omitempty"`
	CheckedAt      time.Time          `json:"checkedAt"`
}

// BestUptime prefers the session uptime reported by the router and falls back
// to the uptime derived from the interface link-up time.
func (v Verdict) BestUptime() (string, bool) {
	if v.SessionInfo != nil && v.SessionInfo.SessionUptime != nil && *v.SessionInfo.SessionUptime != "" {
		return *v.SessionInfo.SessionUptime, true
	}
	if v.ConnectionInfo != nil && v.ConnectionInfo.Uptime != nil {
		return *v.ConnectionInfo.Uptime, true
	}
	return "", false
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
