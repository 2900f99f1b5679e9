package monitor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"linkmonitor/internal/config"
	"linkmonitor/internal/models"
	"linkmonitor/internal/routeros"
)

// Strategy turns the session and interface lookups into a status. Exactly one
// strategy is chosen at startup.
type Strategy interface {
	Name() string
	Decide(ctx context.Context, conn RouterConn, v models.Verdict) (models.Verdict, error)
}

// StrategyFor returns the strategy configured by evaluator.mode.
func StrategyFor(mode string, pingCount int) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case config.ModeSession:
		return SessionStrategy{}, nil
	case config.ModeProbe, "":
		return ProbeStrategy{Count: pingCount}, nil
	}
	return nil, &config.ConfigurationError{Field: "evaluator.mode", Reason: fmt.Sprintf("unknown mode %q", mode)}
}

// SessionStrategy reports online whenever the PPPoE session is active.
type SessionStrategy struct{}

func (SessionStrategy) Name() string { return config.ModeSession }

// Decide implements Strategy without further router calls.
func (SessionStrategy) Decide(_ context.Context, _ RouterConn, v models.Verdict) (models.Verdict, error) {
	active := v.SessionInfo != nil && v.SessionInfo.Active
	if !active {
		v.Status = models.StatusOffline
		v.Message = "No active PPPoE session"
		return v, nil
	}

	v.Status = models.StatusOnline
	if up, ok := v.BestUptime(); ok {
		v.Message = "PPPoE session active, uptime: " + up
	} else {
		v.Message = "PPPoE session active, uptime unknown"
	}
	if v.SessionInfo.IPMismatch {
		v.Warning = mismatchWarning(v.SessionInfo)
	}
	return v, nil
}

// ProbeStrategy pings the client address from the router.
type ProbeStrategy struct {
	Count int
}

func (ProbeStrategy) Name() string { return config.ModeProbe }

// Decide implements Strategy. Loss and latency are always reported.
func (s ProbeStrategy) Decide(ctx context.Context, conn RouterConn, v models.Verdict) (models.Verdict, error) {
	count := s.Count
	if count <= 0 {
		count = routeros.DefaultPingCount
	}

	records, err := conn.Ping(ctx, v.ClientIP, count)
	if err != nil {
		return v, err
	}
	if len(records) == 0 {
		return v, &routeros.ProtocolError{Op: "ping", Err: errors.New("no ping results")}
	}

	probe := summarizeProbe(records, count)
	v.Probe = &probe

	if probe.Received == 0 {
		v.Status = models.StatusOffline
		v.Message = "No replies received (100% packet loss)"
		return v, nil
	}

	v.Status = models.StatusOnline
	v.Message = fmt.Sprintf("%d/%d packets received, latency: %dms", probe.Received, probe.Sent, probe.AverageLatencyMs)
	switch {
	case v.SessionInfo != nil && !v.SessionInfo.Active:
		w := fmt.Sprintf("%s answered without an active PPPoE session; the address may belong to another client", v.ClientIP)
		v.Warning = &w
	case v.SessionInfo != nil && v.SessionInfo.IPMismatch:
		v.Warning = mismatchWarning(v.SessionInfo)
	}
	return v, nil
}

func mismatchWarning(s *models.SessionRecord) *string {
	got := "unknown"
	if s.SessionIP != nil {
		got = *s.SessionIP
	}
	w := fmt.Sprintf("PPPoE session address %s does not match expected %s", got, s.ExpectedIP)
	return &w
}

// summarizeProbe aggregates per-attempt ping replies. An attempt counts as
// received when it carries a round-trip time.
func summarizeProbe(records []routeros.Record, sent int) models.ProbeResult {
	if len(records) > sent {
		sent = len(records)
	}
	res := models.ProbeResult{Sent: sent}

	var total float64
	for _, rec := range records {
		ms, ok := parseRTT(rec.String("time"))
		if !ok {
			res.RTTs = append(res.RTTs, nil)
			continue
		}
		rtt := ms
		res.RTTs = append(res.RTTs, &rtt)
		res.Received++
		total += ms
	}

	if res.Received > 0 {
		res.AverageLatencyMs = int(math.Round(total / float64(res.Received)))
	}
	res.PacketLossPercent = float64(res.Sent-res.Received) / float64(res.Sent) * 100
	return res
}

// parseRTT reads RouterOS round-trip times such as "10ms" or "1ms450us".
// Bare numbers are taken as milliseconds.
func parseRTT(raw string) (float64, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return float64(d) / float64(time.Millisecond), true
	}
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, raw)
	if digits == "" {
		return 0, false
	}
	n, err := strconv.Atoi(digits)
	if err != nil {
		return 0, false
	}
	return float64(n), true
}
