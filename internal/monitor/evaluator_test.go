package monitor

import (
	"context"
	"errors"
	"math"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"linkmonitor/internal/config"
	"linkmonitor/internal/models"
	"linkmonitor/internal/routeros"
)

type fakeConn struct {
	mu         sync.Mutex
	sessions   map[string][]routeros.Record
	ifaces     map[string][]routeros.Record
	ping       []routeros.Record
	sessionErr error
	ifaceErr   error
	pingErr    error

	sessionCalls []string
	ifaceCalls   []string
	pingCalls    int
	closed       int
}

func (f *fakeConn) ActiveSessions(_ context.Context, name string) ([]routeros.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessionCalls = append(f.sessionCalls, name)
	if f.sessionErr != nil {
		return nil, f.sessionErr
	}
	return f.sessions[name], nil
}

func (f *fakeConn) Interfaces(_ context.Context, name string) ([]routeros.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ifaceCalls = append(f.ifaceCalls, name)
	if f.ifaceErr != nil {
		return nil, f.ifaceErr
	}
	return f.ifaces[name], nil
}

func (f *fakeConn) Ping(_ context.Context, _ string, _ int) ([]routeros.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pingCalls++
	if f.pingErr != nil {
		return nil, f.pingErr
	}
	return f.ping, nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

// fakeDialer hands out per-router connections and records dial attempts.
type fakeDialer struct {
	mu    sync.Mutex
	conns map[string]*fakeConn
	errs  map[string]error
	dials []string
}

func (d *fakeDialer) Dial(_ context.Context, host string) (RouterConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials = append(d.dials, host)
	if err := d.errs[host]; err != nil {
		return nil, err
	}
	conn, ok := d.conns[host]
	if !ok {
		return nil, &routeros.ConnectionError{Host: host, Err: errors.New("no route to host")}
	}
	return conn, nil
}

var testNow = time.Date(2024, time.January, 2, 12, 19, 35, 0, time.Local)

func newTestEvaluator(d Dialer, s Strategy) *Evaluator {
	e := NewEvaluator(d, s, nil)
	e.now = func() time.Time { return testNow }
	return e
}

func activeSession(address, uptime string) []routeros.Record {
	return []routeros.Record{{"name": "carlos", "address": address, "caller-id": "AA:BB:CC:DD:EE:FF", "uptime": uptime}}
}

func pppoeInterface(rx, tx string) []routeros.Record {
	return []routeros.Record{{
		"name":              "<pppoe-carlos>",
		"last-link-up-time": "jan/02/2024 10:04:05",
		"link-downs":        "4",
		"rx-byte":           rx,
		"tx-byte":           tx,
		"running":           "true",
		"disabled":          "false",
	}}
}

func target() models.Target {
	return models.Target{RouterAddress: "10.0.0.1", ClientIP: "100.64.0.10", SessionID: "<pppoe-carlos>"}
}

func TestCleanSessionID(t *testing.T) {
	cases := map[string]string{
		"<pppoe-carlos>": "carlos",
		"pppoe-carlos":   "carlos",
		"carlos":         "carlos",
		" <carlos> ":     "carlos",
		"":               "",
	}
	for in, want := range cases {
		if got := CleanSessionID(in); got != want {
			t.Errorf("CleanSessionID(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestEvaluateWithoutSessionNeverDials(t *testing.T) {
	d := &fakeDialer{}
	e := newTestEvaluator(d, SessionStrategy{})

	tgt := target()
	tgt.SessionID = ""
	v, err := e.Evaluate(context.Background(), tgt)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Status != models.StatusNoMonitoreable {
		t.Fatalf("expected no_monitoreable, got %s", v.Status)
	}
	if len(d.dials) != 0 {
		t.Fatalf("router must not be contacted, got %v", d.dials)
	}
}

func TestInterfaceLookupTriesBracketedNameFirst(t *testing.T) {
	conn := &fakeConn{
		ifaces: map[string][]routeros.Record{"pppoe-carlos": pppoeInterface("1048576", "2097152")},
	}
	d := &fakeDialer{conns: map[string]*fakeConn{"10.0.0.1": conn}}
	e := newTestEvaluator(d, SessionStrategy{})

	for _, id := range []string{"<pppoe-carlos>", "pppoe-carlos"} {
		conn.sessionCalls, conn.ifaceCalls = nil, nil
		tgt := target()
		tgt.SessionID = id
		v, err := e.Evaluate(context.Background(), tgt)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !reflect.DeepEqual(conn.sessionCalls, []string{"carlos"}) {
			t.Fatalf("session lookup used %v", conn.sessionCalls)
		}
		if !reflect.DeepEqual(conn.ifaceCalls, []string{"<pppoe-carlos>", "pppoe-carlos"}) {
			t.Fatalf("interface lookup order %v", conn.ifaceCalls)
		}
		if v.ConnectionInfo == nil || v.ConnectionInfo.RxMegabytes != 1 || v.ConnectionInfo.TxMegabytes != 2 {
			t.Fatalf("unexpected snapshot %+v", v.ConnectionInfo)
		}
	}
}

func TestInterfaceUptimeIsTruncated(t *testing.T) {
	conn := &fakeConn{
		sessions: map[string][]routeros.Record{"carlos": activeSession("100.64.0.10", "")},
		ifaces:   map[string][]routeros.Record{"<pppoe-carlos>": pppoeInterface("0", "0")},
	}
	d := &fakeDialer{conns: map[string]*fakeConn{"10.0.0.1": conn}}
	v, err := newTestEvaluator(d, SessionStrategy{}).Evaluate(context.Background(), target())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	snap := v.ConnectionInfo
	if snap == nil || snap.Uptime == nil || *snap.Uptime != "2h 15m" {
		t.Fatalf("expected uptime 2h 15m, got %+v", snap)
	}
	if snap.LinkDownCount != 4 || !snap.Running || snap.Disabled {
		t.Fatalf("unexpected counters %+v", snap)
	}
	if v.Message != "PPPoE session active, uptime: 2h 15m" {
		t.Fatalf("unexpected message %q", v.Message)
	}
	if conn.closed != 1 {
		t.Fatalf("connection must be closed once, got %d", conn.closed)
	}
}

func TestSessionStrategyIgnoresInterfaceData(t *testing.T) {
	offline := &fakeConn{
		ifaces: map[string][]routeros.Record{"<pppoe-carlos>": pppoeInterface("999999999", "999999999")},
	}
	online := &fakeConn{
		sessions: map[string][]routeros.Record{"carlos": activeSession("100.64.0.99", "35m12s")},
	}
	d := &fakeDialer{conns: map[string]*fakeConn{"10.0.0.1": offline, "10.0.0.2": online}}
	e := newTestEvaluator(d, SessionStrategy{})

	v, err := e.Evaluate(context.Background(), target())
	if err != nil || v.Status != models.StatusOffline {
		t.Fatalf("expected offline without session, got %s (%v)", v.Status, err)
	}
	if v.SessionInfo == nil || v.SessionInfo.Active || v.SessionInfo.SessionIP != nil || v.SessionInfo.IPMismatch {
		t.Fatalf("inactive session must not carry an address: %+v", v.SessionInfo)
	}

	tgt := target()
	tgt.RouterAddress = "10.0.0.2"
	v, err = e.Evaluate(context.Background(), tgt)
	if err != nil || v.Status != models.StatusOnline {
		t.Fatalf("expected online with session, got %s (%v)", v.Status, err)
	}
	if v.ConnectionInfo != nil {
		t.Fatalf("expected no interface snapshot")
	}
	if !v.SessionInfo.IPMismatch || v.Warning == nil || !strings.Contains(*v.Warning, "100.64.0.99") {
		t.Fatalf("mismatch should produce a warning, got %+v", v)
	}
	if online.pingCalls != 0 {
		t.Fatalf("session strategy must not ping")
	}
}

func pingReplies(times ...string) []routeros.Record {
	out := make([]routeros.Record, 0, len(times))
	for i, rtt := range times {
		rec := routeros.Record{"seq": string(rune('0' + i)), "host": "100.64.0.10"}
		if rtt != "" {
			rec["time"] = rtt
		} else {
			rec["status"] = "timeout"
		}
		out = append(out, rec)
	}
	return out
}

func TestProbeStrategyAllLost(t *testing.T) {
	conn := &fakeConn{
		sessions: map[string][]routeros.Record{"carlos": activeSession("100.64.0.10", "3h")},
		ping:     pingReplies("", "", ""),
	}
	d := &fakeDialer{conns: map[string]*fakeConn{"10.0.0.1": conn}}
	v, err := newTestEvaluator(d, ProbeStrategy{Count: 3}).Evaluate(context.Background(), target())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Status != models.StatusOffline || v.Probe == nil {
		t.Fatalf("expected offline with probe, got %+v", v)
	}
	if v.Probe.Received != 0 || v.Probe.PacketLossPercent != 100 {
		t.Fatalf("unexpected probe %+v", v.Probe)
	}
	if v.Message != "No replies received (100% packet loss)" {
		t.Fatalf("unexpected message %q", v.Message)
	}
}

func TestProbeStrategyPartialLoss(t *testing.T) {
	conn := &fakeConn{
		sessions: map[string][]routeros.Record{"carlos": activeSession("100.64.0.10", "3h")},
		ping:     pingReplies("10ms", "", "20ms"),
	}
	d := &fakeDialer{conns: map[string]*fakeConn{"10.0.0.1": conn}}
	v, err := newTestEvaluator(d, ProbeStrategy{Count: 3}).Evaluate(context.Background(), target())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Status != models.StatusOnline {
		t.Fatalf("expected online, got %s", v.Status)
	}
	p := v.Probe
	if p.Sent != 3 || p.Received != 2 || p.AverageLatencyMs != 15 {
		t.Fatalf("unexpected probe %+v", p)
	}
	if math.Abs(p.PacketLossPercent-33.33) > 0.01 {
		t.Fatalf("expected loss near 33.33, got %v", p.PacketLossPercent)
	}
	if v.Message != "2/3 packets received, latency: 15ms" {
		t.Fatalf("unexpected message %q", v.Message)
	}
	if v.Warning != nil {
		t.Fatalf("no warning expected, got %q", *v.Warning)
	}
}

func TestProbeStrategyWarnsOnAddressMismatch(t *testing.T) {
	conn := &fakeConn{
		sessions: map[string][]routeros.Record{"carlos": activeSession("100.64.0.99", "3h")},
		ping:     pingReplies("4ms", "5ms", "6ms"),
	}
	d := &fakeDialer{conns: map[string]*fakeConn{"10.0.0.1": conn}}
	v, err := newTestEvaluator(d, ProbeStrategy{Count: 3}).Evaluate(context.Background(), target())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Status != models.StatusOnline {
		t.Fatalf("expected online, got %s", v.Status)
	}
	if v.Warning == nil || !strings.Contains(*v.Warning, "100.64.0.99") {
		t.Fatalf("expected warning naming the session address, got %v", v.Warning)
	}
	if v.SessionInfo == nil || !v.SessionInfo.IPMismatch {
		t.Fatalf("expected mismatched session info, got %+v", v.SessionInfo)
	}
}

func TestProbeStrategyWarnsWithoutSession(t *testing.T) {
	conn := &fakeConn{ping: pingReplies("4ms", "5ms", "6ms")}
	d := &fakeDialer{conns: map[string]*fakeConn{"10.0.0.1": conn}}
	v, err := newTestEvaluator(d, ProbeStrategy{Count: 3}).Evaluate(context.Background(), target())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Status != models.StatusOnline || v.Warning == nil {
		t.Fatalf("expected online with warning, got %+v", v)
	}
	if !strings.Contains(*v.Warning, "without an active PPPoE session") {
		t.Fatalf("unexpected warning %q", *v.Warning)
	}
}

func TestProbeStrategyEmptyReplyIsError(t *testing.T) {
	conn := &fakeConn{sessions: map[string][]routeros.Record{"carlos": activeSession("100.64.0.10", "3h")}}
	d := &fakeDialer{conns: map[string]*fakeConn{"10.0.0.1": conn}}
	v, err := newTestEvaluator(d, ProbeStrategy{Count: 3}).Evaluate(context.Background(), target())
	if !routeros.IsProtocol(err) {
		t.Fatalf("expected protocol error, got %v", err)
	}
	if v.Status != models.StatusError || !strings.Contains(v.Message, "no ping results") {
		t.Fatalf("unexpected verdict %+v", v)
	}
	if v.SessionInfo == nil {
		t.Fatalf("already fetched session info should be kept")
	}
	if conn.closed != 1 {
		t.Fatalf("connection must be closed on the error path")
	}
}

func TestRouterFailuresBecomeErrorVerdicts(t *testing.T) {
	timeout := &routeros.TimeoutError{Op: "dial", After: 15 * time.Second, Err: context.DeadlineExceeded}
	d := &fakeDialer{errs: map[string]error{"10.0.0.1": timeout}}
	v, err := newTestEvaluator(d, ProbeStrategy{Count: 3}).Evaluate(context.Background(), target())
	if !routeros.IsTimeout(err) {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if v.Status != models.StatusError || v.Message != timeout.Error() {
		t.Fatalf("unexpected verdict %+v", v)
	}
	if v.SessionInfo != nil || v.ConnectionInfo != nil {
		t.Fatalf("nothing was fetched, nothing should be reported")
	}

	conn := &fakeConn{
		sessions: map[string][]routeros.Record{"carlos": activeSession("100.64.0.10", "3h")},
		ifaceErr: &routeros.ProtocolError{Op: "/interface/print", Err: errors.New("connection reset")},
	}
	d = &fakeDialer{conns: map[string]*fakeConn{"10.0.0.1": conn}}
	v, err = newTestEvaluator(d, ProbeStrategy{Count: 3}).Evaluate(context.Background(), target())
	if !routeros.IsProtocol(err) || v.Status != models.StatusError {
		t.Fatalf("expected protocol error verdict, got %+v (%v)", v, err)
	}
	if v.SessionInfo == nil || v.ConnectionInfo != nil || conn.pingCalls != 0 {
		t.Fatalf("unexpected partial verdict %+v", v)
	}
	if conn.closed != 1 {
		t.Fatalf("connection must be closed on the error path")
	}
}

func TestParseRTT(t *testing.T) {
	cases := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"10ms", 10, true},
		{"1ms450us", 1.45, true},
		{"7", 7, true},
		{"", 0, false},
		{"timeout", 0, false},
	}
	for _, tc := range cases {
		got, ok := parseRTT(tc.in)
		if ok != tc.ok || math.Abs(got-tc.want) > 1e-9 {
			t.Errorf("parseRTT(%q) = %v, %v; want %v, %v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestStrategyFor(t *testing.T) {
	s, err := StrategyFor("SESSION", 3)
	if err != nil || s.Name() != config.ModeSession {
		t.Fatalf("unexpected strategy %v (%v)", s, err)
	}
	s, err = StrategyFor("probe", 5)
	if err != nil || s.(ProbeStrategy).Count != 5 {
		t.Fatalf("unexpected strategy %v (%v)", s, err)
	}
	var cfgErr *config.ConfigurationError
	if _, err := StrategyFor("snmp", 3); !errors.As(err, &cfgErr) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
