package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"linkmonitor/internal/cluster"
	"linkmonitor/internal/config"
	"linkmonitor/internal/events"
	"linkmonitor/internal/gateway"
	"linkmonitor/internal/models"
	"linkmonitor/internal/routeros"
)

type fakeGateway struct {
	mu        sync.Mutex
	tickets   []models.Ticket
	fetchErr  error
	failFor   map[string]error
	fetches   int
	updates   map[string]models.MonitoringUpdate
	updateIDs []string
}

func (g *fakeGateway) FetchPending(context.Context) ([]models.Ticket, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fetches++
	return g.tickets, g.fetchErr
}

func (g *fakeGateway) ApplyMonitoringUpdate(_ context.Context, id string, update models.MonitoringUpdate) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.failFor[id]; err != nil {
		return err
	}
	if g.updates == nil {
		g.updates = make(map[string]models.MonitoringUpdate)
	}
	g.updates[id] = update
	g.updateIDs = append(g.updateIDs, id)
	return nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingSink) Publish(_ context.Context, ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingSink) count(typ events.Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func healthyConn() *fakeConn {
	return &fakeConn{
		sessions: map[string][]routeros.Record{"carlos": activeSession("100.64.0.10", "3h1m")},
		ifaces:   map[string][]routeros.Record{"<pppoe-carlos>": pppoeInterface("52428800", "10485760")},
	}
}

func newTestScheduler(gw gateway.TicketGateway, ev TicketEvaluator, sink events.Sink) (*Scheduler, *[]time.Duration) {
	s := NewScheduler(SchedulerConfig{Pacing: 500 * time.Millisecond}, gw, ev, nil, sink, nil)
	var pauses []time.Duration
	s.sleep = func(_ context.Context, d time.Duration) error {
		pauses = append(pauses, d)
		return nil
	}
	return s, &pauses
}

func TestCycleIsolatesRouterTimeout(t *testing.T) {
	d := &fakeDialer{
		conns: map[string]*fakeConn{"10.0.0.1": healthyConn(), "10.0.0.3": healthyConn()},
		errs: map[string]error{
			"10.0.0.2": &routeros.TimeoutError{Op: "dial", After: 15 * time.Second, Err: context.DeadlineExceeded},
		},
	}
	gw := &fakeGateway{tickets: []models.Ticket{
		{ID: "t1", RouterAddress: "10.0.0.1", ClientIP: "100.64.0.10", SessionID: "carlos"},
		{ID: "t2", RouterAddress: "10.0.0.2", ClientIP: "100.64.0.10", SessionID: "carlos"},
		{ID: "t3", RouterAddress: "10.0.0.3", ClientIP: "100.64.0.10", SessionID: "carlos"},
	}}
	sink := &recordingSink{}
	s, pauses := newTestScheduler(gw, newTestEvaluator(d, SessionStrategy{}), sink)

	report, err := s.RunCycle(context.Background(), models.TriggerSchedule)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Processed != 3 || report.Updated != 2 || report.Errors != 1 || report.Skipped != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	if len(report.Failures) != 1 || report.Failures[0].TicketID != "t2" || report.Failures[0].Stage != "evaluate" {
		t.Fatalf("unexpected failures %+v", report.Failures)
	}
	if _, ok := gw.updates["t2"]; ok {
		t.Fatalf("failed ticket must keep its stale status")
	}
	if len(gw.updateIDs) != 2 || gw.updateIDs[0] != "t1" || gw.updateIDs[1] != "t3" {
		t.Fatalf("unexpected update order %v", gw.updateIDs)
	}
	if len(*pauses) != 2 || (*pauses)[0] != 500*time.Millisecond {
		t.Fatalf("expected pacing between tickets, got %v", *pauses)
	}

	up := gw.updates["t1"]
	if up.LastStatus.Status != models.StatusOnline || len(up.HistoryAppend) != 1 {
		t.Fatalf("unexpected update %+v", up)
	}
	if up.NoCerrar == nil || *up.NoCerrar {
		t.Fatalf("stable session should allow closing")
	}
	if up.BajoConsumo == nil || !*up.BajoConsumo {
		t.Fatalf("50MB/10MB traffic is low usage")
	}

	if sink.count(events.TypeTicketEvaluated) != 3 || sink.count(events.TypeCycleFinished) != 1 {
		t.Fatalf("unexpected events %+v", sink.events)
	}
	last, ok := s.LastReport()
	if !ok || last.ID != report.ID {
		t.Fatalf("last report not recorded")
	}
}

func TestTicketWithoutRouterIsNotMonitorable(t *testing.T) {
	d := &fakeDialer{}
	gw := &fakeGateway{tickets: []models.Ticket{{ID: "t1", ClientIP: "100.64.0.10", SessionID: "carlos"}}}
	s, _ := newTestScheduler(gw, newTestEvaluator(d, ProbeStrategy{Count: 3}), nil)

	report, err := s.RunCycle(context.Background(), models.TriggerManual)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(d.dials) != 0 {
		t.Fatalf("router must not be contacted, got %v", d.dials)
	}
	up, ok := gw.updates["t1"]
	if !ok || up.LastStatus.Status != models.StatusNoMonitoreable {
		t.Fatalf("expected no_monitoreable update, got %+v", up)
	}
	if up.NoCerrar != nil || up.BajoConsumo != nil {
		t.Fatalf("flags require a full evaluation")
	}
	if report.Skipped != 1 || report.Updated != 1 || report.Errors != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestGatewayUpdateFailureIsCounted(t *testing.T) {
	d := &fakeDialer{conns: map[string]*fakeConn{"10.0.0.1": healthyConn()}}
	gw := &fakeGateway{
		tickets: []models.Ticket{
			{ID: "t1", RouterAddress: "10.0.0.1", ClientIP: "100.64.0.10", SessionID: "carlos"},
			{ID: "t2", RouterAddress: "10.0.0.1", ClientIP: "100.64.0.10", SessionID: "carlos"},
		},
		failFor: map[string]error{"t1": errors.New("503 from store")},
	}
	s, _ := newTestScheduler(gw, newTestEvaluator(d, SessionStrategy{}), nil)

	report, err := s.RunCycle(context.Background(), models.TriggerSchedule)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Processed != 2 || report.Updated != 1 || report.Errors != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if report.Failures[0].Stage != "update" {
		t.Fatalf("unexpected failure %+v", report.Failures[0])
	}
}

func TestConfigurationErrorAbortsCycle(t *testing.T) {
	gw := &fakeGateway{tickets: []models.Ticket{{ID: "t1"}}}
	s, _ := newTestScheduler(gw, newTestEvaluator(&fakeDialer{}, SessionStrategy{}), nil)
	s.cfg.Validate = func() error {
		return &config.ConfigurationError{Field: "router.username", Reason: "is required"}
	}

	report, err := s.RunCycle(context.Background(), models.TriggerSchedule)
	var cfgErr *config.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if gw.fetches != 0 || report.Processed != 0 {
		t.Fatalf("no ticket may be touched, fetches=%d report=%+v", gw.fetches, report)
	}
}

func TestFetchFailureIsGatewayError(t *testing.T) {
	gw := &fakeGateway{fetchErr: errors.New("dial tcp: refused")}
	s, _ := newTestScheduler(gw, newTestEvaluator(&fakeDialer{}, SessionStrategy{}), nil)

	_, err := s.RunCycle(context.Background(), models.TriggerSchedule)
	if !gateway.IsError(err) {
		t.Fatalf("expected gateway error, got %v", err)
	}
}

func TestManualTriggerRejectedWhileRunning(t *testing.T) {
	guard := cluster.NewGuard(nil, "", 0, nil)
	gw := &fakeGateway{}
	s := NewScheduler(SchedulerConfig{}, gw, newTestEvaluator(&fakeDialer{}, SessionStrategy{}), guard, nil, nil)

	release, err := guard.TryAcquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := s.Trigger(context.Background()); !errors.Is(err, cluster.ErrCycleInProgress) {
		t.Fatalf("expected ErrCycleInProgress, got %v", err)
	}
	if _, err := s.RunCycle(context.Background(), models.TriggerSchedule); !errors.Is(err, cluster.ErrCycleInProgress) {
		t.Fatalf("expected ErrCycleInProgress, got %v", err)
	}
	release()

	id, err := s.Trigger(context.Background())
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	s.Stop()

	last, ok := s.LastReport()
	if !ok || last.ID != id || last.Trigger != models.TriggerManual {
		t.Fatalf("expected manual cycle %s to be recorded, got %+v", id, last)
	}
	if gw.fetches != 1 {
		t.Fatalf("expected exactly one cycle, got %d fetches", gw.fetches)
	}
}

func TestSleepContextHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sleepContext(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if err := sleepContext(context.Background(), 0); err != nil {
		t.Fatalf("zero pause must not fail: %v", err)
	}
}
