package monitor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"linkmonitor/internal/cluster"
	"linkmonitor/internal/config"
	"linkmonitor/internal/events"
	"linkmonitor/internal/gateway"
	"linkmonitor/internal/history"
	"linkmonitor/internal/models"
)

const (
	defaultInterval = time.Hour
	defaultPacing   = 500 * time.Millisecond
)

// TicketEvaluator produces a verdict for one target.
type TicketEvaluator interface {
	Evaluate(ctx context.Context, target models.Target) (models.Verdict, error)
}

// CycleGuard admits one cycle at a time.
type CycleGuard interface {
	TryAcquire(ctx context.Context) (func(), error)
}

// SchedulerConfig controls cycle timing.
type SchedulerConfig struct {
	Interval   time.Duration
	Pacing     time.Duration
	RunOnStart bool
	// Validate is checked before every cycle; a non-nil error aborts the
	// cycle before any ticket is touched.
	Validate func() error
}

// Scheduler periodically reconciles pending tickets against their routers.
type Scheduler struct {
	cfg       SchedulerConfig
	gateway   gateway.TicketGateway
	evaluator TicketEvaluator
	guard     CycleGuard
	sink      events.Sink
	log       *logrus.Entry

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu   sync.RWMutex
	last *models.CycleReport

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewScheduler wires a scheduler. guard and sink may be nil.
func NewScheduler(cfg SchedulerConfig, gw gateway.TicketGateway, evaluator TicketEvaluator, guard CycleGuard, sink events.Sink, log *logrus.Entry) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Interval < time.Minute {
		cfg.Interval = time.Minute
	}
	if cfg.Pacing < 0 {
		cfg.Pacing = defaultPacing
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("component", "scheduler")
	if guard == nil {
		guard = cluster.NewGuard(nil, "", 0, log)
	}
	if sink == nil {
		sink = events.Nop{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:       cfg,
		gateway:   gw,
		evaluator: evaluator,
		guard:     guard,
		sink:      sink,
		log:       log,
		now:       time.Now,
		sleep:     sleepContext,
		ctx:       ctx,
		cancel:    cancel,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start launches the periodic loop in a goroutine.
func (s *Scheduler) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	go s.run()
}

// Stop ends the periodic loop, cancels running cycles at their next pause
// and waits for them to return.
func (s *Scheduler) Stop() {
	select {
	case <-s.stopCh:
		return
	default:
	}
	close(s.stopCh)
	if s.started.Load() {
		<-s.doneCh
	}
	s.cancel()
	s.wg.Wait()
}

// RunCycle runs one cycle synchronously.
func (s *Scheduler) RunCycle(ctx context.Context, trigger models.CycleTrigger) (models.CycleReport, error) {
	release, err := s.guard.TryAcquire(ctx)
	if err != nil {
		return models.CycleReport{}, err
	}
	defer release()
	return s.execute(ctx, uuid.NewString(), trigger)
}

// Trigger starts a manual cycle in the background and returns its id. It
// fails with cluster.ErrCycleInProgress while another cycle is running.
func (s *Scheduler) Trigger(ctx context.Context) (string, error) {
	release, err := s.guard.TryAcquire(ctx)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer release()
		if _, err := s.execute(s.ctx, id, models.TriggerManual); err != nil {
			s.log.WithError(err).WithField("cycle", id).Error("manual cycle failed")
		}
	}()
	return id, nil
}

// LastReport returns the most recently finished cycle.
func (s *Scheduler) LastReport() (models.CycleReport, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.last == nil {
		return models.CycleReport{}, false
	}
	return *s.last, true
}

func (s *Scheduler) run() {
	defer close(s.doneCh)

	if s.cfg.RunOnStart {
		s.runScheduled()
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runScheduled()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Scheduler) runScheduled() {
	_, err := s.RunCycle(s.ctx, models.TriggerSchedule)
	switch {
	case errors.Is(err, cluster.ErrCycleInProgress):
		s.log.Info("previous cycle still running, skipping tick")
	case err != nil:
		s.log.WithError(err).Error("scheduled cycle failed")
	}
}

func (s *Scheduler) execute(ctx context.Context, id string, trigger models.CycleTrigger) (models.CycleReport, error) {
	report := models.CycleReport{
		ID:        id,
		Trigger:   trigger,
		StartedAt: s.now().UTC(),
	}
	log := s.log.WithFields(logrus.Fields{"cycle": id, "trigger": trigger})

	if err := s.precondition(); err != nil {
		log.WithError(err).Error("cycle aborted")
		return s.finish(ctx, report), err
	}

	tickets, err := s.gateway.FetchPending(ctx)
	if err != nil {
		err = gateway.Wrap("fetch", "", err)
		log.WithError(err).Error("fetch pending tickets")
		return s.finish(ctx, report), err
	}
	log.WithField("tickets", len(tickets)).Info("cycle started")

	for i, ticket := range tickets {
		if i > 0 {
			if err := s.sleep(ctx, s.cfg.Pacing); err != nil {
				log.WithError(err).Warn("cycle interrupted")
				return s.finish(ctx, report), err
			}
		}
		s.processTicket(ctx, log, id, ticket, &report)
	}

	report = s.finish(ctx, report)
	log.WithFields(logrus.Fields{
		"processed": report.Processed,
		"updated":   report.Updated,
		"skipped":   report.Skipped,
		"errors":    report.Errors,
	}).Info("cycle finished")
	return report, nil
}

func (s *Scheduler) precondition() error {
	if s.gateway == nil {
		return &config.ConfigurationError{Field: "gateway", Reason: "is not configured"}
	}
	if s.evaluator == nil {
		return &config.ConfigurationError{Field: "evaluator", Reason: "is not configured"}
	}
	if s.cfg.Validate != nil {
		return s.cfg.Validate()
	}
	return nil
}

func (s *Scheduler) processTicket(ctx context.Context, cycleLog *logrus.Entry, cycleID string, ticket models.Ticket, report *models.CycleReport) {
	report.Processed++
	target := ticket.Target()
	log := cycleLog.WithFields(logrus.Fields{"ticket": ticket.ID, "router": target.RouterAddress})
	ev := &events.TicketEvent{TicketID: ticket.ID, ExternalID: ticket.ExternalID}
	defer func() {
		s.sink.Publish(ctx, events.Event{
			Type:    events.TypeTicketEvaluated,
			CycleID: cycleID,
			At:      s.now().UTC(),
			Ticket:  ev,
		})
	}()

	var verdict models.Verdict
	evaluated := false
	if !ticket.Monitorable() {
		verdict = models.Verdict{
			Status:    models.StatusNoMonitoreable,
			ClientIP:  target.ClientIP,
			Message:   "ticket has no router or client address",
			CheckedAt: s.now().UTC(),
		}
	} else {
		v, err := s.evaluator.Evaluate(ctx, target)
		if err != nil {
			report.Errors++
			report.Failures = append(report.Failures, models.TicketFailure{TicketID: ticket.ID, Stage: "evaluate", Error: err.Error()})
			ev.Verdict = v
			ev.Error = err.Error()
			log.WithError(err).Warn("evaluation failed, ticket left unchanged")
			return
		}
		verdict = v
		evaluated = v.Status != models.StatusNoMonitoreable
	}
	ev.Verdict = verdict

	if verdict.Status == models.StatusNoMonitoreable {
		report.Skipped++
	}

	update := history.BuildUpdate(verdict, evaluated)
	ev.NoCerrar, ev.BajoConsumo = update.NoCerrar, update.BajoConsumo

	if err := s.gateway.ApplyMonitoringUpdate(ctx, ticket.ID, update); err != nil {
		err = gateway.Wrap("update", ticket.ID, err)
		report.Errors++
		report.Failures = append(report.Failures, models.TicketFailure{TicketID: ticket.ID, Stage: "update", Error: err.Error()})
		ev.Error = err.Error()
		log.WithError(err).Warn("apply monitoring update")
		return
	}
	report.Updated++
	ev.Updated = true
	log.WithField("status", verdict.Status).Debug("ticket updated")
}

func (s *Scheduler) finish(ctx context.Context, report models.CycleReport) models.CycleReport {
	report.FinishedAt = s.now().UTC()

	s.mu.Lock()
	stored := report
	s.last = &stored
	s.mu.Unlock()

	s.sink.Publish(ctx, events.Event{
		Type:    events.TypeCycleFinished,
		CycleID: report.ID,
		At:      report.FinishedAt,
		Report:  &stored,
	})
	return report
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
