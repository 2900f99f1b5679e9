package monitor

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"linkmonitor/internal/models"
	"linkmonitor/internal/routeros"
	"linkmonitor/internal/uptime"
)

const bytesPerMegabyte = 1024 * 1024

// RouterConn is an open router API session.
type RouterConn interface {
	ActiveSessions(ctx context.Context, name string) ([]routeros.Record, error)
	Interfaces(ctx context.Context, name string) ([]routeros.Record, error)
	Ping(ctx context.Context, address string, count int) ([]routeros.Record, error)
	Close() error
}

// Dialer opens a connection to a router.
type Dialer interface {
	Dial(ctx context.Context, host string) (RouterConn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, host string) (RouterConn, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context, host string) (RouterConn, error) {
	return f(ctx, host)
}

// RouterOSDialer dials through a RouterOS API client.
func RouterOSDialer(client *routeros.Client) Dialer {
	return DialerFunc(func(ctx context.Context, host string) (RouterConn, error) {
		conn, err := client.Dial(ctx, host)
		if err != nil {
			return nil, err
		}
		return conn, nil
	})
}

// Evaluator determines the connectivity of one subscriber by querying its router.
type Evaluator struct {
	dialer   Dialer
	strategy Strategy
	log      *logrus.Entry
	now      func() time.Time
}

// NewEvaluator creates an evaluator using the given verdict strategy.
func NewEvaluator(dialer Dialer, strategy Strategy, log *logrus.Entry) *Evaluator {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Evaluator{
		dialer:   dialer,
		strategy: strategy,
		log:      log.WithField("component", "evaluator"),
		now:      time.Now,
	}
}

// Strategy returns the verdict strategy in use.
func (e *Evaluator) Strategy() Strategy {
	return e.strategy
}

// Evaluate checks a single target. Router failures produce a verdict with
// status error and are also returned so callers can count them.
func (e *Evaluator) Evaluate(ctx context.Context, target models.Target) (models.Verdict, error) {
	now := e.now()
	verdict := models.Verdict{
		ClientIP:  target.ClientIP,
		CheckedAt: now.UTC(),
	}

	id := CleanSessionID(target.SessionID)
	if id == "" {
		verdict.Status = models.StatusNoMonitoreable
		verdict.Message = "no PPPoE session id to check"
		return verdict, nil
	}
	if target.RouterAddress == "" || target.ClientIP == "" {
		verdict.Status = models.StatusNoMonitoreable
		verdict.Message = "router or client address missing"
		return verdict, nil
	}

	log := e.log.WithFields(logrus.Fields{"router": target.RouterAddress, "session": id})

	conn, err := e.dialer.Dial(ctx, target.RouterAddress)
	if err != nil {
		return failed(verdict, err)
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			log.WithError(cerr).Debug("close router connection")
		}
	}()

	session, err := lookupSession(ctx, conn, id, target.ClientIP)
	if err != nil {
		return failed(verdict, err)
	}
	verdict.SessionInfo = &session

	snap, err := lookupInterface(ctx, conn, id, now)
	if err != nil {
		return failed(verdict, err)
	}
	verdict.ConnectionInfo = snap

	decided, err := e.strategy.Decide(ctx, conn, verdict)
	if err != nil {
		return failed(verdict, err)
	}
	log.WithField("status", decided.Status).Debug("target evaluated")
	return decided, nil
}

func failed(v models.Verdict, err error) (models.Verdict, error) {
	v.Status = models.StatusError
	v.Message = err.Error()
	v.Warning = nil
	v.Probe = nil
	return v, err
}

// CleanSessionID strips the "<", "pppoe-" and ">" decorations RouterOS puts
// around PPPoE interface names, leaving the bare user name.
func CleanSessionID(raw string) string {
	id := strings.TrimSpace(raw)
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimPrefix(id, "pppoe-")
	id = strings.TrimSuffix(id, ">")
	return strings.TrimSpace(id)
}

// InterfaceNames lists the interface names tried for a session id, in order.
func InterfaceNames(id string) []string {
	return []string{"<pppoe-" + id + ">", "pppoe-" + id}
}

func lookupSession(ctx context.Context, conn RouterConn, id, expectedIP string) (models.SessionRecord, error) {
	records, err := conn.ActiveSessions(ctx, id)
	if err != nil {
		return models.SessionRecord{}, err
	}
	if len(records) == 0 {
		return models.InactiveSession(expectedIP), nil
	}
	rec := records[0]
	return models.NewSessionRecord(expectedIP, rec.String("address"), rec.String("caller-id"), rec.String("uptime")), nil
}

func lookupInterface(ctx context.Context, conn RouterConn, id string, now time.Time) (*models.InterfaceSnapshot, error) {
	for _, name := range InterfaceNames(id) {
		records, err := conn.Interfaces(ctx, name)
		if err != nil {
			return nil, err
		}
		if len(records) > 0 {
			snap := snapshotFrom(records[0], name, now)
			return &snap, nil
		}
	}
	return nil, nil
}

func snapshotFrom(rec routeros.Record, name string, now time.Time) models.InterfaceSnapshot {
	snap := models.InterfaceSnapshot{
		Name:          name,
		LinkDownCount: int(rec.Int64("link-downs")),
		RxMegabytes:   megabytes(rec.Int64("rx-byte")),
		TxMegabytes:   megabytes(rec.Int64("tx-byte")),
		Running:       rec.Bool("running"),
		Disabled:      rec.Bool("disabled"),
	}
	if n := rec.String("name"); n != "" {
		snap.Name = n
	}
	if raw := rec.String("last-link-up-time"); raw != "" {
		snap.LastLinkUpTime = &raw
		if up, ok := uptime.Since(raw, now); ok {
			snap.Uptime = &up
		}
	}
	return snap
}

func megabytes(b int64) float64 {
	return math.Round(float64(b)/bytesPerMegabyte*100) / 100
}
