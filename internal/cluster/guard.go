package cluster

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

const (
	defaultLockTTL = 30 * time.Minute
	releaseTimeout = 5 * time.Second
)

// ErrCycleInProgress is returned when another cycle holds the guard.
var ErrCycleInProgress = errors.New("reconciliation cycle already in progress")

// Locker is a distributed mutual-exclusion lock keyed by name.
type Locker interface {
	Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, token string) error
}

// Guard admits at most one reconciliation cycle at a time. Without a Locker
// the guard only covers this process.
type Guard struct {
	sem    *semaphore.Weighted
	locker Locker
	key    string
	ttl    time.Duration
	log    *logrus.Entry
}

// NewGuard creates a guard. locker may be nil.
func NewGuard(locker Locker, key string, ttl time.Duration, log *logrus.Entry) *Guard {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	if key == "" {
		key = "linkmonitor:cycle"
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Guard{
		sem:    semaphore.NewWeighted(1),
		locker: locker,
		key:    key,
		ttl:    ttl,
		log:    log.WithField("component", "guard"),
	}
}

// TryAcquire takes the guard without waiting. The returned release func must
// be called once the cycle finishes.
func (g *Guard) TryAcquire(ctx context.Context) (func(), error) {
	if !g.sem.TryAcquire(1) {
		return nil, ErrCycleInProgress
	}
	if g.locker == nil {
		return func() { g.sem.Release(1) }, nil
	}

	token := uuid.NewString()
	ok, err := g.locker.Acquire(ctx, g.key, token, g.ttl)
	if err != nil {
		g.sem.Release(1)
		return nil, fmt.Errorf("acquire cycle lock %s: %w", g.key, err)
	}
	if !ok {
		g.sem.Release(1)
		return nil, ErrCycleInProgress
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		if err := g.locker.Release(ctx, g.key, token); err != nil {
			g.log.WithError(err).Warn("release cycle lock")
		}
		g.sem.Release(1)
	}, nil
}
