// Package scheduler runs the periodic housekeeping of the engine: expiring
// leaf nodes whose deadline has passed.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/rendis/pms/internal/logging"
	"github.com/rendis/pms/internal/store"
	"github.com/rendis/pms/pkg/ambiance"
	"github.com/rendis/pms/pkg/schema"
)

// DefaultSchedule is how often overdue nodes are swept.
const DefaultSchedule = "@every 15s"

// sweeperPrincipal is recorded as the issuer of EXPIRE interrupts.
var sweeperPrincipal = ambiance.Principal{ID: "timeout-sweeper", Type: "SYSTEM"}

// Expirer delivers interrupts. Satisfied by the engine (avoids import cycle).
type Expirer interface {
	HandleInterrupt(ctx context.Context, ev schema.InterruptEvent) (bool, error)
}

// Sweeper expires leaf nodes that are still active past their deadline.
type Sweeper struct {
	store    store.Store
	expirer  Expirer
	schedule string
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	cron   *cron.Cron
	cancel context.CancelFunc

	inflightMu sync.Mutex
	inflight   map[string]struct{} // node execution IDs being expired (dedup)
}

// NewSweeper creates a Sweeper running on schedule, a cron expression or
// descriptor such as "@every 30s". An empty schedule uses DefaultSchedule.
func NewSweeper(s store.Store, expirer Expirer, schedule string, logger *slog.Logger) (*Sweeper, error) {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("parse sweep schedule %q: %w", schedule, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:    s,
		expirer:  expirer,
		schedule: schedule,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		inflight: make(map[string]struct{}),
	}, nil
}

// Start sweeps once and then on every tick of the schedule.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return errors.New("sweeper already started")
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(s.schedule, func() { s.tick(sweepCtx) }); err != nil {
		cancel()
		return fmt.Errorf("schedule sweep: %w", err)
	}
	s.cron, s.cancel = c, cancel
	c.Start()
	go s.tick(sweepCtx)

	s.logger.Info("timeout sweeper started", slog.String("schedule", s.schedule))
	return nil
}

func (s *Sweeper) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	n, err := s.Sweep(ctx)
	if err != nil {
		s.logger.Error("timeout sweep failed", slog.String("error", err.Error()))
	}
	if n > 0 {
		s.logger.Info("expired overdue nodes", slog.Int("count", n))
	}
}

// Sweep sends EXPIRE to every active leaf whose deadline has passed and
// returns how many were expired.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	now := s.now()
	nodes, err := s.store.ListNodeExecutions(ctx, store.NodeExecutionFilter{
		Statuses: []schema.Status{
			schema.StatusRunning, schema.StatusAsyncWaiting, schema.StatusTaskWaiting,
		},
		TimeoutBefore: &now,
	})
	if err != nil {
		return 0, fmt.Errorf("list overdue nodes: %w", err)
	}

	expired := 0
	var errs []error
	for _, n := range nodes {
		if !n.Mode.IsLeaf() || !s.tryAcquire(n.ID) {
			continue
		}
		ok, err := s.expire(ctx, n)
		s.release(n.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("expire node %s: %w", n.ID, err))
			continue
		}
		if ok {
			expired++
		}
	}
	return expired, errors.Join(errs...)
}

func (s *Sweeper) expire(ctx context.Context, n *store.NodeExecution) (bool, error) {
	a := n.Ambiance
	a.Metadata.Principal = sweeperPrincipal
	ctx = logging.WithNodeExecutionID(logging.WithAmbiance(ctx, a), n.ID)
	s.logger.DebugContext(ctx, "node deadline passed", slog.Time("timeout_at", *n.TimeoutAt))
	return s.expirer.HandleInterrupt(ctx, schema.InterruptEvent{
		Ambiance:      a,
		InterruptType: schema.InterruptExpire,
		InterruptUUID: uuid.NewString(),
	})
}

// tryAcquire returns true and marks the node as in-flight if no sweep is
// already expiring it.
func (s *Sweeper) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Sweeper) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == nil {
		return
	}
	s.cancel()
	<-s.cron.Stop().Done()
	s.cron, s.cancel = nil, nil
	s.logger.Info("timeout sweeper stopped")
}
