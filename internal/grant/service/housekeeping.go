package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/aussiebroadwan/grantstore/internal/grant/store"
	"github.com/aussiebroadwan/grantstore/pkg/metricsx"
	"github.com/aussiebroadwan/grantstore/pkg/slogx"
	"golang.org/x/time/rate"
)

// Row kinds the sweep reports on.
const (
	KindAccessToken          = "access_token"
	KindRefreshToken         = "refresh_token"
	KindAuthorizationCode    = "authorization_code"
	KindPermissionTicket     = "permission_ticket"
	KindAuthorizationContext = "authorization_context"
)

// SweepReport counts what one sweep did, by kind.
type SweepReport struct {
	Deleted map[string]int
	Failed  map[string]int
	Took    time.Duration
}

func newSweepReport() SweepReport {
	return SweepReport{Deleted: make(map[string]int), Failed: make(map[string]int)}
}

// TotalDeleted sums Deleted over every kind.
func (r SweepReport) TotalDeleted() int {
	n := 0
	for _, v := range r.Deleted {
		n += v
	}
	return n
}

// OK reports whether every selected row was handled.
func (r SweepReport) OK() bool { return len(r.Failed) == 0 }

// expirySweep is one kind of row that expires on its own clock.
type expirySweep struct {
	kind   string
	list   func(ctx context.Context, st store.Store, now time.Time) ([]string, error)
	delete func(ctx context.Context, st store.Store, id string) error
}

// expirySweeps runs tokens before tickets and everything before contexts,
// so a context released by this pass is collected in the same pass.
var expirySweeps = []expirySweep{
	{
		kind: KindAccessToken,
		list: func(ctx context.Context, st store.Store, now time.Time) ([]string, error) {
			return st.AccessTokens().ListExpiredAccessTokenIDs(ctx, now)
		},
		delete: func(ctx context.Context, st store.Store, id string) error {
			return st.AccessTokens().DeleteAccessToken(ctx, id)
		},
	},
	{
		kind: KindRefreshToken,
		list: func(ctx context.Context, st store.Store, now time.Time) ([]string, error) {
			return st.RefreshTokens().ListExpiredRefreshTokenIDs(ctx, now)
		},
		delete: func(ctx context.Context, st store.Store, id string) error {
			return st.RefreshTokens().DeleteRefreshToken(ctx, id)
		},
	},
	{
		kind: KindAuthorizationCode,
		list: func(ctx context.Context, st store.Store, now time.Time) ([]string, error) {
			return st.AuthorizationCodes().ListExpiredAuthorizationCodeIDs(ctx, now)
		},
		delete: func(ctx context.Context, st store.Store, id string) error {
			return st.AuthorizationCodes().DeleteAuthorizationCode(ctx, id)
		},
	},
	{
		kind: KindPermissionTicket,
		list: func(ctx context.Context, st store.Store, now time.Time) ([]string, error) {
			return st.PermissionTickets().ListExpiredPermissionTicketIDs(ctx, now)
		},
		delete: func(ctx context.Context, st store.Store, id string) error {
			return st.PermissionTickets().DeletePermissionTicket(ctx, id)
		},
	},
}

// HousekeepingService periodically removes expired tokens, codes and
// tickets, then the authorization contexts nothing points at any more.
type HousekeepingService struct {
	Store    store.Store
	Logger   *slog.Logger
	Interval time.Duration

	// GracePeriod spares contexts younger than this.
	GracePeriod time.Duration

	// Metrics may be nil.
	Metrics *metricsx.Housekeeping

	// Limiter paces per-row deletes so a large backlog does not hog the
	// write lock. Nil means no pacing.
	Limiter *rate.Limiter

	Now func() time.Time

	// Internal channels for lifecycle management
	mu      sync.Mutex
	started bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewHousekeepingService creates a new housekeeping service with the given interval.
// If interval is 0 or negative, defaults to 1 hour.
func NewHousekeepingService(
	store store.Store,
	logger *slog.Logger,
	interval, gracePeriod time.Duration,
	metrics *metricsx.Housekeeping,
) *HousekeepingService {
	if interval <= 0 {
		interval = 1 * time.Hour
	}

	return &HousekeepingService{
		Store:       store,
		Logger:      logger,
		Interval:    interval,
		GracePeriod: gracePeriod,
		Metrics:     metrics,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Start begins the background worker that periodically runs the sweep.
// Call Stop() to gracefully shutdown the worker. Start after Stop, or a
// second Start, does nothing.
func (s *HousekeepingService) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true

	go s.run()
	s.Logger.Info("housekeeping service started", "interval", s.Interval, "grace_period", s.GracePeriod)
}

// Stop gracefully shuts down the background worker.
// Blocks until the worker has finished any in-progress sweep. It is safe to
// call without Start and more than once.
func (s *HousekeepingService) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	running := s.started
	close(s.stopCh)
	s.mu.Unlock()

	if running {
		<-s.doneCh
	}
	s.Logger.Info("housekeeping service stopped")
}

func (s *HousekeepingService) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	// Run immediately on startup
	s.RunOnce(context.Background())

	for {
		select {
		case <-ticker.C:
			s.RunOnce(context.Background())
		case <-s.stopCh:
			return
		}
	}
}

// RunOnce performs one sweep. Each expired row goes in its own short
// transaction; a row that fails is logged and skipped so it cannot hold up
// the rest. Running it again straight away finds nothing to do.
func (s *HousekeepingService) RunOnce(ctx context.Context) SweepReport {
	ctx = slogx.WithRun(slogx.WithContext(ctx, s.Logger), "housekeeping")
	l := slogx.FromContext(ctx)

	start := time.Now()
	now := clock(s.Now)
	report := newSweepReport()

	l.Info("starting housekeeping sweep")

	for _, sweep := range expirySweeps {
		ids, err := sweep.list(ctx, s.Store, now)
		if err != nil {
			l.Error("failed to select expired rows", "kind", sweep.kind, "error", err)
			report.Failed[sweep.kind]++
			continue
		}

		for _, id := range ids {
			if err := s.wait(ctx); err != nil {
				l.Warn("sweep interrupted", "kind", sweep.kind, "error", err)
				report.Failed[sweep.kind]++
				break
			}
			err := s.Store.WithTx(ctx, func(tx store.Tx) error {
				return sweep.delete(ctx, tx, id)
			})
			switch {
			case err == nil:
				report.Deleted[sweep.kind]++
			case errors.Is(err, store.ErrNotFound):
				// revoked or redeemed since the select
			default:
				l.Error("failed to delete expired row", "kind", sweep.kind, "id", id, "error", err)
				report.Failed[sweep.kind]++
			}
		}
	}

	s.sweepContexts(ctx, now, &report)

	report.Took = time.Since(start)
	for kind, n := range report.Deleted {
		s.Metrics.Deleted(kind, n)
	}
	for kind, n := range report.Failed {
		s.Metrics.Failed(kind, n)
	}
	s.Metrics.Run(report.Took, report.OK(), clock(s.Now))

	l.Info("housekeeping sweep completed",
		"deleted", report.TotalDeleted(),
		"failed_kinds", len(report.Failed),
		"took", report.Took,
	)
	return report
}

// sweepContexts removes contexts left without any token or code. The
// candidate list is a snapshot; each delete re-checks, so a context that
// picked up a token in between survives.
func (s *HousekeepingService) sweepContexts(ctx context.Context, now time.Time, report *SweepReport) {
	l := slogx.FromContext(ctx)

	candidates, err := s.Store.AuthorizationContexts().ListUnreferencedContexts(ctx, now.Add(-s.GracePeriod))
	if err != nil {
		l.Error("failed to select unreferenced contexts", "error", err)
		report.Failed[KindAuthorizationContext]++
		return
	}

	for _, ac := range candidates {
		if err := s.wait(ctx); err != nil {
			l.Warn("sweep interrupted", "kind", KindAuthorizationContext, "error", err)
			report.Failed[KindAuthorizationContext]++
			return
		}
		var deleted bool
		err := s.Store.WithTx(ctx, func(tx store.Tx) error {
			var err error
			deleted, err = tx.AuthorizationContexts().DeleteContextIfUnreferenced(ctx, ac.ID)
			return err
		})
		if err != nil {
			l.Error("failed to delete unreferenced context", "id", ac.ID, "error", err)
			report.Failed[KindAuthorizationContext]++
			continue
		}
		if deleted {
			report.Deleted[KindAuthorizationContext]++
		}
	}
}

func (s *HousekeepingService) wait(ctx context.Context) error {
	if s.Limiter == nil {
		return ctx.Err()
	}
	return s.Limiter.Wait(ctx)
}
