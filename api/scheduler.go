/*
scheduler.go - Automated expiry sweeps

PURPOSE:
  Runs the expiry reaper of every tenant on a cron schedule so aged point
  grants are compensated without operator action.

DESIGN:
  - robfig/cron drives the schedule (5-field spec, e.g. "0 3 * * *")
  - Each tick sweeps every tenant known to the store or the registry
  - A tick still running when the next one fires is skipped
  - Each tenant's sweep is recorded as a SweepRun for audit and UI display
  - A failing tenant is logged and does not stop the others

USAGE:
  scheduler := NewExpiryScheduler(store, engines, "0 3 * * *", logger)
  if err := scheduler.Start(); err != nil { ... }
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: TriggerSweep endpoint (manual sweep)
  - loyalty/expiry.go: Reaper
*/
package api

import (
	"context"
	"errors"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/warp/loyalty-engine/store/sqlite"
)

// ExpiryScheduler sweeps every tenant on a cron schedule.
type ExpiryScheduler struct {
	Store    *sqlite.Store
	Engines  *TenantRegistry
	Schedule string
	Enabled  bool

	log  zerolog.Logger
	now  func() time.Time
	cron *cron.Cron
	mu   sync.Mutex
}

// NewExpiryScheduler creates a new scheduler. An empty schedule disables it.
func NewExpiryScheduler(store *sqlite.Store, engines *TenantRegistry, schedule string, log zerolog.Logger) *ExpiryScheduler {
	return &ExpiryScheduler{
		Store:    store,
		Engines:  engines,
		Schedule: schedule,
		Enabled:  schedule != "",
		log:      log.With().Str("component", "expiry-scheduler").Logger(),
		now:      time.Now,
	}
}

// Start registers the sweep job and starts the cron runner.
func (es *ExpiryScheduler) Start() error {
	es.mu.Lock()
	defer es.mu.Unlock()

	if !es.Enabled {
		es.log.Info().Msg("disabled, not starting")
		return nil
	}
	if es.cron != nil {
		return nil
	}

	cl := cronLogger{log: es.log}
	c := cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	if _, err := c.AddFunc(es.Schedule, es.tick); err != nil {
		return pkgerrors.Wrapf(err, "invalid expiry schedule %q", es.Schedule)
	}
	c.Start()
	es.cron = c

	es.log.Info().Str("schedule", es.Schedule).Msg("started")
	return nil
}

// Stop stops the runner and waits for a running sweep to finish.
func (es *ExpiryScheduler) Stop() {
	es.mu.Lock()
	defer es.mu.Unlock()

	if es.cron != nil {
		<-es.cron.Stop().Done()
		es.cron = nil
		es.log.Info().Msg("stopped")
	}
}

func (es *ExpiryScheduler) tick() {
	if _, err := es.SweepAll(context.Background()); err != nil {
		es.log.Error().Err(err).Msg("expiry sweep finished with errors")
	}
}

// SweepAll runs one sweep per tenant and returns the total points expired.
// Errors of individual tenants are joined.
func (es *ExpiryScheduler) SweepAll(ctx context.Context) (int64, error) {
	tenants, err := es.tenants(ctx)
	if err != nil {
		return 0, err
	}
	asOf := es.now()

	var (
		total int64
		errs  []error
	)
	for _, tenant := range tenants {
		engine, err := es.Engines.Get(ctx, tenant)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		run, err := engine.Reaper.Run(ctx, asOf)
		if err != nil {
			es.log.Error().Err(err).Str("tenant", tenant).Msg("sweep failed")
			errs = append(errs, pkgerrors.Wrapf(err, "tenant %s", tenant))
			continue
		}
		total += run.PointsExpired
		es.log.Info().
			Str("tenant", tenant).
			Str("run", run.ID).
			Int64("points_expired", run.PointsExpired).
			Msg("sweep completed")
	}
	return total, errors.Join(errs...)
}

// tenants merges the tenants stored on disk with the ones loaded in memory.
func (es *ExpiryScheduler) tenants(ctx context.Context) ([]string, error) {
	var out []string
	seen := make(map[string]bool)
	if es.Store != nil {
		stored, err := es.Store.Tenants(ctx)
		if err != nil {
			return nil, pkgerrors.Wrap(err, "list tenants")
		}
		for _, id := range stored {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, id := range es.Engines.Loaded() {
		if !seen[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
