package loyalty

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Engine bundles the loyalty components of one tenant. Build it once per
// tenant and pass it to callers; components share a store, a per-customer
// lock table and the notifier.
type Engine struct {
	Tenant      string
	Config      *ConfigStore
	Ledger      *Ledger
	Directory   *Directory
	Catalog     *Catalog
	Redemptions *Workflow
	Reaper      *Reaper
}

// deps is the state shared by all components of an Engine.
type deps struct {
	store    TxStore
	config   *ConfigStore
	locks    *KeyedMutex
	log      zerolog.Logger
	notifier Notifier
	metrics  *Metrics
	now      func() time.Time
	tenant   string
	workers  int
}

// Option configures an Engine.
type Option func(*deps)

func WithLogger(l zerolog.Logger) Option { return func(d *deps) { d.log = l } }

func WithNotifier(n Notifier) Option {
	return func(d *deps) {
		if n != nil {
			d.notifier = n
		}
	}
}

func WithMetrics(m *Metrics) Option { return func(d *deps) { d.metrics = m } }

// WithClock overrides time.Now, mostly for tests.
func WithClock(now func() time.Time) Option { return func(d *deps) { d.now = now } }

func WithTenant(id string) Option { return func(d *deps) { d.tenant = id } }

// WithSweepWorkers bounds how many customers the reaper sweeps in parallel.
func WithSweepWorkers(n int) Option {
	return func(d *deps) {
		if n > 0 {
			d.workers = n
		}
	}
}

// New wires an Engine over store.
func New(store TxStore, opts ...Option) *Engine {
	d := &deps{
		store:    store,
		config:   NewConfigStore(store),
		locks:    NewKeyedMutex(),
		log:      zerolog.Nop(),
		notifier: nopNotifier{},
		now:      time.Now,
		tenant:   "default",
		workers:  4,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.log = d.log.With().Str("tenant", d.tenant).Logger()

	ledger := &Ledger{deps: d}
	catalog := &Catalog{deps: d}
	return &Engine{
		Tenant:      d.tenant,
		Config:      d.config,
		Ledger:      ledger,
		Directory:   &Directory{deps: d, ledger: ledger},
		Catalog:     catalog,
		Redemptions: &Workflow{deps: d, ledger: ledger, catalog: catalog},
		Reaper:      &Reaper{deps: d, ledger: ledger},
	}
}

// notify forwards e to the notifier and only logs failures.
func (d *deps) notify(ctx context.Context, e Event) {
	if e.At.IsZero() {
		e.At = d.now()
	}
	e.Tenant = d.tenant
	if err := d.notifier.Notify(ctx, e); err != nil {
		d.log.Warn().Err(err).Str("event", string(e.Type)).Str("customer", string(e.CustomerID)).Msg("notification failed")
	}
}

// loadConfig reads the tenant config. Never call it inside WithTx: stores
// may hold their write lock for the duration of the transaction.
func (d *deps) loadConfig(ctx context.Context) (*Config, error) {
	return d.config.Get(ctx)
}
