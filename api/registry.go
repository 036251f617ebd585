package api

import (
	"context"
	"regexp"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/warp/loyalty-engine/factory"
	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/store/sqlite"
)

// ErrInvalidTenant is returned for tenant ids outside [A-Za-z0-9_-]{1,64}.
var ErrInvalidTenant = errors.New("invalid tenant id")

var tenantPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// EngineBuilder creates the engine of one tenant.
type EngineBuilder func(ctx context.Context, tenant string) (*loyalty.Engine, error)

// TenantRegistry hands out exactly one Engine per tenant, building it on
// first use. Engines are never rebuilt; their per-customer locks must stay
// shared by every caller of the tenant.
type TenantRegistry struct {
	mu      sync.Mutex
	engines map[string]*loyalty.Engine
	build   EngineBuilder
}

func NewTenantRegistry(build EngineBuilder) *TenantRegistry {
	return &TenantRegistry{engines: make(map[string]*loyalty.Engine), build: build}
}

// Get returns the engine of tenant, building it if needed.
func (tr *TenantRegistry) Get(ctx context.Context, tenant string) (*loyalty.Engine, error) {
	if !tenantPattern.MatchString(tenant) {
		return nil, errors.Wrapf(ErrInvalidTenant, "%q", tenant)
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()

	if e, ok := tr.engines[tenant]; ok {
		return e, nil
	}
	e, err := tr.build(ctx, tenant)
	if err != nil {
		return nil, errors.Wrapf(err, "build engine for tenant %s", tenant)
	}
	tr.engines[tenant] = e
	return e, nil
}

// Loaded lists the tenants with a built engine, sorted.
func (tr *TenantRegistry) Loaded() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	out := make([]string, 0, len(tr.engines))
	for id := range tr.engines {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// SQLiteEngines builds tenant engines over views of root. When program is
// not nil, a tenant without saved config is seeded with its config and
// rewards the first time its engine is built.
func SQLiteEngines(root *sqlite.Store, program *factory.Program, opts ...loyalty.Option) EngineBuilder {
	return func(ctx context.Context, tenant string) (*loyalty.Engine, error) {
		store := root.Tenant(tenant)
		tenantOpts := append(append([]loyalty.Option(nil), opts...), loyalty.WithTenant(tenant))
		engine := loyalty.New(store, tenantOpts...)

		if program == nil {
			return engine, nil
		}
		saved, err := store.GetConfig(ctx)
		if err != nil {
			return nil, err
		}
		if saved != nil {
			return engine, nil
		}
		if err := seedProgram(ctx, engine, program); err != nil {
			return nil, err
		}
		return engine, nil
	}
}

// seedProgram applies a parsed program to an engine. Rewards that already
// exist are left alone.
func seedProgram(ctx context.Context, engine *loyalty.Engine, program *factory.Program) error {
	if _, err := engine.Config.Update(ctx, program.Update); err != nil {
		return err
	}
	for _, r := range program.Rewards {
		if r.ID != "" {
			if _, err := engine.Catalog.Get(ctx, r.ID); err == nil {
				continue
			}
		}
		if _, err := engine.Catalog.Create(ctx, r); err != nil {
			return err
		}
	}
	return nil
}
