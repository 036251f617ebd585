// Package store provides in-process loyalty.Store implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/loyalty-engine/loyalty"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu sync.RWMutex
	state
}

// state is everything a transaction may need to roll back.
type state struct {
	config      *loyalty.Config
	customers   map[loyalty.CustomerID]loyalty.Customer
	entries     map[loyalty.CustomerID][]loyalty.LedgerEntry
	idempotency map[string]bool
	rewards     map[loyalty.RewardID]loyalty.Reward
	requests    map[loyalty.RequestID]loyalty.RedemptionRequest
	runs        []loyalty.SweepRun
	seq         int64
}

func NewMemory() *Memory {
	return &Memory{state: state{
		customers:   make(map[loyalty.CustomerID]loyalty.Customer),
		entries:     make(map[loyalty.CustomerID][]loyalty.LedgerEntry),
		idempotency: make(map[string]bool),
		rewards:     make(map[loyalty.RewardID]loyalty.Reward),
		requests:    make(map[loyalty.RequestID]loyalty.RedemptionRequest),
	}}
}

func (m *Memory) GetConfig(_ context.Context) (*loyalty.Config, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getConfig(), nil
}

func (m *Memory) SaveConfig(_ context.Context, cfg loyalty.Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveConfig(cfg)
	return nil
}

func (m *Memory) GetCustomer(_ context.Context, id loyalty.CustomerID) (*loyalty.Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getCustomer(id)
}

func (m *Memory) SaveCustomer(_ context.Context, c loyalty.Customer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.customers[c.ID] = c
	return nil
}

func (m *Memory) ListCustomers(_ context.Context) ([]loyalty.Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listCustomers(), nil
}

// AppendEntry adds a single entry. Append-only.
func (m *Memory) AppendEntry(_ context.Context, e *loyalty.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(e)
}

func (m *Memory) Entries(_ context.Context, id loyalty.CustomerID) ([]loyalty.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entriesOf(id), nil
}

func (m *Memory) CustomersWithGrantsExpiringBefore(_ context.Context, at time.Time) ([]loyalty.CustomerID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.expiringBefore(at), nil
}

func (m *Memory) GetReward(_ context.Context, id loyalty.RewardID) (*loyalty.Reward, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getReward(id)
}

func (m *Memory) SaveReward(_ context.Context, r loyalty.Reward) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveReward(r)
	return nil
}

func (m *Memory) ListRewards(_ context.Context) ([]loyalty.Reward, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listRewards(), nil
}

func (m *Memory) GetRequest(_ context.Context, id loyalty.RequestID) (*loyalty.RedemptionRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getRequest(id)
}

func (m *Memory) SaveRequest(_ context.Context, r loyalty.RedemptionRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[r.ID] = r
	return nil
}

func (m *Memory) ListRequests(_ context.Context, status loyalty.RequestStatus) ([]loyalty.RedemptionRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listRequests(status), nil
}

func (m *Memory) SaveSweepRun(_ context.Context, run loyalty.SweepRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveRun(run)
	return nil
}

func (m *Memory) ListSweepRuns(_ context.Context, limit int) ([]loyalty.SweepRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listRuns(limit), nil
}

// =============================================================================
// LOCKED HELPERS - Callers hold m.mu
// =============================================================================

func (s *state) getConfig() *loyalty.Config {
	if s.config == nil {
		return nil
	}
	cfg := s.config.Clone()
	return &cfg
}

func (s *state) saveConfig(cfg loyalty.Config) {
	c := cfg.Clone()
	s.config = &c
}

func (s *state) getCustomer(id loyalty.CustomerID) (*loyalty.Customer, error) {
	c, ok := s.customers[id]
	if !ok {
		return nil, loyalty.ErrCustomerNotFound
	}
	return &c, nil
}

func (s *state) listCustomers() []loyalty.Customer {
	out := make([]loyalty.Customer, 0, len(s.customers))
	for _, c := range s.customers {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *state) appendLocked(e *loyalty.LedgerEntry) error {
	if e.IdempotencyKey != "" && s.idempotency[e.IdempotencyKey] {
		return loyalty.ErrDuplicateIdempotencyKey
	}
	s.seq++
	e.Seq = s.seq
	s.entries[e.CustomerID] = append(s.entries[e.CustomerID], *e)
	if e.IdempotencyKey != "" {
		s.idempotency[e.IdempotencyKey] = true
	}
	return nil
}

func (s *state) entriesOf(id loyalty.CustomerID) []loyalty.LedgerEntry {
	src := s.entries[id]
	out := make([]loyalty.LedgerEntry, len(src))
	copy(out, src)
	return out
}

func (s *state) expiringBefore(at time.Time) []loyalty.CustomerID {
	var out []loyalty.CustomerID
	for id, entries := range s.entries {
		for _, e := range entries {
			if e.Kind.IsGrant() && e.ExpiresAt != nil && e.ExpiresAt.Before(at) {
				out = append(out, id)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *state) getReward(id loyalty.RewardID) (*loyalty.Reward, error) {
	r, ok := s.rewards[id]
	if !ok {
		return nil, loyalty.ErrRewardNotFound
	}
	r.ApplicableTiers = append([]loyalty.Tier(nil), r.ApplicableTiers...)
	return &r, nil
}

func (s *state) saveReward(r loyalty.Reward) {
	r.ApplicableTiers = append([]loyalty.Tier(nil), r.ApplicableTiers...)
	s.rewards[r.ID] = r
}

func (s *state) listRewards() []loyalty.Reward {
	out := make([]loyalty.Reward, 0, len(s.rewards))
	for id := range s.rewards {
		r, _ := s.getReward(id)
		out = append(out, *r)
	}
	return out
}

func (s *state) getRequest(id loyalty.RequestID) (*loyalty.RedemptionRequest, error) {
	r, ok := s.requests[id]
	if !ok {
		return nil, loyalty.ErrRequestNotFound
	}
	return &r, nil
}

func (s *state) listRequests(status loyalty.RequestStatus) []loyalty.RedemptionRequest {
	out := make([]loyalty.RedemptionRequest, 0, len(s.requests))
	for _, r := range s.requests {
		if status == "" || r.Status == status {
			out = append(out, r)
		}
	}
	return out
}

func (s *state) saveRun(run loyalty.SweepRun) {
	for i := range s.runs {
		if s.runs[i].ID == run.ID {
			s.runs[i] = run
			return
		}
	}
	s.runs = append(s.runs, run)
}

func (s *state) listRuns(limit int) []loyalty.SweepRun {
	out := make([]loyalty.SweepRun, 0, len(s.runs))
	for i := len(s.runs) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, s.runs[i])
	}
	return out
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
// Transactions are serialized by the store's write lock; fn must only use
// the Store it is given.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(loyalty.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	snap := tm.snapshot()
	if err := fn(&txMemoryView{parent: tm}); err != nil {
		tm.state = snap
		return err
	}
	return nil
}

func (tm *TxMemory) snapshot() state {
	s := state{
		config:      tm.config,
		customers:   make(map[loyalty.CustomerID]loyalty.Customer, len(tm.customers)),
		entries:     make(map[loyalty.CustomerID][]loyalty.LedgerEntry, len(tm.entries)),
		idempotency: make(map[string]bool, len(tm.idempotency)),
		rewards:     make(map[loyalty.RewardID]loyalty.Reward, len(tm.rewards)),
		requests:    make(map[loyalty.RequestID]loyalty.RedemptionRequest, len(tm.requests)),
		runs:        append([]loyalty.SweepRun(nil), tm.runs...),
		seq:         tm.seq,
	}
	for k, v := range tm.customers {
		s.customers[k] = v
	}
	for k, v := range tm.entries {
		s.entries[k] = append([]loyalty.LedgerEntry(nil), v...)
	}
	for k, v := range tm.idempotency {
		s.idempotency[k] = v
	}
	for k, v := range tm.rewards {
		s.rewards[k] = v
	}
	for k, v := range tm.requests {
		s.requests[k] = v
	}
	return s
}

// txMemoryView runs against the parent's state while WithTx holds the lock.
type txMemoryView struct {
	parent *TxMemory
}

func (tv *txMemoryView) GetConfig(context.Context) (*loyalty.Config, error) {
	return tv.parent.getConfig(), nil
}

func (tv *txMemoryView) SaveConfig(_ context.Context, cfg loyalty.Config) error {
	tv.parent.saveConfig(cfg)
	return nil
}

func (tv *txMemoryView) GetCustomer(_ context.Context, id loyalty.CustomerID) (*loyalty.Customer, error) {
	return tv.parent.getCustomer(id)
}

func (tv *txMemoryView) SaveCustomer(_ context.Context, c loyalty.Customer) error {
	tv.parent.customers[c.ID] = c
	return nil
}

func (tv *txMemoryView) ListCustomers(context.Context) ([]loyalty.Customer, error) {
	return tv.parent.listCustomers(), nil
}

func (tv *txMemoryView) AppendEntry(_ context.Context, e *loyalty.LedgerEntry) error {
	return tv.parent.appendLocked(e)
}

func (tv *txMemoryView) Entries(_ context.Context, id loyalty.CustomerID) ([]loyalty.LedgerEntry, error) {
	return tv.parent.entriesOf(id), nil
}

func (tv *txMemoryView) CustomersWithGrantsExpiringBefore(_ context.Context, at time.Time) ([]loyalty.CustomerID, error) {
	return tv.parent.expiringBefore(at), nil
}

func (tv *txMemoryView) GetReward(_ context.Context, id loyalty.RewardID) (*loyalty.Reward, error) {
	return tv.parent.getReward(id)
}

func (tv *txMemoryView) SaveReward(_ context.Context, r loyalty.Reward) error {
	tv.parent.saveReward(r)
	return nil
}

func (tv *txMemoryView) ListRewards(context.Context) ([]loyalty.Reward, error) {
	return tv.parent.listRewards(), nil
}

func (tv *txMemoryView) GetRequest(_ context.Context, id loyalty.RequestID) (*loyalty.RedemptionRequest, error) {
	return tv.parent.getRequest(id)
}

func (tv *txMemoryView) SaveRequest(_ context.Context, r loyalty.RedemptionRequest) error {
	tv.parent.requests[r.ID] = r
	return nil
}

func (tv *txMemoryView) ListRequests(_ context.Context, status loyalty.RequestStatus) ([]loyalty.RedemptionRequest, error) {
	return tv.parent.listRequests(status), nil
}

func (tv *txMemoryView) SaveSweepRun(_ context.Context, run loyalty.SweepRun) error {
	tv.parent.saveRun(run)
	return nil
}

func (tv *txMemoryView) ListSweepRuns(_ context.Context, limit int) ([]loyalty.SweepRun, error) {
	return tv.parent.listRuns(limit), nil
}
