package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openjobspec/ojs-campaigns-nats/internal/core"
	"github.com/openjobspec/ojs-campaigns-nats/internal/dispatch"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct{ now time.Time }

func (c fakeClock) Now() time.Time { return c.now }

// memStore is an in-memory CampaignStore preserving insertion order.
type memStore struct {
	mu        sync.Mutex
	order     []string
	campaigns map[string]*core.Campaign
	updateErr func(id string) error
}

func newMemStore(cs ...*core.Campaign) *memStore {
	s := &memStore{campaigns: make(map[string]*core.Campaign)}
	for _, c := range cs {
		_ = s.Create(context.Background(), c)
	}
	return s
}

func (s *memStore) Create(_ context.Context, c *core.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.campaigns[c.ID]; ok {
		return fmt.Errorf("campaign %s exists", c.ID)
	}
	cp := c.Clone()
	cp.Revision = 1
	s.campaigns[c.ID] = cp
	s.order = append(s.order, c.ID)
	return nil
}

func (s *memStore) Get(_ context.Context, id string) (*core.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return nil, fmt.Errorf("campaign %s: %w", id, core.ErrNotFound)
	}
	return c.Clone(), nil
}

func (s *memStore) List(_ context.Context) ([]*core.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*core.Campaign, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.campaigns[id].Clone())
	}
	return out, nil
}

func (s *memStore) Update(_ context.Context, id string, mutate core.Mutation) (*core.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		if err := s.updateErr(id); err != nil {
			return nil, err
		}
	}
	c, ok := s.campaigns[id]
	if !ok {
		return nil, fmt.Errorf("campaign %s: %w", id, core.ErrNotFound)
	}
	cp := c.Clone()
	if err := mutate(cp); err != nil {
		return cp, err
	}
	if err := cp.Validate(); err != nil {
		return nil, err
	}
	cp.Revision = c.Revision + 1
	s.campaigns[id] = cp
	return cp.Clone(), nil
}

// set replaces a campaign directly, bypassing mutations.
func (s *memStore) set(c *core.Campaign) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.campaigns[c.ID] = c.Clone()
}

func (s *memStore) get(t *testing.T, id string) *core.Campaign {
	t.Helper()
	c, err := s.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s) error = %v", id, err)
	}
	return c
}

type memOwners struct {
	mu     sync.Mutex
	owners map[string]*core.Owner
}

func newMemOwners(owners ...core.Owner) *memOwners {
	m := &memOwners{owners: make(map[string]*core.Owner)}
	for _, o := range owners {
		o := o
		m.owners[o.ID] = &o
	}
	return m
}

func (m *memOwners) GetOwner(_ context.Context, id string) (*core.Owner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.owners[id]
	if !ok {
		return nil, fmt.Errorf("owner %s: %w", id, core.ErrNotFound)
	}
	cp := *o
	return &cp, nil
}

func (m *memOwners) setBalance(id string, balance int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.owners[id].Balance = balance
}

type fakeProxies struct {
	mu        sync.Mutex
	exhausted bool
	acquired  int
	released  []core.ProxyHealth
}

func (p *fakeProxies) Acquire(context.Context) (core.Proxy, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exhausted {
		return core.Proxy{}, core.ErrResourceExhausted
	}
	p.acquired++
	return core.Proxy{ID: fmt.Sprintf("proxy-%d", p.acquired), Address: "10.0.0.1:3128"}, nil
}

func (p *fakeProxies) Release(_ context.Context, _ core.Proxy, health core.ProxyHealth) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released = append(p.released, health)
	return nil
}

func (p *fakeProxies) counts() (acquired, released int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acquired, len(p.released)
}

type fakeAccounts struct {
	mu       sync.Mutex
	acquired int
	released int
}

func (a *fakeAccounts) Acquire(context.Context, string, string) (core.Account, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acquired++
	return core.Account{ID: fmt.Sprintf("acct-%d", a.acquired), Handle: "+70000000000"}, nil
}

func (a *fakeAccounts) Release(context.Context, core.Account) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.released++
	return nil
}

// fakeAction answers every request with perform, or SUCCESS when unset.
type fakeAction struct {
	calls   atomic.Int32
	perform func(req core.ActionRequest) (core.ActionResult, error)
}

func (a *fakeAction) Perform(_ context.Context, req core.ActionRequest) (core.ActionResult, error) {
	a.calls.Add(1)
	if a.perform == nil {
		return core.ActionResult{Outcome: core.OutcomeSuccess, ProxyAddr: "203.0.113.7"}, nil
	}
	return a.perform(req)
}

func outcome(o core.Outcome) func(core.ActionRequest) (core.ActionResult, error) {
	return func(core.ActionRequest) (core.ActionResult, error) {
		return core.ActionResult{Outcome: o}, nil
	}
}

type alert struct {
	message string
	source  string
}

type fakeAlerts struct {
	mu     sync.Mutex
	alerts []alert
}

func (a *fakeAlerts) Notify(_ context.Context, message, source string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, alert{message: message, source: source})
}

func (a *fakeAlerts) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.alerts)
}

type ledgerKey struct {
	campaignID string
	step       int
}

type memLedger struct {
	mu      sync.Mutex
	records map[ledgerKey]core.StepEvent
	fail    bool
}

func newMemLedger() *memLedger {
	return &memLedger{records: make(map[ledgerKey]core.StepEvent)}
}

func (l *memLedger) RecordStep(_ context.Context, ev core.StepEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail {
		return fmt.Errorf("%w: disk full", core.ErrLedgerWrite)
	}
	l.records[ledgerKey{ev.CampaignID, ev.Step}] = ev
	return nil
}

func (l *memLedger) setFail(fail bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fail = fail
}

func (l *memLedger) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

type harness struct {
	engine   *Engine
	store    *memStore
	owners   *memOwners
	proxies  *fakeProxies
	accounts *fakeAccounts
	action   *fakeAction
	alerts   *fakeAlerts
	ledger   *memLedger
	state    *dispatch.State
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Delayed = DelayedPolicy(10, time.Millisecond)
	cfg.ActionTimeout = time.Second
	return cfg
}

func newHarness(t *testing.T, cfg Config, campaigns ...*core.Campaign) *harness {
	t.Helper()
	h := &harness{
		store:    newMemStore(campaigns...),
		owners:   newMemOwners(core.Owner{ID: "owner-1", Balance: 1000}),
		proxies:  &fakeProxies{},
		accounts: &fakeAccounts{},
		action:   &fakeAction{},
		alerts:   &fakeAlerts{},
		ledger:   newMemLedger(),
		state:    dispatch.NewState(dispatch.Limits{Total: cfg.PoolSize, PerClass: map[string]int{cfg.Class: cfg.PoolSize}}),
	}
	e, err := New(cfg, Deps{
		Campaigns: h.store,
		Owners:    h.owners,
		Proxies:   h.proxies,
		Accounts:  h.accounts,
		Action:    h.action,
		Alerts:    h.alerts,
		Ledger:    h.ledger,
		Clock:     fakeClock{now: testNow},
		State:     h.state,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h.engine = e
	return h
}

// start runs the worker pool for the duration of the test.
func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.engine.Start(ctx)
	t.Cleanup(func() {
		cancel()
		h.engine.Close()
	})
}

// admit reserves a slot for the campaign and builds its task.
func (h *harness) admit(t *testing.T, id string) *dispatch.Task {
	t.Helper()
	slot, ok := h.state.TryAdmit(id, core.DefaultClass)
	if !ok {
		t.Fatalf("TryAdmit(%s) = false", id)
	}
	c, err := h.store.Get(context.Background(), id)
	if err != nil {
		c = &core.Campaign{ID: id, Class: core.DefaultClass}
	}
	return &dispatch.Task{Campaign: c, Slot: slot}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func working(id string, amount, progress int, schedule ...time.Time) *core.Campaign {
	return &core.Campaign{
		ID:          id,
		OwnerID:     "owner-1",
		Class:       core.DefaultClass,
		Target:      core.Target{Article: "12345", Query: "red dress", Size: "M", URL: "https://shop.example/12345"},
		Amount:      amount,
		Progress:    progress,
		Period:      "1hour",
		CreatedDate: testNow.Add(-time.Hour),
		Phase:       core.Working{Schedule: schedule},
	}
}

func minutes(ms ...int) []time.Time {
	out := make([]time.Time, len(ms))
	for i, m := range ms {
		out[i] = testNow.Add(time.Duration(m) * time.Minute)
	}
	return out
}
