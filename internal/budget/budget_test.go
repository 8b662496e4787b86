package budget

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/routeguard/routeguard/internal/events"
	"github.com/routeguard/routeguard/internal/routererr"
)

// fakeReader serves spend amounts keyed by "scope:id" and counts reads.
type fakeReader struct {
	mu    sync.Mutex
	spend map[string]float64
	errs  map[string]error
	reads map[string]int
}

func newFakeReader() *fakeReader {
	return &fakeReader{
		spend: make(map[string]float64),
		errs:  make(map[string]error),
		reads: make(map[string]int),
	}
}

func (f *fakeReader) set(scope ScopeKind, id string, amount float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spend[string(scope)+":"+id] = amount
}

func (f *fakeReader) fail(scope ScopeKind, id string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[string(scope)+":"+id] = err
}

func (f *fakeReader) CurrentSpend(_ context.Context, scope ScopeKind, scopeID string, _ Period) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := string(scope) + ":" + scopeID
	f.reads[key]++
	if err := f.errs[key]; err != nil {
		return 0, err
	}
	return f.spend[key], nil
}

func (f *fakeReader) readCount(scope ScopeKind, id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads[string(scope)+":"+id]
}

func newTestEnforcer(t *testing.T, reader SpendReader, policies ...Policy) *Enforcer {
	t.Helper()
	e, err := New(reader, 128, time.Minute, nil)
	require.NoError(t, err)
	require.NoError(t, e.SetPolicies(policies))
	return e
}

func blockPolicy(id string, scope ScopeKind, limit float64) Policy {
	return Policy{
		ID:      id,
		Scope:   scope,
		Enabled: true,
		Limit:   limit,
		Period:  PeriodDaily,
		Action:  ActionBlock,
	}
}

func TestCheckAndReserve_BlocksWhenProjectedSpendExceedsLimit(t *testing.T) {
	reader := newFakeReader()
	reader.set(ScopeAPIKey, "key-1", 9.50)
	e := newTestEnforcer(t, reader, blockPolicy("api-key-daily", ScopeAPIKey, 10))

	req := RequestContext{APIKey: "key-1", Model: "gpt-4o"}

	d := e.CheckAndReserve(context.Background(), req, 1.00)
	assert.False(t, d.Allowed)
	assert.Equal(t, "api-key-daily", d.PolicyID)
	assert.Equal(t, ScopeAPIKey, d.Scope)
	assert.Equal(t, "key-1", d.ScopeID)
	assert.Equal(t, 10.0, d.Limit)
	assert.Equal(t, 9.50, d.CurrentSpend)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, d.RetryAfter, 24*time.Hour)

	d = e.CheckAndReserve(context.Background(), req, 0.40)
	assert.True(t, d.Allowed)
	assert.Empty(t, d.Warnings)
}

func TestCheckAndReserve_ExactlyAtLimitIsAllowed(t *testing.T) {
	reader := newFakeReader()
	reader.set(ScopeAPIKey, "key-1", 9.50)
	e := newTestEnforcer(t, reader, blockPolicy("api-key-daily", ScopeAPIKey, 10))

	d := e.CheckAndReserve(context.Background(), RequestContext{APIKey: "key-1"}, 0.50)
	assert.True(t, d.Allowed)
}

func TestCheckAndReserve_WarnAnnotatesAndContinues(t *testing.T) {
	reader := newFakeReader()
	reader.set(ScopeTeam, "ml", 55)
	e := newTestEnforcer(t, reader, Policy{
		ID:      "team-warn",
		Scope:   ScopeTeam,
		Enabled: true,
		Limit:   50,
		Period:  PeriodDaily,
		Action:  ActionWarn,
	})

	d := e.CheckAndReserve(context.Background(), RequestContext{Team: "ml"}, 1)
	assert.True(t, d.Allowed)
	require.Len(t, d.Warnings, 1)
	assert.Equal(t, "team-warn", d.Warnings[0].PolicyID)
	assert.Equal(t, "exceeded", d.Warnings[0].Level)
	assert.Equal(t, 55.0, d.Warnings[0].CurrentSpend)
}

func TestCheckAndReserve_DisabledPolicyIsSkipped(t *testing.T) {
	reader := newFakeReader()
	reader.set(ScopeAPIKey, "key-1", 100)
	p := blockPolicy("api-key-daily", ScopeAPIKey, 10)
	p.Enabled = false
	e := newTestEnforcer(t, reader, p)

	d := e.CheckAndReserve(context.Background(), RequestContext{APIKey: "key-1"}, 1)
	assert.True(t, d.Allowed)
	assert.Zero(t, reader.readCount(ScopeAPIKey, "key-1"), "disabled policy must not read the ledger")
}

func TestCheckAndReserve_HierarchyOrderFailsFast(t *testing.T) {
	reader := newFakeReader()
	reader.set(ScopeAPIKey, "key-1", 20)
	reader.set(ScopeTenant, "acme", 500)
	e := newTestEnforcer(t, reader,
		blockPolicy("tenant-monthly", ScopeTenant, 100),
		blockPolicy("api-key-daily", ScopeAPIKey, 10),
	)

	d := e.CheckAndReserve(context.Background(), RequestContext{APIKey: "key-1", Tenant: "acme"}, 1)
	assert.False(t, d.Allowed)
	assert.Equal(t, "api-key-daily", d.PolicyID, "api_key outranks tenant in the hierarchy")
	assert.Zero(t, reader.readCount(ScopeTenant, "acme"), "evaluation stops at the first blocking scope")
}

func TestCheckAndReserve_ModelFilter(t *testing.T) {
	reader := newFakeReader()
	reader.set(ScopeAPIKey, "key-1", 100)
	p := blockPolicy("gpt4-only", ScopeAPIKey, 10)
	p.ModelFilter = []string{"gpt-4o"}
	e := newTestEnforcer(t, reader, p)

	d := e.CheckAndReserve(context.Background(), RequestContext{APIKey: "key-1", Model: "claude-sonnet"}, 1)
	assert.True(t, d.Allowed)

	d = e.CheckAndReserve(context.Background(), RequestContext{APIKey: "key-1", Model: "gpt-4o"}, 1)
	assert.False(t, d.Allowed)
}

func TestCheckAndReserve_ThresholdLevels(t *testing.T) {
	reader := newFakeReader()
	e := newTestEnforcer(t, reader, Policy{
		ID:         "global-monthly",
		Scope:      ScopeGlobal,
		Enabled:    true,
		Limit:      100,
		Period:     PeriodMonthly,
		Action:     ActionBlock,
		Thresholds: Thresholds{Soft: 50, Warning: 75, Critical: 90},
	})

	cases := []struct {
		spend float64
		level string
	}{
		{30, ""},
		{50, "soft"},
		{80, "warning"},
		{95, "critical"},
	}
	for _, tc := range cases {
		reader.set(ScopeGlobal, "global", tc.spend)
		e.cache.Flush()

		d := e.CheckAndReserve(context.Background(), RequestContext{}, 0)
		assert.True(t, d.Allowed)
		if tc.level == "" {
			assert.Empty(t, d.Warnings, "spend %.0f", tc.spend)
			continue
		}
		require.Len(t, d.Warnings, 1, "spend %.0f", tc.spend)
		assert.Equal(t, tc.level, d.Warnings[0].Level, "spend %.0f", tc.spend)
	}
}

func TestCheckAndReserve_LedgerFailureSkipsPolicy(t *testing.T) {
	reader := newFakeReader()
	reader.fail(ScopeAPIKey, "key-1", errors.New("connection refused"))
	e := newTestEnforcer(t, reader, blockPolicy("api-key-daily", ScopeAPIKey, 10))

	d := e.CheckAndReserve(context.Background(), RequestContext{APIKey: "key-1"}, 100)
	assert.True(t, d.Allowed, "a ledger outage must not block traffic")
}

func TestCheckAndReserve_SpendReadsAreCached(t *testing.T) {
	reader := newFakeReader()
	reader.set(ScopeAPIKey, "key-1", 1)
	e := newTestEnforcer(t, reader, blockPolicy("api-key-daily", ScopeAPIKey, 10))

	for i := 0; i < 5; i++ {
		e.CheckAndReserve(context.Background(), RequestContext{APIKey: "key-1"}, 1)
	}
	assert.Equal(t, 1, reader.readCount(ScopeAPIKey, "key-1"))
}

func TestPolicyChangesFlushTheSpendCache(t *testing.T) {
	reader := newFakeReader()
	reader.set(ScopeAPIKey, "key-1", 1)
	e := newTestEnforcer(t, reader, blockPolicy("api-key-daily", ScopeAPIKey, 10))

	e.CheckAndReserve(context.Background(), RequestContext{APIKey: "key-1"}, 1)
	require.NoError(t, e.UpsertPolicy(blockPolicy("api-key-daily", ScopeAPIKey, 20)))
	e.CheckAndReserve(context.Background(), RequestContext{APIKey: "key-1"}, 1)

	assert.Equal(t, 2, reader.readCount(ScopeAPIKey, "key-1"))
}

func TestSetPolicies_Validation(t *testing.T) {
	e, err := New(nil, 0, 0, nil)
	require.NoError(t, err)

	cases := []struct {
		name   string
		mutate func(*Policy)
	}{
		{"missing id", func(p *Policy) { p.ID = "" }},
		{"unknown scope", func(p *Policy) { p.Scope = "region" }},
		{"zero limit", func(p *Policy) { p.Limit = 0 }},
		{"unknown period", func(p *Policy) { p.Period = "weekly" }},
		{"unknown action", func(p *Policy) { p.Action = "throttle" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := blockPolicy("p1", ScopeAPIKey, 10)
			tc.mutate(&p)
			err := e.SetPolicies([]Policy{p})
			assert.True(t, routererr.IsKind(err, routererr.KindInvalidRequest))
		})
	}
}

func TestSetEnabled(t *testing.T) {
	e, err := New(nil, 0, 0, nil)
	require.NoError(t, err)
	require.NoError(t, e.SetPolicies([]Policy{blockPolicy("p1", ScopeAPIKey, 10)}))

	assert.True(t, e.SetEnabled("p1", false))
	assert.False(t, e.Policies()[0].Enabled)
	assert.False(t, e.SetEnabled("nope", true))
}

func TestPolicies_OrderedByHierarchyThenID(t *testing.T) {
	e, err := New(nil, 0, 0, nil)
	require.NoError(t, err)
	require.NoError(t, e.SetPolicies([]Policy{
		blockPolicy("b-global", ScopeGlobal, 10),
		blockPolicy("z-key", ScopeAPIKey, 10),
		blockPolicy("a-key", ScopeAPIKey, 10),
		blockPolicy("m-team", ScopeTeam, 10),
	}))

	ids := make([]string, 0, 4)
	for _, p := range e.Policies() {
		ids = append(ids, p.ID)
	}
	assert.Equal(t, []string{"a-key", "z-key", "m-team", "b-global"}, ids)
}

type captureAlerts struct {
	mu    sync.Mutex
	kinds []events.AlertKind
}

func (c *captureAlerts) PublishAlert(ev events.AlertEvent) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kinds = append(c.kinds, ev.Kind)
	return true
}

func TestAlerts(t *testing.T) {
	reader := newFakeReader()
	reader.set(ScopeAPIKey, "key-1", 100)
	e := newTestEnforcer(t, reader, blockPolicy("api-key-daily", ScopeAPIKey, 10))
	alerts := &captureAlerts{}
	e.SetAlertPublisher(alerts)

	e.CheckAndReserve(context.Background(), RequestContext{APIKey: "key-1"}, 1)
	assert.Equal(t, []events.AlertKind{events.AlertBudgetExceeded}, alerts.kinds)
}

func TestUntilPeriodReset(t *testing.T) {
	now := time.Date(2025, 6, 15, 18, 0, 0, 0, time.UTC)
	assert.Equal(t, 6*time.Hour, untilPeriodReset(PeriodDaily, now))
	assert.Equal(t, 15*24*time.Hour+6*time.Hour, untilPeriodReset(PeriodMonthly, now))
}
