package secpipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/marcus-qen/decisiongate/internal/dgerr"
)

// UsageCounter names one of the canonical usage counters usage/quota
// enforcement tracks per tenant.
type UsageCounter string

const (
	CounterToolCalls       UsageCounter = "tool_calls"
	CounterRunsStarted     UsageCounter = "runs_started"
	CounterEvidenceQueries UsageCounter = "evidence_queries"
	CounterRunpackExports  UsageCounter = "runpack_exports"
	CounterSchemasWritten  UsageCounter = "schemas_written"
)

// UsageEnforcer implements pipeline step 8. The default is a no-op;
// enterprise deployments plug in an adapter that consumes quota by
// counter and denies (always auditing the denial) once a tenant's
// budget is exhausted.
type UsageEnforcer interface {
	Consume(ctx context.Context, tenantID string, counter UsageCounter, n int) error
}

// NoopUsageEnforcer never denies and never tracks anything.
type NoopUsageEnforcer struct{}

func (NoopUsageEnforcer) Consume(ctx context.Context, tenantID string, counter UsageCounter, n int) error {
	return nil
}

// QuotaBudget is one tenant's per-counter ceiling; zero means
// unlimited for that counter.
type QuotaBudget map[UsageCounter]int

// QuotaEnforcer tracks cumulative usage per tenant against a
// per-tenant QuotaBudget, denying once a counter's ceiling is reached,
// via a mutex-guarded per-tenant usage map.
type QuotaEnforcer struct {
	mu      sync.Mutex
	budgets map[string]QuotaBudget
	usage   map[string]map[UsageCounter]int
}

func NewQuotaEnforcer() *QuotaEnforcer {
	return &QuotaEnforcer{
		budgets: make(map[string]QuotaBudget),
		usage:   make(map[string]map[UsageCounter]int),
	}
}

// SetBudget installs the ceilings a tenant is bound by.
func (q *QuotaEnforcer) SetBudget(tenantID string, budget QuotaBudget) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.budgets[tenantID] = budget
}

func (q *QuotaEnforcer) Consume(ctx context.Context, tenantID string, counter UsageCounter, n int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	budget := q.budgets[tenantID]
	ceiling, bounded := budget[counter]
	if !bounded || ceiling <= 0 {
		q.record(tenantID, counter, n)
		return nil
	}

	used := q.usage[tenantID][counter]
	if used+n > ceiling {
		return dgerr.NewUnauthorized(fmt.Sprintf("tenant %s exceeded %s quota (%d/%d)", tenantID, counter, used, ceiling))
	}
	q.record(tenantID, counter, n)
	return nil
}

func (q *QuotaEnforcer) record(tenantID string, counter UsageCounter, n int) {
	if q.usage[tenantID] == nil {
		q.usage[tenantID] = make(map[UsageCounter]int)
	}
	q.usage[tenantID][counter] += n
}
