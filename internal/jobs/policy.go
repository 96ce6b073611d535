package jobs

import (
	"time"

	"file-ingestion-service/internal/models"
)

// RetryPolicy bounds automatic retries for one task kind.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	// Linear scales the delay with the retry number; otherwise it is flat.
	Linear bool
}

// Delay returns how long to wait before retry number n (1-based).
func (p RetryPolicy) Delay(n int) time.Duration {
	if p.Linear && n > 0 {
		return p.BaseDelay * time.Duration(n)
	}
	return p.BaseDelay
}

// Policies maps task kinds to their retry policy.
type Policies map[models.TaskKind]RetryPolicy

// For returns the policy of kind, falling back to the file-processing policy.
func (p Policies) For(kind models.TaskKind) RetryPolicy {
	if policy, ok := p[kind]; ok {
		return policy
	}
	return p[models.TaskProcessFile]
}

// NewPolicies builds the policy table: ingestion tasks back off linearly,
// the analytics build uses a flat delay.
func NewPolicies(ingestMax int, ingestDelay time.Duration, analyticsMax int, analyticsDelay time.Duration) Policies {
	ingest := RetryPolicy{MaxRetries: ingestMax, BaseDelay: ingestDelay, Linear: true}
	return Policies{
		models.TaskProcessFile:      ingest,
		models.TaskStorageUpload:    ingest,
		models.TaskStorageDirectory: ingest,
		models.TaskBuildAnalytics:   {MaxRetries: analyticsMax, BaseDelay: analyticsDelay},
	}
}

// DefaultPolicies is 5 retries at 60s×n for ingestion and 3 retries at 120s for analytics.
func DefaultPolicies() Policies {
	return NewPolicies(5, 60*time.Second, 3, 120*time.Second)
}
