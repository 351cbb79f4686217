package activitypub

import (
	"sync"
	"time"

	"github.com/deemkeen/mammut/domain"
	"golang.org/x/time/rate"
)

// Adaptive rate limiter bounds per destination domain.
const (
	minDeliveryRate  = rate.Limit(0.2) // one delivery per 5s floor
	maxDeliveryRate  = rate.Limit(10)
	baseDeliveryRate = rate.Limit(2)
	deliveryBurst    = 5
)

// HealthTracker keeps a per-remote-domain circuit breaker and an adaptive
// token bucket. Delivery workers consult it before dialing and report every
// attempt outcome back into it.
type HealthTracker struct {
	mu      sync.Mutex
	records map[string]*instanceRecord

	failureThreshold int
	cooldown         time.Duration
	metrics          *Metrics

	// now is swappable for tests
	now func() time.Time
}

type instanceRecord struct {
	health  domain.InstanceHealth
	limiter *rate.Limiter
	probing bool // a half-open probe is in flight
}

func NewHealthTracker(failureThreshold int, cooldown time.Duration, metrics *Metrics) *HealthTracker {
	return &HealthTracker{
		records:          make(map[string]*instanceRecord),
		failureThreshold: failureThreshold,
		cooldown:         cooldown,
		metrics:          metrics,
		now:              time.Now,
	}
}

func (t *HealthTracker) record(dom string) *instanceRecord {
	rec, ok := t.records[dom]
	if !ok {
		rec = &instanceRecord{
			health: domain.InstanceHealth{
				Domain:       dom,
				CircuitState: domain.CircuitClosed,
				RatePerSec:   float64(baseDeliveryRate),
			},
			limiter: rate.NewLimiter(baseDeliveryRate, deliveryBurst),
		}
		t.records[dom] = rec
	}
	return rec
}

// AllowDelivery decides whether a delivery to the domain may be attempted
// now. Open circuits short-circuit without a network call; after the
// cool-down a single half-open probe is let through. A drained token
// bucket defers the attempt without counting it as a failure.
func (t *HealthTracker) AllowDelivery(dom string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := t.record(dom)
	switch rec.health.CircuitState {
	case domain.CircuitOpen:
		if t.now().Sub(rec.health.OpenedAt) < t.cooldown {
			return false
		}
		rec.health.CircuitState = domain.CircuitHalfOpen
		rec.probing = true
		return true
	case domain.CircuitHalfOpen:
		// one probe at a time
		if rec.probing {
			return false
		}
		rec.probing = true
		return true
	}

	return rec.limiter.Allow()
}

// RecordSuccess closes the circuit and slowly widens the token bucket.
func (t *HealthTracker) RecordSuccess(dom string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := t.record(dom)
	rec.health.Successes++
	rec.health.ConsecutiveFailures = 0
	rec.health.CircuitState = domain.CircuitClosed
	rec.health.UpdatedAt = t.now()
	rec.probing = false

	next := rec.limiter.Limit() * 1.25
	if next > maxDeliveryRate {
		next = maxDeliveryRate
	}
	rec.limiter.SetLimit(next)
	rec.health.RatePerSec = float64(next)
}

// RecordFailure counts a failed attempt, shrinks the bucket, and opens the
// circuit once the consecutive-failure threshold is reached. rateLimited
// marks an explicit 429 from the peer, which halves the rate harder.
func (t *HealthTracker) RecordFailure(dom string, rateLimited bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := t.record(dom)
	rec.health.Failures++
	rec.health.ConsecutiveFailures++
	rec.health.UpdatedAt = t.now()

	divisor := rate.Limit(1.5)
	if rateLimited {
		divisor = 3
	}
	next := rec.limiter.Limit() / divisor
	if next < minDeliveryRate {
		next = minDeliveryRate
	}
	rec.limiter.SetLimit(next)
	rec.health.RatePerSec = float64(next)

	if rec.health.CircuitState == domain.CircuitHalfOpen {
		// failed probe goes straight back to open
		rec.health.CircuitState = domain.CircuitOpen
		rec.health.OpenedAt = t.now()
		rec.probing = false
		t.metrics.RecordBreakerOpen()
		return
	}

	if rec.health.ConsecutiveFailures >= t.failureThreshold && rec.health.CircuitState == domain.CircuitClosed {
		rec.health.CircuitState = domain.CircuitOpen
		rec.health.OpenedAt = t.now()
		t.metrics.RecordBreakerOpen()
	}
}

// Snapshot returns a copy of the health record for a domain, for operator
// visibility.
func (t *HealthTracker) Snapshot(dom string) domain.InstanceHealth {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.record(dom).health
}
