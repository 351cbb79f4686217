package domain

import (
	"github.com/google/uuid"
	"time"
)

// Delivery task status values.
const (
	DeliveryPending   = "pending"
	DeliveryInFlight  = "in-flight"
	DeliveryDelivered = "delivered"
	DeliveryDead      = "dead"
)

// DeliveryTask is one (activity, destination inbox) pair in the durable
// outbound queue. Backoff state lives on the record so retries survive
// process restarts.
type DeliveryTask struct {
	Id            uuid.UUID
	InboxURI      string
	ActorURI      string // local signing actor
	ActivityJSON  string
	Attempts      int
	NextAttemptAt time.Time
	Status        string
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ProcessedActivity is the idempotency/audit record for one inbound
// activity ID. The row is created by the atomic claim and its outcome is
// filled in afterwards; rows expire after a retention window.
type ProcessedActivity struct {
	ActivityURI  string
	ActivityType string
	ActorURI     string
	ObjectURI    string
	Outcome      string
	CreatedAt    time.Time
}

// Circuit breaker states for a remote instance.
const (
	CircuitClosed   = "closed"
	CircuitOpen     = "open"
	CircuitHalfOpen = "half-open"
)

// InstanceHealth is the rolling delivery health of one remote domain.
type InstanceHealth struct {
	Domain               string
	Successes            int64
	Failures             int64
	ConsecutiveFailures  int
	CircuitState         string
	OpenedAt             time.Time
	RatePerSec           float64
	UpdatedAt            time.Time
}
