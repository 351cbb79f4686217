package activitypub

import (
	"errors"
	"log"
	"net/http"

	"github.com/deemkeen/mammut/util"
)

// InboxResult is the terminal state of processing one inbound delivery,
// plus the HTTP status the endpoint should answer with. Ignored outcomes
// answer 200 like Applied ones, so peers can't probe processing decisions
// and don't mount retry storms over content we chose to skip.
type InboxResult struct {
	Outcome Outcome
	Status  int
	Reason  string
}

// Processor orchestrates the inbound pipeline:
// validate -> verify signature -> dedup claim -> domain/ban checks ->
// dispatch. It is safe to invoke concurrently; attempts for the same
// activity ID are serialized by the store's atomic claim.
type Processor struct {
	store    Storage
	resolver *Resolver
	registry *Registry
	outbox   *Outbox
	conf     *util.AppConfig
	metrics  *Metrics
	lookup   KeyLookup
}

func NewProcessor(store Storage, resolver *Resolver, registry *Registry, outbox *Outbox, conf *util.AppConfig, metrics *Metrics) *Processor {
	return &Processor{
		store:    store,
		resolver: resolver,
		registry: registry,
		outbox:   outbox,
		conf:     conf,
		metrics:  metrics,
		lookup:   resolver.LookupKey,
	}
}

// Process runs one inbound delivery through the pipeline. Malformed input
// never crashes the processor and handler errors never escape it.
func (p *Processor) Process(req *http.Request, body []byte) InboxResult {
	// Received -> Validated
	activity, err := ValidateActivity(body, p.conf.Conf.Federation.MaxPayloadBytes)
	if err != nil {
		if errors.Is(err, ErrUnknownType) {
			// evolving peers send types we don't know; acknowledge and move on
			log.Printf("Inbox: Ignoring unsupported activity type %q from %s", activity.Type, activity.Actor)
			return InboxResult{Outcome: OutcomeIgnored, Status: http.StatusOK, Reason: "unsupported type"}
		}
		log.Printf("Inbox: Rejecting malformed payload: %v", err)
		return InboxResult{Outcome: OutcomeIgnored, Status: http.StatusBadRequest, Reason: err.Error()}
	}

	// Validated -> SignatureChecked
	verifiedActor, err := VerifyRequest(req, p.lookup, p.conf.ClockSkew())
	if err != nil {
		if p.allowUnsigned(activity, err) {
			// auditable exception, e.g. self-delete from a gone actor
			log.Printf("Inbox: Allowing unsigned %s of %s (key gone)", activity.Type, activity.Actor)
			return InboxResult{Outcome: OutcomeIgnored, Status: http.StatusOK, Reason: "actor already gone"}
		}
		log.Printf("Inbox: Signature verification failed for %s: %v", activity.Actor, err)
		p.metrics.RecordInboxOutcome(activity.Type, OutcomeFailed)
		return InboxResult{Outcome: OutcomeFailed, Status: http.StatusUnauthorized, Reason: "invalid signature"}
	}
	if verifiedActor != activity.Actor {
		log.Printf("Inbox: Signature owner %s does not match claimed actor %s", verifiedActor, activity.Actor)
		p.metrics.RecordInboxOutcome(activity.Type, OutcomeFailed)
		return InboxResult{Outcome: OutcomeFailed, Status: http.StatusForbidden, Reason: "actor mismatch"}
	}

	// SignatureChecked -> DedupChecked
	claimed, err := p.store.ClaimActivity(activity.ID, activity.Type, activity.Actor, activity.ObjectURI())
	if err != nil {
		log.Printf("Inbox: Dedup claim failed for %s: %v", activity.ID, err)
		p.metrics.RecordInboxOutcome(activity.Type, OutcomeFailed)
		return InboxResult{Outcome: OutcomeFailed, Status: http.StatusInternalServerError, Reason: "storage unavailable"}
	}
	if !claimed {
		// duplicate delivery: the idempotence contract says this is
		// success, not an error
		return InboxResult{Outcome: OutcomeIgnored, Status: http.StatusOK, Reason: "already processed"}
	}

	// DedupChecked -> Dispatched, gated by instance policy. A policy drop
	// keeps its claim: the decision is recorded, not retried.
	if result, ok := p.checkSender(activity); !ok {
		if recErr := p.store.RecordActivityOutcome(activity.ID, string(result.Outcome)); recErr != nil {
			log.Printf("Inbox: Failed to record outcome for %s: %v", activity.ID, recErr)
		}
		return result
	}

	// Dispatched -> {Applied, Ignored, Failed}
	ctx := &HandlerContext{
		Store:    p.store,
		Resolver: p.resolver,
		Outbox:   p.outbox,
		Conf:     p.conf,
	}
	outcome, err := p.registry.Handle(ctx, activity)
	if err != nil {
		log.Printf("Inbox: Handler for %s failed: %v", activity.Type, err)
		outcome = OutcomeFailed
	}

	// best-effort outcome record; handlers are idempotent as a fallback
	// should a future duplicate slip through
	if recErr := p.store.RecordActivityOutcome(activity.ID, string(outcome)); recErr != nil {
		log.Printf("Inbox: Failed to record outcome for %s: %v", activity.ID, recErr)
	}

	p.metrics.RecordInboxOutcome(activity.Type, outcome)

	status := http.StatusOK
	if outcome == OutcomeFailed {
		status = http.StatusInternalServerError
	}
	return InboxResult{Outcome: outcome, Status: status, Reason: ""}
}

// checkSender applies the instance allow/deny policy and the per-actor
// ban. Failing either is a terminal Ignored, acknowledged with 200.
func (p *Processor) checkSender(activity *Activity) (InboxResult, bool) {
	actorDomain, err := util.ExtractDomain(activity.Actor)
	if err != nil {
		return InboxResult{Outcome: OutcomeIgnored, Status: http.StatusOK, Reason: "bad actor URI"}, false
	}
	if !p.conf.DomainAllowed(actorDomain) {
		log.Printf("Inbox: Dropping %s from denied domain %s", activity.Type, actorDomain)
		p.metrics.RecordInboxOutcome(activity.Type, OutcomeIgnored)
		return InboxResult{Outcome: OutcomeIgnored, Status: http.StatusOK, Reason: "domain denied"}, false
	}

	if err, actor := p.store.ReadActorByURI(activity.Actor); err == nil && actor != nil && actor.Banned {
		log.Printf("Inbox: Dropping %s from banned actor %s", activity.Type, activity.Actor)
		p.metrics.RecordInboxOutcome(activity.Type, OutcomeIgnored)
		return InboxResult{Outcome: OutcomeIgnored, Status: http.StatusOK, Reason: "actor banned"}, false
	}

	return InboxResult{}, true
}

// allowUnsigned is the minimal unsigned-allowance list: a Delete whose
// object is the signing actor itself, when the key can no longer be
// resolved because the account is already gone upstream.
func (p *Processor) allowUnsigned(activity *Activity, verifyErr error) bool {
	return activity.Type == "Delete" &&
		activity.ObjectURI() == activity.Actor &&
		errors.Is(verifyErr, ErrKeyUnresolvable)
}
