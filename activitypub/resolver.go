package activitypub

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/deemkeen/mammut/domain"
	"github.com/deemkeen/mammut/util"
	"github.com/doyensec/safeurl"
	"github.com/google/uuid"
)

// ErrUnresolvableReference means a referenced remote actor/object could
// not be fetched or failed the domain check. For non-essential references
// the enclosing activity is Ignored, not Failed.
var ErrUnresolvableReference = errors.New("unresolvable reference")

const resolverTimeout = 10 * time.Second

// ActorResponse represents the JSON structure of an ActivityPub actor
type ActorResponse struct {
	Context           interface{} `json:"@context"`
	ID                string      `json:"id"`
	Type              string      `json:"type"`
	PreferredUsername string      `json:"preferredUsername"`
	Inbox             string      `json:"inbox"`
	Outbox            string      `json:"outbox"`
	Endpoints         struct {
		SharedInbox string `json:"sharedInbox"`
	} `json:"endpoints"`
	PublicKey struct {
		ID           string `json:"id"`
		Owner        string `json:"owner"`
		PublicKeyPem string `json:"publicKeyPem"`
	} `json:"publicKey"`
}

// Resolver fetches and caches remote actors referenced by activities.
// Outbound requests go through an SSRF-guarded client that refuses
// private, loopback and link-local destinations.
type Resolver struct {
	store    Storage
	client   *http.Client
	cacheTTL time.Duration
	metrics  *Metrics
}

func NewResolver(store Storage, cacheTTL time.Duration, metrics *Metrics) *Resolver {
	config := safeurl.GetConfigBuilder().
		SetTimeout(resolverTimeout).
		SetAllowedSchemes("http", "https").
		SetAllowedPorts(80, 443).
		Build()

	return &Resolver{
		store:    store,
		client:   safeurl.Client(config).Client,
		cacheTTL: cacheTTL,
		metrics:  metrics,
	}
}

// GetOrFetchActor returns the actor from cache, or fetches it when the
// cached copy is missing or stale.
func (r *Resolver) GetOrFetchActor(actorURI string) (*domain.Actor, error) {
	err, cached := r.store.ReadActorByURI(actorURI)
	if err == nil && cached != nil {
		if cached.Local || time.Since(cached.LastFetchedAt) < r.cacheTTL {
			return cached, nil
		}
	}

	actor, fetchErr := r.FetchRemoteActor(actorURI)
	if fetchErr != nil {
		// serve stale on refresh failure rather than dropping a known actor
		if cached != nil {
			return cached, nil
		}
		return nil, fetchErr
	}
	return actor, nil
}

// FetchRemoteActor fetches an actor document and stores it in the cache.
// The claimed actor id must live on the domain the document was fetched
// from; anything else is spoofing and rejected.
func (r *Resolver) FetchRemoteActor(actorURI string) (*domain.Actor, error) {
	req, err := http.NewRequest("GET", actorURI, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnresolvableReference, err)
	}

	req.Header.Set("Accept", ContentType)
	req.Header.Set("User-Agent", util.GetNameAndVersion())

	resp, err := r.client.Do(req)
	if err != nil {
		r.markFailed(actorURI)
		return nil, fmt.Errorf("%w: %v", ErrUnresolvableReference, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		r.markFailed(actorURI)
		return nil, fmt.Errorf("%w: actor fetch returned status %d", ErrUnresolvableReference, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxURILength*64))
	if err != nil {
		r.markFailed(actorURI)
		return nil, fmt.Errorf("%w: %v", ErrUnresolvableReference, err)
	}

	var actorDoc ActorResponse
	if err := json.Unmarshal(body, &actorDoc); err != nil {
		r.markFailed(actorURI)
		return nil, fmt.Errorf("%w: unparseable actor document", ErrUnresolvableReference)
	}

	if actorDoc.ID == "" || actorDoc.Inbox == "" || actorDoc.PublicKey.PublicKeyPem == "" {
		r.markFailed(actorURI)
		return nil, fmt.Errorf("%w: actor missing required fields", ErrUnresolvableReference)
	}

	// Anti-spoofing: the document must claim an id on the host we asked.
	requestedDomain, err := util.ExtractDomain(actorURI)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnresolvableReference, err)
	}
	claimedDomain, err := util.ExtractDomain(actorDoc.ID)
	if err != nil || claimedDomain != requestedDomain {
		r.markFailed(actorURI)
		return nil, fmt.Errorf("%w: claimed id %s does not match fetched domain %s", ErrUnresolvableReference, actorDoc.ID, requestedDomain)
	}

	actor := &domain.Actor{
		Id:             uuid.New(),
		Username:       actorDoc.PreferredUsername,
		Domain:         claimedDomain,
		ActorURI:       actorDoc.ID,
		InboxURI:       actorDoc.Inbox,
		SharedInboxURI: actorDoc.Endpoints.SharedInbox,
		PublicKeyPem:   actorDoc.PublicKey.PublicKeyPem,
		Local:          false,
		LastFetchedAt:  time.Now(),
		CreatedAt:      time.Now(),
	}

	if err := r.store.UpsertActor(actor); err != nil {
		return nil, fmt.Errorf("failed to store remote actor: %w", err)
	}

	return actor, nil
}

// LookupKey resolves an HTTP signature keyId to the owner's public key
// PEM, fetching and caching the actor when unknown.
func (r *Resolver) LookupKey(keyId string) (string, error) {
	ownerURI := strings.Split(keyId, "#")[0]
	actor, err := r.GetOrFetchActor(ownerURI)
	if err != nil {
		return "", err
	}
	return actor.PublicKeyPem, nil
}

func (r *Resolver) markFailed(actorURI string) {
	r.metrics.RecordResolverFailure()
	if err := r.store.MarkActorFetchFailed(actorURI, time.Now()); err != nil {
		log.Printf("Resolver: Failed to mark fetch failure for %s: %v", actorURI, err)
	}
}
