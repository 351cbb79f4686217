package activitypub

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/deemkeen/mammut/domain"
	"github.com/deemkeen/mammut/util"
	"github.com/google/uuid"
)

// Outbox builds outbound activities and places them on the durable
// delivery queue. It never touches the network itself; the delivery
// workers do.
type Outbox struct {
	store    Storage
	resolver *Resolver
	conf     *util.AppConfig
}

func NewOutbox(store Storage, resolver *Resolver, conf *util.AppConfig) *Outbox {
	return &Outbox{store: store, resolver: resolver, conf: conf}
}

// NewActivityID mints a fresh activity identifier on the local domain.
func (o *Outbox) NewActivityID() string {
	return fmt.Sprintf("https://%s/activities/%s", o.conf.Conf.Domain, uuid.New().String())
}

// Enqueue creates one delivery task per destination inbox. Recipients on
// the same remote instance that expose a shared inbox are grouped into a
// single task addressed to it, so an instance with many local followers
// gets one POST instead of dozens.
func (o *Outbox) Enqueue(activity interface{}, signingActorURI string, recipients []domain.Actor) error {
	activityJSON, err := json.Marshal(activity)
	if err != nil {
		return fmt.Errorf("failed to marshal activity: %w", err)
	}

	inboxes := make(map[string]bool)
	for _, recipient := range recipients {
		if recipient.Local || recipient.Tombstoned {
			continue
		}
		inbox := recipient.InboxURI
		if recipient.SharedInboxURI != "" {
			inbox = recipient.SharedInboxURI
		}
		if inbox == "" {
			continue
		}
		inboxes[inbox] = true
	}

	now := time.Now()
	for inbox := range inboxes {
		task := &domain.DeliveryTask{
			Id:            uuid.New(),
			InboxURI:      inbox,
			ActorURI:      signingActorURI,
			ActivityJSON:  string(activityJSON),
			Attempts:      0,
			NextAttemptAt: now,
			Status:        domain.DeliveryPending,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := o.store.EnqueueDelivery(task); err != nil {
			log.Printf("Outbox: Failed to queue delivery to %s: %v", inbox, err)
			return err
		}
	}
	return nil
}

// SendAccept answers a remote Follow with an Accept that embeds it, so
// the peer can match the confirmation to its original activity.
func (o *Outbox) SendAccept(localActor *domain.Actor, follow *Activity) error {
	return o.sendFollowResponse("Accept", localActor, follow)
}

// SendReject answers a remote Follow with a Reject.
func (o *Outbox) SendReject(localActor *domain.Actor, follow *Activity) error {
	return o.sendFollowResponse("Reject", localActor, follow)
}

func (o *Outbox) sendFollowResponse(responseType string, localActor *domain.Actor, follow *Activity) error {
	remoteActor, err := o.resolver.GetOrFetchActor(follow.Actor)
	if err != nil {
		return fmt.Errorf("failed to resolve follower for %s: %w", responseType, err)
	}

	response := map[string]interface{}{
		"@context": ContextURI,
		"id":       o.NewActivityID(),
		"type":     responseType,
		"actor":    localActor.ActorURI,
		"object": map[string]interface{}{
			"id":     follow.ID,
			"type":   "Follow",
			"actor":  follow.Actor,
			"object": localActor.ActorURI,
		},
	}

	return o.Enqueue(response, localActor.ActorURI, []domain.Actor{*remoteActor})
}

// SendFollow stores a pending follow and queues the Follow activity to
// the remote actor.
func (o *Outbox) SendFollow(localActor *domain.Actor, remoteActorURI string) error {
	remoteActor, err := o.resolver.GetOrFetchActor(remoteActorURI)
	if err != nil {
		return fmt.Errorf("failed to fetch remote actor: %w", err)
	}

	followID := o.NewActivityID()
	follow := map[string]interface{}{
		"@context": ContextURI,
		"id":       followID,
		"type":     "Follow",
		"actor":    localActor.ActorURI,
		"object":   remoteActorURI,
	}

	followRecord := &domain.Follow{
		Id:        uuid.New(),
		ActorURI:  localActor.ActorURI,
		TargetURI: remoteActorURI,
		URI:       followID,
		Accepted:  false, // pending until Accept received
		CreatedAt: time.Now(),
	}
	if err := o.store.UpsertFollow(followRecord); err != nil {
		return fmt.Errorf("failed to store follow: %w", err)
	}

	return o.Enqueue(follow, localActor.ActorURI, []domain.Actor{*remoteActor})
}

// SendCreate federates a local post to all accepted followers.
func (o *Outbox) SendCreate(post *domain.Post, localActor *domain.Actor) error {
	create := map[string]interface{}{
		"@context":  ContextURI,
		"id":        o.NewActivityID(),
		"type":      "Create",
		"actor":     localActor.ActorURI,
		"published": post.Published.Format(time.RFC3339),
		"to":        []string{PublicAudience},
		"cc":        []string{localActor.ActorURI + "/followers"},
		"object": map[string]interface{}{
			"id":           post.URI,
			"type":         post.Type,
			"name":         post.Title,
			"content":      post.Content,
			"attributedTo": localActor.ActorURI,
			"published":    post.Published.Format(time.RFC3339),
			"to":           []string{PublicAudience},
		},
	}

	err, followers := o.store.ReadFollowersOf(localActor.ActorURI)
	if err != nil {
		log.Printf("Outbox: Failed to get followers: %v", err)
		return nil // nothing to deliver to
	}
	if followers == nil || len(*followers) == 0 {
		return nil
	}

	return o.Enqueue(create, localActor.ActorURI, *followers)
}
