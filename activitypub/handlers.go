package activitypub

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/deemkeen/mammut/domain"
	"github.com/deemkeen/mammut/util"
	"github.com/google/uuid"
)

// Outcome is the terminal result of handling one activity.
type Outcome string

const (
	OutcomeApplied Outcome = "applied"
	OutcomeIgnored Outcome = "ignored"
	OutcomeFailed  Outcome = "failed"
)

// HandlerContext carries the collaborators a handler may touch.
type HandlerContext struct {
	Store    Storage
	Resolver *Resolver
	Outbox   *Outbox
	Conf     *util.AppConfig
}

// HandlerFunc processes one verified, deduplicated activity. Handlers must
// be idempotent: every side effect is an upsert keyed by stable
// identifiers, so a replay that slips past dedup changes nothing.
type HandlerFunc func(ctx *HandlerContext, activity *Activity) (Outcome, error)

// Registry maps activity types to handlers. Resolution is a pure lookup;
// there is no type hierarchy.
type Registry struct {
	handlers map[string]HandlerFunc
}

// NewRegistry returns a registry with all supported activity types wired.
func NewRegistry() *Registry {
	r := &Registry{handlers: make(map[string]HandlerFunc)}
	r.Register("Create", handleCreate)
	r.Register("Update", handleUpdate)
	r.Register("Delete", handleDelete)
	r.Register("Follow", handleFollow)
	r.Register("Accept", handleAccept)
	r.Register("Reject", handleReject)
	r.Register("Like", handleLike)
	r.Register("Dislike", handleDislike)
	r.Register("Announce", handleAnnounce)
	r.Register("Undo", handleUndo)
	r.Register("Flag", handleFlag)
	r.Register("Add", handleAdd)
	r.Register("Remove", handleRemove)
	r.Register("Block", handleBlock)
	return r
}

func (r *Registry) Register(activityType string, h HandlerFunc) {
	r.handlers[activityType] = h
}

func (r *Registry) CanHandle(activityType string) bool {
	_, ok := r.handlers[activityType]
	return ok
}

// Handle dispatches to the registered handler. Panics and errors are
// contained here and mapped to Failed with the cause preserved; they never
// escape to the HTTP layer.
func (r *Registry) Handle(ctx *HandlerContext, activity *Activity) (outcome Outcome, err error) {
	h, ok := r.handlers[activity.Type]
	if !ok {
		return OutcomeIgnored, nil
	}
	defer func() {
		if rec := recover(); rec != nil {
			outcome = OutcomeFailed
			err = fmt.Errorf("handler panic for %s: %v", activity.Type, rec)
		}
	}()
	return h(ctx, activity)
}

// handleFollow creates a pending subscription and answers with an Accept
// or Reject depending on the target actor's policy.
func handleFollow(ctx *HandlerContext, activity *Activity) (Outcome, error) {
	targetURI := activity.ObjectURI()
	if targetURI == "" {
		return OutcomeIgnored, nil
	}

	err, target := ctx.Store.ReadActorByURI(targetURI)
	if err != nil || target == nil || !target.Local {
		// a Follow of an actor we don't host
		return OutcomeIgnored, nil
	}

	follow := &domain.Follow{
		Id:        uuid.New(),
		ActorURI:  activity.Actor,
		TargetURI: targetURI,
		URI:       activity.ID,
		Accepted:  false,
		CreatedAt: time.Now(),
	}
	if err := ctx.Store.UpsertFollow(follow); err != nil {
		return OutcomeFailed, fmt.Errorf("failed to store follow: %w", err)
	}

	// Tombstoned local actors reject new followers; everyone else accepts.
	if target.Tombstoned {
		if err := ctx.Outbox.SendReject(target, activity); err != nil {
			return OutcomeFailed, err
		}
		return OutcomeApplied, nil
	}

	if err := ctx.Store.AcceptFollowByURI(activity.ID); err != nil {
		return OutcomeFailed, fmt.Errorf("failed to accept follow: %w", err)
	}
	if err := ctx.Outbox.SendAccept(target, activity); err != nil {
		return OutcomeFailed, err
	}
	return OutcomeApplied, nil
}

// handleAccept confirms a Follow we sent earlier, matched by the Follow
// activity URI. Only the followed actor may accept. An Accept we cannot
// match is Ignored, not Failed: it may precede the retried Follow under
// out-of-order delivery.
func handleAccept(ctx *HandlerContext, activity *Activity) (Outcome, error) {
	followURI := activity.ObjectURI()
	if followURI == "" {
		return OutcomeIgnored, nil
	}
	err, follow := ctx.Store.ReadFollowByURI(followURI)
	if err != nil || follow == nil {
		return OutcomeIgnored, nil
	}
	if follow.TargetURI != activity.Actor {
		return OutcomeIgnored, nil
	}
	if err := ctx.Store.AcceptFollowByURI(followURI); err != nil {
		return OutcomeFailed, fmt.Errorf("failed to accept follow: %w", err)
	}
	return OutcomeApplied, nil
}

// handleReject removes the pending Follow it references. Only the
// followed actor may reject; unmatched is Ignored.
func handleReject(ctx *HandlerContext, activity *Activity) (Outcome, error) {
	followURI := activity.ObjectURI()
	if followURI == "" {
		return OutcomeIgnored, nil
	}
	err, follow := ctx.Store.ReadFollowByURI(followURI)
	if err != nil || follow == nil {
		return OutcomeIgnored, nil
	}
	if follow.TargetURI != activity.Actor {
		return OutcomeIgnored, nil
	}
	if err := ctx.Store.DeleteFollowByURI(followURI); err != nil {
		return OutcomeFailed, fmt.Errorf("failed to delete rejected follow: %w", err)
	}
	return OutcomeApplied, nil
}

// postObject is the embedded content shape of Create/Update activities.
type postObject struct {
	ID           string `json:"id"`
	Type         string `json:"type"`
	Name         string `json:"name"`
	Content      string `json:"content"`
	InReplyTo    string `json:"inReplyTo"`
	AttributedTo string `json:"attributedTo"`
	Published    string `json:"published"`
}

func decodePostObject(activity *Activity) *postObject {
	if len(activity.Object) == 0 {
		return nil
	}
	var obj postObject
	if err := json.Unmarshal(activity.Object, &obj); err != nil {
		return nil
	}
	if obj.ID == "" {
		return nil
	}
	return &obj
}

// handleCreate upserts the referenced content object.
func handleCreate(ctx *HandlerContext, activity *Activity) (Outcome, error) {
	obj := decodePostObject(activity)
	if obj == nil {
		return OutcomeIgnored, nil
	}

	published := time.Now()
	if obj.Published != "" {
		if t, err := time.Parse(time.RFC3339, obj.Published); err == nil {
			published = t
		}
	}

	// attribution follows the object, not the delivering activity: a post
	// materialized from a boost belongs to its author, not the booster
	author := obj.AttributedTo
	if author == "" {
		author = activity.Actor
	}

	post := &domain.Post{
		Id:        uuid.New(),
		URI:       obj.ID,
		ActorURI:  author,
		Type:      obj.Type,
		Title:     obj.Name,
		Content:   obj.Content,
		InReplyTo: obj.InReplyTo,
		Published: published,
		UpdatedAt: time.Now(),
		CreatedAt: time.Now(),
	}
	if err := ctx.Store.UpsertPost(post); err != nil {
		return OutcomeFailed, fmt.Errorf("failed to store post: %w", err)
	}
	return OutcomeApplied, nil
}

// handleUpdate re-fetches actor profiles and edits known content objects.
// An Update for an object we never saw is Ignored.
func handleUpdate(ctx *HandlerContext, activity *Activity) (Outcome, error) {
	switch activity.ObjectType() {
	case "Person", "Group", "Service", "Application":
		if _, err := ctx.Resolver.FetchRemoteActor(activity.Actor); err != nil {
			if errors.Is(err, ErrUnresolvableReference) {
				return OutcomeIgnored, nil
			}
			return OutcomeFailed, err
		}
		return OutcomeApplied, nil
	}

	obj := decodePostObject(activity)
	if obj == nil {
		return OutcomeIgnored, nil
	}
	err, existing := ctx.Store.ReadPostByURI(obj.ID)
	if err != nil || existing == nil {
		return OutcomeIgnored, nil
	}
	if existing.ActorURI != activity.Actor {
		// only the author may edit
		return OutcomeIgnored, nil
	}

	existing.Title = obj.Name
	existing.Content = obj.Content
	existing.UpdatedAt = time.Now()
	if err := ctx.Store.UpsertPost(existing); err != nil {
		return OutcomeFailed, fmt.Errorf("failed to update post: %w", err)
	}
	return OutcomeApplied, nil
}

// handleDelete tombstones the referenced actor or object; a missing
// target is Ignored.
func handleDelete(ctx *HandlerContext, activity *Activity) (Outcome, error) {
	objectURI := activity.ObjectURI()
	if objectURI == "" {
		return OutcomeIgnored, nil
	}

	if objectURI == activity.Actor {
		// self-deletion: tombstone the cached actor, keep the row
		err, actor := ctx.Store.ReadActorByURI(objectURI)
		if err != nil || actor == nil {
			return OutcomeIgnored, nil
		}
		if err := ctx.Store.TombstoneActor(objectURI); err != nil {
			return OutcomeFailed, fmt.Errorf("failed to tombstone actor: %w", err)
		}
		return OutcomeApplied, nil
	}

	err, post := ctx.Store.ReadPostByURI(objectURI)
	if err != nil || post == nil {
		return OutcomeIgnored, nil
	}
	if post.ActorURI != activity.Actor {
		return OutcomeIgnored, nil
	}
	if err := ctx.Store.TombstonePost(objectURI); err != nil {
		return OutcomeFailed, fmt.Errorf("failed to tombstone post: %w", err)
	}
	return OutcomeApplied, nil
}

func applyVote(ctx *HandlerContext, activity *Activity, score int) (Outcome, error) {
	objectURI := activity.ObjectURI()
	if objectURI == "" {
		return OutcomeIgnored, nil
	}

	vote := &domain.Vote{
		Id:        uuid.New(),
		ActorURI:  activity.Actor,
		ObjectURI: objectURI,
		URI:       activity.ID,
		Score:     score,
		CreatedAt: time.Now(),
	}
	// upsert keyed by (actor, object): a duplicate delivery or a changed
	// polarity both collapse to one vote row, and the store adjusts the
	// cached aggregate by the delta
	if err := ctx.Store.UpsertVote(vote); err != nil {
		return OutcomeFailed, fmt.Errorf("failed to store vote: %w", err)
	}
	return OutcomeApplied, nil
}

func handleLike(ctx *HandlerContext, activity *Activity) (Outcome, error) {
	return applyVote(ctx, activity, 1)
}

func handleDislike(ctx *HandlerContext, activity *Activity) (Outcome, error) {
	return applyVote(ctx, activity, -1)
}

// handleAnnounce records a boost. The announce row is keyed by
// (actor, object) so repeated relays of the same object are absorbed
// without re-triggering anything.
func handleAnnounce(ctx *HandlerContext, activity *Activity) (Outcome, error) {
	objectURI := activity.ObjectURI()
	if objectURI == "" {
		return OutcomeIgnored, nil
	}

	// resolve the boosted object's author if we have never seen either;
	// an unresolvable reference downgrades to Ignored
	err, post := ctx.Store.ReadPostByURI(objectURI)
	if err != nil || post == nil {
		if obj := decodePostObject(activity); obj != nil {
			if _, err := handleCreate(ctx, activity); err != nil {
				return OutcomeFailed, err
			}
		}
	}

	announce := &domain.Announce{
		Id:        uuid.New(),
		ActorURI:  activity.Actor,
		ObjectURI: objectURI,
		URI:       activity.ID,
		CreatedAt: time.Now(),
	}
	if err := ctx.Store.UpsertAnnounce(announce); err != nil {
		return OutcomeFailed, fmt.Errorf("failed to store announce: %w", err)
	}
	return OutcomeApplied, nil
}

// handleUndo reverses a previously applied activity, located by the inner
// object's type and URI. An Undo whose referent was never applied here is
// Ignored, which also covers out-of-order arrival.
func handleUndo(ctx *HandlerContext, activity *Activity) (Outcome, error) {
	var inner struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	}
	if len(activity.Object) == 0 {
		return OutcomeIgnored, nil
	}
	if err := json.Unmarshal(activity.Object, &inner); err != nil || inner.ID == "" {
		return OutcomeIgnored, nil
	}

	switch inner.Type {
	case "Follow":
		err, follow := ctx.Store.ReadFollowByURI(inner.ID)
		if err != nil || follow == nil {
			return OutcomeIgnored, nil
		}
		if follow.ActorURI != activity.Actor {
			return OutcomeIgnored, nil
		}
		if err := ctx.Store.DeleteFollowByURI(inner.ID); err != nil {
			return OutcomeFailed, fmt.Errorf("failed to undo follow: %w", err)
		}
		return OutcomeApplied, nil

	case "Like", "Dislike":
		err, vote := ctx.Store.ReadVoteByURI(inner.ID)
		if err != nil || vote == nil {
			return OutcomeIgnored, nil
		}
		if vote.ActorURI != activity.Actor {
			return OutcomeIgnored, nil
		}
		if err := ctx.Store.DeleteVote(vote.ActorURI, vote.ObjectURI); err != nil {
			return OutcomeFailed, fmt.Errorf("failed to undo vote: %w", err)
		}
		return OutcomeApplied, nil

	case "Announce":
		err, announce := ctx.Store.ReadAnnounceByURI(inner.ID)
		if err != nil || announce == nil {
			return OutcomeIgnored, nil
		}
		if announce.ActorURI != activity.Actor {
			return OutcomeIgnored, nil
		}
		if err := ctx.Store.DeleteAnnounceByURI(inner.ID); err != nil {
			return OutcomeFailed, fmt.Errorf("failed to undo announce: %w", err)
		}
		return OutcomeApplied, nil

	case "Block":
		err, block := ctx.Store.ReadBlockByURI(inner.ID)
		if err != nil || block == nil {
			return OutcomeIgnored, nil
		}
		if block.ActorURI != activity.Actor {
			return OutcomeIgnored, nil
		}
		if err := ctx.Store.DeleteBlockByURI(inner.ID); err != nil {
			return OutcomeFailed, fmt.Errorf("failed to undo block: %w", err)
		}
		return OutcomeApplied, nil
	}

	return OutcomeIgnored, nil
}

// handleFlag records a moderation report without mutating content.
func handleFlag(ctx *HandlerContext, activity *Activity) (Outcome, error) {
	objectURI := activity.ObjectURI()
	if objectURI == "" {
		return OutcomeIgnored, nil
	}

	var withSummary struct {
		Content string `json:"content"`
		Summary string `json:"summary"`
	}
	reason := ""
	if err := json.Unmarshal(activity.raw, &withSummary); err == nil {
		reason = withSummary.Content
		if reason == "" {
			reason = withSummary.Summary
		}
	}

	report := &domain.Report{
		Id:        uuid.New(),
		ActorURI:  activity.Actor,
		ObjectURI: objectURI,
		Reason:    reason,
		CreatedAt: time.Now(),
	}
	if err := ctx.Store.CreateReport(report); err != nil {
		return OutcomeFailed, fmt.Errorf("failed to store report: %w", err)
	}
	log.Printf("Inbox: Flag recorded for %s from %s", objectURI, activity.Actor)
	return OutcomeApplied, nil
}

// handleAdd records collection membership (e.g. a pinned post).
func handleAdd(ctx *HandlerContext, activity *Activity) (Outcome, error) {
	objectURI := activity.ObjectURI()
	targetURI := activity.TargetURI()
	if objectURI == "" || targetURI == "" {
		return OutcomeIgnored, nil
	}

	item := &domain.CollectionItem{
		Id:            uuid.New(),
		CollectionURI: targetURI,
		ObjectURI:     objectURI,
		ActorURI:      activity.Actor,
		CreatedAt:     time.Now(),
	}
	if err := ctx.Store.AddCollectionItem(item); err != nil {
		return OutcomeFailed, fmt.Errorf("failed to add collection item: %w", err)
	}
	return OutcomeApplied, nil
}

// handleRemove drops collection membership; unknown membership is a no-op.
func handleRemove(ctx *HandlerContext, activity *Activity) (Outcome, error) {
	objectURI := activity.ObjectURI()
	targetURI := activity.TargetURI()
	if objectURI == "" || targetURI == "" {
		return OutcomeIgnored, nil
	}
	if err := ctx.Store.RemoveCollectionItem(targetURI, objectURI); err != nil {
		return OutcomeFailed, fmt.Errorf("failed to remove collection item: %w", err)
	}
	return OutcomeApplied, nil
}

// handleBlock records the relationship; existing content stays.
func handleBlock(ctx *HandlerContext, activity *Activity) (Outcome, error) {
	targetURI := activity.ObjectURI()
	if targetURI == "" {
		return OutcomeIgnored, nil
	}
	block := &domain.Block{
		Id:        uuid.New(),
		ActorURI:  activity.Actor,
		TargetURI: targetURI,
		URI:       activity.ID,
		CreatedAt: time.Now(),
	}
	if err := ctx.Store.UpsertBlock(block); err != nil {
		return OutcomeFailed, fmt.Errorf("failed to store block: %w", err)
	}
	return OutcomeApplied, nil
}
