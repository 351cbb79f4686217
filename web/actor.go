package web

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/deemkeen/mammut/activitypub"
	"github.com/deemkeen/mammut/domain"
	"github.com/deemkeen/mammut/util"
)

// GetActor renders the ActivityPub actor document for a local user. A
// tombstoned actor renders as a Tombstone so peers stop federating with it.
func GetActor(store activitypub.Storage, username string, conf *util.AppConfig) (error, *domain.Actor, string) {
	err, actor := store.ReadLocalActorByUsername(username)
	if err != nil || actor == nil {
		return fmt.Errorf("actor %s not found", username), nil, "{}"
	}

	if actor.Tombstoned {
		doc := map[string]interface{}{
			"@context":   activitypub.ContextURI,
			"id":         actor.ActorURI,
			"type":       "Tombstone",
			"formerType": "Person",
		}
		jsonBytes, err := json.Marshal(doc)
		if err != nil {
			return err, nil, "{}"
		}
		return nil, actor, string(jsonBytes)
	}

	doc := map[string]interface{}{
		"@context": []string{
			activitypub.ContextURI,
			"https://w3id.org/security/v1",
		},
		"id":                actor.ActorURI,
		"type":              "Person",
		"preferredUsername": actor.Username,
		"inbox":             actor.InboxURI,
		"outbox":            actor.ActorURI + "/outbox",
		"followers":         actor.ActorURI + "/followers",
		"following":         actor.ActorURI + "/following",
		"url":               actor.ActorURI,
		"endpoints": map[string]string{
			"sharedInbox": fmt.Sprintf("https://%s/inbox", conf.Conf.Domain),
		},
		"publicKey": map[string]string{
			"id":           actor.KeyId(),
			"owner":        actor.ActorURI,
			"publicKeyPem": actor.PublicKeyPem,
		},
	}

	jsonBytes, err2 := json.Marshal(doc)
	if err2 != nil {
		return err2, nil, "{}"
	}
	return nil, actor, string(jsonBytes)
}

// GetFollowersCollection renders the followers of a local actor as an
// unordered ActivityPub collection.
func GetFollowersCollection(store activitypub.Storage, username string) (error, string) {
	err, actor := store.ReadLocalActorByUsername(username)
	if err != nil || actor == nil {
		return fmt.Errorf("actor %s not found", username), "{}"
	}

	err, followers := store.ReadFollowersOf(actor.ActorURI)
	if err != nil {
		return err, "{}"
	}

	items := []string{}
	if followers != nil {
		for _, f := range *followers {
			items = append(items, f.ActorURI)
		}
	}

	doc := map[string]interface{}{
		"@context":   activitypub.ContextURI,
		"id":         actor.ActorURI + "/followers",
		"type":       "Collection",
		"totalItems": len(items),
		"items":      items,
	}
	jsonBytes, err2 := json.Marshal(doc)
	if err2 != nil {
		return err2, "{}"
	}
	return nil, string(jsonBytes)
}

// GetPostObject renders a post as an ActivityPub object. Deleted posts
// render as Tombstones with 410 semantics decided by the caller.
func GetPostObject(store activitypub.Storage, uri string) (error, *domain.Post, string) {
	err, post := store.ReadPostByURI(uri)
	if err != nil || post == nil {
		return fmt.Errorf("post not found"), nil, "{}"
	}

	if post.Deleted {
		doc := map[string]interface{}{
			"@context":   activitypub.ContextURI,
			"id":         post.URI,
			"type":       "Tombstone",
			"formerType": post.Type,
		}
		jsonBytes, mErr := json.Marshal(doc)
		if mErr != nil {
			return mErr, nil, "{}"
		}
		return nil, post, string(jsonBytes)
	}

	doc := map[string]interface{}{
		"@context":     activitypub.ContextURI,
		"id":           post.URI,
		"type":         post.Type,
		"attributedTo": post.ActorURI,
		"content":      post.Content,
		"published":    post.Published.Format(time.RFC3339),
		"to":           []string{activitypub.PublicAudience},
	}
	if post.Title != "" {
		doc["name"] = post.Title
	}
	if post.InReplyTo != "" {
		doc["inReplyTo"] = post.InReplyTo
	}
	if !post.UpdatedAt.IsZero() && post.UpdatedAt.After(post.Published) {
		doc["updated"] = post.UpdatedAt.Format(time.RFC3339)
	}

	jsonBytes, mErr := json.Marshal(doc)
	if mErr != nil {
		return mErr, nil, "{}"
	}
	return nil, post, string(jsonBytes)
}
