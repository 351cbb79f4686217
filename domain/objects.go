package domain

import (
	"github.com/google/uuid"
	"time"
)

// Post is a federated content object (a Page or a Note), keyed by its
// stable object URI so Create/Update/Delete stay idempotent.
type Post struct {
	Id        uuid.UUID
	URI       string
	ActorURI  string
	Type      string // Page or Note
	Title     string
	Content   string
	InReplyTo string
	Score     int64 // cached vote aggregate
	Deleted   bool  // tombstoned
	Published time.Time
	UpdatedAt time.Time
	CreatedAt time.Time
}

// Vote is a like/dislike keyed by (actor, object). A second vote by the
// same actor on the same object replaces the first.
type Vote struct {
	Id        uuid.UUID
	ActorURI  string
	ObjectURI string
	URI       string // Like/Dislike activity URI
	Score     int    // +1 like, -1 dislike
	CreatedAt time.Time
}

// Announce records a boost/relay of an object so a later Undo can find it.
type Announce struct {
	Id        uuid.UUID
	ActorURI  string
	ObjectURI string
	URI       string // Announce activity URI
	CreatedAt time.Time
}

// Report is a moderation report created by a Flag activity. It never
// mutates the reported content.
type Report struct {
	Id        uuid.UUID
	ActorURI  string
	ObjectURI string
	Reason    string
	CreatedAt time.Time
}

// CollectionItem records membership of an object in a named collection
// (e.g. a community's pinned posts), driven by Add/Remove activities.
type CollectionItem struct {
	Id            uuid.UUID
	CollectionURI string
	ObjectURI     string
	ActorURI      string
	CreatedAt     time.Time
}
