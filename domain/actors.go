package domain

import (
	"github.com/google/uuid"
	"time"
)

// Actor represents a federated identity, local or remote. Remote actors are
// cached copies refreshed on re-fetch; they are tombstoned on remote
// deletion, never hard-deleted.
type Actor struct {
	Id             uuid.UUID
	Username       string
	Domain         string
	ActorURI       string
	InboxURI       string
	SharedInboxURI string
	PublicKeyPem   string
	PrivateKeyPem  string // set for local actors only
	Local          bool
	Banned         bool
	Tombstoned     bool
	LastFetchedAt  time.Time
	LastFailedAt   time.Time
	CreatedAt      time.Time
}

// KeyId returns the fragment identifier remote servers use to reference
// this actor's public key.
func (a *Actor) KeyId() string {
	return a.ActorURI + "#main-key"
}

// Follow represents a follow/subscription relationship between two actors,
// identified by the URI of the Follow activity that created it.
type Follow struct {
	Id        uuid.UUID
	ActorURI  string // the follower
	TargetURI string // the actor being followed
	URI       string // Follow activity URI
	Accepted  bool
	CreatedAt time.Time
}

// Block represents a recorded Block relationship. Existing content from the
// blocked actor is not retroactively deleted.
type Block struct {
	Id        uuid.UUID
	ActorURI  string
	TargetURI string
	URI       string // Block activity URI
	CreatedAt time.Time
}
