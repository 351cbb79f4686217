package activitypub

import (
	"time"

	"github.com/deemkeen/mammut/domain"
	"github.com/google/uuid"
)

// Storage is the federation core's view of domain storage. *db.DB
// implements it; tests substitute an in-memory fake. All object writes
// are upserts keyed by stable URIs so handlers stay idempotent even if
// the dedup layer is bypassed.
type Storage interface {
	// Actors
	UpsertActor(actor *domain.Actor) error
	ReadActorByURI(uri string) (error, *domain.Actor)
	ReadLocalActorByUsername(username string) (error, *domain.Actor)
	TombstoneActor(uri string) error
	MarkActorFetchFailed(uri string, at time.Time) error

	// Follows
	UpsertFollow(follow *domain.Follow) error
	ReadFollowByURI(uri string) (error, *domain.Follow)
	AcceptFollowByURI(uri string) error
	DeleteFollowByURI(uri string) error
	ReadFollowersOf(targetURI string) (error, *[]domain.Actor)

	// Blocks
	UpsertBlock(block *domain.Block) error
	ReadBlockByURI(uri string) (error, *domain.Block)
	DeleteBlockByURI(uri string) error

	// Content objects
	UpsertPost(post *domain.Post) error
	ReadPostByURI(uri string) (error, *domain.Post)
	TombstonePost(uri string) error
	UpsertVote(vote *domain.Vote) error
	ReadVoteByURI(uri string) (error, *domain.Vote)
	DeleteVote(actorURI, objectURI string) error
	UpsertAnnounce(announce *domain.Announce) error
	ReadAnnounceByURI(uri string) (error, *domain.Announce)
	DeleteAnnounceByURI(uri string) error
	CreateReport(report *domain.Report) error
	AddCollectionItem(item *domain.CollectionItem) error
	RemoveCollectionItem(collectionURI, objectURI string) error

	// Idempotency
	ClaimActivity(activityURI, activityType, actorURI, objectURI string) (bool, error)
	RecordActivityOutcome(activityURI, outcome string) error
	ReadProcessedActivity(activityURI string) (error, *domain.ProcessedActivity)
	PurgeProcessedBefore(cutoff time.Time) (int64, error)

	// Delivery queue
	EnqueueDelivery(task *domain.DeliveryTask) error
	ReadDueDeliveries(limit int) (error, *[]domain.DeliveryTask)
	MarkDelivered(id uuid.UUID) error
	MarkDeliveryDead(id uuid.UUID, lastError string) error
	RescheduleDelivery(id uuid.UUID, attempts int, nextAttempt time.Time, lastError string) error
	ResetInFlightDeliveries() (int64, error)
	CancelPendingToHost(host string) (int64, error)
	ReadDeadDeliveries(limit int) (error, *[]domain.DeliveryTask)
}
