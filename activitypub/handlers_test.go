package activitypub

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/deemkeen/mammut/domain"
	"github.com/deemkeen/mammut/util"
	"github.com/google/uuid"
)

var errNotFound = errors.New("not found")

// fakeStore is an in-memory Storage used across the package tests. It
// mirrors the upsert-keyed-by-URI semantics of the sqlite store, including
// the vote score aggregate.
type fakeStore struct {
	mu         sync.Mutex
	actors     map[string]*domain.Actor
	follows    map[string]*domain.Follow // keyed by actor|target
	blocks     map[string]*domain.Block  // keyed by actor|target
	posts      map[string]*domain.Post
	votes      map[string]*domain.Vote     // keyed by actor|object
	announces  map[string]*domain.Announce // keyed by actor|object
	reports    []*domain.Report
	items      map[string]*domain.CollectionItem // keyed by collection|object
	processed  map[string]string
	deliveries []*domain.DeliveryTask
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		actors:    make(map[string]*domain.Actor),
		follows:   make(map[string]*domain.Follow),
		blocks:    make(map[string]*domain.Block),
		posts:     make(map[string]*domain.Post),
		votes:     make(map[string]*domain.Vote),
		announces: make(map[string]*domain.Announce),
		items:     make(map[string]*domain.CollectionItem),
		processed: make(map[string]string),
	}
}

func (s *fakeStore) UpsertActor(actor *domain.Actor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *actor
	s.actors[actor.ActorURI] = &copied
	return nil
}

func (s *fakeStore) ReadActorByURI(uri string) (error, *domain.Actor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	actor, ok := s.actors[uri]
	if !ok {
		return errNotFound, nil
	}
	copied := *actor
	return nil, &copied
}

func (s *fakeStore) ReadLocalActorByUsername(username string) (error, *domain.Actor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, actor := range s.actors {
		if actor.Local && actor.Username == username {
			copied := *actor
			return nil, &copied
		}
	}
	return errNotFound, nil
}

func (s *fakeStore) TombstoneActor(uri string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if actor, ok := s.actors[uri]; ok {
		actor.Tombstoned = true
	}
	return nil
}

func (s *fakeStore) MarkActorFetchFailed(uri string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if actor, ok := s.actors[uri]; ok {
		actor.LastFailedAt = at
	}
	return nil
}

func (s *fakeStore) UpsertFollow(follow *domain.Follow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := follow.ActorURI + "|" + follow.TargetURI
	if existing, ok := s.follows[key]; ok {
		existing.URI = follow.URI
		return nil
	}
	copied := *follow
	s.follows[key] = &copied
	return nil
}

func (s *fakeStore) ReadFollowByURI(uri string) (error, *domain.Follow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, follow := range s.follows {
		if follow.URI == uri {
			copied := *follow
			return nil, &copied
		}
	}
	return errNotFound, nil
}

func (s *fakeStore) AcceptFollowByURI(uri string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, follow := range s.follows {
		if follow.URI == uri {
			follow.Accepted = true
		}
	}
	return nil
}

func (s *fakeStore) DeleteFollowByURI(uri string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, follow := range s.follows {
		if follow.URI == uri {
			delete(s.follows, key)
		}
	}
	return nil
}

func (s *fakeStore) ReadFollowersOf(targetURI string) (error, *[]domain.Actor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var followers []domain.Actor
	for _, follow := range s.follows {
		if follow.TargetURI != targetURI || !follow.Accepted {
			continue
		}
		if actor, ok := s.actors[follow.ActorURI]; ok && !actor.Tombstoned {
			followers = append(followers, *actor)
		}
	}
	return nil, &followers
}

func (s *fakeStore) UpsertBlock(block *domain.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *block
	s.blocks[block.ActorURI+"|"+block.TargetURI] = &copied
	return nil
}

func (s *fakeStore) ReadBlockByURI(uri string) (error, *domain.Block) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, block := range s.blocks {
		if block.URI == uri {
			copied := *block
			return nil, &copied
		}
	}
	return errNotFound, nil
}

func (s *fakeStore) DeleteBlockByURI(uri string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, block := range s.blocks {
		if block.URI == uri {
			delete(s.blocks, key)
		}
	}
	return nil
}

func (s *fakeStore) UpsertPost(post *domain.Post) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.posts[post.URI]; ok {
		existing.Title = post.Title
		existing.Content = post.Content
		existing.UpdatedAt = post.UpdatedAt
		return nil
	}
	copied := *post
	s.posts[post.URI] = &copied
	return nil
}

func (s *fakeStore) ReadPostByURI(uri string) (error, *domain.Post) {
	s.mu.Lock()
	defer s.mu.Unlock()
	post, ok := s.posts[uri]
	if !ok {
		return errNotFound, nil
	}
	copied := *post
	return nil, &copied
}

func (s *fakeStore) TombstonePost(uri string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if post, ok := s.posts[uri]; ok {
		post.Deleted = true
		post.Title = ""
		post.Content = ""
	}
	return nil
}

func (s *fakeStore) UpsertVote(vote *domain.Vote) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := vote.ActorURI + "|" + vote.ObjectURI
	previous := 0
	if existing, ok := s.votes[key]; ok {
		previous = existing.Score
	}
	copied := *vote
	s.votes[key] = &copied
	if post, ok := s.posts[vote.ObjectURI]; ok {
		post.Score += int64(vote.Score - previous)
	}
	return nil
}

func (s *fakeStore) ReadVoteByURI(uri string) (error, *domain.Vote) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, vote := range s.votes {
		if vote.URI == uri {
			copied := *vote
			return nil, &copied
		}
	}
	return errNotFound, nil
}

func (s *fakeStore) DeleteVote(actorURI, objectURI string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := actorURI + "|" + objectURI
	vote, ok := s.votes[key]
	if !ok {
		return nil
	}
	delete(s.votes, key)
	if post, ok := s.posts[objectURI]; ok {
		post.Score -= int64(vote.Score)
	}
	return nil
}

func (s *fakeStore) UpsertAnnounce(announce *domain.Announce) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *announce
	s.announces[announce.ActorURI+"|"+announce.ObjectURI] = &copied
	return nil
}

func (s *fakeStore) ReadAnnounceByURI(uri string) (error, *domain.Announce) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, announce := range s.announces {
		if announce.URI == uri {
			copied := *announce
			return nil, &copied
		}
	}
	return errNotFound, nil
}

func (s *fakeStore) DeleteAnnounceByURI(uri string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, announce := range s.announces {
		if announce.URI == uri {
			delete(s.announces, key)
		}
	}
	return nil
}

func (s *fakeStore) CreateReport(report *domain.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *report
	s.reports = append(s.reports, &copied)
	return nil
}

func (s *fakeStore) AddCollectionItem(item *domain.CollectionItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := item.CollectionURI + "|" + item.ObjectURI
	if _, ok := s.items[key]; ok {
		return nil
	}
	copied := *item
	s.items[key] = &copied
	return nil
}

func (s *fakeStore) RemoveCollectionItem(collectionURI, objectURI string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, collectionURI+"|"+objectURI)
	return nil
}

func (s *fakeStore) ClaimActivity(activityURI, activityType, actorURI, objectURI string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.processed[activityURI]; ok {
		return false, nil
	}
	s.processed[activityURI] = "claimed"
	return true, nil
}

func (s *fakeStore) RecordActivityOutcome(activityURI, outcome string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processed[activityURI] = outcome
	return nil
}

func (s *fakeStore) ReadProcessedActivity(activityURI string) (error, *domain.ProcessedActivity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	outcome, ok := s.processed[activityURI]
	if !ok {
		return errNotFound, nil
	}
	return nil, &domain.ProcessedActivity{ActivityURI: activityURI, Outcome: outcome}
}

func (s *fakeStore) PurgeProcessedBefore(cutoff time.Time) (int64, error) {
	return 0, nil
}

func (s *fakeStore) EnqueueDelivery(task *domain.DeliveryTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *task
	s.deliveries = append(s.deliveries, &copied)
	return nil
}

func (s *fakeStore) ReadDueDeliveries(limit int) (error, *[]domain.DeliveryTask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []domain.DeliveryTask
	for _, task := range s.deliveries {
		if task.Status == domain.DeliveryPending && len(due) < limit {
			task.Status = domain.DeliveryInFlight
			due = append(due, *task)
		}
	}
	return nil, &due
}

func (s *fakeStore) MarkDelivered(id uuid.UUID) error {
	return s.setDeliveryStatus(id, domain.DeliveryDelivered, "")
}

func (s *fakeStore) MarkDeliveryDead(id uuid.UUID, lastError string) error {
	return s.setDeliveryStatus(id, domain.DeliveryDead, lastError)
}

func (s *fakeStore) setDeliveryStatus(id uuid.UUID, status, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, task := range s.deliveries {
		if task.Id == id {
			task.Status = status
			task.LastError = lastError
		}
	}
	return nil
}

func (s *fakeStore) RescheduleDelivery(id uuid.UUID, attempts int, nextAttempt time.Time, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, task := range s.deliveries {
		if task.Id == id {
			task.Status = domain.DeliveryPending
			task.Attempts = attempts
			task.NextAttemptAt = nextAttempt
			task.LastError = lastError
		}
	}
	return nil
}

func (s *fakeStore) ResetInFlightDeliveries() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, task := range s.deliveries {
		if task.Status == domain.DeliveryInFlight {
			task.Status = domain.DeliveryPending
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) CancelPendingToHost(host string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, task := range s.deliveries {
		if task.Status == domain.DeliveryPending && strings.Contains(task.InboxURI, "://"+host+"/") {
			task.Status = domain.DeliveryDead
			task.LastError = "destination banned"
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) ReadDeadDeliveries(limit int) (error, *[]domain.DeliveryTask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var dead []domain.DeliveryTask
	for _, task := range s.deliveries {
		if task.Status == domain.DeliveryDead && len(dead) < limit {
			dead = append(dead, *task)
		}
	}
	return nil, &dead
}

// test fixtures

func testConf() *util.AppConfig {
	conf := &util.AppConfig{}
	conf.Conf.Domain = "local.example"
	conf.Conf.Federation.MaxPayloadBytes = testMaxPayload
	conf.Conf.Federation.ClockSkewMinutes = 5
	conf.Conf.Federation.MaxAttempts = 5
	conf.Conf.Federation.BackoffBaseSecs = 60
	conf.Conf.Federation.BackoffCapSecs = 3600
	conf.Conf.Federation.BreakerFailures = 3
	conf.Conf.Federation.BreakerCooldownSecs = 60
	return conf
}

func testHandlerContext(store *fakeStore) *HandlerContext {
	conf := testConf()
	resolver := NewResolver(store, time.Hour, nil)
	return &HandlerContext{
		Store:    store,
		Resolver: resolver,
		Outbox:   NewOutbox(store, resolver, conf),
		Conf:     conf,
	}
}

func localActor(username string) *domain.Actor {
	uri := "https://local.example/users/" + username
	keys := util.GeneratePemKeypair()
	return &domain.Actor{
		Id:            uuid.New(),
		Username:      username,
		Domain:        "local.example",
		ActorURI:      uri,
		InboxURI:      uri + "/inbox",
		PublicKeyPem:  keys.Public,
		PrivateKeyPem: keys.Private,
		Local:         true,
		LastFetchedAt: time.Now(),
		CreatedAt:     time.Now(),
	}
}

func remoteActor(dom, username string) *domain.Actor {
	uri := fmt.Sprintf("https://%s/users/%s", dom, username)
	keys := util.GeneratePemKeypair()
	return &domain.Actor{
		Id:             uuid.New(),
		Username:       username,
		Domain:         dom,
		ActorURI:       uri,
		InboxURI:       uri + "/inbox",
		SharedInboxURI: "",
		PublicKeyPem:   keys.Public,
		Local:          false,
		LastFetchedAt:  time.Now(),
		CreatedAt:      time.Now(),
	}
}

func mustActivity(t *testing.T, body string) *Activity {
	t.Helper()
	activity, err := ValidateActivity([]byte(body), testMaxPayload)
	if err != nil {
		t.Fatalf("Fixture activity invalid: %v", err)
	}
	return activity
}

func remotePost(uri, actorURI string) *domain.Post {
	return &domain.Post{
		Id:        uuid.New(),
		URI:       uri,
		ActorURI:  actorURI,
		Type:      "Note",
		Content:   "hello fediverse",
		Published: time.Now(),
		UpdatedAt: time.Now(),
		CreatedAt: time.Now(),
	}
}

// tests

func TestHandleFollowAcceptsAndQueuesResponse(t *testing.T) {
	store := newFakeStore()
	target := localActor("bob")
	follower := remoteActor("remote.example", "alice")
	store.UpsertActor(target)
	store.UpsertActor(follower)

	ctx := testHandlerContext(store)
	follow := mustActivity(t, fmt.Sprintf(
		`{"id":"https://remote.example/acts/follow-1","type":"Follow","actor":"%s","object":"%s"}`,
		follower.ActorURI, target.ActorURI))

	outcome, err := handleFollow(ctx, follow)
	if err != nil || outcome != OutcomeApplied {
		t.Fatalf("Expected Applied, got %s (%v)", outcome, err)
	}

	err2, stored := store.ReadFollowByURI(follow.ID)
	if err2 != nil || stored == nil {
		t.Fatal("Expected follow to be stored")
	}
	if !stored.Accepted {
		t.Error("Expected follow to be accepted")
	}

	if len(store.deliveries) != 1 {
		t.Fatalf("Expected 1 queued delivery, got %d", len(store.deliveries))
	}
	task := store.deliveries[0]
	if task.InboxURI != follower.InboxURI {
		t.Errorf("Expected delivery to follower inbox, got %s", task.InboxURI)
	}
	if !strings.Contains(task.ActivityJSON, `"Accept"`) {
		t.Error("Expected queued activity to be an Accept")
	}
	if !strings.Contains(task.ActivityJSON, follow.ID) {
		t.Error("Accept should embed the original Follow id")
	}
}

func TestHandleFollowTombstonedTargetRejects(t *testing.T) {
	store := newFakeStore()
	target := localActor("bob")
	target.Tombstoned = true
	follower := remoteActor("remote.example", "alice")
	store.UpsertActor(target)
	store.UpsertActor(follower)

	ctx := testHandlerContext(store)
	follow := mustActivity(t, fmt.Sprintf(
		`{"id":"https://remote.example/acts/follow-2","type":"Follow","actor":"%s","object":"%s"}`,
		follower.ActorURI, target.ActorURI))

	outcome, err := handleFollow(ctx, follow)
	if err != nil || outcome != OutcomeApplied {
		t.Fatalf("Expected Applied, got %s (%v)", outcome, err)
	}
	if len(store.deliveries) != 1 || !strings.Contains(store.deliveries[0].ActivityJSON, `"Reject"`) {
		t.Error("Expected a Reject to be queued")
	}
}

func TestHandleFollowUnknownTargetIgnored(t *testing.T) {
	store := newFakeStore()
	ctx := testHandlerContext(store)
	follow := mustActivity(t,
		`{"id":"https://remote.example/acts/follow-3","type":"Follow","actor":"https://remote.example/users/alice","object":"https://elsewhere.example/users/nobody"}`)

	outcome, err := handleFollow(ctx, follow)
	if err != nil || outcome != OutcomeIgnored {
		t.Fatalf("Expected Ignored for unknown target, got %s (%v)", outcome, err)
	}
}

func TestDuplicateLikeKeepsSingleVote(t *testing.T) {
	store := newFakeStore()
	post := remotePost("https://local.example/posts/1", "https://local.example/users/bob")
	store.UpsertPost(post)
	ctx := testHandlerContext(store)

	like := func(id string) *Activity {
		return mustActivity(t, fmt.Sprintf(
			`{"id":"%s","type":"Like","actor":"https://remote.example/users/alice","object":"%s"}`, id, post.URI))
	}

	if outcome, err := handleLike(ctx, like("https://remote.example/acts/like-1")); err != nil || outcome != OutcomeApplied {
		t.Fatalf("First like: expected Applied, got %s (%v)", outcome, err)
	}
	// a replay with a different activity id still collapses to one vote
	if outcome, err := handleLike(ctx, like("https://remote.example/acts/like-2")); err != nil || outcome != OutcomeApplied {
		t.Fatalf("Second like: expected Applied, got %s (%v)", outcome, err)
	}

	if len(store.votes) != 1 {
		t.Errorf("Expected 1 vote, got %d", len(store.votes))
	}
	_, updated := store.ReadPostByURI(post.URI)
	if updated.Score != 1 {
		t.Errorf("Expected score 1, got %d", updated.Score)
	}
}

func TestVotePolaritySwitch(t *testing.T) {
	store := newFakeStore()
	post := remotePost("https://local.example/posts/2", "https://local.example/users/bob")
	store.UpsertPost(post)
	ctx := testHandlerContext(store)

	handleLike(ctx, mustActivity(t, fmt.Sprintf(
		`{"id":"https://remote.example/acts/like-3","type":"Like","actor":"https://remote.example/users/alice","object":"%s"}`, post.URI)))
	handleDislike(ctx, mustActivity(t, fmt.Sprintf(
		`{"id":"https://remote.example/acts/dislike-1","type":"Dislike","actor":"https://remote.example/users/alice","object":"%s"}`, post.URI)))

	if len(store.votes) != 1 {
		t.Errorf("Expected 1 vote after polarity switch, got %d", len(store.votes))
	}
	_, updated := store.ReadPostByURI(post.URI)
	if updated.Score != -1 {
		t.Errorf("Expected score -1 after switch, got %d", updated.Score)
	}
}

func TestHandleUndoLikeRestoresScore(t *testing.T) {
	store := newFakeStore()
	post := remotePost("https://local.example/posts/3", "https://local.example/users/bob")
	store.UpsertPost(post)
	ctx := testHandlerContext(store)

	likeURI := "https://remote.example/acts/like-4"
	handleLike(ctx, mustActivity(t, fmt.Sprintf(
		`{"id":"%s","type":"Like","actor":"https://remote.example/users/alice","object":"%s"}`, likeURI, post.URI)))

	undo := mustActivity(t, fmt.Sprintf(
		`{"id":"https://remote.example/acts/undo-1","type":"Undo","actor":"https://remote.example/users/alice","object":{"id":"%s","type":"Like"}}`, likeURI))

	outcome, err := handleUndo(ctx, undo)
	if err != nil || outcome != OutcomeApplied {
		t.Fatalf("Expected Applied, got %s (%v)", outcome, err)
	}
	if len(store.votes) != 0 {
		t.Error("Expected vote to be removed")
	}
	_, updated := store.ReadPostByURI(post.URI)
	if updated.Score != 0 {
		t.Errorf("Expected score back to 0, got %d", updated.Score)
	}
}

func TestUndoBeforeOriginalIgnored(t *testing.T) {
	store := newFakeStore()
	ctx := testHandlerContext(store)

	undo := mustActivity(t,
		`{"id":"https://remote.example/acts/undo-2","type":"Undo","actor":"https://remote.example/users/alice","object":{"id":"https://remote.example/acts/like-never-seen","type":"Like"}}`)

	outcome, err := handleUndo(ctx, undo)
	if err != nil || outcome != OutcomeIgnored {
		t.Fatalf("Expected Ignored for out-of-order Undo, got %s (%v)", outcome, err)
	}
}

func TestUndoFollowActorMismatchIgnored(t *testing.T) {
	store := newFakeStore()
	store.UpsertFollow(&domain.Follow{
		Id:        uuid.New(),
		ActorURI:  "https://remote.example/users/alice",
		TargetURI: "https://local.example/users/bob",
		URI:       "https://remote.example/acts/follow-9",
		Accepted:  true,
		CreatedAt: time.Now(),
	})
	ctx := testHandlerContext(store)

	// a different actor tries to undo alice's follow
	undo := mustActivity(t,
		`{"id":"https://remote.example/acts/undo-3","type":"Undo","actor":"https://remote.example/users/mallory","object":{"id":"https://remote.example/acts/follow-9","type":"Follow"}}`)

	outcome, err := handleUndo(ctx, undo)
	if err != nil || outcome != OutcomeIgnored {
		t.Fatalf("Expected Ignored, got %s (%v)", outcome, err)
	}
	if err, follow := store.ReadFollowByURI("https://remote.example/acts/follow-9"); err != nil || follow == nil {
		t.Error("Follow should survive an Undo from the wrong actor")
	}
}

func TestHandleAcceptRequiresFollowTarget(t *testing.T) {
	store := newFakeStore()
	store.UpsertFollow(&domain.Follow{
		Id:        uuid.New(),
		ActorURI:  "https://local.example/users/admin",
		TargetURI: "https://other.example/users/carol",
		URI:       "https://local.example/activities/follow-out-1",
		Accepted:  false,
		CreatedAt: time.Now(),
	})
	ctx := testHandlerContext(store)

	// only carol, the followed actor, may accept this follow
	forged := mustActivity(t,
		`{"id":"https://evil.example/acts/accept-1","type":"Accept","actor":"https://evil.example/users/mallory","object":"https://local.example/activities/follow-out-1"}`)
	if outcome, err := handleAccept(ctx, forged); err != nil || outcome != OutcomeIgnored {
		t.Fatalf("Forged accept: expected Ignored, got %s (%v)", outcome, err)
	}
	if _, follow := store.ReadFollowByURI("https://local.example/activities/follow-out-1"); follow.Accepted {
		t.Fatal("Follow must stay pending after an accept from the wrong actor")
	}

	genuine := mustActivity(t,
		`{"id":"https://other.example/acts/accept-1","type":"Accept","actor":"https://other.example/users/carol","object":"https://local.example/activities/follow-out-1"}`)
	if outcome, err := handleAccept(ctx, genuine); err != nil || outcome != OutcomeApplied {
		t.Fatalf("Genuine accept: expected Applied, got %s (%v)", outcome, err)
	}
	if _, follow := store.ReadFollowByURI("https://local.example/activities/follow-out-1"); !follow.Accepted {
		t.Error("Expected follow accepted by its target")
	}
}

func TestHandleRejectRequiresFollowTarget(t *testing.T) {
	store := newFakeStore()
	store.UpsertFollow(&domain.Follow{
		Id:        uuid.New(),
		ActorURI:  "https://local.example/users/admin",
		TargetURI: "https://other.example/users/carol",
		URI:       "https://local.example/activities/follow-out-2",
		Accepted:  false,
		CreatedAt: time.Now(),
	})
	ctx := testHandlerContext(store)

	forged := mustActivity(t,
		`{"id":"https://evil.example/acts/reject-1","type":"Reject","actor":"https://evil.example/users/mallory","object":"https://local.example/activities/follow-out-2"}`)
	if outcome, err := handleReject(ctx, forged); err != nil || outcome != OutcomeIgnored {
		t.Fatalf("Forged reject: expected Ignored, got %s (%v)", outcome, err)
	}
	if err, follow := store.ReadFollowByURI("https://local.example/activities/follow-out-2"); err != nil || follow == nil {
		t.Error("Follow must survive a reject from the wrong actor")
	}
}

func TestUndoAnnounceActorMismatchIgnored(t *testing.T) {
	store := newFakeStore()
	ctx := testHandlerContext(store)

	boost := mustActivity(t,
		`{"id":"https://remote.example/acts/boost-9","type":"Announce","actor":"https://remote.example/users/alice","object":"https://other.example/posts/9"}`)
	if outcome, err := handleAnnounce(ctx, boost); err != nil || outcome != OutcomeApplied {
		t.Fatalf("Announce: expected Applied, got %s (%v)", outcome, err)
	}

	undo := mustActivity(t,
		`{"id":"https://remote.example/acts/undo-9","type":"Undo","actor":"https://remote.example/users/mallory","object":{"id":"https://remote.example/acts/boost-9","type":"Announce"}}`)
	if outcome, err := handleUndo(ctx, undo); err != nil || outcome != OutcomeIgnored {
		t.Fatalf("Expected Ignored, got %s (%v)", outcome, err)
	}
	if len(store.announces) != 1 {
		t.Error("Announce should survive an Undo from the wrong actor")
	}
}

func TestUndoBlockActorMismatchIgnored(t *testing.T) {
	store := newFakeStore()
	ctx := testHandlerContext(store)

	block := mustActivity(t,
		`{"id":"https://remote.example/acts/block-9","type":"Block","actor":"https://remote.example/users/alice","object":"https://local.example/users/bob"}`)
	if outcome, err := handleBlock(ctx, block); err != nil || outcome != OutcomeApplied {
		t.Fatalf("Block: expected Applied, got %s (%v)", outcome, err)
	}

	undo := mustActivity(t,
		`{"id":"https://remote.example/acts/undo-10","type":"Undo","actor":"https://remote.example/users/mallory","object":{"id":"https://remote.example/acts/block-9","type":"Block"}}`)
	if outcome, err := handleUndo(ctx, undo); err != nil || outcome != OutcomeIgnored {
		t.Fatalf("Expected Ignored, got %s (%v)", outcome, err)
	}
	if len(store.blocks) != 1 {
		t.Error("Block should survive an Undo from the wrong actor")
	}
}

func TestHandleDeleteAuthorship(t *testing.T) {
	store := newFakeStore()
	post := remotePost("https://remote.example/posts/10", "https://remote.example/users/alice")
	store.UpsertPost(post)
	ctx := testHandlerContext(store)

	// someone else cannot delete alice's post
	outcome, err := handleDelete(ctx, mustActivity(t, fmt.Sprintf(
		`{"id":"https://remote.example/acts/del-1","type":"Delete","actor":"https://remote.example/users/mallory","object":"%s"}`, post.URI)))
	if err != nil || outcome != OutcomeIgnored {
		t.Fatalf("Expected Ignored for foreign delete, got %s (%v)", outcome, err)
	}
	if _, p := store.ReadPostByURI(post.URI); p.Deleted {
		t.Fatal("Post must not be deleted by a non-author")
	}

	// the author can
	outcome, err = handleDelete(ctx, mustActivity(t, fmt.Sprintf(
		`{"id":"https://remote.example/acts/del-2","type":"Delete","actor":"https://remote.example/users/alice","object":"%s"}`, post.URI)))
	if err != nil || outcome != OutcomeApplied {
		t.Fatalf("Expected Applied for author delete, got %s (%v)", outcome, err)
	}
	_, deleted := store.ReadPostByURI(post.URI)
	if !deleted.Deleted || deleted.Content != "" {
		t.Error("Expected post to be tombstoned with content cleared")
	}
}

func TestHandleDeleteSelfTombstonesActor(t *testing.T) {
	store := newFakeStore()
	actor := remoteActor("remote.example", "alice")
	store.UpsertActor(actor)
	ctx := testHandlerContext(store)

	outcome, err := handleDelete(ctx, mustActivity(t, fmt.Sprintf(
		`{"id":"https://remote.example/acts/del-3","type":"Delete","actor":"%s","object":"%s"}`, actor.ActorURI, actor.ActorURI)))
	if err != nil || outcome != OutcomeApplied {
		t.Fatalf("Expected Applied, got %s (%v)", outcome, err)
	}
	_, stored := store.ReadActorByURI(actor.ActorURI)
	if stored == nil || !stored.Tombstoned {
		t.Error("Expected actor row to remain, tombstoned")
	}
}

func TestHandleDeleteUnknownObjectIgnored(t *testing.T) {
	store := newFakeStore()
	ctx := testHandlerContext(store)

	outcome, err := handleDelete(ctx, mustActivity(t,
		`{"id":"https://remote.example/acts/del-4","type":"Delete","actor":"https://remote.example/users/alice","object":"https://remote.example/posts/never-seen"}`))
	if err != nil || outcome != OutcomeIgnored {
		t.Fatalf("Expected Ignored for unknown object, got %s (%v)", outcome, err)
	}
}

func TestHandleCreateThenUpdate(t *testing.T) {
	store := newFakeStore()
	ctx := testHandlerContext(store)

	create := mustActivity(t,
		`{"id":"https://remote.example/acts/create-1","type":"Create","actor":"https://remote.example/users/alice","object":{"id":"https://remote.example/posts/20","type":"Note","content":"first"}}`)
	if outcome, err := handleCreate(ctx, create); err != nil || outcome != OutcomeApplied {
		t.Fatalf("Create: expected Applied, got %s (%v)", outcome, err)
	}

	update := mustActivity(t,
		`{"id":"https://remote.example/acts/update-1","type":"Update","actor":"https://remote.example/users/alice","object":{"id":"https://remote.example/posts/20","type":"Note","content":"edited"}}`)
	if outcome, err := handleUpdate(ctx, update); err != nil || outcome != OutcomeApplied {
		t.Fatalf("Update: expected Applied, got %s (%v)", outcome, err)
	}

	_, post := store.ReadPostByURI("https://remote.example/posts/20")
	if post.Content != "edited" {
		t.Errorf("Expected edited content, got %q", post.Content)
	}

	// an edit by someone who is not the author is ignored
	foreign := mustActivity(t,
		`{"id":"https://remote.example/acts/update-2","type":"Update","actor":"https://remote.example/users/mallory","object":{"id":"https://remote.example/posts/20","type":"Note","content":"defaced"}}`)
	if outcome, err := handleUpdate(ctx, foreign); err != nil || outcome != OutcomeIgnored {
		t.Fatalf("Foreign update: expected Ignored, got %s (%v)", outcome, err)
	}
	_, post = store.ReadPostByURI("https://remote.example/posts/20")
	if post.Content != "edited" {
		t.Error("Foreign update must not change content")
	}
}

func TestHandleUpdateUnknownObjectIgnored(t *testing.T) {
	store := newFakeStore()
	ctx := testHandlerContext(store)

	update := mustActivity(t,
		`{"id":"https://remote.example/acts/update-3","type":"Update","actor":"https://remote.example/users/alice","object":{"id":"https://remote.example/posts/never-seen","type":"Note","content":"x"}}`)
	if outcome, err := handleUpdate(ctx, update); err != nil || outcome != OutcomeIgnored {
		t.Fatalf("Expected Ignored, got %s (%v)", outcome, err)
	}
}

func TestHandleAnnounceWithEmbeddedObject(t *testing.T) {
	store := newFakeStore()
	ctx := testHandlerContext(store)

	announce := mustActivity(t,
		`{"id":"https://remote.example/acts/boost-1","type":"Announce","actor":"https://remote.example/users/alice","object":{"id":"https://other.example/posts/5","type":"Note","content":"boosted","attributedTo":"https://other.example/users/carol"}}`)

	outcome, err := handleAnnounce(ctx, announce)
	if err != nil || outcome != OutcomeApplied {
		t.Fatalf("Expected Applied, got %s (%v)", outcome, err)
	}
	if _, post := store.ReadPostByURI("https://other.example/posts/5"); post == nil {
		t.Error("Expected embedded object to be materialized")
	}
	if len(store.announces) != 1 {
		t.Fatalf("Expected 1 announce, got %d", len(store.announces))
	}

	// the same actor boosting the same object again is absorbed
	again := mustActivity(t,
		`{"id":"https://remote.example/acts/boost-2","type":"Announce","actor":"https://remote.example/users/alice","object":"https://other.example/posts/5"}`)
	if outcome, err := handleAnnounce(ctx, again); err != nil || outcome != OutcomeApplied {
		t.Fatalf("Expected Applied, got %s (%v)", outcome, err)
	}
	if len(store.announces) != 1 {
		t.Errorf("Expected announce to stay deduplicated, got %d rows", len(store.announces))
	}
}

func TestAnnounceMaterializedPostKeepsAuthorship(t *testing.T) {
	store := newFakeStore()
	ctx := testHandlerContext(store)

	// alice boosts carol's note; the materialized post belongs to carol
	boost := mustActivity(t,
		`{"id":"https://remote.example/acts/boost-3","type":"Announce","actor":"https://remote.example/users/alice","object":{"id":"https://other.example/posts/7","type":"Note","content":"carols words","attributedTo":"https://other.example/users/carol"}}`)
	if outcome, err := handleAnnounce(ctx, boost); err != nil || outcome != OutcomeApplied {
		t.Fatalf("Expected Applied, got %s (%v)", outcome, err)
	}
	_, post := store.ReadPostByURI("https://other.example/posts/7")
	if post == nil {
		t.Fatal("Expected embedded object to be materialized")
	}
	if post.ActorURI != "https://other.example/users/carol" {
		t.Fatalf("Expected post attributed to carol, got %s", post.ActorURI)
	}

	// the booster is not the author and cannot tombstone the post
	outcome, err := handleDelete(ctx, mustActivity(t,
		`{"id":"https://remote.example/acts/del-5","type":"Delete","actor":"https://remote.example/users/alice","object":"https://other.example/posts/7"}`))
	if err != nil || outcome != OutcomeIgnored {
		t.Fatalf("Expected Ignored for booster delete, got %s (%v)", outcome, err)
	}
	if _, p := store.ReadPostByURI("https://other.example/posts/7"); p.Deleted {
		t.Fatal("Post must survive a delete from the booster")
	}

	// the author can
	outcome, err = handleDelete(ctx, mustActivity(t,
		`{"id":"https://other.example/acts/del-6","type":"Delete","actor":"https://other.example/users/carol","object":"https://other.example/posts/7"}`))
	if err != nil || outcome != OutcomeApplied {
		t.Fatalf("Expected Applied for author delete, got %s (%v)", outcome, err)
	}
}

func TestHandleFlagRecordsReport(t *testing.T) {
	store := newFakeStore()
	ctx := testHandlerContext(store)

	flag := mustActivity(t,
		`{"id":"https://remote.example/acts/flag-1","type":"Flag","actor":"https://remote.example/users/alice","object":"https://local.example/posts/1","content":"spam"}`)

	outcome, err := handleFlag(ctx, flag)
	if err != nil || outcome != OutcomeApplied {
		t.Fatalf("Expected Applied, got %s (%v)", outcome, err)
	}
	if len(store.reports) != 1 {
		t.Fatalf("Expected 1 report, got %d", len(store.reports))
	}
	if store.reports[0].Reason != "spam" {
		t.Errorf("Expected reason 'spam', got %q", store.reports[0].Reason)
	}
}

func TestHandleAddRemoveCollection(t *testing.T) {
	store := newFakeStore()
	ctx := testHandlerContext(store)

	add := mustActivity(t,
		`{"id":"https://remote.example/acts/add-1","type":"Add","actor":"https://remote.example/users/alice","object":"https://remote.example/posts/7","target":"https://remote.example/collections/pinned"}`)
	if outcome, err := handleAdd(ctx, add); err != nil || outcome != OutcomeApplied {
		t.Fatalf("Add: expected Applied, got %s (%v)", outcome, err)
	}
	if len(store.items) != 1 {
		t.Fatalf("Expected 1 collection item, got %d", len(store.items))
	}

	remove := mustActivity(t,
		`{"id":"https://remote.example/acts/remove-1","type":"Remove","actor":"https://remote.example/users/alice","object":"https://remote.example/posts/7","target":"https://remote.example/collections/pinned"}`)
	if outcome, err := handleRemove(ctx, remove); err != nil || outcome != OutcomeApplied {
		t.Fatalf("Remove: expected Applied, got %s (%v)", outcome, err)
	}
	if len(store.items) != 0 {
		t.Error("Expected collection item to be removed")
	}

	// removing again is a harmless no-op
	if outcome, err := handleRemove(ctx, remove); err != nil || outcome != OutcomeApplied {
		t.Fatalf("Repeat remove: expected Applied, got %s (%v)", outcome, err)
	}
}

func TestHandleBlockAndUndo(t *testing.T) {
	store := newFakeStore()
	ctx := testHandlerContext(store)

	block := mustActivity(t,
		`{"id":"https://remote.example/acts/block-1","type":"Block","actor":"https://remote.example/users/alice","object":"https://local.example/users/bob"}`)
	if outcome, err := handleBlock(ctx, block); err != nil || outcome != OutcomeApplied {
		t.Fatalf("Block: expected Applied, got %s (%v)", outcome, err)
	}
	if len(store.blocks) != 1 {
		t.Fatalf("Expected 1 block, got %d", len(store.blocks))
	}

	undo := mustActivity(t,
		`{"id":"https://remote.example/acts/undo-4","type":"Undo","actor":"https://remote.example/users/alice","object":{"id":"https://remote.example/acts/block-1","type":"Block"}}`)
	if outcome, err := handleUndo(ctx, undo); err != nil || outcome != OutcomeApplied {
		t.Fatalf("Undo Block: expected Applied, got %s (%v)", outcome, err)
	}
	if len(store.blocks) != 0 {
		t.Error("Expected block to be removed")
	}
}

func TestRegistryDispatch(t *testing.T) {
	registry := NewRegistry()

	for _, typ := range []string{"Create", "Update", "Delete", "Follow", "Accept", "Reject",
		"Like", "Dislike", "Announce", "Undo", "Flag", "Add", "Remove", "Block"} {
		if !registry.CanHandle(typ) {
			t.Errorf("Expected registry to handle %s", typ)
		}
	}
	if registry.CanHandle("Question") {
		t.Error("Registry should not handle unknown types")
	}
}

func TestRegistryContainsPanics(t *testing.T) {
	registry := NewRegistry()
	registry.Register("Like", func(ctx *HandlerContext, activity *Activity) (Outcome, error) {
		panic("boom")
	})

	activity := mustActivity(t,
		`{"id":"https://remote.example/acts/like-9","type":"Like","actor":"https://remote.example/users/alice","object":"https://local.example/posts/1"}`)

	outcome, err := registry.Handle(testHandlerContext(newFakeStore()), activity)
	if outcome != OutcomeFailed {
		t.Errorf("Expected Failed after panic, got %s", outcome)
	}
	if err == nil || !strings.Contains(err.Error(), "panic") {
		t.Errorf("Expected panic to be preserved in error, got %v", err)
	}
}
