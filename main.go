package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/deemkeen/mammut/activitypub"
	"github.com/deemkeen/mammut/db"
	"github.com/deemkeen/mammut/domain"
	"github.com/deemkeen/mammut/util"
	"github.com/deemkeen/mammut/web"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

const databaseFileName = "mammut.db"

func main() {

	conf, err := util.ReadConf()
	if err != nil {
		log.Fatalln(err)
	}

	fmt.Println("Configuration: ")
	fmt.Println(util.PrettyPrint(conf))

	database, err := db.Open(util.ResolveFilePath(databaseFileName))
	if err != nil {
		log.Fatalln(err)
	}
	defer database.Close()

	log.Println("Running database migrations...")
	if err := database.RunMigrations(); err != nil {
		log.Fatalln(err)
	}
	log.Println("Database migrations complete")

	if err := ensureLocalActor(database, conf); err != nil {
		log.Fatalln(err)
	}

	registry := prometheus.NewRegistry()
	metrics := activitypub.NewMetrics(registry)

	fed := conf.Conf.Federation
	health := activitypub.NewHealthTracker(
		fed.BreakerFailures,
		time.Duration(fed.BreakerCooldownSecs)*time.Second,
		metrics,
	)
	resolver := activitypub.NewResolver(database, time.Duration(fed.ActorCacheHours)*time.Hour, metrics)
	outbox := activitypub.NewOutbox(database, resolver, conf)
	processor := activitypub.NewProcessor(database, resolver, activitypub.NewRegistry(), outbox, conf, metrics)
	worker := activitypub.NewDeliveryWorker(database, health, conf, metrics)

	startServing(conf, worker, &web.Deps{
		Store:     database,
		Processor: processor,
		Health:    health,
		Gatherer:  registry,
	})
}

// ensureLocalActor provisions the instance actor with a fresh keypair on
// first start.
func ensureLocalActor(database *db.DB, conf *util.AppConfig) error {
	username := os.Getenv("MAMMUT_USERNAME")
	if username == "" {
		username = "admin"
	}

	if err, existing := database.ReadLocalActorByUsername(username); err == nil && existing != nil {
		return nil
	}

	keys := util.GeneratePemKeypair()
	actorURI := fmt.Sprintf("https://%s/users/%s", conf.Conf.Domain, username)
	log.Printf("Provisioning local actor %s", actorURI)

	now := time.Now()
	return database.UpsertActor(&domain.Actor{
		Id:             uuid.New(),
		Username:       username,
		Domain:         conf.Conf.Domain,
		ActorURI:       actorURI,
		InboxURI:       actorURI + "/inbox",
		SharedInboxURI: fmt.Sprintf("https://%s/inbox", conf.Conf.Domain),
		PublicKeyPem:   keys.Public,
		PrivateKeyPem:  keys.Private,
		Local:          true,
		LastFetchedAt:  now,
		CreatedAt:      now,
	})
}

func startServing(conf *util.AppConfig, worker *activitypub.DeliveryWorker, deps *web.Deps) {
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	workerDone := make(chan struct{})
	go func() {
		worker.Start(ctx)
		close(workerDone)
	}()

	go func() {
		if err := web.Router(conf, deps); err != nil {
			log.Fatalln(err)
		}
	}()

	<-done
	log.Println("Stopping federation server")
	cancel()

	// let in-flight deliveries settle before exiting
	select {
	case <-workerDone:
	case <-time.After(30 * time.Second):
		log.Println("Delivery workers did not drain in time")
	}
}
