package activitypub

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/deemkeen/mammut/domain"
	"github.com/deemkeen/mammut/util"
	"github.com/doyensec/safeurl"
)

const (
	deliveryPollInterval = 5 * time.Second
	deliveryBatchSize    = 20
	deliveryTimeout      = 30 * time.Second
	retentionSweepEvery  = time.Hour
	// deferral when the destination's circuit or bucket says not now;
	// does not count as an attempt
	healthDeferDelay = 30 * time.Second
)

// DeliveryWorker drains the durable delivery queue: one poller claims due
// tasks, a pool of workers signs and posts them, and every outcome feeds
// the per-instance health tracker.
type DeliveryWorker struct {
	store   Storage
	health  *HealthTracker
	conf    *util.AppConfig
	metrics *Metrics
	client  *http.Client

	tasks chan domain.DeliveryTask
	wg    sync.WaitGroup
}

func NewDeliveryWorker(store Storage, health *HealthTracker, conf *util.AppConfig, metrics *Metrics) *DeliveryWorker {
	config := safeurl.GetConfigBuilder().
		SetTimeout(deliveryTimeout).
		SetAllowedSchemes("http", "https").
		SetAllowedPorts(80, 443).
		Build()

	return &DeliveryWorker{
		store:   store,
		health:  health,
		conf:    conf,
		metrics: metrics,
		client:  safeurl.Client(config).Client,
		tasks:   make(chan domain.DeliveryTask),
	}
}

// Start launches the poller, the worker pool and the retention sweeper.
// All of them stop when ctx is cancelled; Start blocks until they drain.
func (w *DeliveryWorker) Start(ctx context.Context) {
	workers := w.conf.Conf.Federation.DeliveryWorkers
	log.Printf("DeliveryWorker: Starting %d workers", workers)

	// tasks claimed by a previous process that never finished go back to
	// the pending pool before anyone polls
	if n, err := w.store.ResetInFlightDeliveries(); err != nil {
		log.Printf("DeliveryWorker: Failed to recover stranded deliveries: %v", err)
	} else if n > 0 {
		log.Printf("DeliveryWorker: Recovered %d stranded deliveries", n)
	}

	for i := 0; i < workers; i++ {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			for task := range w.tasks {
				w.attempt(task)
			}
		}()
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.sweepRetention(ctx)
	}()

	ticker := time.NewTicker(deliveryPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			close(w.tasks)
			w.wg.Wait()
			log.Printf("DeliveryWorker: Stopped")
			return
		case <-ticker.C:
			w.poll()
		}
	}
}

func (w *DeliveryWorker) poll() {
	err, due := w.store.ReadDueDeliveries(deliveryBatchSize)
	if err != nil {
		log.Printf("DeliveryWorker: Failed to read due deliveries: %v", err)
		return
	}
	if due == nil {
		return
	}
	for _, task := range *due {
		w.tasks <- task
	}
}

// attempt performs one delivery try and classifies the result:
// 2xx delivered, non-retryable 4xx dead, everything else rescheduled with
// exponential backoff until the attempt cap dead-letters the task.
func (w *DeliveryWorker) attempt(task domain.DeliveryTask) {
	dom, err := util.ExtractDomain(task.InboxURI)
	if err != nil {
		w.deadLetter(task, fmt.Sprintf("invalid inbox URI: %v", err))
		return
	}

	if !w.conf.DomainAllowed(dom) {
		w.deadLetter(task, "destination banned")
		return
	}

	if !w.health.AllowDelivery(dom) {
		// not an attempt: put the task back without touching its counter
		if err := w.store.RescheduleDelivery(task.Id, task.Attempts, time.Now().Add(healthDeferDelay), "deferred: destination unhealthy"); err != nil {
			log.Printf("DeliveryWorker: Failed to defer delivery %s: %v", task.Id, err)
		}
		w.metrics.RecordDeliveryResult("deferred")
		return
	}

	status, err := w.post(task)
	switch {
	case err == nil && status >= 200 && status < 300:
		if err := w.store.MarkDelivered(task.Id); err != nil {
			log.Printf("DeliveryWorker: Failed to mark %s delivered: %v", task.Id, err)
		}
		w.health.RecordSuccess(dom)
		w.metrics.RecordDeliveryResult("delivered")

	case err == nil && status >= 400 && status < 500 && status != http.StatusTooManyRequests:
		// the destination understood us and said no; retrying won't help
		w.health.RecordFailure(dom, false)
		w.deadLetter(task, fmt.Sprintf("rejected with status %d", status))

	default:
		reason := fmt.Sprintf("status %d", status)
		if err != nil {
			reason = err.Error()
		}
		var sigErr *SigningError
		if errors.As(err, &sigErr) {
			// local key problem, not the peer's fault
			w.deadLetter(task, reason)
			return
		}
		w.health.RecordFailure(dom, status == http.StatusTooManyRequests)
		w.retry(task, reason)
	}
}

func (w *DeliveryWorker) post(task domain.DeliveryTask) (int, error) {
	err, signer := w.store.ReadActorByURI(task.ActorURI)
	if err != nil || signer == nil {
		return 0, &SigningError{cause: fmt.Errorf("signing actor %s not found", task.ActorURI)}
	}

	body := []byte(task.ActivityJSON)
	req, err := http.NewRequest("POST", task.InboxURI, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", ContentType)
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("User-Agent", util.GetNameAndVersion())

	if err := SignRequest(req, signer.PrivateKeyPem, signer.KeyId(), body); err != nil {
		return 0, err
	}

	start := time.Now()
	resp, err := w.client.Do(req)
	w.metrics.RecordDeliveryLatency(time.Since(start))
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	return resp.StatusCode, nil
}

func (w *DeliveryWorker) retry(task domain.DeliveryTask, reason string) {
	attempts := task.Attempts + 1
	if attempts >= w.conf.Conf.Federation.MaxAttempts {
		w.deadLetter(task, fmt.Sprintf("gave up after %d attempts: %s", attempts, reason))
		return
	}

	next := time.Now().Add(backoff(attempts, w.conf.Conf.Federation.BackoffBaseSecs, w.conf.Conf.Federation.BackoffCapSecs))
	if err := w.store.RescheduleDelivery(task.Id, attempts, next, reason); err != nil {
		log.Printf("DeliveryWorker: Failed to reschedule delivery %s: %v", task.Id, err)
		return
	}
	log.Printf("DeliveryWorker: Delivery to %s failed (attempt %d): %s, retrying at %s", task.InboxURI, attempts, reason, next.Format(time.RFC3339))
	w.metrics.RecordDeliveryResult("retried")
}

func (w *DeliveryWorker) deadLetter(task domain.DeliveryTask, reason string) {
	if err := w.store.MarkDeliveryDead(task.Id, reason); err != nil {
		log.Printf("DeliveryWorker: Failed to dead-letter delivery %s: %v", task.Id, err)
		return
	}
	log.Printf("DeliveryWorker: Dead-lettered delivery to %s: %s", task.InboxURI, reason)
	w.metrics.RecordDeliveryResult("dead")
}

// backoff computes the delay before attempt n: base * 2^(n-1) with up to
// 25% jitter, capped. Jitter keeps a rebooted peer from being hammered by
// every queued task at once.
func backoff(attempt, baseSecs, capSecs int) time.Duration {
	delay := float64(baseSecs) * float64(int64(1)<<uint(attempt-1))
	capF := float64(capSecs)
	if delay > capF {
		delay = capF
	}
	delay += delay * 0.25 * rand.Float64()
	if delay > capF {
		delay = capF
	}
	return time.Duration(delay * float64(time.Second))
}

// sweepRetention periodically drops idempotency records older than the
// retention window.
func (w *DeliveryWorker) sweepRetention(ctx context.Context) {
	ticker := time.NewTicker(retentionSweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().AddDate(0, 0, -w.conf.Conf.Federation.RetentionDays)
			purged, err := w.store.PurgeProcessedBefore(cutoff)
			if err != nil {
				log.Printf("DeliveryWorker: Retention sweep failed: %v", err)
				continue
			}
			if purged > 0 {
				log.Printf("DeliveryWorker: Purged %d processed-activity records", purged)
			}
		}
	}
}
