package db

import (
	"database/sql"
	"time"

	"github.com/deemkeen/mammut/domain"
	"github.com/google/uuid"
)

// Processed activity (idempotency) queries
const (
	sqlClaimActivity = `INSERT INTO processed_activities(activity_uri, activity_type, actor_uri, object_uri, outcome, created_at)
			VALUES (?, ?, ?, ?, 'claimed', ?)
			ON CONFLICT(activity_uri) DO NOTHING`
	sqlRecordOutcome             = `UPDATE processed_activities SET outcome = ? WHERE activity_uri = ?`
	sqlSelectProcessedActivity   = `SELECT activity_uri, activity_type, actor_uri, object_uri, outcome, created_at FROM processed_activities WHERE activity_uri = ?`
	sqlPurgeProcessedActivities  = `DELETE FROM processed_activities WHERE created_at < ?`
)

// ClaimActivity atomically claims an activity ID for processing. It returns
// true exactly once per ID: the INSERT is a no-op when a row already exists,
// which is the single synchronization point preventing double-processing
// under concurrent duplicate delivery.
func (db *DB) ClaimActivity(activityURI, activityType, actorURI, objectURI string) (bool, error) {
	res, err := db.db.Exec(sqlClaimActivity, activityURI, activityType, actorURI, objectURI, time.Now())
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// RecordActivityOutcome is best-effort: callers log a failure but do not
// abort processing over it.
func (db *DB) RecordActivityOutcome(activityURI, outcome string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlRecordOutcome, outcome, activityURI)
		return err
	})
}

func (db *DB) ReadProcessedActivity(activityURI string) (error, *domain.ProcessedActivity) {
	row := db.db.QueryRow(sqlSelectProcessedActivity, activityURI)
	var rec domain.ProcessedActivity
	err := row.Scan(
		&rec.ActivityURI,
		&rec.ActivityType,
		&rec.ActorURI,
		&rec.ObjectURI,
		&rec.Outcome,
		&rec.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return err, nil
	}
	if err != nil {
		return err, nil
	}
	return nil, &rec
}

// PurgeProcessedBefore drops idempotency records older than the retention
// cutoff. Remote retries do not persist that long, so this loses nothing.
func (db *DB) PurgeProcessedBefore(cutoff time.Time) (int64, error) {
	res, err := db.db.Exec(sqlPurgeProcessedActivities, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Delivery queue queries
const (
	sqlInsertDelivery = `INSERT INTO delivery_queue(id, inbox_uri, actor_uri, activity_json, attempts, next_attempt_at, status, last_error, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectDueDeliveries = `SELECT id, inbox_uri, actor_uri, activity_json, attempts, next_attempt_at, status, last_error, created_at, updated_at
			FROM delivery_queue WHERE status = 'pending' AND next_attempt_at <= ? ORDER BY next_attempt_at ASC LIMIT ?`
	sqlMarkDeliveryInFlight = `UPDATE delivery_queue SET status = 'in-flight', updated_at = ? WHERE id = ? AND status = 'pending'`
	sqlMarkDelivered        = `UPDATE delivery_queue SET status = 'delivered', updated_at = ? WHERE id = ?`
	sqlMarkDeliveryDead     = `UPDATE delivery_queue SET status = 'dead', last_error = ?, updated_at = ? WHERE id = ?`
	sqlRescheduleDelivery   = `UPDATE delivery_queue SET status = 'pending', attempts = ?, next_attempt_at = ?, last_error = ?, updated_at = ? WHERE id = ?`
	sqlCancelPendingToHost  = `UPDATE delivery_queue SET status = 'dead', last_error = 'destination banned', updated_at = ? WHERE status = 'pending' AND inbox_uri LIKE ?`
	sqlResetInFlight        = `UPDATE delivery_queue SET status = 'pending', updated_at = ? WHERE status = 'in-flight'`
	sqlSelectDeadDeliveries = `SELECT id, inbox_uri, actor_uri, activity_json, attempts, next_attempt_at, status, last_error, created_at, updated_at
			FROM delivery_queue WHERE status = 'dead' ORDER BY updated_at DESC LIMIT ?`
)

func (db *DB) EnqueueDelivery(task *domain.DeliveryTask) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertDelivery,
			task.Id.String(),
			task.InboxURI,
			task.ActorURI,
			task.ActivityJSON,
			task.Attempts,
			task.NextAttemptAt,
			task.Status,
			task.LastError,
			task.CreatedAt,
			task.UpdatedAt,
		)
		return err
	})
}

// ReadDueDeliveries returns pending tasks whose next-attempt time has
// passed and flips each one to in-flight so concurrent workers never pick
// up the same task twice.
func (db *DB) ReadDueDeliveries(limit int) (error, *[]domain.DeliveryTask) {
	rows, err := db.db.Query(sqlSelectDueDeliveries, time.Now(), limit)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var tasks []domain.DeliveryTask
	for rows.Next() {
		var task domain.DeliveryTask
		var idStr string
		if err := rows.Scan(&idStr, &task.InboxURI, &task.ActorURI, &task.ActivityJSON, &task.Attempts, &task.NextAttemptAt, &task.Status, &task.LastError, &task.CreatedAt, &task.UpdatedAt); err != nil {
			return err, &tasks
		}
		task.Id, _ = uuid.Parse(idStr)
		tasks = append(tasks, task)
	}
	if err = rows.Err(); err != nil {
		return err, &tasks
	}

	var claimed []domain.DeliveryTask
	for _, task := range tasks {
		res, err := db.db.Exec(sqlMarkDeliveryInFlight, time.Now(), task.Id.String())
		if err != nil {
			return err, &claimed
		}
		if n, _ := res.RowsAffected(); n == 1 {
			task.Status = domain.DeliveryInFlight
			claimed = append(claimed, task)
		}
	}
	return nil, &claimed
}

func (db *DB) MarkDelivered(id uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlMarkDelivered, time.Now(), id.String())
		return err
	})
}

func (db *DB) MarkDeliveryDead(id uuid.UUID, lastError string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlMarkDeliveryDead, lastError, time.Now(), id.String())
		return err
	})
}

func (db *DB) RescheduleDelivery(id uuid.UUID, attempts int, nextAttempt time.Time, lastError string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlRescheduleDelivery, attempts, nextAttempt, lastError, time.Now(), id.String())
		return err
	})
}

// ResetInFlightDeliveries returns tasks stranded in-flight by a crash to
// the pending pool. Runs once at startup, before any worker claims tasks,
// so no delivery is lost between claim and completion.
func (db *DB) ResetInFlightDeliveries() (int64, error) {
	res, err := db.db.Exec(sqlResetInFlight, time.Now())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CancelPendingToHost dead-letters queued tasks addressed to a banned
// destination. Tasks already in flight are left alone.
func (db *DB) CancelPendingToHost(host string) (int64, error) {
	res, err := db.db.Exec(sqlCancelPendingToHost, time.Now(), "%://"+host+"/%")
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ReadDeadDeliveries lists dead-lettered tasks for operator inspection.
func (db *DB) ReadDeadDeliveries(limit int) (error, *[]domain.DeliveryTask) {
	rows, err := db.db.Query(sqlSelectDeadDeliveries, limit)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var tasks []domain.DeliveryTask
	for rows.Next() {
		var task domain.DeliveryTask
		var idStr string
		if err := rows.Scan(&idStr, &task.InboxURI, &task.ActorURI, &task.ActivityJSON, &task.Attempts, &task.NextAttemptAt, &task.Status, &task.LastError, &task.CreatedAt, &task.UpdatedAt); err != nil {
			return err, &tasks
		}
		task.Id, _ = uuid.Parse(idStr)
		tasks = append(tasks, task)
	}
	if err = rows.Err(); err != nil {
		return err, &tasks
	}
	return nil, &tasks
}
