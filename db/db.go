package db

import (
	"context"
	"database/sql"
	"log"
	"time"

	"github.com/deemkeen/mammut/domain"
	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
)

// DB is the database struct.
type DB struct {
	db *sql.DB
}

// Open opens the sqlite database at path and prepares it for the
// concurrent federation workload.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// Configure connection pool for concurrent access
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)

	var journalMode string
	if err := sqlDB.QueryRow("PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
		log.Printf("Warning: Failed to enable WAL mode: %v", err)
	} else {
		log.Printf("Database journal mode: %s", journalMode)
	}

	// Optimize PRAGMAs for the concurrent ActivityPub workload
	sqlDB.Exec("PRAGMA synchronous = NORMAL")
	sqlDB.Exec("PRAGMA cache_size = -64000")
	sqlDB.Exec("PRAGMA temp_store = MEMORY")
	sqlDB.Exec("PRAGMA busy_timeout = 5000")
	sqlDB.Exec("PRAGMA foreign_keys = ON")

	return &DB{db: sqlDB}, nil
}

// Close closes the underlying connection pool.
func (db *DB) Close() error {
	return db.db.Close()
}

// wrapTransaction runs the given function within a transaction.
func (db *DB) wrapTransaction(f func(tx *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		log.Printf("error starting transaction: %s", err)
		return err
	}
	for {
		err = f(tx)
		if err != nil {
			serr, ok := err.(*sqlite.Error)
			if ok && serr.Code() == sqlitelib.SQLITE_BUSY {
				continue
			}
			tx.Rollback()
			return err
		}
		err = tx.Commit()
		if err != nil {
			log.Printf("error committing transaction: %s", err)
			return err
		}
		break
	}
	return nil
}

// Actor queries
const (
	sqlUpsertActor = `INSERT INTO actors(id, username, domain, actor_uri, inbox_uri, shared_inbox_uri, public_key_pem, private_key_pem, local, banned, tombstoned, last_fetched_at, last_failed_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(actor_uri) DO UPDATE SET
				username = excluded.username,
				domain = excluded.domain,
				inbox_uri = excluded.inbox_uri,
				shared_inbox_uri = excluded.shared_inbox_uri,
				public_key_pem = excluded.public_key_pem,
				last_fetched_at = excluded.last_fetched_at`
	sqlSelectActorByURI      = `SELECT id, username, domain, actor_uri, inbox_uri, shared_inbox_uri, public_key_pem, private_key_pem, local, banned, tombstoned, last_fetched_at, last_failed_at, created_at FROM actors WHERE actor_uri = ?`
	sqlSelectActorByUsername = `SELECT id, username, domain, actor_uri, inbox_uri, shared_inbox_uri, public_key_pem, private_key_pem, local, banned, tombstoned, last_fetched_at, last_failed_at, created_at FROM actors WHERE username = ? AND local = 1`
	sqlTombstoneActor        = `UPDATE actors SET tombstoned = 1 WHERE actor_uri = ?`
	sqlMarkActorFetchFailed  = `UPDATE actors SET last_failed_at = ? WHERE actor_uri = ?`
)

func (db *DB) UpsertActor(actor *domain.Actor) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpsertActor,
			actor.Id.String(),
			actor.Username,
			actor.Domain,
			actor.ActorURI,
			actor.InboxURI,
			actor.SharedInboxURI,
			actor.PublicKeyPem,
			actor.PrivateKeyPem,
			actor.Local,
			actor.Banned,
			actor.Tombstoned,
			actor.LastFetchedAt,
			actor.LastFailedAt,
			actor.CreatedAt,
		)
		return err
	})
}

func (db *DB) scanActor(row *sql.Row) (error, *domain.Actor) {
	var actor domain.Actor
	var idStr string
	err := row.Scan(
		&idStr,
		&actor.Username,
		&actor.Domain,
		&actor.ActorURI,
		&actor.InboxURI,
		&actor.SharedInboxURI,
		&actor.PublicKeyPem,
		&actor.PrivateKeyPem,
		&actor.Local,
		&actor.Banned,
		&actor.Tombstoned,
		&actor.LastFetchedAt,
		&actor.LastFailedAt,
		&actor.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return err, nil
	}
	if err != nil {
		return err, nil
	}
	actor.Id, _ = uuid.Parse(idStr)
	return nil, &actor
}

func (db *DB) ReadActorByURI(uri string) (error, *domain.Actor) {
	return db.scanActor(db.db.QueryRow(sqlSelectActorByURI, uri))
}

func (db *DB) ReadLocalActorByUsername(username string) (error, *domain.Actor) {
	return db.scanActor(db.db.QueryRow(sqlSelectActorByUsername, username))
}

func (db *DB) TombstoneActor(uri string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlTombstoneActor, uri)
		return err
	})
}

func (db *DB) MarkActorFetchFailed(uri string, at time.Time) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlMarkActorFetchFailed, at, uri)
		return err
	})
}

// Follow queries
const (
	sqlUpsertFollow = `INSERT INTO follows(id, actor_uri, target_uri, uri, accepted, created_at) VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(actor_uri, target_uri) DO UPDATE SET uri = excluded.uri`
	sqlSelectFollowByURI      = `SELECT id, actor_uri, target_uri, uri, accepted, created_at FROM follows WHERE uri = ?`
	sqlAcceptFollowByURI      = `UPDATE follows SET accepted = 1 WHERE uri = ?`
	sqlDeleteFollowByURI      = `DELETE FROM follows WHERE uri = ?`
	sqlSelectFollowersOfActor = `SELECT actors.id, actors.username, actors.domain, actors.actor_uri, actors.inbox_uri, actors.shared_inbox_uri, actors.public_key_pem, actors.private_key_pem, actors.local, actors.banned, actors.tombstoned, actors.last_fetched_at, actors.last_failed_at, actors.created_at
			FROM follows INNER JOIN actors ON actors.actor_uri = follows.actor_uri
			WHERE follows.target_uri = ? AND follows.accepted = 1 AND actors.tombstoned = 0`
)

func (db *DB) UpsertFollow(follow *domain.Follow) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpsertFollow,
			follow.Id.String(),
			follow.ActorURI,
			follow.TargetURI,
			follow.URI,
			follow.Accepted,
			follow.CreatedAt,
		)
		return err
	})
}

func (db *DB) ReadFollowByURI(uri string) (error, *domain.Follow) {
	row := db.db.QueryRow(sqlSelectFollowByURI, uri)
	var follow domain.Follow
	var idStr string
	err := row.Scan(
		&idStr,
		&follow.ActorURI,
		&follow.TargetURI,
		&follow.URI,
		&follow.Accepted,
		&follow.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return err, nil
	}
	if err != nil {
		return err, nil
	}
	follow.Id, _ = uuid.Parse(idStr)
	return nil, &follow
}

func (db *DB) AcceptFollowByURI(uri string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlAcceptFollowByURI, uri)
		return err
	})
}

func (db *DB) DeleteFollowByURI(uri string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteFollowByURI, uri)
		return err
	})
}

// ReadFollowersOf returns the accepted, non-tombstoned followers of the
// given actor, joined with their cached actor records so the caller has
// inbox and shared-inbox URIs for fan-out.
func (db *DB) ReadFollowersOf(targetURI string) (error, *[]domain.Actor) {
	rows, err := db.db.Query(sqlSelectFollowersOfActor, targetURI)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var actors []domain.Actor
	for rows.Next() {
		var actor domain.Actor
		var idStr string
		if err := rows.Scan(&idStr, &actor.Username, &actor.Domain, &actor.ActorURI, &actor.InboxURI, &actor.SharedInboxURI, &actor.PublicKeyPem, &actor.PrivateKeyPem, &actor.Local, &actor.Banned, &actor.Tombstoned, &actor.LastFetchedAt, &actor.LastFailedAt, &actor.CreatedAt); err != nil {
			return err, &actors
		}
		actor.Id, _ = uuid.Parse(idStr)
		actors = append(actors, actor)
	}
	if err = rows.Err(); err != nil {
		return err, &actors
	}
	return nil, &actors
}

// Block queries
const (
	sqlUpsertBlock = `INSERT INTO blocks(id, actor_uri, target_uri, uri, created_at) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(actor_uri, target_uri) DO UPDATE SET uri = excluded.uri`
	sqlSelectBlockByURI = `SELECT id, actor_uri, target_uri, uri, created_at FROM blocks WHERE uri = ?`
	sqlDeleteBlockByURI = `DELETE FROM blocks WHERE uri = ?`
)

func (db *DB) UpsertBlock(block *domain.Block) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpsertBlock,
			block.Id.String(),
			block.ActorURI,
			block.TargetURI,
			block.URI,
			block.CreatedAt,
		)
		return err
	})
}

func (db *DB) ReadBlockByURI(uri string) (error, *domain.Block) {
	row := db.db.QueryRow(sqlSelectBlockByURI, uri)
	var block domain.Block
	var idStr string
	err := row.Scan(
		&idStr,
		&block.ActorURI,
		&block.TargetURI,
		&block.URI,
		&block.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return err, nil
	}
	if err != nil {
		return err, nil
	}
	block.Id, _ = uuid.Parse(idStr)
	return nil, &block
}

func (db *DB) DeleteBlockByURI(uri string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteBlockByURI, uri)
		return err
	})
}
